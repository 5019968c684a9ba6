package queue

// Package queue implements the dependency-aware priority queue that feeds the
// download orchestrator. Pending tasks live in an indexed binary heap ordered
// by (priority desc, created_at asc, id asc); running and terminal tasks move
// to id-keyed indices used for dependency checks and duplicate rejection.
