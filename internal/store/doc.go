package store

// Package store persists per-task transfer state: terminal status, checksum,
// and the bookkeeping of partial artifacts used for resume.
