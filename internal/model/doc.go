package model

// Package model defines domain data structures shared by the scheduler: tasks,
// batches, priority and status enums, adaptive settings and metric samples.
// Values are plain records; ownership and mutation rules live with the
// component that stores them.
