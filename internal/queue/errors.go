package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTask is returned for tasks with a missing id or an undefined priority
	ErrInvalidTask = errors.New("invalid task")

	// ErrDuplicateTask is returned when the id is already pending, running or terminal
	ErrDuplicateTask = errors.New("task already exists")

	// ErrUnknownTask is returned when an id is not present in any index
	ErrUnknownTask = errors.New("unknown task")

	// ErrNotRunning is returned when a terminal transition targets a task that is not running
	ErrNotRunning = errors.New("task is not running")

	// ErrDependencyCycle is returned when an edge would make a task depend on itself
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrDependencyFailed is returned when a new edge points at a failed task
	ErrDependencyFailed = errors.New("dependency already failed")

	// ErrDuplicateBatch is returned when a batch id is reused
	ErrDuplicateBatch = errors.New("batch already exists")

	// ErrEmptyBatch is returned when a batch has no tasks
	ErrEmptyBatch = errors.New("batch has no tasks")
)

// AdmissionError reports a task rejected synchronously by Admit or AddBatch.
// The task never entered the queue.
type AdmissionError struct {
	TaskID string
	Err    error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admit %q: %v", e.TaskID, e.Err)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}
