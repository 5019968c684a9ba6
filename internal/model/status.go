package model

// TaskStatus represents the lifecycle status of a scheduled task
type TaskStatus string

const (
	// TaskStatusPending means the task is queued and waiting for its dependencies or a slot
	TaskStatusPending TaskStatus = "Pending"

	// TaskStatusRunning means the task was dequeued and is being transferred
	TaskStatusRunning TaskStatus = "Running"

	// TaskStatusCompleted means the task finished successfully
	TaskStatusCompleted TaskStatus = "Completed"

	// TaskStatusFailed means the task failed with an error
	TaskStatusFailed TaskStatus = "Failed"
)

// String returns the string representation of TaskStatus
func (ts TaskStatus) String() string {
	return string(ts)
}

// IsActive returns true if the task is in an active state
func (ts TaskStatus) IsActive() bool {
	return ts == TaskStatusRunning
}

// IsFinished returns true if the task is in a terminal state (completed or failed)
func (ts TaskStatus) IsFinished() bool {
	return ts == TaskStatusCompleted || ts == TaskStatusFailed
}
