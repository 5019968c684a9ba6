package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID prefixes
const (
	TaskIDPrefix  = "task-"
	BatchIDPrefix = "batch-"
)

// Task is a single schedulable download. Dependencies and Dependents are
// snapshots; the queue owns the live edge sets.
type Task struct {
	ID           string
	Group        string // logical source identifier
	URL          string
	Title        string
	ContentID    string // dedup identity, derived from URL when empty
	Destination  string // final artifact path, derived from the download dir when empty
	ExpectedSize int64  // bytes, 0 when unknown
	Checksum     string // expected hex SHA-256, empty when unknown
	Priority     Priority
	CreatedAt    time.Time
	Dependencies []string
	Dependents   []string
	Status       TaskStatus
	BatchID      string
	Progress     int // 0 to 100
	TotalItems   int // size of the owning batch, 1 if standalone
	LastError    string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// NewTask creates a pending standalone task for url
func NewTask(url string, priority Priority) Task {
	return Task{
		ID:         NewTaskID(),
		URL:        url,
		Priority:   priority,
		CreatedAt:  time.Now(),
		Status:     TaskStatusPending,
		TotalItems: 1,
	}
}

// Clone returns a copy that shares no slices with t
func (t Task) Clone() Task {
	c := t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Dependents = append([]string(nil), t.Dependents...)
	return c
}

// DisplayName returns title, filename, or URL in order of preference
func (t *Task) DisplayName() string {
	if t.Title != "" && !strings.HasPrefix(t.Title, "http") {
		return t.Title
	}

	if t.Destination != "" {
		parts := strings.FieldsFunc(t.Destination, func(r rune) bool {
			return r == '/' || r == '\\'
		})
		if len(parts) > 0 {
			filename := parts[len(parts)-1]
			if idx := strings.LastIndex(filename, "."); idx > 0 {
				filename = filename[:idx]
			}
			return filename
		}
	}

	if t.URL != "" {
		return t.URL
	}
	return t.ID
}

// NewTaskID generates a unique, time-ordered task ID
func NewTaskID() string {
	return newID(TaskIDPrefix)
}

// StableTaskID derives a task ID from a content key, so the same content
// gets the same ID, and with it the same transfer record, in every run
func StableTaskID(key string) string {
	return TaskIDPrefix + uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// NewBatchID generates a unique, time-ordered batch ID
func NewBatchID() string {
	return newID(BatchIDPrefix)
}

// newID uses UUID v7 so ids sort by creation time
func newID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf(prefix+"%d", time.Now().UnixNano())
	}
	return prefix + id.String()
}
