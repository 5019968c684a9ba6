package model

import (
	"time"
)

// Batch groups tasks created together. The counters only grow and the task
// list is fixed at admission; a batch is destroyed by explicit caller action,
// never by the queue.
type Batch struct {
	ID        string
	Title     string
	TaskIDs   []string
	Completed int
	Failed    int
	Withdrawn int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewBatch creates an empty batch
func NewBatch(id string) *Batch {
	if id == "" {
		id = NewBatchID()
	}
	now := time.Now()
	return &Batch{
		ID:        id,
		TaskIDs:   make([]string, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddTask appends a task id to the batch
func (b *Batch) AddTask(taskID string) {
	b.TaskIDs = append(b.TaskIDs, taskID)
	b.UpdatedAt = time.Now()
}

// MarkWithdrawn records that a task of the batch was withdrawn before it
// ran. The task keeps counting towards Total so the percentage never jumps.
func (b *Batch) MarkWithdrawn(taskID string) {
	for _, id := range b.TaskIDs {
		if id == taskID {
			b.Withdrawn++
			b.UpdatedAt = time.Now()
			return
		}
	}
}

// MarkCompleted records one more completed task
func (b *Batch) MarkCompleted() {
	b.Completed++
	b.UpdatedAt = time.Now()
}

// MarkFailed records one more failed task
func (b *Batch) MarkFailed() {
	b.Failed++
	b.UpdatedAt = time.Now()
}

// Total returns the number of tasks admitted with the batch, withdrawn ones
// included
func (b *Batch) Total() int {
	return len(b.TaskIDs)
}

// IsFinished reports whether every task reached a terminal state or was
// withdrawn
func (b *Batch) IsFinished() bool {
	return b.Total() > 0 && b.Completed+b.Failed+b.Withdrawn >= b.Total()
}

// Progress returns a snapshot of the batch counters
func (b *Batch) Progress() BatchProgress {
	p := BatchProgress{
		BatchID:   b.ID,
		Title:     b.Title,
		Total:     b.Total(),
		Completed: b.Completed,
		Failed:    b.Failed,
		Withdrawn: b.Withdrawn,
		Finished:  b.IsFinished(),
	}
	if p.Total > 0 {
		p.Percent = float64(b.Completed) / float64(p.Total) * 100
	}
	return p
}

// BatchProgress is a read-only view of a batch. Percent is completed over
// Total; withdrawn tasks stay in Total, so a batch with withdrawals finishes
// below 100.
type BatchProgress struct {
	BatchID   string  `json:"batch_id"`
	Title     string  `json:"title,omitempty"`
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Withdrawn int     `json:"withdrawn"`
	Percent   float64 `json:"percent"`
	Finished  bool    `json:"finished"`
}
