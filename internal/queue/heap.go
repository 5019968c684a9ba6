package queue

import (
	"time"

	"github.com/ytget/dlsched/internal/model"
)

// entry is the queue's private record of a task. deps and dependents are kept
// in lock-step: id in a.deps <=> a.ID in lookup(id).dependents, or in
// waiting[id] while id has not been admitted yet.
type entry struct {
	task       model.Task
	deps       map[string]struct{}
	dependents map[string]struct{}
	index      int // position in taskHeap, -1 when not pending
	promotedAt time.Time
}

// staleSince is the instant staleness is measured from
func (e *entry) staleSince() time.Time {
	if e.promotedAt.After(e.task.CreatedAt) {
		return e.promotedAt
	}
	return e.task.CreatedAt
}

// taskHeap implements heap.Interface over pending entries
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i].task, h[j].task
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
