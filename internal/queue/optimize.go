package queue

import (
	"container/heap"
	"context"
	"slices"
	"time"
)

// Self-optimization thresholds
const (
	StalenessThreshold = 2 * time.Hour

	statsWindow     = 10
	minSamples      = 3
	lowUtilization  = 0.5
	highUtilization = 0.8
)

// sample is one observation of the queue counters taken by Optimize
type sample struct {
	pending   int
	running   int
	completed int
	failed    int
}

// OptimizeResult describes what an Optimize pass changed
type OptimizeResult struct {
	Promoted    []string
	Concurrency int
	Previous    int
	Utilization float64
}

// Adjusted reports whether the concurrency budget moved
func (r OptimizeResult) Adjusted() bool {
	return r.Concurrency != r.Previous
}

// Optimize records a counter sample, retunes the concurrency budget when the
// last samples show persistently low or high utilization with a backlog, and
// promotes pending tasks that waited longer than StalenessThreshold by one
// tier.
func (q *Queue) Optimize() OptimizeResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.samples = append(q.samples, sample{
		pending:   len(q.pending),
		running:   len(q.running),
		completed: len(q.completed),
		failed:    len(q.failed),
	})
	if len(q.samples) > statsWindow {
		q.samples = q.samples[len(q.samples)-statsWindow:]
	}

	res := OptimizeResult{Concurrency: q.concurrency, Previous: q.concurrency}
	res.Utilization = q.utilizationLocked()

	if len(q.samples) >= minSamples && q.backloggedLocked() {
		switch {
		case res.Utilization > highUtilization && q.concurrency < q.ceiling:
			q.concurrency++
		case res.Utilization < lowUtilization && q.concurrency > 1:
			q.concurrency--
		}
		if q.concurrency != res.Previous {
			res.Concurrency = q.concurrency
			q.samples = q.samples[:0]
			q.logger.Info("queue concurrency retuned",
				"from", res.Previous, "to", res.Concurrency, "utilization", res.Utilization)
		}
	}

	res.Promoted = q.promoteStaleLocked()
	return res
}

func (q *Queue) utilizationLocked() float64 {
	if len(q.samples) == 0 || q.concurrency == 0 {
		return 0
	}
	running := 0
	for _, s := range q.samples {
		running += s.running
	}
	avg := float64(running) / float64(len(q.samples))
	return avg / float64(q.concurrency)
}

// backloggedLocked is true when every sample in the window had pending work
func (q *Queue) backloggedLocked() bool {
	for _, s := range q.samples {
		if s.pending == 0 {
			return false
		}
	}
	return true
}

func (q *Queue) promoteStaleLocked() []string {
	now := q.clock()
	var stale []*entry
	for _, e := range q.heap {
		if e.task.Priority.Promote() == e.task.Priority {
			continue
		}
		if now.Sub(e.staleSince()) > StalenessThreshold {
			stale = append(stale, e)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	promoted := make([]string, 0, len(stale))
	for _, e := range stale {
		from := e.task.Priority
		e.task.Priority = from.Promote()
		e.promotedAt = now
		heap.Fix(&q.heap, e.index)
		promoted = append(promoted, e.task.ID)
		q.logger.Info("stale task promoted",
			"task_id", e.task.ID, "from", from.String(), "to", e.task.Priority.String())
	}
	slices.Sort(promoted)
	return promoted
}

// Run calls Optimize every interval until ctx is done
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Optimize()
		}
	}
}
