package queue

import (
	"container/heap"

	"github.com/ytget/dlsched/internal/model"
)

// AddBatch admits tasks as one batch. Either every task is admitted or none
// is. An empty id gets a generated one; the batch id is returned.
func (q *Queue) AddBatch(id, title string, tasks []model.Task) (string, error) {
	if len(tasks) == 0 {
		return "", &AdmissionError{TaskID: id, Err: ErrEmptyBatch}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.batches[id]; exists && id != "" {
		return "", &AdmissionError{TaskID: id, Err: ErrDuplicateBatch}
	}

	batch := model.NewBatch(id)
	batch.Title = title

	admitted := make([]string, 0, len(tasks))
	for _, t := range tasks {
		t.BatchID = batch.ID
		t.TotalItems = len(tasks)
		if err := q.admitLocked(t); err != nil {
			q.rollbackLocked(admitted)
			return "", err
		}
		admitted = append(admitted, t.ID)
		batch.AddTask(t.ID)
	}

	q.batches[batch.ID] = batch
	q.logger.Info("batch admitted", "batch_id", batch.ID, "tasks", batch.Total())
	return batch.ID, nil
}

// rollbackLocked undoes admissions made by a failed AddBatch, newest first.
// Forward references from tasks outside the batch go back to waiting.
func (q *Queue) rollbackLocked(ids []string) {
	for i := len(ids) - 1; i >= 0; i-- {
		e, ok := q.pending[ids[i]]
		if !ok {
			continue
		}
		id := e.task.ID
		heap.Remove(&q.heap, e.index)
		delete(q.pending, id)
		for dep := range e.deps {
			if de := q.lookup(dep); de != nil {
				delete(de.dependents, id)
				continue
			}
			if w, ok := q.waiting[dep]; ok {
				delete(w, id)
				if len(w) == 0 {
					delete(q.waiting, dep)
				}
			}
		}
		if len(e.dependents) > 0 {
			q.waiting[id] = e.dependents
		}
	}
}

// BatchProgress returns the counters of a batch
func (q *Queue) BatchProgress(id string) (model.BatchProgress, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.batches[id]
	if !ok {
		return model.BatchProgress{}, false
	}
	return b.Progress(), true
}

// RemoveBatch forgets a batch. Its tasks stay in the queue.
func (q *Queue) RemoveBatch(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.batches[id]; !ok {
		return false
	}
	delete(q.batches, id)
	delete(q.finishedBatches, id)
	return true
}

// noteBatchLocked queues a BatchFinished notice the first time b finishes
func (q *Queue) noteBatchLocked(b *model.Batch, n *notices) {
	if !b.IsFinished() {
		return
	}
	if _, done := q.finishedBatches[b.ID]; done {
		return
	}
	q.finishedBatches[b.ID] = struct{}{}
	n.batches = append(n.batches, b.Progress())
}
