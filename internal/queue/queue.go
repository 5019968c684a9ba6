package queue

import (
	"container/heap"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ytget/dlsched/internal/model"
)

// Default concurrency budget
const (
	DefaultConcurrency = 3
	DefaultCeiling     = 10
)

// Hooks receive transitions that happen as a side effect of another call.
// They run after the queue lock is released.
type Hooks struct {
	// BatchFinished fires once when every task of a batch is terminal
	BatchFinished func(model.BatchProgress)

	// DependentFailed fires for each pending task failed by a dependency failure
	DependentFailed func(model.Task)
}

// Status is a point-in-time view of the queue counters
type Status struct {
	Pending     int               `json:"pending"`
	Running     int               `json:"running"`
	Completed   int               `json:"completed"`
	Failed      int               `json:"failed"`
	Concurrency int               `json:"concurrency"`
	Ceiling     int               `json:"ceiling"`
	Failures    map[string]string `json:"failures,omitempty"`
}

// Queue is a dependency-aware priority queue. All methods are safe for
// concurrent use.
type Queue struct {
	mu sync.Mutex

	heap      taskHeap
	pending   map[string]*entry
	running   map[string]*entry
	completed map[string]*entry
	failed    map[string]*entry

	// waiting holds reverse edges for dependency ids not admitted yet
	waiting map[string]map[string]struct{}

	batches         map[string]*model.Batch
	finishedBatches map[string]struct{}

	concurrency int
	ceiling     int
	samples     []sample

	hooks  Hooks
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Queue
type Option func(*Queue)

// WithConcurrency sets the initial concurrency budget consulted by NextReady
func WithConcurrency(n int) Option {
	return func(q *Queue) {
		q.concurrency = n
	}
}

// WithCeiling bounds the concurrency budget Optimize may advertise
func WithCeiling(n int) Option {
	return func(q *Queue) {
		q.ceiling = n
	}
}

// WithClock replaces time.Now, mainly for tests
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		q.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithHooks installs transition hooks
func WithHooks(h Hooks) Option {
	return func(q *Queue) {
		q.hooks = h
	}
}

// New creates an empty queue
func New(opts ...Option) *Queue {
	q := &Queue{
		pending:         make(map[string]*entry),
		running:         make(map[string]*entry),
		completed:       make(map[string]*entry),
		failed:          make(map[string]*entry),
		waiting:         make(map[string]map[string]struct{}),
		batches:         make(map[string]*model.Batch),
		finishedBatches: make(map[string]struct{}),
		concurrency:     DefaultConcurrency,
		ceiling:         DefaultCeiling,
		clock:           time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.ceiling < 1 {
		q.ceiling = DefaultCeiling
	}
	q.concurrency = max(1, min(q.concurrency, q.ceiling))
	heap.Init(&q.heap)
	return q
}

// notices collects hook invocations to run once the lock is dropped
type notices struct {
	batches []model.BatchProgress
	failed  []model.Task
}

func (q *Queue) fire(n notices) {
	if q.hooks.DependentFailed != nil {
		for _, t := range n.failed {
			q.hooks.DependentFailed(t)
		}
	}
	if q.hooks.BatchFinished != nil {
		for _, b := range n.batches {
			q.hooks.BatchFinished(b)
		}
	}
}

// Admit inserts a pending task and registers its dependency edges.
// Dependencies may reference ids that are not admitted yet.
func (q *Queue) Admit(task model.Task) error {
	q.mu.Lock()
	err := q.admitLocked(task)
	q.mu.Unlock()
	return err
}

func (q *Queue) admitLocked(task model.Task) error {
	if task.ID == "" || !task.Priority.Valid() {
		return &AdmissionError{TaskID: task.ID, Err: ErrInvalidTask}
	}
	if q.lookup(task.ID) != nil {
		return &AdmissionError{TaskID: task.ID, Err: ErrDuplicateTask}
	}
	for _, dep := range task.Dependencies {
		if dep == task.ID {
			return &AdmissionError{TaskID: task.ID, Err: ErrDependencyCycle}
		}
		if _, ok := q.failed[dep]; ok {
			return &AdmissionError{TaskID: task.ID, Err: fmt.Errorf("%w: %s", ErrDependencyFailed, dep)}
		}
	}
	if q.reaches(task.Dependencies, task.ID) {
		return &AdmissionError{TaskID: task.ID, Err: ErrDependencyCycle}
	}

	t := task.Clone()
	t.Status = model.TaskStatusPending
	t.Dependencies = nil
	t.Dependents = nil
	t.Progress = 0
	t.LastError = ""
	if t.CreatedAt.IsZero() {
		t.CreatedAt = q.clock()
	}
	if t.TotalItems < 1 {
		t.TotalItems = 1
	}

	e := &entry{
		task:       t,
		deps:       make(map[string]struct{}, len(task.Dependencies)),
		dependents: make(map[string]struct{}),
		index:      -1,
	}
	for _, dep := range task.Dependencies {
		e.deps[dep] = struct{}{}
		if de := q.lookup(dep); de != nil {
			de.dependents[t.ID] = struct{}{}
			continue
		}
		w, ok := q.waiting[dep]
		if !ok {
			w = make(map[string]struct{})
			q.waiting[dep] = w
		}
		w[t.ID] = struct{}{}
	}
	if w, ok := q.waiting[t.ID]; ok {
		e.dependents = w
		delete(q.waiting, t.ID)
	}

	q.pending[t.ID] = e
	heap.Push(&q.heap, e)

	q.logger.Debug("task admitted",
		"task_id", t.ID, "priority", t.Priority.String(), "dependencies", len(e.deps), "pending", len(q.pending))
	return nil
}

// Withdraw removes a pending task and severs its edges on both sides.
// Running and terminal tasks are left untouched and false is returned.
func (q *Queue) Withdraw(id string) bool {
	q.mu.Lock()
	e, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return false
	}

	heap.Remove(&q.heap, e.index)
	delete(q.pending, id)
	q.detachLocked(e)

	var n notices
	if b := q.batches[e.task.BatchID]; b != nil {
		b.MarkWithdrawn(id)
		q.noteBatchLocked(b, &n)
	}
	q.mu.Unlock()

	q.logger.Debug("task withdrawn", "task_id", id)
	q.fire(n)
	return true
}

// detachLocked removes every edge touching e
func (q *Queue) detachLocked(e *entry) {
	id := e.task.ID
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
	for dependent := range e.dependents {
		if xe := q.lookup(dependent); xe != nil {
			delete(xe.deps, id)
		}
	}
	e.deps = make(map[string]struct{})
	e.dependents = make(map[string]struct{})
}

// NextReady dequeues the highest-priority task whose dependencies are all
// completed and marks it running. It returns false when the concurrency
// budget is exhausted or no pending task is ready. Tasks examined and found
// blocked are pushed back before returning.
func (q *Queue) NextReady() (model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.running) >= q.concurrency {
		return model.Task{}, false
	}

	var found *entry
	var held []*entry
	for q.heap.Len() > 0 {
		e := heap.Pop(&q.heap).(*entry)
		if q.readyLocked(e) {
			found = e
			break
		}
		held = append(held, e)
	}
	for _, e := range held {
		heap.Push(&q.heap, e)
	}
	if found == nil {
		return model.Task{}, false
	}

	delete(q.pending, found.task.ID)
	found.task.Status = model.TaskStatusRunning
	found.task.StartedAt = q.clock()
	q.running[found.task.ID] = found
	return q.snapshot(found), true
}

func (q *Queue) readyLocked(e *entry) bool {
	for dep := range e.deps {
		if _, ok := q.completed[dep]; !ok {
			return false
		}
	}
	return true
}

// Requeue returns a running task to the pending heap with its original
// ordering key. Used when the orchestrator cannot admit a dequeued task.
func (q *Queue) Requeue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.running[id]
	if !ok {
		return false
	}
	delete(q.running, id)
	e.task.Status = model.TaskStatusPending
	e.task.StartedAt = time.Time{}
	q.pending[id] = e
	heap.Push(&q.heap, e)
	return true
}

// Complete moves a running task to the completed index
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	e, err := q.finishLocked("complete", id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	e.task.Status = model.TaskStatusCompleted
	e.task.Progress = 100
	q.completed[id] = e

	var n notices
	if b := q.batches[e.task.BatchID]; b != nil {
		b.MarkCompleted()
		q.noteBatchLocked(b, &n)
	}
	q.mu.Unlock()

	q.fire(n)
	return nil
}

// Fail moves a running task to the failed index with a reason. Pending tasks
// that depend on it, directly or transitively, fail with it.
func (q *Queue) Fail(id, reason string) error {
	q.mu.Lock()
	e, err := q.finishLocked("fail", id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	var n notices
	q.markFailedLocked(e, reason, &n)
	q.cascadeLocked(e, &n)
	q.mu.Unlock()

	q.fire(n)
	return nil
}

func (q *Queue) finishLocked(op, id string) (*entry, error) {
	e, ok := q.running[id]
	if !ok {
		if q.lookup(id) == nil {
			return nil, fmt.Errorf("%s %s: %w", op, id, ErrUnknownTask)
		}
		return nil, fmt.Errorf("%s %s: %w", op, id, ErrNotRunning)
	}
	delete(q.running, id)
	e.task.FinishedAt = q.clock()
	return e, nil
}

func (q *Queue) markFailedLocked(e *entry, reason string, n *notices) {
	e.task.Status = model.TaskStatusFailed
	e.task.LastError = reason
	q.failed[e.task.ID] = e
	if b := q.batches[e.task.BatchID]; b != nil {
		b.MarkFailed()
		q.noteBatchLocked(b, n)
	}
}

func (q *Queue) cascadeLocked(root *entry, n *notices) {
	stack := []*entry{root}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for dependent := range cur.dependents {
			xe, ok := q.pending[dependent]
			if !ok {
				continue
			}
			heap.Remove(&q.heap, xe.index)
			delete(q.pending, dependent)
			xe.task.FinishedAt = q.clock()
			q.markFailedLocked(xe, fmt.Sprintf("dependency %s failed", cur.task.ID), n)
			n.failed = append(n.failed, q.snapshot(xe))
			stack = append(stack, xe)
		}
	}
}

// Reprioritize changes the priority of a pending task
func (q *Queue) Reprioritize(id string, p model.Priority) bool {
	if !p.Valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.pending[id]
	if !ok {
		return false
	}
	e.task.Priority = p
	heap.Fix(&q.heap, e.index)
	return true
}

// AddDependency makes a pending task wait for dependencyID. It returns false
// when either id is unknown or id is no longer pending, and an error when the
// edge would close a cycle or the dependency already failed.
func (q *Queue) AddDependency(id, dependencyID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.pending[id]
	if !ok {
		return false, nil
	}
	de := q.lookup(dependencyID)
	if de == nil {
		return false, nil
	}
	if id == dependencyID {
		return false, fmt.Errorf("add dependency %s -> %s: %w", id, dependencyID, ErrDependencyCycle)
	}
	if _, exists := e.deps[dependencyID]; exists {
		return true, nil
	}
	if de.task.Status == model.TaskStatusFailed {
		return false, fmt.Errorf("add dependency %s -> %s: %w", id, dependencyID, ErrDependencyFailed)
	}
	if q.reaches([]string{dependencyID}, id) {
		return false, fmt.Errorf("add dependency %s -> %s: %w", id, dependencyID, ErrDependencyCycle)
	}

	e.deps[dependencyID] = struct{}{}
	de.dependents[id] = struct{}{}
	return true, nil
}

// reaches reports whether target is reachable from ids by following
// dependency edges
func (q *Queue) reaches(ids []string, target string) bool {
	seen := make(map[string]struct{})
	stack := append([]string(nil), ids...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if e := q.lookup(id); e != nil {
			for dep := range e.deps {
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// Get returns a snapshot of a task from any index
func (q *Queue) Get(id string) (model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.lookup(id)
	if e == nil {
		return model.Task{}, false
	}
	return q.snapshot(e), true
}

// UpdateProgress records the completion percentage of a running task
func (q *Queue) UpdateProgress(id string, percent int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.running[id]
	if !ok {
		return false
	}
	e.task.Progress = min(100, max(0, percent))
	return true
}

// Status returns queue counters and the reason of every failed task
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Status{
		Pending:     len(q.pending),
		Running:     len(q.running),
		Completed:   len(q.completed),
		Failed:      len(q.failed),
		Concurrency: q.concurrency,
		Ceiling:     q.ceiling,
	}
	if len(q.failed) > 0 {
		s.Failures = make(map[string]string, len(q.failed))
		for id, e := range q.failed {
			s.Failures[id] = e.task.LastError
		}
	}
	return s
}

// Concurrency returns the current concurrency budget
func (q *Queue) Concurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.concurrency
}

func (q *Queue) lookup(id string) *entry {
	if e, ok := q.pending[id]; ok {
		return e
	}
	if e, ok := q.running[id]; ok {
		return e
	}
	if e, ok := q.completed[id]; ok {
		return e
	}
	if e, ok := q.failed[id]; ok {
		return e
	}
	return nil
}

func (q *Queue) snapshot(e *entry) model.Task {
	t := e.task.Clone()
	t.Dependencies = sortedKeys(e.deps)
	t.Dependents = sortedKeys(e.dependents)
	return t
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
