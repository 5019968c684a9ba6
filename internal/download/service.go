package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ytget/dlsched/internal/adaptive"
	"github.com/ytget/dlsched/internal/model"
	"github.com/ytget/dlsched/internal/notify"
	"github.com/ytget/dlsched/internal/platform"
	"github.com/ytget/dlsched/internal/queue"
	"github.com/ytget/dlsched/internal/store"
)

// DefaultPollInterval bounds how long Drain waits for a task to finish
// before it runs another scheduling pass
const DefaultPollInterval = time.Second

// stall detection needs this many consecutive idle passes
const stallPasses = 2

// Service pulls ready tasks from the queue and executes them under the
// adaptive controller's concurrency limit
type Service struct {
	queue      *queue.Queue
	controller *adaptive.Controller
	transfer   Transfer
	store      store.Store
	notifier   notify.Notifier
	dedup      *DedupCache
	gate       *Gate
	tel        *telemetry

	downloadDir  string
	maxBackoff   time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	clock        func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error

	wg       sync.WaitGroup
	inflight atomic.Int64
	wake     chan struct{}

	// content ids and destinations of running tasks, mapped to the task id
	claimMu sync.Mutex
	claims  map[string]string
}

// Option configures a Service
type Option func(*Service)

// WithStore sets the persistence collaborator, in-memory by default
func WithStore(st store.Store) Option {
	return func(s *Service) {
		s.store = st
	}
}

// WithNotifier sets where task outcomes are reported
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithDedupCapacity sets the size of the dedup LRU
func WithDedupCapacity(n int) Option {
	return func(s *Service) {
		s.dedup = NewDedupCache(n)
	}
}

// WithMaxBackoff caps the exponential retry delay
func WithMaxBackoff(d time.Duration) Option {
	return func(s *Service) {
		s.maxBackoff = d
	}
}

// WithDownloadDir sets where artifacts of tasks without a destination go
func WithDownloadDir(dir string) Option {
	return func(s *Service) {
		s.downloadDir = dir
	}
}

// WithPollInterval sets how often Drain re-runs a pass while idle
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		s.pollInterval = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock replaces time.Now
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithSleep replaces the backoff sleep, mainly for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) {
		s.sleep = sleep
	}
}

// NewService creates a download service
func NewService(q *queue.Queue, c *adaptive.Controller, t Transfer, opts ...Option) *Service {
	s := &Service{
		queue:        q,
		controller:   c,
		transfer:     t,
		maxBackoff:   DefaultMaxBackoff,
		pollInterval: DefaultPollInterval,
		clock:        time.Now,
		sleep:        sleepContext,
		wake:         make(chan struct{}, 1),
		tel:          newTelemetry(),
		claims:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = store.NewMemoryStore()
	}
	if s.dedup == nil {
		s.dedup = NewDedupCache(DefaultDedupCapacity)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.downloadDir == "" {
		s.downloadDir = os.TempDir()
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	s.gate = NewGate(c.Settings().MaxConcurrentDownloads)
	return s
}

// Submit admits a task
func (s *Service) Submit(task model.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.clock()
	}
	if err := s.queue.Admit(task); err != nil {
		return err
	}
	s.signal()
	return nil
}

// SubmitBatch admits tasks as one batch and returns the batch id
func (s *Service) SubmitBatch(id, title string, tasks []model.Task) (string, error) {
	batchID, err := s.queue.AddBatch(id, title, tasks)
	if err != nil {
		return "", err
	}
	s.signal()
	return batchID, nil
}

// Withdraw removes a pending task
func (s *Service) Withdraw(id string) bool {
	return s.queue.Withdraw(id)
}

// Reprioritize changes the priority of a pending task
func (s *Service) Reprioritize(id string, p model.Priority) bool {
	return s.queue.Reprioritize(id, p)
}

// Task returns a snapshot of a task in any state
func (s *Service) Task(id string) (model.Task, bool) {
	return s.queue.Get(id)
}

// BatchProgress returns the progress of a batch
func (s *Service) BatchProgress(id string) (model.BatchProgress, bool) {
	return s.queue.BatchProgress(id)
}

// Status returns queue counters and execution state
func (s *Service) Status() Status {
	return Status{
		Queue:    s.queue.Status(),
		Settings: s.controller.Settings(),
		Gate:     s.gate.Status(),
		Active:   s.controller.Active(),
		Dedup:    s.dedup.Len(),
	}
}

// Warm seeds the dedup cache with completed records from the store whose
// artifact still exists. It returns the number of entries added.
func (s *Service) Warm(ctx context.Context) (int, error) {
	recs, err := s.store.CompletedContent(ctx, s.dedup.capacity)
	if err != nil {
		return 0, fmt.Errorf("load completed records: %w", err)
	}

	added := 0
	// oldest first so the newest records end up most recently used
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if rec.ContentID == "" || rec.OutputPath == "" {
			continue
		}
		if _, err := os.Stat(rec.OutputPath); err != nil {
			continue
		}
		s.dedup.Put(rec.ContentID, DedupEntry{
			TaskID:   rec.TaskID,
			Path:     rec.OutputPath,
			Checksum: rec.Checksum,
			Size:     rec.BytesDownloaded,
		})
		added++
	}
	s.logger.Info("dedup cache warmed", "entries", added)
	return added, nil
}

// RunOnce runs one scheduling pass: it lets the controller retune, resizes
// the gate to the current settings and starts every ready task the
// controller admits. A task whose content or destination is already being
// transferred waits for a later pass, where it usually takes the dedup path.
// It returns the number of tasks started. Started tasks run on ctx; RunOnce
// itself never waits for them.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.controller.Adjust(ctx)
	s.gate.Resize(s.controller.Settings().MaxConcurrentDownloads)

	var busy []string
	defer func() {
		for _, id := range busy {
			s.queue.Requeue(id)
		}
	}()

	started := 0
	for {
		task, ok := s.queue.NextReady()
		if !ok {
			break
		}
		keys := s.claimKeys(task)
		if !s.claim(task.ID, keys) {
			s.logger.Debug("content in flight, task deferred", "task_id", task.ID)
			busy = append(busy, task.ID)
			continue
		}
		if !s.controller.CanAdmit() {
			s.release(keys)
			s.queue.Requeue(task.ID)
			break
		}
		if err := s.gate.Acquire(ctx); err != nil {
			s.release(keys)
			s.queue.Requeue(task.ID)
			return started, err
		}

		s.controller.RegisterStart(task.ID)
		s.inflight.Add(1)
		s.wg.Add(1)
		go s.run(ctx, task, keys)
		started++
	}
	return started, nil
}

func (s *Service) claimKeys(task model.Task) []string {
	return []string{
		"content:" + ContentID(task),
		"path:" + platform.DestinationFor(s.downloadDir, task),
	}
}

// claim reserves every key for taskID, or none when one is held
func (s *Service) claim(taskID string, keys []string) bool {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	for _, k := range keys {
		if _, held := s.claims[k]; held {
			return false
		}
	}
	for _, k := range keys {
		s.claims[k] = taskID
	}
	return true
}

func (s *Service) release(keys []string) {
	s.claimMu.Lock()
	for _, k := range keys {
		delete(s.claims, k)
	}
	s.claimMu.Unlock()
}

// Drain runs scheduling passes until no task is pending or running. It
// returns ErrStalled when pending tasks remain that nothing can make ready,
// for example dependencies on ids that were never admitted.
func (s *Service) Drain(ctx context.Context) error {
	idle := 0
	for {
		before := s.inflight.Load()
		started, err := s.RunOnce(ctx)
		if err != nil {
			return err
		}

		st := s.queue.Status()
		if st.Pending == 0 && st.Running == 0 && s.inflight.Load() == 0 {
			return nil
		}
		if started == 0 && before == 0 && s.inflight.Load() == 0 && st.Pending > 0 {
			idle++
			if idle >= stallPasses {
				s.logger.Warn("scheduler stalled", "pending", st.Pending)
				return fmt.Errorf("%w: %d pending tasks can never become ready", ErrStalled, st.Pending)
			}
			continue
		}
		idle = 0

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-s.wake:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}

// Run keeps scheduling until ctx is done, then waits for started tasks.
// Unlike Drain it does not return when the queue is empty.
func (s *Service) Run(ctx context.Context) {
	for {
		if _, err := s.RunOnce(ctx); err != nil {
			break
		}

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-s.wake:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
		if ctx.Err() != nil {
			break
		}
	}
	s.Wait()
}

// Wait blocks until every started task has finished
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run executes one task and reports its outcome. The queue transition
// happens before the controller and gate learn the slot is free.
func (s *Service) run(ctx context.Context, task model.Task, keys []string) {
	defer func() {
		s.release(keys)
		s.controller.RegisterEnd(task.ID)
		s.gate.Release()
		s.inflight.Add(-1)
		s.wg.Done()
		s.signal()
	}()

	out, fail := s.executeSafe(ctx, task)
	if fail != nil {
		s.finishFailed(ctx, task, fail)
		return
	}
	s.finishCompleted(ctx, task, out)
}

func (s *Service) executeSafe(ctx context.Context, task model.Task) (out outcome, fail *TaskFailure) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task execution panicked", "task_id", task.ID, "panic", r)
			fail = failure(FailurePermanent, "internal error", fmt.Errorf("panic: %v", r))
		}
	}()
	return s.execute(ctx, task)
}

func (s *Service) finishCompleted(ctx context.Context, task model.Task, out outcome) {
	if err := s.queue.Complete(task.ID); err != nil {
		s.logger.Error("failed to complete task", "task_id", task.ID, "error", err)
		return
	}
	s.tel.completed.Add(ctx, 1)
	s.logger.Info("task completed",
		"task_id", task.ID, "batch_id", task.BatchID, "path", out.path,
		"attempts", out.attempts, "deduplicated", out.deduped)
	s.notify(ctx, notify.Event{
		Kind:    notify.TaskCompleted,
		TaskID:  task.ID,
		BatchID: task.BatchID,
		Title:   task.DisplayName(),
		Path:    out.path,
	})
}

func (s *Service) finishFailed(ctx context.Context, task model.Task, fail *TaskFailure) {
	if err := s.queue.Fail(task.ID, fail.Error()); err != nil {
		s.logger.Error("failed to fail task", "task_id", task.ID, "error", err)
		return
	}
	s.tel.failed.Add(ctx, 1)
	s.logger.Warn("task failed",
		"task_id", task.ID, "batch_id", task.BatchID,
		"kind", string(fail.Kind), "attempts", fail.Attempts, "error", fail.Error())
	s.notify(ctx, notify.Event{
		Kind:    notify.TaskFailed,
		TaskID:  task.ID,
		BatchID: task.BatchID,
		Title:   task.DisplayName(),
		Reason:  fail.Error(),
	})
}

func (s *Service) notify(ctx context.Context, ev notify.Event) {
	if s.notifier == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = s.clock()
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("notification failed", "kind", string(ev.Kind), "task_id", ev.TaskID, "error", err)
	}
}
