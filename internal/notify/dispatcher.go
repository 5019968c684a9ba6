package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Dispatcher defaults
const (
	DefaultBufferSize      = 256
	DefaultDeliveryTimeout = 15 * time.Second
)

// Dispatcher delivers events on a background goroutine. Notify never blocks:
// when the buffer is full the event is dropped and counted.
type Dispatcher struct {
	next    Notifier
	events  chan Event
	timeout time.Duration
	logger  *slog.Logger

	dropped atomic.Int64
	failed  atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher delivering to next
func NewDispatcher(next Notifier, buffer int, logger *slog.Logger) *Dispatcher {
	if buffer < 1 {
		buffer = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		next:    next,
		events:  make(chan Event, buffer),
		timeout: DefaultDeliveryTimeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

// Notify queues ev for delivery
func (d *Dispatcher) Notify(_ context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return nil
	}

	select {
	case d.events <- ev:
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification dropped", "kind", string(ev.Kind), "task_id", ev.TaskID)
	}
	return nil
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for ev := range d.events {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.next.Notify(ctx, ev); err != nil {
			d.failed.Add(1)
			d.logger.Warn("notification failed",
				"kind", string(ev.Kind), "task_id", ev.TaskID, "batch_id", ev.BatchID, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits until queued events are delivered
// or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many events were discarded
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Failed returns how many deliveries returned an error
func (d *Dispatcher) Failed() int64 {
	return d.failed.Load()
}
