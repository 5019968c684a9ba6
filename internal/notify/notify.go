package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ytget/dlsched/internal/model"
)

// Kind names an event
type Kind string

// Event kinds
const (
	TaskCompleted  Kind = "task.completed"
	TaskFailed     Kind = "task.failed"
	BatchCompleted Kind = "batch.completed"
)

// Event is one notification
type Event struct {
	Kind     Kind                 `json:"kind"`
	TaskID   string               `json:"task_id,omitempty"`
	BatchID  string               `json:"batch_id,omitempty"`
	Title    string               `json:"title,omitempty"`
	Reason   string               `json:"reason,omitempty"`
	Path     string               `json:"path,omitempty"`
	Progress *model.BatchProgress `json:"progress,omitempty"`
	Time     time.Time            `json:"time"`
}

// Notifier delivers events
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, ev Event) error

// Notify calls f
func (f NotifierFunc) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// LogNotifier writes events to a logger
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier logging to logger
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier
func (n *LogNotifier) Notify(ctx context.Context, ev Event) error {
	level := slog.LevelInfo
	if ev.Kind == TaskFailed {
		level = slog.LevelWarn
	}
	attrs := []any{"kind", string(ev.Kind)}
	if ev.TaskID != "" {
		attrs = append(attrs, "task_id", ev.TaskID)
	}
	if ev.BatchID != "" {
		attrs = append(attrs, "batch_id", ev.BatchID)
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	if ev.Progress != nil {
		attrs = append(attrs, "completed", ev.Progress.Completed, "failed", ev.Progress.Failed)
	}
	n.logger.Log(ctx, level, "notification", attrs...)
	return nil
}

// Multi fans an event out to every notifier and joins their errors
type Multi []Notifier

// Notify implements Notifier
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
