package download

import (
	"context"
	"log/slog"
	"time"

	"github.com/ytget/dlsched/internal/model"
	"github.com/ytget/dlsched/internal/notify"
	"github.com/ytget/dlsched/internal/queue"
	"github.com/ytget/dlsched/internal/store"
)

// QueueHooks handles queue side-effect transitions: a finished batch is
// notified, a task failed by the dependency cascade gets a FAILED record in
// st and is notified. n should not block; wrap slow notifiers in a
// notify.Dispatcher. Either collaborator may be nil.
func QueueHooks(n notify.Notifier, st store.Store, logger *slog.Logger) queue.Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return queue.Hooks{
		BatchFinished: func(p model.BatchProgress) {
			if n == nil {
				return
			}
			_ = n.Notify(context.Background(), notify.Event{
				Kind:     notify.BatchCompleted,
				BatchID:  p.BatchID,
				Title:    p.Title,
				Progress: &p,
				Time:     time.Now(),
			})
		},
		DependentFailed: func(t model.Task) {
			if st != nil {
				recordCascadeFailure(st, t, logger)
			}
			if n == nil {
				return
			}
			_ = n.Notify(context.Background(), notify.Event{
				Kind:    notify.TaskFailed,
				TaskID:  t.ID,
				BatchID: t.BatchID,
				Title:   t.DisplayName(),
				Reason:  t.LastError,
				Time:    time.Now(),
			})
		},
	}
}

func recordCascadeFailure(st store.Store, t model.Task, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	rec, err := st.GetOrCreate(ctx, t.ID, ContentID(t))
	if err == nil {
		rec.Status = model.TaskStatusFailed
		rec.LastError = t.LastError
		err = st.Save(ctx, rec)
	}
	if err != nil {
		logger.Warn("failed to record dependency failure", "task_id", t.ID, "error", err)
	}
}
