package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ytget/dlsched/internal/logging"
	"github.com/ytget/dlsched/internal/model"
	"github.com/ytget/dlsched/internal/platform"
)

// store writes outlive the task context so shutdown still records progress
const storeTimeout = 5 * time.Second

// outcome describes a completed task
type outcome struct {
	path     string
	checksum string
	size     int64
	attempts int
	deduped  bool
}

// execute runs the attempt loop of one task
func (s *Service) execute(ctx context.Context, task model.Task) (out outcome, fail *TaskFailure) {
	ctx, span := logging.Tracer().Start(ctx, "download.execute", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.url", task.URL),
		attribute.String("task.priority", task.Priority.String()),
	))
	started := s.clock()
	defer func() {
		s.tel.duration.Record(ctx, s.clock().Sub(started).Seconds())
		if fail != nil {
			span.SetStatus(codes.Error, fail.Error())
		}
		span.End()
	}()

	logger := s.logger.With("task_id", task.ID, "batch_id", task.BatchID)
	contentID := ContentID(task)
	span.SetAttributes(attribute.String("task.content_id", contentID))

	if entry, ok := s.dedup.Get(contentID); ok && checksumMatches(task.Checksum, entry.Checksum) {
		s.tel.dedupHits.Add(ctx, 1)
		rec := s.loadRecord(ctx, task.ID, contentID, logger)
		rec.Status = model.TaskStatusCompleted
		rec.OutputPath = entry.Path
		rec.Checksum = entry.Checksum
		rec.BytesDownloaded = entry.Size
		rec.LastError = ""
		s.saveRecord(ctx, rec, logger)
		logger.Info("content already downloaded", "content_id", contentID, "path", entry.Path)
		return outcome{path: entry.Path, checksum: entry.Checksum, size: entry.Size, deduped: true}, nil
	}

	dest := platform.DestinationFor(s.downloadDir, task)
	partial := platform.PartialPath(dest)
	if err := platform.CreateDirectoryIfNotExists(filepath.Dir(dest)); err != nil {
		return out, failure(FailurePermanent, "create destination directory", err)
	}

	rec := s.loadRecord(ctx, task.ID, contentID, logger)
	rec.Status = model.TaskStatusRunning
	rec.PartialPath = partial
	s.saveRecord(ctx, rec, logger)

	settings := s.controller.Settings()
	attempts := max(1, settings.MaxRetries)
	backoff := Backoff{Base: settings.RetryDelay, Max: s.maxBackoff}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			retryAfter, _ := retryable(lastErr)
			delay := backoff.Delay(attempt-1, retryAfter)
			s.tel.retries.Add(ctx, 1)
			logger.Info("retrying transfer", "attempt", attempt+1, "delay", delay, "error", lastErr)
			if err := s.sleep(ctx, delay); err != nil {
				return out, s.abandon(ctx, &rec, attempt, err, logger)
			}
			// settings may have been retuned while waiting
			settings = s.controller.Settings()
		}

		req := TransferRequest{
			TaskID:             task.ID,
			URL:                task.URL,
			Destination:        dest,
			Partial:            partial,
			Offset:             s.resumeOffset(partial, rec.BytesDownloaded, logger),
			ChunkSize:          settings.ChunkSize,
			Timeout:            settings.Timeout,
			BandwidthLimitKbps: settings.BandwidthLimitKbps,
			Progress:           s.progressFunc(task),
		}

		attemptStart := s.clock()
		res, err := s.transfer.Start(ctx, req)
		elapsed := s.clock().Sub(attemptStart)

		_, transient := retryable(err)
		s.controller.RecordAttempt(task.ID, res.Latency, err != nil && transient)
		if res.Bytes > 0 {
			s.tel.bytes.Add(ctx, res.Bytes)
			s.controller.RecordSpeed(task.ID, res.Bytes, elapsed)
		}
		rec.Attempts++
		rec.BytesDownloaded = fileSize(partial)

		if err != nil {
			lastErr = err
			rec.LastError = err.Error()
			if ctx.Err() != nil {
				return out, s.abandon(ctx, &rec, attempt+1, ctx.Err(), logger)
			}
			if !transient {
				rec.Status = model.TaskStatusFailed
				s.saveRecord(ctx, rec, logger)
				return out, &TaskFailure{Kind: FailurePermanent, Reason: "transfer failed", Attempts: attempt + 1, Err: err}
			}
			s.saveRecord(ctx, rec, logger)
			logger.Warn("transfer attempt failed", "attempt", attempt+1, "offset", req.Offset, "error", err)
			continue
		}

		out, fail = s.verify(task, res, dest, partial)
		if fail != nil {
			fail.Attempts = attempt + 1
			rec.Status = model.TaskStatusFailed
			rec.LastError = fail.Error()
			rec.BytesDownloaded = fileSize(partial)
			s.saveRecord(ctx, rec, logger)
			return outcome{}, fail
		}

		out.attempts = attempt + 1
		rec.Status = model.TaskStatusCompleted
		rec.OutputPath = out.path
		rec.Checksum = out.checksum
		rec.BytesDownloaded = out.size
		rec.PartialPath = ""
		rec.LastError = ""
		s.saveRecord(ctx, rec, logger)
		s.dedup.Put(contentID, DedupEntry{TaskID: task.ID, Path: out.path, Checksum: out.checksum, Size: out.size})
		return out, nil
	}

	rec.Status = model.TaskStatusFailed
	s.saveRecord(ctx, rec, logger)
	return out, &TaskFailure{
		Kind:     FailureExhausted,
		Reason:   fmt.Sprintf("gave up after %d attempts", attempts),
		Attempts: attempts,
		Err:      lastErr,
	}
}

// abandon leaves the record pending so the partial artifact can be resumed
// by a later run
func (s *Service) abandon(ctx context.Context, rec *model.TransferRecord, attempts int, err error, logger *slog.Logger) *TaskFailure {
	rec.Status = model.TaskStatusPending
	s.saveRecord(ctx, *rec, logger)
	return &TaskFailure{Kind: FailureCancelled, Reason: "execution cancelled", Attempts: attempts, Err: err}
}

// resumeOffset returns where the next attempt starts. A partial artifact is
// only trusted when its length matches the persisted progress; anything else
// is discarded.
func (s *Service) resumeOffset(partial string, recorded int64, logger *slog.Logger) int64 {
	info, err := os.Stat(partial)
	if err != nil {
		return 0
	}
	if recorded > 0 && info.Size() == recorded {
		logger.Info("resuming transfer", "offset", recorded)
		return recorded
	}
	logger.Info("discarding inconsistent partial artifact",
		"partial_size", info.Size(), "recorded", recorded)
	if err := os.Remove(partial); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove partial artifact", "path", partial, "error", err)
	}
	return 0
}

// verify checks the artifact of a successful transfer and moves it into
// place
func (s *Service) verify(task model.Task, res TransferResult, dest, partial string) (outcome, *TaskFailure) {
	artifact := res.Path
	if artifact == "" {
		artifact = partial
	}
	info, err := os.Stat(artifact)
	if err != nil {
		found, ferr := platform.FindArtifact(dest)
		if ferr != nil {
			return outcome{}, failure(FailurePermanent, "transfer produced no artifact", ferr)
		}
		artifact = found
		if info, err = os.Stat(artifact); err != nil {
			return outcome{}, failure(FailurePermanent, "stat artifact", err)
		}
	}

	size := info.Size()
	expected := task.ExpectedSize
	if expected <= 0 {
		expected = res.TotalSize
	}
	switch {
	case expected > 0 && size < expected:
		return outcome{}, failure(FailureIncomplete,
			fmt.Sprintf("stream ended at %d of %d bytes", size, expected), nil)
	case expected > 0 && size > expected:
		removeArtifact(artifact)
		return outcome{}, failure(FailureIntegrity,
			fmt.Sprintf("artifact has %d bytes, expected %d", size, expected), nil)
	}

	sum, err := fileChecksum(artifact)
	if err != nil {
		return outcome{}, failure(FailurePermanent, "checksum artifact", err)
	}
	if !checksumMatches(task.Checksum, sum) {
		removeArtifact(artifact)
		return outcome{}, failure(FailureIntegrity,
			fmt.Sprintf("checksum %s does not match %s", sum, task.Checksum), nil)
	}

	if artifact == partial {
		if err := os.Rename(partial, dest); err != nil {
			return outcome{}, failure(FailurePermanent, "move artifact into place", err)
		}
		artifact = dest
	}
	return outcome{path: artifact, checksum: sum, size: size}, nil
}

func (s *Service) progressFunc(task model.Task) func(done, total int64) {
	return func(done, total int64) {
		if total <= 0 {
			total = task.ExpectedSize
		}
		if total <= 0 {
			return
		}
		s.queue.UpdateProgress(task.ID, int(done*100/total))
	}
}

func (s *Service) loadRecord(ctx context.Context, taskID, contentID string, logger *slog.Logger) model.TransferRecord {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	rec, err := s.store.GetOrCreate(ctx, taskID, contentID)
	if err != nil {
		logger.Warn("failed to load transfer record", "error", err)
		return model.TransferRecord{TaskID: taskID, ContentID: contentID, Status: model.TaskStatusPending}
	}
	if rec.ContentID == "" {
		rec.ContentID = contentID
	}
	return rec
}

func (s *Service) saveRecord(ctx context.Context, rec model.TransferRecord, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	if err := s.store.Save(ctx, rec); err != nil {
		logger.Warn("failed to save transfer record", "status", string(rec.Status), "error", err)
	}
}

func checksumMatches(expected, actual string) bool {
	return expected == "" || strings.EqualFold(expected, actual)
}

// fileChecksum returns the hex SHA-256 of a file
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func removeArtifact(path string) {
	_ = os.Remove(path)
}
