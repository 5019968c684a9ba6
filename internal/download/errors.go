package download

import (
	"errors"
	"fmt"
	"time"
)

// ErrStalled is returned by Drain when pending tasks remain that can never
// become ready
var ErrStalled = errors.New("scheduler stalled")

// RateLimitedError signals that the remote side asked to slow down
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// TransientError is a network-level failure worth retrying
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// FailureKind classifies terminal task failures
type FailureKind string

// Failure kinds
const (
	FailurePermanent  FailureKind = "permanent"
	FailureIntegrity  FailureKind = "integrity"
	FailureIncomplete FailureKind = "incomplete"
	FailureDependency FailureKind = "dependency"
	FailureCancelled  FailureKind = "cancelled"
	FailureExhausted  FailureKind = "retries_exhausted"
)

// TaskFailure is the terminal error of a task. Its text becomes the task's
// failure reason.
type TaskFailure struct {
	Kind     FailureKind
	Reason   string
	Attempts int
	Err      error
}

func (f *TaskFailure) Error() string {
	msg := string(f.Kind) + ": " + f.Reason
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *TaskFailure) Unwrap() error { return f.Err }

func failure(kind FailureKind, reason string, err error) *TaskFailure {
	return &TaskFailure{Kind: kind, Reason: reason, Err: err}
}

// retryable reports whether err may succeed on another attempt and how long
// the remote side asked to wait first
func retryable(err error) (retryAfter time.Duration, ok bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	var te *TransientError
	if errors.As(err, &te) {
		return 0, true
	}
	return 0, false
}
