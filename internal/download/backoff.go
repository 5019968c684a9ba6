package download

import (
	"context"
	"time"
)

// DefaultMaxBackoff caps the exponential part of the retry delay
const DefaultMaxBackoff = 2 * time.Minute

// Backoff computes retry delays: base * 2^attempt, capped
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the retry that follows the failed attempt
// with zero-based index attempt. retryAfter is added on top of the capped
// exponential part.
func (b Backoff) Delay(attempt int, retryAfter time.Duration) time.Duration {
	limit := b.Max
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	d := b.Base
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	d = min(d, limit)
	if retryAfter > 0 {
		d += retryAfter
	}
	return d
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
