package executor

import (
	"context"
	"time"
)

// backoff returns the wait before retry number attempt (0-based): initial
// doubled per attempt, capped at max.
func backoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := initial << uint(attempt)
	if max > 0 && (d > max || d <= 0) {
		return max
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
