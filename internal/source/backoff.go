package source

import (
	"context"
	"time"
)

// Backoff computes exponential retry delays: Base * 2^attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is used when a zero Backoff is configured.
var DefaultBackoff = Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second}

// Delay returns the wait before retry number attempt (0-based).
// A negative attempt yields Base.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 || b.Max <= 0 {
		b = DefaultBackoff
	}
	if attempt < 0 {
		return b.Base
	}
	// 2^30 * any sane base already exceeds Max.
	if attempt > 30 {
		return b.Max
	}

	d := b.Base * time.Duration(1<<attempt)
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}

// sleep waits for d or until ctx is done. It reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
