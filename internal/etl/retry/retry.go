// Package retry implements classification-aware retries with capped
// exponential backoff and jitter
package retry

import (
	"context"
	"math/rand"
	"time"

	perr "githarvest/internal/platform/errors"
)

// Policy controls how many attempts an operation gets and how long it
// backs off between them
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration

	// Sleep is injectable for tests; nil means a real ctx-aware sleep
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default is the policy used by pipeline collaborators unless configured
func Default() Policy {
	return Policy{MaxAttempts: 3, Base: 500 * time.Millisecond, Cap: 30 * time.Second}
}

// Backoff returns the delay before attempt n (1-based), exponential with
// up to 25% jitter, capped
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base << uint(attempt-1)
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	if d <= 0 {
		return 0
	}
	jit := time.Duration(rand.Int63n(int64(d)/4 + 1))
	d += jit
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d
}

// Do runs fn up to MaxAttempts times. Only errors classified retryable by
// the error taxonomy are retried; everything else returns immediately.
// Context cancellation aborts the backoff sleep
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = ctxSleep
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !perr.Retryable(last) || attempt == attempts {
			return last
		}
		if err := sleep(ctx, p.Backoff(attempt)); err != nil {
			return err
		}
	}
	return last
}

func ctxSleep(ctx context.Context, d time.Duration) error {
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
