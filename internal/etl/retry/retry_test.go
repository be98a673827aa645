package retry

import (
	"context"
	"testing"
	"time"

	perr "githarvest/internal/platform/errors"
)

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, Base: time.Millisecond, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return perr.Transientf("flaky upstream")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("want 3 calls, got %d", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, Base: time.Millisecond, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return perr.DataQualityf("skip ratio exceeded")
	})
	if calls != 1 {
		t.Fatalf("non-retryable error must not be retried, got %d calls", calls)
	}
	if !perr.IsCode(err, perr.ErrorCodeDataQuality) {
		t.Fatalf("error code lost through retry: %v", err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 3, Base: time.Millisecond, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return perr.Transientf("still down")
	})
	if calls != 3 {
		t.Fatalf("want 3 attempts, got %d", calls)
	}
	if !perr.IsCode(err, perr.ErrorCodeUnavailable) {
		t.Fatalf("last error must surface: %v", err)
	}
}

func TestDoHonorsCancellationDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		MaxAttempts: 3,
		Base:        time.Millisecond,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}
	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return perr.Transientf("down")
	})
	if calls != 1 {
		t.Fatalf("cancellation must stop further attempts, got %d calls", calls)
	}
	if err != context.Canceled {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestBackoffIsCappedAndMonotonicInBase(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 10, Base: 100 * time.Millisecond, Cap: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Backoff(attempt)
		if d > p.Cap {
			t.Fatalf("attempt %d backoff %v exceeds cap %v", attempt, d, p.Cap)
		}
		if d <= 0 {
			t.Fatalf("attempt %d backoff must be positive", attempt)
		}
	}
}
