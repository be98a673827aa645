package orchestrator

import (
	"context"
	"time"
)

// Timeouts is an optional budget bundle for a single batch of work.
// Zero values mean no extra timeout at that level
type Timeouts struct {
	// Batch is the overall time budget for one window
	Batch time.Duration

	// Read caps the warehouse scan step
	Read time.Duration

	// Enrich caps the metadata resolution step
	Enrich time.Duration

	// DB caps checkpoint and record writes
	DB time.Duration
}

// withBatch returns a context limited by the batch budget without extending
// any parent deadline. A zero budget yields a plain cancelable child
func withBatch(parent context.Context, t Timeouts) (context.Context, context.CancelFunc) {
	if t.Batch <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, t.Batch)
}

func forRead(parent context.Context, t Timeouts) (context.Context, context.CancelFunc) {
	if t.Read <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, t.Read)
}

func forEnrich(parent context.Context, t Timeouts) (context.Context, context.CancelFunc) {
	if t.Enrich <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, t.Enrich)
}

func forDB(parent context.Context, t Timeouts) (context.Context, context.CancelFunc) {
	if t.DB <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, t.DB)
}
