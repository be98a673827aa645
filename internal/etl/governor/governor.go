// Package governor arbitrates the shared API call budget and the warehouse
// scan cost budget for a run.
//
// Call permits replenish to the full limit at fixed window boundaries.
// Waiters are granted strictly in FIFO order so a large request cannot be
// starved by a stream of small ones. The scan cost budget never replenishes
// within a run
package governor

import (
	"container/list"
	"context"
	"sync"
	"time"

	"githarvest/internal/etl/domain"
	perr "githarvest/internal/platform/errors"
	"githarvest/internal/platform/metrics"
)

// Config sets the per-window call limit and the run-scoped scan budget
type Config struct {
	CallLimit  int
	Window     time.Duration
	ScanBudget float64

	// MinRemaining is a safety floor held back from the provider budget;
	// permits stop once granting would dip below it
	MinRemaining int
}

type waiter struct {
	cost  int
	ready chan error
}

// Governor is safe for concurrent use by all pipeline workers
type Governor struct {
	mu sync.Mutex

	limit     int
	floor     int
	remaining int
	window    time.Duration
	resetAt   time.Time

	scanLeft float64

	waiters *list.List
	timer   *time.Timer

	// injectable for tests
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// New builds a governor with a full call window and scan budget
func New(cfg Config) *Governor {
	floor := cfg.MinRemaining
	if floor < 0 || floor >= cfg.CallLimit {
		floor = 0
	}
	g := &Governor{
		limit:     cfg.CallLimit,
		floor:     floor,
		remaining: cfg.CallLimit,
		window:    cfg.Window,
		scanLeft:  cfg.ScanBudget,
		waiters:   list.New(),
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
	g.resetAt = g.now().Add(g.window)
	return g
}

// Acquire blocks until cost call permits are available or ctx is done.
// A cost larger than the window limit can never be satisfied and returns
// QuotaExceeded immediately
func (g *Governor) Acquire(ctx context.Context, cost int) error {
	if cost <= 0 {
		cost = 1
	}

	g.mu.Lock()
	g.refillLocked()

	if cost > g.limit-g.floor {
		g.mu.Unlock()
		return perr.QuotaExceededf("permit cost %d exceeds window limit %d", cost, g.limit-g.floor)
	}
	if g.waiters.Len() == 0 && g.remaining-g.floor >= cost {
		g.remaining -= cost
		g.mu.Unlock()
		metrics.GovernorPermits.Add(float64(cost))
		metrics.GovernorWaitSeconds.Observe(0)
		return nil
	}

	w := &waiter{cost: cost, ready: make(chan error, 1)}
	el := g.waiters.PushBack(w)
	g.armLocked()
	g.mu.Unlock()

	start := g.now()
	select {
	case <-ctx.Done():
		g.mu.Lock()
		g.waiters.Remove(el)
		g.mu.Unlock()
		return ctx.Err()
	case err := <-w.ready:
		metrics.GovernorWaitSeconds.Observe(g.now().Sub(start).Seconds())
		if err == nil {
			metrics.GovernorPermits.Add(float64(cost))
		}
		return err
	}
}

// ChargeScan debits the scan cost budget before a warehouse read.
// The budget never replenishes; exhaustion is QuotaExceeded
func (g *Governor) ChargeScan(cost float64) error {
	if cost < 0 {
		return perr.InvalidArgf("scan cost must be non-negative, got %v", cost)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if cost > g.scanLeft {
		return perr.QuotaExceededf("scan budget exhausted: need %v, have %v", cost, g.scanLeft)
	}
	g.scanLeft -= cost
	metrics.WarehouseBytesCharged.Add(cost)
	return nil
}

// ReportLimit corrects local accounting from a provider response. The
// remaining count only ever shrinks the local view and the reset time only
// ever moves later, so a stale report cannot inflate the budget
func (g *Governor) ReportLimit(remaining int, resetAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if remaining >= 0 && remaining < g.remaining {
		g.remaining = remaining
	}
	if resetAt.After(g.resetAt) {
		g.resetAt = resetAt
	}
	g.armLocked()
}

// Snapshot returns a point-in-time view of both budgets
func (g *Governor) Snapshot() domain.GovernorState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refillLocked()
	return domain.GovernorState{
		RemainingCalls:      g.remaining,
		WindowResetAt:       g.resetAt,
		CostBudgetRemaining: g.scanLeft,
	}
}

// refillLocked resets the call budget when the window boundary has passed
func (g *Governor) refillLocked() {
	now := g.now()
	if now.Before(g.resetAt) {
		return
	}
	g.remaining = g.limit
	for !now.Before(g.resetAt) {
		g.resetAt = g.resetAt.Add(g.window)
	}
}

// pumpLocked grants permits to queued waiters head-first. Granting stops at
// the first waiter the budget cannot cover, preserving FIFO order
func (g *Governor) pumpLocked() {
	for g.waiters.Len() > 0 {
		el := g.waiters.Front()
		w := el.Value.(*waiter)
		if g.remaining-g.floor < w.cost {
			return
		}
		g.remaining -= w.cost
		g.waiters.Remove(el)
		w.ready <- nil
	}
}

// armLocked schedules a wakeup at the next reset while waiters are queued
func (g *Governor) armLocked() {
	if g.waiters.Len() == 0 {
		return
	}
	d := g.resetAt.Sub(g.now())
	if d < 0 {
		d = 0
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = g.afterFunc(d, g.onWindowReset)
}

func (g *Governor) onWindowReset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refillLocked()
	g.pumpLocked()
	g.armLocked()
}
