package enrich

import (
	"context"
	"testing"
	"time"

	"githarvest/internal/etl/cache"
	"githarvest/internal/etl/domain"
	"githarvest/internal/etl/github"
	"githarvest/internal/etl/retry"
	perr "githarvest/internal/platform/errors"
	"githarvest/internal/platform/logger"
)

type fakeGovernor struct {
	permits    int
	acquireErr error
	reports    []time.Time
}

func (g *fakeGovernor) Acquire(_ context.Context, cost int) error {
	if g.acquireErr != nil {
		return g.acquireErr
	}
	g.permits += cost
	return nil
}
func (g *fakeGovernor) ChargeScan(float64) error { return nil }
func (g *fakeGovernor) ReportLimit(_ int, resetAt time.Time) {
	g.reports = append(g.reports, resetAt)
}
func (g *fakeGovernor) Snapshot() domain.GovernorState { return domain.GovernorState{} }

type fakeFetcher struct {
	calls int
	fn    func(ref domain.EntityRef) (map[string]string, error)
}

func (f *fakeFetcher) Fetch(_ context.Context, ref domain.EntityRef) (map[string]string, error) {
	f.calls++
	return f.fn(ref)
}

func fastRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		Base:        time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func newEnricher(gov domain.Governor, f domain.MetadataFetcher) (*Enricher, *cache.Cache) {
	c := cache.New(cache.Config{Capacity: 64, TTL: time.Hour})
	return New(c, gov, f, Config{Retry: fastRetry()}, logger.Get()), c
}

func events() []domain.RawEvent {
	return []domain.RawEvent{
		{EventID: "e1", RepoID: 10, ActorID: 100},
		{EventID: "e2", RepoID: 10, ActorID: 200},
	}
}

func okFetch(ref domain.EntityRef) (map[string]string, error) {
	return map[string]string{"id": string(ref.Kind)}, nil
}

func TestEnrichFetchesEachUniqueRefOnce(t *testing.T) {
	t.Parallel()

	gov := &fakeGovernor{}
	f := &fakeFetcher{fn: okFetch}
	e, _ := newEnricher(gov, f)

	res, err := e.Enrich(context.Background(), events())
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	// refs: repo 10, actor 100, actor 200
	if f.calls != 3 {
		t.Fatalf("want 3 live fetches, got %d", f.calls)
	}
	if gov.permits != 3 {
		t.Fatalf("want 3 permits, got %d", gov.permits)
	}
	if len(res.Entities) != 3 || len(res.Failed) != 0 {
		t.Fatalf("result wrong: %d entities %d failed", len(res.Entities), len(res.Failed))
	}
	for _, ent := range res.Entities {
		if ent.Source != domain.SourceLive {
			t.Fatalf("first resolution must be live, got %q", ent.Source)
		}
	}
}

func TestEnrichCacheHitSkipsGovernor(t *testing.T) {
	t.Parallel()

	gov := &fakeGovernor{}
	f := &fakeFetcher{fn: okFetch}
	e, _ := newEnricher(gov, f)

	if _, err := e.Enrich(context.Background(), events()); err != nil {
		t.Fatalf("warm-up: %v", err)
	}
	permitsAfterWarmup := gov.permits

	res, err := e.Enrich(context.Background(), events())
	if err != nil {
		t.Fatalf("second enrich: %v", err)
	}
	if gov.permits != permitsAfterWarmup {
		t.Fatal("cache hits must not consume permits")
	}
	if f.calls != 3 {
		t.Fatalf("cache hits must not fetch, calls=%d", f.calls)
	}
	for _, ent := range res.Entities {
		if ent.Source != domain.SourceCache {
			t.Fatalf("second resolution must come from cache, got %q", ent.Source)
		}
	}
}

func TestEnrichPartialFailureContinues(t *testing.T) {
	t.Parallel()

	bad := domain.EntityRef{Kind: domain.KindActor, ID: 200}
	f := &fakeFetcher{fn: func(ref domain.EntityRef) (map[string]string, error) {
		if ref == bad {
			return nil, perr.NotFoundf("gone")
		}
		return okFetch(ref)
	}}
	e, c := newEnricher(&fakeGovernor{}, f)

	res, err := e.Enrich(context.Background(), events())
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0] != bad {
		t.Fatalf("failed set wrong: %v", res.Failed)
	}
	if len(res.Entities) != 2 {
		t.Fatalf("successful refs must still resolve, got %d", len(res.Entities))
	}
	// failures must not be cached
	if _, ok := c.Get(bad); ok {
		t.Fatal("failed fetch must not populate the cache")
	}
}

func TestEnrichQuotaReportFeedsGovernor(t *testing.T) {
	t.Parallel()

	resetAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	f := &fakeFetcher{fn: func(domain.EntityRef) (map[string]string, error) {
		rle := &github.RateLimitError{Status: 403, ResetAt: resetAt}
		return nil, perr.Wrap(rle, perr.ErrorCodeQuotaExceeded, "github rate limited")
	}}
	gov := &fakeGovernor{}
	e, _ := newEnricher(gov, f)

	res, err := e.Enrich(context.Background(), events())
	if err != nil {
		t.Fatalf("quota failures must degrade, not abort: %v", err)
	}
	if len(res.Failed) != 3 {
		t.Fatalf("all refs must fail, got %d", len(res.Failed))
	}
	if !res.QuotaLimited {
		t.Fatal("quota exhaustion must be flagged on the result")
	}
	// the first quota hit short-circuits the rest of the batch
	if f.calls != 1 {
		t.Fatalf("want 1 live call, got %d", f.calls)
	}
	if len(gov.reports) == 0 {
		t.Fatal("provider reset must be reported to the governor")
	}
	if !gov.reports[0].Equal(resetAt) {
		t.Fatalf("reset time %v, want %v", gov.reports[0], resetAt)
	}
}

func TestEnrichUnauthorizedAborts(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{fn: func(domain.EntityRef) (map[string]string, error) {
		return nil, perr.Unauthorizedf("bad token")
	}}
	e, _ := newEnricher(&fakeGovernor{}, f)

	_, err := e.Enrich(context.Background(), events())
	if !perr.Unrecoverable(err) {
		t.Fatalf("unauthorized must abort enrichment, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("abort must stop after the first failure, calls=%d", f.calls)
	}
}

func TestEnrichTransientRetriedThenCached(t *testing.T) {
	t.Parallel()

	attempts := 0
	f := &fakeFetcher{fn: func(ref domain.EntityRef) (map[string]string, error) {
		attempts++
		if attempts == 1 {
			return nil, perr.Transientf("blip")
		}
		return okFetch(ref)
	}}
	gov := &fakeGovernor{}
	e, _ := newEnricher(gov, f)

	res, err := e.Enrich(context.Background(), []domain.RawEvent{{EventID: "e1", RepoID: 10}})
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if len(res.Failed) != 0 {
		t.Fatalf("transient failure must be retried, failed=%v", res.Failed)
	}
	// retries within one fetch share a single permit
	if gov.permits != 1 {
		t.Fatalf("want 1 permit, got %d", gov.permits)
	}
}

func TestEnrichCancellationStopsEarly(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeFetcher{fn: func(ref domain.EntityRef) (map[string]string, error) {
		cancel()
		return okFetch(ref)
	}}
	e, _ := newEnricher(&fakeGovernor{}, f)

	_, err := e.Enrich(ctx, events())
	if err != context.Canceled {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("cancellation must stop the loop, calls=%d", f.calls)
	}
}
