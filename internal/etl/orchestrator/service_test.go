package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"githarvest/internal/etl/domain"
	perr "githarvest/internal/platform/errors"
	"githarvest/internal/platform/logger"
)

// memCheckpoints is an in-memory domain.CheckpointRepo with the same claim
// and transition semantics as the postgres repo
type memCheckpoints struct {
	mu   sync.Mutex
	rows map[time.Time]*domain.Checkpoint
	run  string
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{rows: map[time.Time]*domain.Checkpoint{}}
}

func (m *memCheckpoints) Seed(_ context.Context, runID string, ws []domain.TimeWindow) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run = runID
	created := 0
	for _, w := range ws {
		if _, ok := m.rows[w.Start]; ok {
			continue
		}
		m.rows[w.Start] = &domain.Checkpoint{RunID: runID, Window: w, Status: domain.StatusPending}
		created++
	}
	return created, nil
}

func (m *memCheckpoints) Claim(_ context.Context, runID string) (domain.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pick *domain.Checkpoint
	for _, cp := range m.rows {
		if cp.RunID != runID || cp.Status != domain.StatusPending {
			continue
		}
		if pick == nil || cp.Window.Start.Before(pick.Window.Start) {
			pick = cp
		}
	}
	if pick == nil {
		return domain.Checkpoint{}, false, nil
	}
	pick.Status = domain.StatusReading
	pick.AttemptCount++
	return *pick, true, nil
}

func (m *memCheckpoints) Transition(_ context.Context, runID string, w domain.TimeWindow, to domain.BatchStatus, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.rows[w.Start]
	if !ok || cp.RunID != runID {
		return perr.NotFoundf("checkpoint %s", w.Label())
	}
	if !domain.CanTransition(cp.Status, to) {
		return perr.InvalidArgf("illegal transition %s -> %s", cp.Status, to)
	}
	cp.Status = to
	cp.LastError = lastErr
	return nil
}

func (m *memCheckpoints) Finish(_ context.Context, done domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.rows[done.Window.Start]
	if !ok {
		return perr.NotFoundf("checkpoint %s", done.Window.Label())
	}
	if !domain.CanTransition(cp.Status, done.Status) {
		return perr.InvalidArgf("illegal finish %s -> %s", cp.Status, done.Status)
	}
	attempts := cp.AttemptCount
	*cp = done
	cp.AttemptCount = attempts
	return nil
}

func (m *memCheckpoints) ListByRun(_ context.Context, runID string) ([]domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Checkpoint
	for _, cp := range m.rows {
		if cp.RunID == runID {
			out = append(out, *cp)
		}
	}
	return out, nil
}

func (m *memCheckpoints) get(w domain.TimeWindow) domain.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[w.Start]
}

// memScan replays a fixed slice through the domain.EventScan contract
type memScan struct {
	events []domain.RawEvent
	i      int
}

func (s *memScan) Next() bool {
	s.i++
	return s.i <= len(s.events)
}
func (s *memScan) Event() domain.RawEvent { return s.events[s.i-1] }
func (s *memScan) Err() error             { return nil }
func (s *memScan) Close() error           { return nil }
func (s *memScan) Stats() (int, int)      { return len(s.events), 0 }

type fakeReader struct {
	mu    sync.Mutex
	calls map[time.Time]int
	fn    func(w domain.TimeWindow, attempt int) ([]domain.RawEvent, error)
}

func (r *fakeReader) Read(_ context.Context, w domain.TimeWindow, _ domain.Filters) (domain.EventScan, error) {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = map[time.Time]int{}
	}
	r.calls[w.Start]++
	attempt := r.calls[w.Start]
	r.mu.Unlock()

	events, err := r.fn(w, attempt)
	if err != nil {
		return nil, err
	}
	return &memScan{events: events}, nil
}

type fakeEnricher struct {
	fn func(events []domain.RawEvent) (domain.EnrichResult, error)
}

func (e *fakeEnricher) Enrich(_ context.Context, events []domain.RawEvent) (domain.EnrichResult, error) {
	return e.fn(events)
}

type memRecords struct {
	mu      sync.Mutex
	byID    map[string]domain.Record
	upserts int
}

func (m *memRecords) UpsertRecords(_ context.Context, recs []domain.Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID == nil {
		m.byID = map[string]domain.Record{}
	}
	for _, r := range recs {
		m.byID[r.EventID] = r
	}
	m.upserts++
	return len(recs), nil
}

func windowEvents(w domain.TimeWindow, n int) []domain.RawEvent {
	out := make([]domain.RawEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.RawEvent{
			EventID:    w.Label() + "-" + string(rune('a'+i)),
			EventType:  "PushEvent",
			RepoID:     int64(10 + i),
			RepoName:   "org/repo",
			ActorID:    int64(100 + i),
			ActorLogin: "octocat",
			OccurredAt: w.Start.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

func enrichAll(events []domain.RawEvent) (domain.EnrichResult, error) {
	res := domain.EnrichResult{Entities: map[domain.EntityRef]domain.EnrichedEntity{}}
	for _, ref := range domain.Refs(events) {
		res.Entities[ref] = domain.EnrichedEntity{
			Ref:      ref,
			Metadata: map[string]string{"k": "v"},
			Source:   domain.SourceLive,
		}
	}
	return res, nil
}

func newService(t *testing.T, r domain.EventReader, e domain.Enricher, cps *memCheckpoints, recs *memRecords, cfg Config) *Service {
	t.Helper()
	s := New(r, e, cps, recs, cfg, logger.Get())
	s.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return s
}

var runStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRunRangeAllComplete(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{fn: func(w domain.TimeWindow, _ int) ([]domain.RawEvent, error) {
		return windowEvents(w, 2), nil
	}}
	cps := newMemCheckpoints()
	recs := &memRecords{}
	s := newService(t, reader, &fakeEnricher{fn: enrichAll}, cps, recs, Config{Workers: 2})

	sum, err := s.RunRange(context.Background(), "run-1", runStart, runStart.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Batches != 2 || sum.Complete != 2 || sum.Degraded != 0 || sum.Abandoned != 0 {
		t.Fatalf("summary wrong: %+v", sum)
	}
	if sum.Events != 4 || sum.Records != 4 {
		t.Fatalf("counters wrong: %+v", sum)
	}
	if len(recs.byID) != 4 {
		t.Fatalf("want 4 persisted records, got %d", len(recs.byID))
	}
	for _, r := range recs.byID {
		if !r.Enriched() {
			t.Fatalf("record %s must be enriched", r.EventID)
		}
	}
	for _, cp := range mustList(t, cps, "run-1") {
		if cp.Status != domain.StatusComplete || cp.Events != 2 || cp.Records != 2 {
			t.Fatalf("checkpoint wrong: %+v", cp)
		}
	}
}

func TestRunRangeQuotaExhaustedEnrichmentDegradesAll(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{fn: func(w domain.TimeWindow, _ int) ([]domain.RawEvent, error) {
		return windowEvents(w, 2), nil
	}}
	enricher := &fakeEnricher{fn: func(events []domain.RawEvent) (domain.EnrichResult, error) {
		return domain.EnrichResult{Failed: domain.Refs(events), QuotaLimited: true}, nil
	}}
	cps := newMemCheckpoints()
	recs := &memRecords{}
	s := newService(t, reader, enricher, cps, recs, Config{Workers: 2})

	sum, err := s.RunRange(context.Background(), "run-q", runStart, runStart.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Degraded != 2 || sum.Complete != 0 || sum.Abandoned != 0 {
		t.Fatalf("all batches must degrade: %+v", sum)
	}
	// events are persisted without metadata
	if len(recs.byID) != 4 {
		t.Fatalf("degraded batches must still persist events, got %d", len(recs.byID))
	}
	for _, r := range recs.byID {
		if r.Enriched() {
			t.Fatalf("record %s must not claim enrichment", r.EventID)
		}
	}
	for _, cp := range mustList(t, cps, "run-q") {
		if cp.Unenriched != 2 {
			t.Fatalf("unenriched counter wrong: %+v", cp)
		}
	}
}

func TestRunRangeFailingWindowAbandonedOthersUnaffected(t *testing.T) {
	t.Parallel()

	sick := runStart.Add(24 * time.Hour)
	reader := &fakeReader{fn: func(w domain.TimeWindow, _ int) ([]domain.RawEvent, error) {
		if w.Start.Equal(sick) {
			return nil, perr.Transientf("warehouse down")
		}
		return windowEvents(w, 2), nil
	}}
	cps := newMemCheckpoints()
	recs := &memRecords{}
	s := newService(t, reader, &fakeEnricher{fn: enrichAll}, cps, recs, Config{
		Workers:     2,
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
	})

	sum, err := s.RunRange(context.Background(), "run-f", runStart, runStart.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Complete != 2 || sum.Abandoned != 1 {
		t.Fatalf("summary wrong: %+v", sum)
	}

	bad := cps.get(domain.TimeWindow{Start: sick})
	if bad.Status != domain.StatusAbandoned {
		t.Fatalf("sick window must be abandoned, got %s", bad.Status)
	}
	if bad.AttemptCount != 3 {
		t.Fatalf("attempt budget must be spent, got %d", bad.AttemptCount)
	}
	if bad.LastError == "" {
		t.Fatal("abandoned checkpoint must carry the last error")
	}
	if reader.calls[sick] != 3 {
		t.Fatalf("want 3 read attempts for the sick window, got %d", reader.calls[sick])
	}
}

func TestRunRangeDataQualityAbandonsWithoutRetry(t *testing.T) {
	t.Parallel()

	sick := runStart
	reader := &fakeReader{fn: func(w domain.TimeWindow, _ int) ([]domain.RawEvent, error) {
		if w.Start.Equal(sick) {
			return nil, perr.DataQualityf("skip ratio exceeded")
		}
		return windowEvents(w, 1), nil
	}}
	cps := newMemCheckpoints()
	s := newService(t, reader, &fakeEnricher{fn: enrichAll}, cps, &memRecords{}, Config{
		Workers:     1,
		MaxAttempts: 5,
		RetryBase:   time.Millisecond,
	})

	sum, err := s.RunRange(context.Background(), "run-dq", runStart, runStart.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Abandoned != 1 || sum.Complete != 1 {
		t.Fatalf("summary wrong: %+v", sum)
	}
	if reader.calls[sick] != 1 {
		t.Fatalf("data quality failures must not be retried, got %d reads", reader.calls[sick])
	}
}

func TestRunRangeScanBudgetExhaustionSuspendsRun(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{fn: func(domain.TimeWindow, int) ([]domain.RawEvent, error) {
		return nil, perr.QuotaExceededf("scan budget exhausted")
	}}
	cps := newMemCheckpoints()
	s := newService(t, reader, &fakeEnricher{fn: enrichAll}, cps, &memRecords{}, Config{Workers: 1})

	sum, err := s.RunRange(context.Background(), "run-b", runStart, runStart.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Pending != 3 || sum.Abandoned != 0 {
		t.Fatalf("budget exhaustion must leave windows pending, not abandon them: %+v", sum)
	}
	// exactly one claim burns the budget signal; no hot loop over the rest
	total := 0
	for _, n := range reader.calls {
		total += n
	}
	if total != 1 {
		t.Fatalf("want 1 read before suspending, got %d", total)
	}
}

func TestRunRangeUnrecoverableAbortsRun(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{fn: func(w domain.TimeWindow, _ int) ([]domain.RawEvent, error) {
		return windowEvents(w, 1), nil
	}}
	enricher := &fakeEnricher{fn: func([]domain.RawEvent) (domain.EnrichResult, error) {
		return domain.EnrichResult{}, perr.Unauthorizedf("bad token")
	}}
	cps := newMemCheckpoints()
	s := newService(t, reader, enricher, cps, &memRecords{}, Config{Workers: 1})

	_, err := s.RunRange(context.Background(), "run-u", runStart, runStart.Add(72*time.Hour))
	if !perr.Unrecoverable(err) {
		t.Fatalf("run must surface the unrecoverable error, got %v", err)
	}
	for _, cp := range mustList(t, cps, "run-u") {
		if cp.Status.InFlight() {
			t.Fatalf("no window may stay in flight after an abort: %+v", cp)
		}
	}
}

func TestRunRangeCancellationLeavesNothingInFlight(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	enricher := &fakeEnricher{fn: func(events []domain.RawEvent) (domain.EnrichResult, error) {
		cancel()
		return domain.EnrichResult{}, ctx.Err()
	}}
	reader := &fakeReader{fn: func(w domain.TimeWindow, _ int) ([]domain.RawEvent, error) {
		return windowEvents(w, 1), nil
	}}
	cps := newMemCheckpoints()
	s := newService(t, reader, enricher, cps, &memRecords{}, Config{Workers: 1})

	_, err := s.RunRange(ctx, "run-c", runStart, runStart.Add(72*time.Hour))
	if err != context.Canceled {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	for _, cp := range mustList(t, cps, "run-c") {
		if cp.Status.InFlight() {
			t.Fatalf("no window may stay in flight after cancellation: %+v", cp)
		}
		if cp.Status != domain.StatusPending {
			t.Fatalf("interrupted windows must requeue as pending: %+v", cp)
		}
	}
}

func TestRunResumeRequeuesAndFinishes(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{fn: func(w domain.TimeWindow, _ int) ([]domain.RawEvent, error) {
		return windowEvents(w, 1), nil
	}}
	cps := newMemCheckpoints()
	recs := &memRecords{}
	s := newService(t, reader, &fakeEnricher{fn: enrichAll}, cps, recs, Config{Workers: 1, MaxAttempts: 3})

	// simulate a crashed previous run: one window stuck reading, one failed
	// with budget left, one failed with the budget spent, one pending
	ws := domain.Partition(runStart, runStart.Add(96*time.Hour), 24*time.Hour)
	if _, err := cps.Seed(context.Background(), "run-r", ws); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cps.rows[ws[0].Start].Status = domain.StatusReading
	cps.rows[ws[0].Start].AttemptCount = 1
	cps.rows[ws[1].Start].Status = domain.StatusFailed
	cps.rows[ws[1].Start].AttemptCount = 2
	cps.rows[ws[2].Start].Status = domain.StatusFailed
	cps.rows[ws[2].Start].AttemptCount = 3
	cps.rows[ws[2].Start].LastError = "warehouse down"

	sum, err := s.RunResume(context.Background(), "run-r")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sum.Complete != 3 || sum.Abandoned != 1 || sum.Pending != 0 {
		t.Fatalf("summary wrong: %+v", sum)
	}
	spent := cps.get(ws[2])
	if spent.Status != domain.StatusAbandoned {
		t.Fatalf("spent window must be abandoned on resume, got %s", spent.Status)
	}
}

func TestRunResumeUnknownRun(t *testing.T) {
	t.Parallel()

	s := newService(t, &fakeReader{fn: func(w domain.TimeWindow, _ int) ([]domain.RawEvent, error) {
		return nil, nil
	}}, &fakeEnricher{fn: enrichAll}, newMemCheckpoints(), &memRecords{}, Config{})

	_, err := s.RunResume(context.Background(), "ghost")
	if !perr.IsCode(err, perr.ErrorCodeNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestRunRangeRejectsBadInput(t *testing.T) {
	t.Parallel()

	s := newService(t, &fakeReader{fn: func(w domain.TimeWindow, _ int) ([]domain.RawEvent, error) {
		return nil, nil
	}}, &fakeEnricher{fn: enrichAll}, newMemCheckpoints(), &memRecords{}, Config{})

	if _, err := s.RunRange(context.Background(), "", runStart, runStart.Add(time.Hour)); !perr.IsCode(err, perr.ErrorCodeInvalidArgument) {
		t.Fatalf("empty run id must be rejected, got %v", err)
	}
	if _, err := s.RunRange(context.Background(), "r", runStart, runStart); !perr.IsCode(err, perr.ErrorCodeInvalidArgument) {
		t.Fatalf("empty range must be rejected, got %v", err)
	}
}

func mustList(t *testing.T, cps *memCheckpoints, runID string) []domain.Checkpoint {
	t.Helper()
	out, err := cps.ListByRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return out
}
