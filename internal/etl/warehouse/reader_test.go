package warehouse

import (
	"context"
	"strings"
	"testing"
	"time"

	"githarvest/internal/etl/domain"
	"githarvest/internal/etl/retry"
	perr "githarvest/internal/platform/errors"
	"githarvest/internal/platform/logger"
	"githarvest/internal/platform/store"
)

// eventRow mirrors the column order of the events query
type eventRow struct {
	eventID    string
	eventType  string
	repoID     int64
	repoName   string
	actorID    int64
	actorLogin string
	createdAt  time.Time
	payload    string
}

type fakeRows struct {
	rows    []eventRow
	scanErr map[int]error // by row index
	iterErr error
	i       int
	closed  bool
}

func (f *fakeRows) Next() bool {
	f.i++
	return f.i <= len(f.rows)
}

func (f *fakeRows) Scan(dest ...any) error {
	if err, ok := f.scanErr[f.i-1]; ok {
		return err
	}
	r := f.rows[f.i-1]
	*dest[0].(*string) = r.eventID
	*dest[1].(*string) = r.eventType
	*dest[2].(*int64) = r.repoID
	*dest[3].(*string) = r.repoName
	*dest[4].(*int64) = r.actorID
	*dest[5].(*string) = r.actorLogin
	*dest[6].(*time.Time) = r.createdAt
	*dest[7].(*string) = r.payload
	return nil
}

func (f *fakeRows) Err() error        { return f.iterErr }
func (f *fakeRows) Close()            { f.closed = true }
func (f *fakeRows) Columns() []string { return strings.Split(eventColumns, ", ") }

type fakeWarehouse struct {
	rows     *fakeRows
	queryErr []error // consumed per call; nil entry means success
	calls    int
	lastSQL  string
	lastArgs []any
}

func (f *fakeWarehouse) Query(_ context.Context, sql string, args ...any) (store.Rows, error) {
	f.calls++
	f.lastSQL = sql
	f.lastArgs = args
	if len(f.queryErr) > 0 {
		err := f.queryErr[0]
		f.queryErr = f.queryErr[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.rows, nil
}

func (f *fakeWarehouse) Ping(context.Context) error { return nil }
func (f *fakeWarehouse) Close() error               { return nil }

type fakeGovernor struct {
	charged   []float64
	chargeErr error
}

func (g *fakeGovernor) Acquire(context.Context, int) error { return nil }
func (g *fakeGovernor) ChargeScan(cost float64) error {
	if g.chargeErr != nil {
		return g.chargeErr
	}
	g.charged = append(g.charged, cost)
	return nil
}
func (g *fakeGovernor) ReportLimit(int, time.Time)     {}
func (g *fakeGovernor) Snapshot() domain.GovernorState { return domain.GovernorState{} }

func testWindow() domain.TimeWindow {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.TimeWindow{Start: start, End: start.Add(24 * time.Hour)}
}

func goodRow(id string, at time.Time) eventRow {
	return eventRow{
		eventID: id, eventType: "PushEvent",
		repoID: 10, repoName: "org/repo",
		actorID: 100, actorLogin: "octocat",
		createdAt: at, payload: `{"ref":"main","size":3}`,
	}
}

func fastRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		Base:        time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func drain(t *testing.T, s domain.EventScan) []domain.RawEvent {
	t.Helper()
	var out []domain.RawEvent
	for s.Next() {
		out = append(out, s.Event())
	}
	return out
}

func TestBuildQueryFilters(t *testing.T) {
	t.Parallel()

	w := testWindow()
	sql, args := buildQuery("gharchive.events", w, domain.Filters{
		EventTypes: []string{"PushEvent", "WatchEvent"},
		MinStars:   50,
		MinForks:   10,
	})

	for _, want := range []string{
		"FROM gharchive.events",
		"created_at >= ? AND created_at < ?",
		"event_type IN (?, ?)",
		"repo_stars >= ?",
		"repo_forks >= ?",
		"ORDER BY created_at, event_id",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("query missing %q:\n%s", want, sql)
		}
	}
	if len(args) != 6 {
		t.Fatalf("want 6 args, got %d: %v", len(args), args)
	}
	if !args[0].(time.Time).Equal(w.Start) || !args[1].(time.Time).Equal(w.End) {
		t.Fatalf("window args wrong: %v", args[:2])
	}
}

func TestBuildQueryNoFilters(t *testing.T) {
	t.Parallel()

	sql, args := buildQuery("gharchive.events", testWindow(), domain.Filters{})
	if strings.Contains(sql, "IN (") || strings.Contains(sql, "repo_stars") || strings.Contains(sql, "repo_forks") {
		t.Fatalf("zero filters must not appear:\n%s", sql)
	}
	if len(args) != 2 {
		t.Fatalf("want 2 args, got %d", len(args))
	}
}

func TestReadDecodesRows(t *testing.T) {
	t.Parallel()

	w := testWindow()
	fw := &fakeWarehouse{rows: &fakeRows{rows: []eventRow{
		goodRow("e1", w.Start.Add(time.Minute)),
		goodRow("e2", w.Start.Add(2*time.Minute)),
	}}}
	gov := &fakeGovernor{}
	r := New(fw, gov, Config{ScanCostPerQuery: 5, Retry: fastRetry()}, logger.Get())

	scan, err := r.Read(context.Background(), w, domain.Filters{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer scan.Close()

	events := drain(t, scan)
	if scan.Err() != nil {
		t.Fatalf("scan err: %v", scan.Err())
	}
	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d", len(events))
	}
	if events[0].Payload["ref"] != "main" || events[0].Payload["size"] != "3" {
		t.Fatalf("payload not flattened: %v", events[0].Payload)
	}
	if len(gov.charged) != 1 || gov.charged[0] != 5 {
		t.Fatalf("scan cost must be charged exactly once: %v", gov.charged)
	}
}

func TestReadRetriesTransientQueryIssue(t *testing.T) {
	t.Parallel()

	w := testWindow()
	fw := &fakeWarehouse{
		rows:     &fakeRows{rows: []eventRow{goodRow("e1", w.Start.Add(time.Minute))}},
		queryErr: []error{context.DeadlineExceeded, nil},
	}
	r := New(fw, &fakeGovernor{}, Config{Retry: fastRetry()}, logger.Get())

	scan, err := r.Read(context.Background(), w, domain.Filters{})
	if err != nil {
		t.Fatalf("read must succeed after retry: %v", err)
	}
	defer scan.Close()
	if fw.calls != 2 {
		t.Fatalf("want 2 query attempts, got %d", fw.calls)
	}
}

func TestReadBudgetExhaustedBlocksQuery(t *testing.T) {
	t.Parallel()

	fw := &fakeWarehouse{rows: &fakeRows{}}
	gov := &fakeGovernor{chargeErr: perr.QuotaExceededf("scan budget exhausted")}
	r := New(fw, gov, Config{Retry: fastRetry()}, logger.Get())

	_, err := r.Read(context.Background(), testWindow(), domain.Filters{})
	if !perr.IsCode(err, perr.ErrorCodeQuotaExceeded) {
		t.Fatalf("want QuotaExceeded, got %v", err)
	}
	if fw.calls != 0 {
		t.Fatal("query must not run when the budget rejects the charge")
	}
}

func TestScanSkipsMalformedWithinTolerance(t *testing.T) {
	t.Parallel()

	w := testWindow()
	rows := []eventRow{
		goodRow("e1", w.Start.Add(time.Minute)),
		{eventID: "", eventType: "PushEvent", createdAt: w.Start}, // missing id
		goodRow("e3", w.Start.Add(3*time.Minute)),
	}
	// append enough good rows to stay under the 10% skip gate
	for i := 0; i < 10; i++ {
		rows = append(rows, goodRow("g"+strings.Repeat("x", i+1), w.Start.Add(time.Hour)))
	}
	fw := &fakeWarehouse{rows: &fakeRows{rows: rows}}
	r := New(fw, &fakeGovernor{}, Config{Retry: fastRetry()}, logger.Get())

	scan, err := r.Read(context.Background(), w, domain.Filters{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer scan.Close()

	events := drain(t, scan)
	if scan.Err() != nil {
		t.Fatalf("skips within tolerance must not fail the scan: %v", scan.Err())
	}
	ok, skipped := scan.Stats()
	if skipped != 1 || ok != len(rows)-1 {
		t.Fatalf("stats: ok=%d skipped=%d", ok, skipped)
	}
	if len(events) != len(rows)-1 {
		t.Fatalf("want %d events, got %d", len(rows)-1, len(events))
	}
}

func TestScanFailsWhenSkipRatioExceeded(t *testing.T) {
	t.Parallel()

	w := testWindow()
	fw := &fakeWarehouse{rows: &fakeRows{rows: []eventRow{
		goodRow("e1", w.Start.Add(time.Minute)),
		{eventID: "", createdAt: w.Start},
		{eventID: "", createdAt: w.Start},
	}}}
	r := New(fw, &fakeGovernor{}, Config{MaxSkipRatio: 0.10, Retry: fastRetry()}, logger.Get())

	scan, err := r.Read(context.Background(), w, domain.Filters{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer scan.Close()

	drain(t, scan)
	if !perr.IsCode(scan.Err(), perr.ErrorCodeDataQuality) {
		t.Fatalf("want DataQuality after the gate fires, got %v", scan.Err())
	}
}

func TestScanSurfacesIterationError(t *testing.T) {
	t.Parallel()

	w := testWindow()
	fw := &fakeWarehouse{rows: &fakeRows{
		rows:    []eventRow{goodRow("e1", w.Start.Add(time.Minute))},
		iterErr: context.DeadlineExceeded,
	}}
	r := New(fw, &fakeGovernor{}, Config{Retry: fastRetry()}, logger.Get())

	scan, err := r.Read(context.Background(), w, domain.Filters{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer scan.Close()

	drain(t, scan)
	if !perr.IsCode(scan.Err(), perr.ErrorCodeUnavailable) {
		t.Fatalf("iteration failure must surface as transient, got %v", scan.Err())
	}
}
