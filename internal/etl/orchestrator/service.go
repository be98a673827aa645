// Package orchestrator drives batch processing end to end: it partitions a
// time range into windows, seeds durable checkpoints, and runs a worker
// pool that claims, reads, enriches and persists one batch at a time
package orchestrator

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"githarvest/internal/etl/domain"
	perr "githarvest/internal/platform/errors"
	"githarvest/internal/platform/logger"
	"githarvest/internal/platform/metrics"
)

// Config holds orchestration knobs
type Config struct {
	// Workers is the number of parallel batches; <=0 -> 1
	Workers int

	// WindowSize partitions the run range; <=0 -> 24h
	WindowSize time.Duration

	// MaxAttempts bounds processing attempts per batch; <=0 -> 3
	MaxAttempts int

	// RetryBase is the base backoff between batch attempts; <=0 -> 500ms
	RetryBase time.Duration

	// DegradedTolerance is the enrichment failure ratio a batch may carry
	// and still finish degraded instead of failed; <=0 -> 0.25
	DegradedTolerance float64

	// PersistChunk caps records per write transaction; <=0 -> 500
	PersistChunk int

	// Filters applies to every warehouse read of the run
	Filters domain.Filters

	// Timeouts are per-step guardrails
	Timeouts Timeouts
}

// Service implements the run lifecycle
type Service struct {
	reader      domain.EventReader
	enricher    domain.Enricher
	checkpoints domain.CheckpointRepo
	records     domain.RecordWriter
	cfg         Config
	log         logger.Logger

	sleep func(ctx context.Context, d time.Duration) error

	// budgetDone trips when the scan budget is exhausted; workers stop
	// claiming and leave remaining windows pending for a later run
	budgetDone atomic.Bool
}

// New constructs the orchestrator service
func New(
	reader domain.EventReader,
	enricher domain.Enricher,
	checkpoints domain.CheckpointRepo,
	records domain.RecordWriter,
	cfg Config,
	log *logger.Logger,
) *Service {
	if reader == nil || enricher == nil || checkpoints == nil || records == nil {
		panic("orchestrator.Service requires all collaborators")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.DegradedTolerance <= 0 {
		cfg.DegradedTolerance = 0.25
	}
	if cfg.PersistChunk <= 0 {
		cfg.PersistChunk = 500
	}
	return &Service{
		reader:      reader,
		enricher:    enricher,
		checkpoints: checkpoints,
		records:     records,
		cfg:         cfg,
		log:         log.With().Str("component", "orchestrator").Logger(),
		sleep:       sleepCtx,
	}
}

// RunRange partitions [start, end) into windows, seeds checkpoints and
// processes them with the worker pool. Reprocessing the same runID resumes
// where it left off because seeding is idempotent
func (s *Service) RunRange(ctx context.Context, runID string, start, end time.Time) (domain.RunSummary, error) {
	if runID == "" {
		return domain.RunSummary{}, perr.InvalidArgf("run id is required")
	}
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return domain.RunSummary{}, perr.InvalidArgf("end %v must be after start %v", end, start)
	}

	ctx = logger.WithRun(ctx, runID)
	windows := domain.Partition(start, end, s.cfg.WindowSize)
	created, err := s.checkpoints.Seed(ctx, runID, windows)
	if err != nil {
		return domain.RunSummary{}, err
	}
	logger.C(ctx).Info().
		Int("windows", len(windows)).
		Int("seeded", created).
		Time("start", start).
		Time("end", end).
		Msg("run scheduled")

	return s.drain(ctx, runID)
}

// RunResume requeues retryable leftovers of a previous run and drains it.
// Batches stranded in reading or enriching by a crash go back to pending;
// failed batches with attempt budget left are retried
func (s *Service) RunResume(ctx context.Context, runID string) (domain.RunSummary, error) {
	if runID == "" {
		return domain.RunSummary{}, perr.InvalidArgf("run id is required")
	}
	ctx = logger.WithRun(ctx, runID)

	cps, err := s.checkpoints.ListByRun(ctx, runID)
	if err != nil {
		return domain.RunSummary{}, err
	}
	if len(cps) == 0 {
		return domain.RunSummary{}, perr.NotFoundf("run %s has no checkpoints", runID)
	}

	requeued := 0
	for _, cp := range cps {
		switch {
		case cp.Status.InFlight():
			if err := s.checkpoints.Transition(ctx, runID, cp.Window, domain.StatusPending, cp.LastError); err != nil {
				return domain.RunSummary{}, err
			}
			requeued++
		case cp.Status == domain.StatusFailed && cp.AttemptCount < s.cfg.MaxAttempts:
			if err := s.checkpoints.Transition(ctx, runID, cp.Window, domain.StatusPending, cp.LastError); err != nil {
				return domain.RunSummary{}, err
			}
			requeued++
		case cp.Status == domain.StatusFailed:
			if err := s.checkpoints.Transition(ctx, runID, cp.Window, domain.StatusAbandoned, cp.LastError); err != nil {
				return domain.RunSummary{}, err
			}
		}
	}
	logger.C(ctx).Info().Int("requeued", requeued).Msg("run resumed")

	return s.drain(ctx, runID)
}

// drain runs the worker pool until no claimable work remains
func (s *Service) drain(ctx context.Context, runID string) (domain.RunSummary, error) {
	s.budgetDone.Store(false)

	var (
		wg        sync.WaitGroup
		fatalOnce sync.Once
		fatalErr  error
	)
	poolCtx, poolStop := context.WithCancel(ctx)
	defer poolStop()

	abort := func(err error) {
		fatalOnce.Do(func() { fatalErr = err })
		poolStop()
	}

	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(poolCtx, runID, abort)
		}()
	}
	wg.Wait()

	summary, err := s.summarize(ctx, runID)
	if err != nil {
		return summary, err
	}
	if fatalErr != nil {
		return summary, fatalErr
	}
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	logger.C(ctx).Info().
		Int("complete", summary.Complete).
		Int("degraded", summary.Degraded).
		Int("abandoned", summary.Abandoned).
		Int("pending", summary.Pending).
		Int("records", summary.Records).
		Msg("run finished")
	return summary, nil
}

// worker claims and processes batches until work runs out, the run context
// is cancelled, or an unrecoverable error aborts the pool
func (s *Service) worker(ctx context.Context, runID string, abort func(error)) {
	for {
		if ctx.Err() != nil || s.budgetDone.Load() {
			return
		}

		cp, ok, err := s.checkpoints.Claim(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.C(ctx).Error().Err(err).Msg("claim failed")
			_ = s.sleep(ctx, 500*time.Millisecond)
			continue
		}
		if !ok {
			return
		}

		if err := s.processBatch(ctx, cp); err != nil {
			s.settleFailure(ctx, cp, err, abort)
		}
	}
}

// processBatch runs one claimed window through read, enrich and persist.
// On success the checkpoint is finished complete or degraded; any error
// return leaves the checkpoint in reading or enriching for settleFailure
func (s *Service) processBatch(ctx context.Context, cp domain.Checkpoint) error {
	ctx = logger.WithWindow(ctx, cp.Window.Label())
	bctx, cancel := withBatch(ctx, s.cfg.Timeouts)
	defer cancel()

	log := logger.C(bctx)
	log.Debug().Int("attempt", cp.AttemptCount).Msg("batch claimed")

	// read
	t0 := time.Now()
	events, err := s.readWindow(bctx, cp.Window)
	readMS := int(time.Since(t0).Milliseconds())
	if err != nil {
		return err
	}
	if err := bctx.Err(); err != nil {
		return err
	}

	if err := s.checkpoints.Transition(ctx, cp.RunID, cp.Window, domain.StatusEnriching, ""); err != nil {
		return err
	}

	// enrich
	t1 := time.Now()
	ectx, ecancel := forEnrich(bctx, s.cfg.Timeouts)
	res, err := s.enricher.Enrich(ectx, events)
	ecancel()
	enrichMS := int(time.Since(t1).Milliseconds())
	if err != nil {
		return err
	}

	// quota-limited batches always degrade: their events are intact and a
	// later run can backfill the metadata once the provider window resets
	totalRefs := len(res.Entities) + len(res.Failed)
	ratio := res.FailureRatio(totalRefs)
	if ratio > s.cfg.DegradedTolerance && !res.QuotaLimited {
		return perr.Transientf(
			"enrichment failure ratio %.2f exceeds tolerance %.2f (%d of %d refs)",
			ratio, s.cfg.DegradedTolerance, len(res.Failed), totalRefs,
		)
	}

	// persist
	t2 := time.Now()
	recs := mergeRecords(cp.Window, events, res)
	written, err := s.persist(bctx, recs)
	dbMS := int(time.Since(t2).Milliseconds())
	if err != nil {
		return err
	}

	unenriched := 0
	for _, r := range recs {
		if !r.Enriched() {
			unenriched++
		}
	}

	status := domain.StatusComplete
	if len(res.Failed) > 0 {
		status = domain.StatusDegraded
	}

	done := cp
	done.Status = status
	done.Events = len(events)
	done.Records = written
	done.Unenriched = unenriched
	done.ReadMS = readMS
	done.EnrichMS = enrichMS
	done.DBMS = dbMS
	if err := s.checkpoints.Finish(ctx, done); err != nil {
		return err
	}

	metrics.BatchesFinished.WithLabelValues(string(status)).Inc()
	log.Info().
		Str("status", string(status)).
		Int("events", len(events)).
		Int("records", written).
		Int("unenriched", unenriched).
		Int("read_ms", readMS).
		Int("enrich_ms", enrichMS).
		Int("db_ms", dbMS).
		Msg("batch finished")
	return nil
}

// readWindow scans the whole window into memory; batches are bounded by
// the window size chosen at partition time
func (s *Service) readWindow(ctx context.Context, w domain.TimeWindow) ([]domain.RawEvent, error) {
	rctx, cancel := forRead(ctx, s.cfg.Timeouts)
	defer cancel()

	scan, err := s.reader.Read(rctx, w, s.cfg.Filters)
	if err != nil {
		return nil, err
	}
	defer func() { _ = scan.Close() }()

	var events []domain.RawEvent
	for scan.Next() {
		events = append(events, scan.Event())
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Service) persist(ctx context.Context, recs []domain.Record) (int, error) {
	written := 0
	for i := 0; i < len(recs); i += s.cfg.PersistChunk {
		end := min(i+s.cfg.PersistChunk, len(recs))
		dbCtx, cancel := forDB(ctx, s.cfg.Timeouts)
		n, err := s.records.UpsertRecords(dbCtx, recs[i:end])
		cancel()
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// settleFailure classifies a batch error and moves the checkpoint to its
// next durable state. Cancellation and scan budget exhaustion requeue the
// window without burning its attempt; data quality abandons immediately;
// unrecoverable errors requeue and abort the whole pool; anything else
// retries until the attempt budget runs out
func (s *Service) settleFailure(ctx context.Context, cp domain.Checkpoint, err error, abort func(error)) {
	// transitions below must survive run cancellation
	tctx := context.WithoutCancel(ctx)
	msg := err.Error()
	log := logger.C(logger.WithWindow(ctx, cp.Window.Label()))

	requeue := func(reason string) {
		if terr := s.transitionBack(tctx, cp, domain.StatusPending, reason); terr != nil {
			log.Error().Err(terr).Msg("requeue failed")
		}
	}

	switch {
	case ctx.Err() != nil:
		log.Warn().Msg("batch interrupted, requeued")
		requeue("")

	case perr.Unrecoverable(err):
		log.Error().Err(err).Msg("unrecoverable error, aborting run")
		requeue(msg)
		abort(err)

	case perr.IsCode(err, perr.ErrorCodeDataQuality):
		log.Error().Err(err).Msg("data quality gate failed, abandoning batch")
		if terr := s.transitionBack(tctx, cp, domain.StatusAbandoned, msg); terr != nil {
			log.Error().Err(terr).Msg("abandon failed")
		}
		metrics.BatchesFinished.WithLabelValues(string(domain.StatusAbandoned)).Inc()

	case perr.IsCode(err, perr.ErrorCodeQuotaExceeded):
		// the scan budget never replenishes within a run; stop claiming and
		// leave the window for a later run
		log.Warn().Err(err).Msg("scan budget exhausted, suspending run")
		requeue(msg)
		s.budgetDone.Store(true)

	case cp.AttemptCount >= s.cfg.MaxAttempts:
		log.Error().Err(err).Int("attempts", cp.AttemptCount).Msg("attempt budget exhausted, abandoning batch")
		if terr := s.transitionBack(tctx, cp, domain.StatusAbandoned, msg); terr != nil {
			log.Error().Err(terr).Msg("abandon failed")
		}
		metrics.BatchesFinished.WithLabelValues(string(domain.StatusAbandoned)).Inc()

	default:
		log.Warn().Err(err).Int("attempt", cp.AttemptCount).Msg("batch failed, will retry")
		requeue(msg)
		metrics.BatchRetries.Inc()
		_ = s.sleep(ctx, s.backoff(cp.AttemptCount))
	}
}

// transitionBack routes a window from its in-flight state to dest through
// failed, since the state machine has no direct in-flight -> abandoned edge
func (s *Service) transitionBack(ctx context.Context, cp domain.Checkpoint, dest domain.BatchStatus, msg string) error {
	if dest == domain.StatusPending {
		return s.checkpoints.Transition(ctx, cp.RunID, cp.Window, domain.StatusPending, msg)
	}
	if err := s.checkpoints.Transition(ctx, cp.RunID, cp.Window, domain.StatusFailed, msg); err != nil {
		return err
	}
	return s.checkpoints.Transition(ctx, cp.RunID, cp.Window, dest, msg)
}

func (s *Service) summarize(ctx context.Context, runID string) (domain.RunSummary, error) {
	// summaries must be readable even after cancellation
	cps, err := s.checkpoints.ListByRun(context.WithoutCancel(ctx), runID)
	if err != nil {
		return domain.RunSummary{}, err
	}
	sum := domain.RunSummary{RunID: runID, Batches: len(cps)}
	for _, cp := range cps {
		switch cp.Status {
		case domain.StatusComplete:
			sum.Complete++
		case domain.StatusDegraded:
			sum.Degraded++
		case domain.StatusAbandoned:
			sum.Abandoned++
		case domain.StatusPending:
			sum.Pending++
		}
		sum.Events += cp.Events
		sum.Records += cp.Records
	}
	return sum, nil
}

func (s *Service) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := min(s.cfg.RetryBase<<uint(attempt-1), 30*time.Second)
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
