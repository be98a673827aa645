// Package warehouse reads immutable event rows from the columnar warehouse
package warehouse

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"githarvest/internal/etl/domain"
	"githarvest/internal/etl/retry"
	perr "githarvest/internal/platform/errors"
	"githarvest/internal/platform/logger"
	"githarvest/internal/platform/metrics"
	"githarvest/internal/platform/store"
)

// Config tunes the reader
type Config struct {
	// Table is the fully qualified events table
	Table string
	// ScanCostPerQuery is the estimated cost charged against the governor
	// budget before each window read
	ScanCostPerQuery float64
	// MaxSkipRatio fails the read when skipped/(decoded+skipped) exceeds it
	MaxSkipRatio float64
	Retry        retry.Policy
}

// Reader implements domain.EventReader over the warehouse seam
type Reader struct {
	wh  store.Warehouse
	gov domain.Governor
	cfg Config
	log logger.Logger
}

// New builds a reader. Zero config fields get conservative defaults
func New(wh store.Warehouse, gov domain.Governor, cfg Config, log *logger.Logger) *Reader {
	if cfg.Table == "" {
		cfg.Table = "gharchive.events"
	}
	if cfg.MaxSkipRatio <= 0 {
		cfg.MaxSkipRatio = 0.10
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default()
	}
	return &Reader{wh: wh, gov: gov, cfg: cfg, log: log.With().Str("component", "warehouse").Logger()}
}

var _ domain.EventReader = (*Reader)(nil)

// Read charges the scan budget, executes the window query and returns a
// lazy scan over its rows. Query issue is retried per policy; the cost is
// charged once regardless of retries
func (r *Reader) Read(ctx context.Context, w domain.TimeWindow, f domain.Filters) (domain.EventScan, error) {
	if !w.Valid() {
		return nil, perr.InvalidArgf("invalid window %v..%v", w.Start, w.End)
	}
	if err := r.gov.ChargeScan(r.cfg.ScanCostPerQuery); err != nil {
		return nil, err
	}

	sql, args := buildQuery(r.cfg.Table, w, f)

	var rows store.Rows
	err := r.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		rs, qerr := r.wh.Query(ctx, sql, args...)
		if qerr != nil {
			return perr.Transientf("warehouse query window %s: %v", w.Label(), qerr)
		}
		rows = rs
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Debug().Str("window", w.Label()).Msg("warehouse scan opened")
	return &scan{rows: rows, maxSkipRatio: r.cfg.MaxSkipRatio, window: w}, nil
}

// scan decodes rows one at a time. Malformed rows are counted and skipped;
// the ratio gate fires once the stream is exhausted
type scan struct {
	rows         store.Rows
	maxSkipRatio float64
	window       domain.TimeWindow

	cur     domain.RawEvent
	err     error
	rowsOK  int
	skipped int
	done    bool
}

var _ domain.EventScan = (*scan)(nil)

func (s *scan) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	for s.rows.Next() {
		var (
			eventID, eventType, repoName, actorLogin, payload string
			repoID, actorID                                   int64
			createdAt                                         time.Time
		)
		if err := s.rows.Scan(&eventID, &eventType, &repoID, &repoName, &actorID, &actorLogin, &createdAt, &payload); err != nil {
			s.skipped++
			metrics.WarehouseRowsSkipped.Inc()
			continue
		}
		ev := domain.RawEvent{
			EventID:    eventID,
			EventType:  eventType,
			RepoID:     repoID,
			RepoName:   repoName,
			ActorID:    actorID,
			ActorLogin: actorLogin,
			OccurredAt: createdAt.UTC(),
		}
		if !validEvent(ev) {
			s.skipped++
			metrics.WarehouseRowsSkipped.Inc()
			continue
		}
		ev.Payload = decodePayload(payload)
		s.cur = ev
		s.rowsOK++
		metrics.WarehouseRows.Inc()
		return true
	}
	s.finish()
	return false
}

func (s *scan) finish() {
	s.done = true
	if err := s.rows.Err(); err != nil {
		s.err = perr.Transientf("warehouse scan window %s: %v", s.window.Label(), err)
		return
	}
	total := s.rowsOK + s.skipped
	if total > 0 {
		ratio := float64(s.skipped) / float64(total)
		if ratio > s.maxSkipRatio {
			s.err = perr.DataQualityf(
				"window %s: skipped %d of %d rows (%.2f > %.2f)",
				s.window.Label(), s.skipped, total, ratio, s.maxSkipRatio,
			)
		}
	}
}

func (s *scan) Event() domain.RawEvent { return s.cur }
func (s *scan) Err() error             { return s.err }

func (s *scan) Close() error {
	s.rows.Close()
	return nil
}

func (s *scan) Stats() (int, int) { return s.rowsOK, s.skipped }

// validEvent rejects rows missing the identity fields every record needs
func validEvent(ev domain.RawEvent) bool {
	return ev.EventID != "" && ev.EventType != "" && !ev.OccurredAt.IsZero()
}

// decodePayload flattens the top-level scalar fields of the payload JSON.
// Nested values are dropped; an unparsable payload yields nil without
// failing the row since the identity columns already passed validation
func decodePayload(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
