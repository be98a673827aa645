package domain

import (
	"context"
	"time"
)

// EventScan iterates one window's events lazily. Err must be checked after
// Next returns false; Stats reports decoded and skipped row counts
type EventScan interface {
	Next() bool
	Event() RawEvent
	Err() error
	Close() error
	Stats() (rows int, skipped int)
}

// EventReader reads immutable event rows from the warehouse
type EventReader interface {
	Read(ctx context.Context, w TimeWindow, f Filters) (EventScan, error)
}

// MetadataFetcher fetches live entity metadata from the upstream API.
// Implementations surface quota exhaustion as a QuotaExceeded error
type MetadataFetcher interface {
	Fetch(ctx context.Context, ref EntityRef) (map[string]string, error)
}

// EnrichResult carries the outcome of enriching one batch's entity set.
// QuotaLimited is set when fetches failed on provider quota; such batches
// grade degraded regardless of the failure ratio since the events are
// intact and a later run can backfill the metadata
type EnrichResult struct {
	Entities     map[EntityRef]EnrichedEntity
	Failed       []EntityRef
	QuotaLimited bool
}

// FailureRatio is failed / total refs; 0 when no refs were requested
func (r EnrichResult) FailureRatio(total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(len(r.Failed)) / float64(total)
}

// Enricher resolves entity metadata through cache and live fetches
type Enricher interface {
	Enrich(ctx context.Context, events []RawEvent) (EnrichResult, error)
}

// Governor grants API call permits and tracks the scan cost budget
type Governor interface {
	Acquire(ctx context.Context, cost int) error
	ChargeScan(cost float64) error
	ReportLimit(remaining int, resetAt time.Time)
	Snapshot() GovernorState
}

// CheckpointRepo persists batch state durably. Claim hands an available
// batch to exactly one caller; Transition enforces the state machine
type CheckpointRepo interface {
	Seed(ctx context.Context, runID string, windows []TimeWindow) (int, error)
	Claim(ctx context.Context, runID string) (Checkpoint, bool, error)
	Transition(ctx context.Context, runID string, w TimeWindow, to BatchStatus, lastErr string) error
	Finish(ctx context.Context, cp Checkpoint) error
	ListByRun(ctx context.Context, runID string) ([]Checkpoint, error)
}

// RecordWriter persists merged records idempotently
type RecordWriter interface {
	UpsertRecords(ctx context.Context, recs []Record) (int, error)
}
