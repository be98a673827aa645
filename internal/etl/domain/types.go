// Package domain holds the core types and ports for the hybrid ETL pipeline
package domain

import (
	"time"
)

// TimeWindow is a half-open UTC interval [Start, End)
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the window is well formed
func (w TimeWindow) Valid() bool { return w.Start.Before(w.End) }

// Label is a stable human-readable key for logs and checkpoints
func (w TimeWindow) Label() string { return w.Start.UTC().Format(time.RFC3339) }

// Partition splits [start, end) into consecutive non-overlapping windows of
// the given size. The last window is clamped to end so the range is fully
// covered. size <= 0 defaults to 24h
func Partition(start, end time.Time, size time.Duration) []TimeWindow {
	if size <= 0 {
		size = 24 * time.Hour
	}
	start = start.UTC()
	end = end.UTC()
	var out []TimeWindow
	for cur := start; cur.Before(end); cur = cur.Add(size) {
		we := cur.Add(size)
		if we.After(end) {
			we = end
		}
		out = append(out, TimeWindow{Start: cur, End: we})
	}
	return out
}

// RawEvent is one immutable event row read from the warehouse
type RawEvent struct {
	EventID    string
	EventType  string
	RepoID     int64
	RepoName   string
	ActorID    int64
	ActorLogin string
	OccurredAt time.Time
	Payload    map[string]string
}

// EntityKind distinguishes the two entity namespaces
type EntityKind string

// Entity kinds referenced by events
const (
	KindRepo  EntityKind = "repo"
	KindActor EntityKind = "actor"
)

// EntityRef identifies a repository or actor referenced by an event.
// Identity is (Kind, ID)
type EntityRef struct {
	Kind EntityKind
	ID   int64
}

// EnrichmentSource tells where an EnrichedEntity came from
type EnrichmentSource string

// Enrichment sources
const (
	SourceCache EnrichmentSource = "cache"
	SourceLive  EnrichmentSource = "live"
)

// EnrichedEntity is the metadata snapshot for one EntityRef
type EnrichedEntity struct {
	Ref       EntityRef
	Metadata  map[string]string
	FetchedAt time.Time
	Source    EnrichmentSource
}

// CloneMetadata returns a copy of the metadata map so merged records never
// share a mutable map with the cache
func (e EnrichedEntity) CloneMetadata() map[string]string {
	if e.Metadata == nil {
		return nil
	}
	out := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		out[k] = v
	}
	return out
}

// Refs extracts the deduplicated entity references from a slice of events
func Refs(events []RawEvent) []EntityRef {
	seen := make(map[EntityRef]struct{}, len(events)*2)
	var out []EntityRef
	for _, ev := range events {
		if ev.RepoID != 0 {
			r := EntityRef{Kind: KindRepo, ID: ev.RepoID}
			if _, ok := seen[r]; !ok {
				seen[r] = struct{}{}
				out = append(out, r)
			}
		}
		if ev.ActorID != 0 {
			a := EntityRef{Kind: KindActor, ID: ev.ActorID}
			if _, ok := seen[a]; !ok {
				seen[a] = struct{}{}
				out = append(out, a)
			}
		}
	}
	return out
}

// Filters narrows a warehouse read; zero values disable a filter
type Filters struct {
	EventTypes []string
	MinStars   int
	MinForks   int
}

// Record is one merged output row. Metadata maps are nil when the entity's
// enrichment failed; the event itself is always emitted
type Record struct {
	EventID     string
	WindowStart time.Time
	EventType   string
	RepoID      int64
	RepoName    string
	ActorID     int64
	ActorLogin  string
	OccurredAt  time.Time
	RepoMeta    map[string]string
	ActorMeta   map[string]string
}

// Enriched reports whether every entity the record references carries metadata
func (r Record) Enriched() bool {
	if r.RepoID != 0 && r.RepoMeta == nil {
		return false
	}
	if r.ActorID != 0 && r.ActorMeta == nil {
		return false
	}
	return true
}

// GovernorState is a read-only snapshot of the governor budgets
type GovernorState struct {
	RemainingCalls      int
	WindowResetAt       time.Time
	CostBudgetRemaining float64
}

// Checkpoint is the durable processing record for one batch window.
// Rows are created when a batch is scheduled and updated on every state
// transition; they are never deleted
type Checkpoint struct {
	RunID        string
	Window       TimeWindow
	Status       BatchStatus
	AttemptCount int
	LastError    string

	Events     int
	Records    int
	Unenriched int
	ReadMS     int
	EnrichMS   int
	DBMS       int

	UpdatedAt time.Time
}

// RunSummary is the terminal report for a run
type RunSummary struct {
	RunID     string
	Batches   int
	Complete  int
	Degraded  int
	Abandoned int
	Pending   int
	Events    int
	Records   int
}
