package domain

// BatchStatus is the lifecycle state of one batch window
type BatchStatus string

// Batch lifecycle states
const (
	StatusPending   BatchStatus = "pending"
	StatusReading   BatchStatus = "reading"
	StatusEnriching BatchStatus = "enriching"
	StatusComplete  BatchStatus = "complete"
	StatusDegraded  BatchStatus = "degraded"
	StatusFailed    BatchStatus = "failed"
	StatusAbandoned BatchStatus = "abandoned"
)

// Terminal reports whether the status admits no further transitions
func (s BatchStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusDegraded, StatusAbandoned:
		return true
	}
	return false
}

// InFlight reports whether the status means a worker currently owns the batch
func (s BatchStatus) InFlight() bool {
	return s == StatusReading || s == StatusEnriching
}

// CanTransition reports whether from -> to is a legal batch transition.
// failed -> pending models a retry; failed -> abandoned fires when the
// attempt budget is exhausted. Any non-terminal state may move to failed
func CanTransition(from, to BatchStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusReading || to == StatusFailed || to == StatusAbandoned
	case StatusReading:
		return to == StatusEnriching || to == StatusFailed || to == StatusPending
	case StatusEnriching:
		return to == StatusComplete || to == StatusDegraded || to == StatusFailed || to == StatusPending
	case StatusFailed:
		return to == StatusPending || to == StatusAbandoned
	}
	return false
}

// Batch is the in-memory unit of work for one window
type Batch struct {
	RunID    string
	Window   TimeWindow
	Attempt  int
	Status   BatchStatus
	Events   []RawEvent
	Enriched map[EntityRef]EnrichedEntity
}
