// Package metrics exposes Prometheus counters for the ETL pipeline.
// All collectors are registered once on the default registry and served by
// the status listener's /metrics endpoint
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesFinished counts batches by terminal status (complete, degraded, failed, abandoned)
	BatchesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "githarvest",
		Name:      "batches_finished_total",
		Help:      "Batches reaching a terminal status",
	}, []string{"status"})

	// BatchRetries counts batch retry attempts after a failure
	BatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "githarvest",
		Name:      "batch_retries_total",
		Help:      "Batch retry attempts after failure",
	})

	// CacheHits and CacheMisses track the entity metadata cache
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "githarvest",
		Name:      "cache_hits_total",
		Help:      "Metadata cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "githarvest",
		Name:      "cache_misses_total",
		Help:      "Metadata cache misses",
	})
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "githarvest",
		Name:      "cache_evictions_total",
		Help:      "Metadata cache LRU evictions",
	})

	// GovernorWaitSeconds observes how long callers blocked in Acquire
	GovernorWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "githarvest",
		Name:      "governor_wait_seconds",
		Help:      "Time spent waiting for a governor permit",
		Buckets:   []float64{.001, .01, .1, .5, 1, 5, 15, 60, 300, 900},
	})
	GovernorPermits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "githarvest",
		Name:      "governor_permits_total",
		Help:      "Permits granted by the governor",
	})

	// EnrichmentFailures counts entities that stayed unenriched after retries
	EnrichmentFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "githarvest",
		Name:      "enrichment_failures_total",
		Help:      "Entity refs left unenriched after retries",
	})
	EnrichmentLive = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "githarvest",
		Name:      "enrichment_live_fetches_total",
		Help:      "Successful live metadata fetches",
	})

	// Warehouse read accounting
	WarehouseRows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "githarvest",
		Name:      "warehouse_rows_total",
		Help:      "Rows decoded from the warehouse",
	})
	WarehouseRowsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "githarvest",
		Name:      "warehouse_rows_skipped_total",
		Help:      "Malformed rows skipped during warehouse reads",
	})
	WarehouseBytesCharged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "githarvest",
		Name:      "warehouse_bytes_charged_total",
		Help:      "Estimated scan bytes charged against the cost budget",
	})

	// RecordsPersisted counts merged records written to storage
	RecordsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "githarvest",
		Name:      "records_persisted_total",
		Help:      "Merged records upserted into storage",
	})
)
