// Package module wires the ETL pipeline from configuration and the store
package module

import (
	"githarvest/internal/etl/cache"
	"githarvest/internal/etl/checkpoint"
	"githarvest/internal/etl/domain"
	"githarvest/internal/etl/enrich"
	"githarvest/internal/etl/github"
	"githarvest/internal/etl/governor"
	"githarvest/internal/etl/orchestrator"
	"githarvest/internal/etl/retry"
	"githarvest/internal/etl/warehouse"
	"githarvest/internal/platform/logger"
	"githarvest/internal/platform/store"
)

// Ports exposes what the module offers to callers
type Ports struct {
	Runner      *orchestrator.Service
	Checkpoints domain.CheckpointRepo
	Governor    domain.Governor
}

// Module owns the assembled pipeline
type Module struct {
	opts  Options
	ports Ports
}

// New wires governor, cache, reader, enricher and orchestrator against the
// provided store. The store must have both PG and the warehouse enabled
func New(st *store.Store, opts Options) *Module {
	if st == nil || st.PG == nil || st.WH == nil {
		panic("etl.Module requires a store with postgres and warehouse enabled")
	}
	log := logger.Get()

	gov := governor.New(governor.Config{
		CallLimit:    opts.CallLimit,
		Window:       opts.CallWindow,
		ScanBudget:   opts.ScanBudget,
		MinRemaining: opts.CallFloor,
	})

	pol := retry.Policy{MaxAttempts: opts.MaxAttempts, Base: opts.RetryBase}

	reader := warehouse.New(st.WH, gov, warehouse.Config{
		Table:            opts.EventsTable,
		ScanCostPerQuery: opts.ScanCost,
		MaxSkipRatio:     opts.MaxSkipRatio,
		Retry:            pol,
	}, log)

	fetcher := github.NewFetcher(github.NewClient(github.Options{
		BaseURL:   opts.GithubBaseURL,
		TokensCSV: opts.GithubTokens,
		Timeout:   opts.GithubTimeout,
	}))

	enricher := enrich.New(
		cache.New(cache.Config{Capacity: opts.CacheCapacity, TTL: opts.CacheTTL}),
		gov,
		fetcher,
		enrich.Config{Retry: pol},
		log,
	)

	checkpoints := checkpoint.NewPG(st.PG)
	records := checkpoint.NewRecords(st.PG)

	svc := orchestrator.New(reader, enricher, checkpoints, records, orchestrator.Config{
		Workers:           opts.Workers,
		WindowSize:        opts.WindowSize,
		MaxAttempts:       opts.MaxAttempts,
		RetryBase:         opts.RetryBase,
		DegradedTolerance: opts.DegradedTolerance,
		PersistChunk:      opts.PersistChunk,
		Filters: domain.Filters{
			EventTypes: opts.EventTypes,
			MinStars:   opts.MinStars,
			MinForks:   opts.MinForks,
		},
		Timeouts: orchestrator.Timeouts{
			Batch:  opts.BatchTimeout,
			Read:   opts.ReadTimeout,
			Enrich: opts.EnrichTimeout,
			DB:     opts.DBTimeout,
		},
	}, log)

	return &Module{
		opts:  opts,
		ports: Ports{Runner: svc, Checkpoints: checkpoints, Governor: gov},
	}
}

// Name returns the module name
func (m *Module) Name() string { return "etl" }

// Ports returns the module ports
func (m *Module) Ports() Ports { return m.ports }
