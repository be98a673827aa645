// Command githarvest-etl drives batch enrichment runs over the event warehouse.
//
// A run reads raw GitHub events from ClickHouse in time windows, enriches
// them with repository and actor metadata from the GitHub REST API, and
// upserts merged records into Postgres. Progress is checkpointed per window
// so interrupted runs can be resumed with -resume
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"githarvest/internal/api"
	"githarvest/internal/etl/domain"
	etlmod "githarvest/internal/etl/module"
	"githarvest/internal/platform/config"
	"githarvest/internal/platform/logger"
	"githarvest/internal/platform/store"

	"github.com/google/uuid"
)

func main() {
	root := config.New()
	pgCfg := root.Prefix("SERVICE_PGSQL_")
	whCfg := root.Prefix("SERVICE_CLICKHOUSE_")

	l := logger.Get()

	var (
		fStart  = flag.String("start", "", "UTC range start YYYY-MM-DD or RFC3339")
		fEnd    = flag.String("end", "", "UTC range end (exclusive) YYYY-MM-DD or RFC3339")
		fRun    = flag.String("run", "", "run id, generated when empty")
		fResume = flag.Bool("resume", false, "resume an existing run (-run required), ignores -start/-end")
		fServe  = flag.Bool("serve", true, "expose the status listener while the run is active")
	)
	flag.Parse()

	if *fResume && *fRun == "" {
		l.Fatal().Msg("-resume requires -run")
	}
	var start, end time.Time
	if !*fResume {
		start = mustParseTime(l, "-start", *fStart)
		end = mustParseTime(l, "-end", *fEnd)
		if !end.After(start) {
			l.Fatal().Time("start", start).Time("end", end).Msg("-end must be after -start")
		}
	}

	runID := *fRun
	if runID == "" {
		runID = uuid.NewString()
	}

	st, err := store.Open(context.Background(), store.Config{
		AppName: "githarvest-etl",
		PG: store.PGConfig{
			Enabled:     true,
			URL:         pgCfg.MustString("DBURL"),
			MaxConns:    int32(pgCfg.MayInt("MAX_CONNS", 8)),
			SlowQueryMs: pgCfg.MayInt("SLOW_MS", 500),
			LogSQL:      pgCfg.MayBool("LOG_SQL", false),
		},
		WH: store.WHConfig{
			Enabled:    true,
			URL:        whCfg.MustString("DBURL"),
			ClientName: "githarvest-etl",
		},
	}, store.WithLogger(*l))
	if err != nil {
		l.Fatal().Err(err).Msg("store.Open failed")
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			l.Error().Err(err).Msg("failed to close store")
		}
	}()

	opts, err := etlmod.FromConfig(root)
	if err != nil {
		l.Fatal().Err(err).Msg("bad ETL_ options")
	}
	mod := etlmod.New(st, opts)
	ports := mod.Ports()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *fServe {
		srv := api.NewServer(root.Prefix("API_"), api.Deps{
			ServiceName: "githarvest-etl",
			StartedAt:   time.Now().UTC(),
			Store:       st,
			Checkpoints: ports.Checkpoints,
			Governor:    ports.Governor,
		})
		go func() {
			if err := srv.Run(ctx); err != nil {
				l.Error().Err(err).Msg("status listener stopped")
			}
		}()
	}

	var (
		summary domain.RunSummary
		runErr  error
	)
	if *fResume {
		summary, runErr = ports.Runner.RunResume(ctx, runID)
	} else {
		summary, runErr = ports.Runner.RunRange(ctx, runID, start, end)
	}

	evt := l.Info()
	if runErr != nil {
		evt = l.Error().Err(runErr)
	}
	evt.Str("run_id", runID).
		Int("complete", summary.Complete).
		Int("degraded", summary.Degraded).
		Int("abandoned", summary.Abandoned).
		Int("pending", summary.Pending).
		Int("events", summary.Events).
		Int("records", summary.Records).
		Msg("run finished")

	if runErr != nil {
		os.Exit(1)
	}
	if summary.Abandoned > 0 || summary.Pending > 0 {
		os.Exit(2)
	}
}

// mustParseTime accepts a bare date or a full RFC3339 timestamp
func mustParseTime(l *logger.Logger, name, val string) time.Time {
	if val == "" {
		l.Fatal().Msgf("%s is required", name)
	}
	if t, err := time.Parse("2006-01-02", val); err == nil {
		return t.UTC()
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		l.Fatal().Err(err).Msgf("bad %s", name)
	}
	return t.UTC()
}
