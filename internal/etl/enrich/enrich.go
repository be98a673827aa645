// Package enrich resolves entity metadata for a batch through the cache
// and the live API under governor control
package enrich

import (
	"context"
	"time"

	"githarvest/internal/etl/cache"
	"githarvest/internal/etl/domain"
	"githarvest/internal/etl/github"
	"githarvest/internal/etl/retry"
	perr "githarvest/internal/platform/errors"
	"githarvest/internal/platform/logger"
	"githarvest/internal/platform/metrics"
)

// Config tunes the enricher
type Config struct {
	// PermitCost is the governor cost per live fetch
	PermitCost int
	Retry      retry.Policy
}

// Enricher implements domain.Enricher. Every unique EntityRef in the batch
// is resolved at most once: cache hits never consume a permit, live fetches
// acquire one permit each before calling out
type Enricher struct {
	cache *cache.Cache
	gov   domain.Governor
	fetch domain.MetadataFetcher
	cfg   Config
	log   logger.Logger

	now func() time.Time
}

// New builds an enricher
func New(c *cache.Cache, gov domain.Governor, fetch domain.MetadataFetcher, cfg Config, log *logger.Logger) *Enricher {
	if cfg.PermitCost <= 0 {
		cfg.PermitCost = 1
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default()
	}
	return &Enricher{
		cache: c,
		gov:   gov,
		fetch: fetch,
		cfg:   cfg,
		log:   log.With().Str("component", "enrich").Logger(),
		now:   time.Now,
	}
}

var _ domain.Enricher = (*Enricher)(nil)

// Enrich resolves metadata for all entities the events reference.
// Individual fetch failures land in Failed and never abort the batch;
// only context cancellation and unrecoverable errors return a non-nil
// error. A quota report from the provider is fed back to the governor
// so subsequent permits wait out the provider reset
func (e *Enricher) Enrich(ctx context.Context, events []domain.RawEvent) (domain.EnrichResult, error) {
	refs := domain.Refs(events)
	res := domain.EnrichResult{Entities: make(map[domain.EntityRef]domain.EnrichedEntity, len(refs))}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if ent, ok := e.cache.Get(ref); ok {
			res.Entities[ref] = ent
			continue
		}

		// once the provider reports exhaustion, stop burning time on the
		// remaining misses; they fail as a group and the batch degrades
		if res.QuotaLimited {
			res.Failed = append(res.Failed, ref)
			metrics.EnrichmentFailures.Inc()
			continue
		}

		ent, err := e.fetchLive(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if perr.Unrecoverable(err) {
				return res, err
			}
			if perr.IsCode(err, perr.ErrorCodeQuotaExceeded) {
				res.QuotaLimited = true
			}
			e.noteFailure(ref, err)
			res.Failed = append(res.Failed, ref)
			continue
		}
		e.cache.Put(ent)
		res.Entities[ref] = ent
		metrics.EnrichmentLive.Inc()
	}
	return res, nil
}

// fetchLive acquires a permit then fetches with retry on transient errors
func (e *Enricher) fetchLive(ctx context.Context, ref domain.EntityRef) (domain.EnrichedEntity, error) {
	if err := e.gov.Acquire(ctx, e.cfg.PermitCost); err != nil {
		return domain.EnrichedEntity{}, err
	}

	var meta map[string]string
	err := e.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		m, ferr := e.fetch.Fetch(ctx, ref)
		if ferr != nil {
			return ferr
		}
		meta = m
		return nil
	})
	if err != nil {
		if resetAt, ok := github.ResetHint(err); ok {
			e.gov.ReportLimit(0, resetAt)
		}
		return domain.EnrichedEntity{}, err
	}

	return domain.EnrichedEntity{
		Ref:       ref,
		Metadata:  meta,
		FetchedAt: e.now().UTC(),
		Source:    domain.SourceLive,
	}, nil
}

func (e *Enricher) noteFailure(ref domain.EntityRef, err error) {
	metrics.EnrichmentFailures.Inc()
	e.log.Warn().
		Str("kind", string(ref.Kind)).
		Int64("id", ref.ID).
		Uint16("code", uint16(perr.CodeOf(err))).
		Err(err).
		Msg("enrichment failed")
}
