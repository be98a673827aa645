package checkpoint

import (
	"context"
	"encoding/json"

	"githarvest/internal/etl/domain"
	perr "githarvest/internal/platform/errors"
	"githarvest/internal/platform/metrics"
	"githarvest/internal/platform/store"
)

// Records implements domain.RecordWriter over postgres.
//
// Schema:
//
//	CREATE TABLE gh_records (
//	    event_id     text        PRIMARY KEY,
//	    window_start timestamptz NOT NULL,
//	    event_type   text        NOT NULL,
//	    repo_id      bigint      NOT NULL DEFAULT 0,
//	    repo_name    text        NOT NULL DEFAULT '',
//	    actor_id     bigint      NOT NULL DEFAULT 0,
//	    actor_login  text        NOT NULL DEFAULT '',
//	    occurred_at  timestamptz NOT NULL,
//	    repo_meta    jsonb,
//	    actor_meta   jsonb,
//	    enriched     boolean     NOT NULL DEFAULT false,
//	    updated_at   timestamptz NOT NULL DEFAULT now()
//	);
type Records struct {
	db store.TxRunner
}

// NewRecords binds the writer to a postgres seam
func NewRecords(db store.TxRunner) *Records { return &Records{db: db} }

var _ domain.RecordWriter = (*Records)(nil)

const upsertRecordSQL = `
	INSERT INTO gh_records (
		event_id, window_start, event_type,
		repo_id, repo_name, actor_id, actor_login,
		occurred_at, repo_meta, actor_meta, enriched
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11)
	ON CONFLICT (event_id) DO UPDATE SET
		window_start = EXCLUDED.window_start,
		event_type   = EXCLUDED.event_type,
		repo_meta    = COALESCE(EXCLUDED.repo_meta, gh_records.repo_meta),
		actor_meta   = COALESCE(EXCLUDED.actor_meta, gh_records.actor_meta),
		enriched     = gh_records.enriched OR EXCLUDED.enriched,
		updated_at   = now()
`

// UpsertRecords writes merged records idempotently. Reprocessing a window
// rewrites the same event_id rows; metadata present in an earlier pass is
// never downgraded to null by a degraded retry
func (r *Records) UpsertRecords(ctx context.Context, recs []domain.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	written := 0
	err := r.db.Tx(ctx, func(tx store.RowQuerier) error {
		for _, rec := range recs {
			repoMeta, err := metaJSON(rec.RepoMeta)
			if err != nil {
				return perr.Wrapf(err, perr.ErrorCodeUnknown, "encode repo meta %s", rec.EventID)
			}
			actorMeta, err := metaJSON(rec.ActorMeta)
			if err != nil {
				return perr.Wrapf(err, perr.ErrorCodeUnknown, "encode actor meta %s", rec.EventID)
			}
			_, err = tx.Exec(ctx, upsertRecordSQL,
				rec.EventID, rec.WindowStart.UTC(), rec.EventType,
				rec.RepoID, rec.RepoName, rec.ActorID, rec.ActorLogin,
				rec.OccurredAt.UTC(), repoMeta, actorMeta, rec.Enriched(),
			)
			if err != nil {
				return perr.FromPostgres(err, "upsert record %s", rec.EventID)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.RecordsPersisted.Add(float64(written))
	return written, nil
}

// metaJSON renders a metadata map as jsonb input; nil maps become SQL null
func metaJSON(m map[string]string) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
