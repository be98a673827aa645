// Package checkpoint provides durable postgres state for batch processing.
//
// Schema:
//
//	CREATE TABLE etl_checkpoints (
//	    run_id        text        NOT NULL,
//	    window_start  timestamptz NOT NULL,
//	    window_end    timestamptz NOT NULL,
//	    status        text        NOT NULL DEFAULT 'pending',
//	    attempt_count int         NOT NULL DEFAULT 0,
//	    last_error    text        NOT NULL DEFAULT '',
//	    events        int         NOT NULL DEFAULT 0,
//	    records       int         NOT NULL DEFAULT 0,
//	    unenriched    int         NOT NULL DEFAULT 0,
//	    read_ms       int         NOT NULL DEFAULT 0,
//	    enrich_ms     int         NOT NULL DEFAULT 0,
//	    db_ms         int         NOT NULL DEFAULT 0,
//	    updated_at    timestamptz NOT NULL DEFAULT now(),
//	    PRIMARY KEY (run_id, window_start)
//	);
//
// Rows are inserted when a run is scheduled and only ever updated after
// that; a finished run leaves its full history in place for audit and
// resume
package checkpoint

import (
	"context"
	"time"

	"githarvest/internal/etl/domain"
	perr "githarvest/internal/platform/errors"
	"githarvest/internal/platform/store"
)

// PG implements domain.CheckpointRepo over the postgres seam
type PG struct {
	db store.TxRunner
}

// NewPG binds the repo to a postgres seam
func NewPG(db store.TxRunner) *PG { return &PG{db: db} }

var _ domain.CheckpointRepo = (*PG)(nil)

// Seed inserts pending checkpoint rows for the given windows. Existing
// rows are left untouched so reseeding a run is idempotent and resume
// keeps prior progress. Returns the number of rows actually created
func (r *PG) Seed(ctx context.Context, runID string, windows []domain.TimeWindow) (int, error) {
	const q = `
		INSERT INTO etl_checkpoints (run_id, window_start, window_end, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT (run_id, window_start) DO NOTHING
	`
	created := 0
	err := r.db.Tx(ctx, func(tx store.RowQuerier) error {
		for _, w := range windows {
			if !w.Valid() {
				return perr.InvalidArgf("invalid window %v..%v", w.Start, w.End)
			}
			tag, err := tx.Exec(ctx, q, runID, w.Start.UTC(), w.End.UTC())
			if err != nil {
				return perr.FromPostgres(err, "seed checkpoint %s", w.Label())
			}
			created += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// Claim atomically hands the oldest pending window to the caller, moving
// it to reading and charging one attempt. SKIP LOCKED keeps concurrent
// workers from ever claiming the same window. ok is false when no work
// is available
func (r *PG) Claim(ctx context.Context, runID string) (domain.Checkpoint, bool, error) {
	const q = `
		WITH next AS (
			SELECT run_id, window_start
			FROM etl_checkpoints
			WHERE run_id = $1 AND status = 'pending'
			ORDER BY window_start
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE etl_checkpoints c
		SET status = 'reading', attempt_count = c.attempt_count + 1, updated_at = now()
		FROM next
		WHERE c.run_id = next.run_id AND c.window_start = next.window_start
		RETURNING c.run_id, c.window_start, c.window_end, c.status, c.attempt_count, c.last_error
	`
	var cp domain.Checkpoint
	var status string
	err := r.db.QueryRow(ctx, q, runID).Scan(
		&cp.RunID, &cp.Window.Start, &cp.Window.End, &status, &cp.AttemptCount, &cp.LastError,
	)
	if err != nil {
		if isNoRows(err) {
			return domain.Checkpoint{}, false, nil
		}
		return domain.Checkpoint{}, false, perr.FromPostgres(err, "claim checkpoint run %s", runID)
	}
	cp.Status = domain.BatchStatus(status)
	return cp, true, nil
}

// Transition moves a window to a new status after validating the edge
// against the batch state machine inside one transaction
func (r *PG) Transition(ctx context.Context, runID string, w domain.TimeWindow, to domain.BatchStatus, lastErr string) error {
	return r.db.Tx(ctx, func(tx store.RowQuerier) error {
		var cur string
		err := tx.QueryRow(ctx, `
			SELECT status FROM etl_checkpoints
			WHERE run_id = $1 AND window_start = $2
			FOR UPDATE
		`, runID, w.Start.UTC()).Scan(&cur)
		if err != nil {
			if isNoRows(err) {
				return perr.NotFoundf("checkpoint %s/%s", runID, w.Label())
			}
			return perr.FromPostgres(err, "load checkpoint %s/%s", runID, w.Label())
		}
		from := domain.BatchStatus(cur)
		if !domain.CanTransition(from, to) {
			return perr.InvalidArgf("illegal transition %s -> %s for %s/%s", from, to, runID, w.Label())
		}
		_, err = tx.Exec(ctx, `
			UPDATE etl_checkpoints
			SET status = $3, last_error = $4, updated_at = now()
			WHERE run_id = $1 AND window_start = $2
		`, runID, w.Start.UTC(), string(to), lastErr)
		if err != nil {
			return perr.FromPostgres(err, "transition checkpoint %s/%s", runID, w.Label())
		}
		return nil
	})
}

// Finish records the terminal outcome and counters for a window. The
// status edge is validated like any other transition
func (r *PG) Finish(ctx context.Context, cp domain.Checkpoint) error {
	return r.db.Tx(ctx, func(tx store.RowQuerier) error {
		var cur string
		err := tx.QueryRow(ctx, `
			SELECT status FROM etl_checkpoints
			WHERE run_id = $1 AND window_start = $2
			FOR UPDATE
		`, cp.RunID, cp.Window.Start.UTC()).Scan(&cur)
		if err != nil {
			if isNoRows(err) {
				return perr.NotFoundf("checkpoint %s/%s", cp.RunID, cp.Window.Label())
			}
			return perr.FromPostgres(err, "load checkpoint %s/%s", cp.RunID, cp.Window.Label())
		}
		from := domain.BatchStatus(cur)
		if !domain.CanTransition(from, cp.Status) {
			return perr.InvalidArgf("illegal finish %s -> %s for %s/%s", from, cp.Status, cp.RunID, cp.Window.Label())
		}
		_, err = tx.Exec(ctx, `
			UPDATE etl_checkpoints SET
				status = $3,
				last_error = $4,
				events = $5,
				records = $6,
				unenriched = $7,
				read_ms = $8,
				enrich_ms = $9,
				db_ms = $10,
				updated_at = now()
			WHERE run_id = $1 AND window_start = $2
		`,
			cp.RunID, cp.Window.Start.UTC(), string(cp.Status), cp.LastError,
			cp.Events, cp.Records, cp.Unenriched, cp.ReadMS, cp.EnrichMS, cp.DBMS,
		)
		if err != nil {
			return perr.FromPostgres(err, "finish checkpoint %s/%s", cp.RunID, cp.Window.Label())
		}
		return nil
	})
}

// ListByRun returns all checkpoints of a run ordered by window start
func (r *PG) ListByRun(ctx context.Context, runID string) ([]domain.Checkpoint, error) {
	rows, err := r.db.Query(ctx, `
		SELECT run_id, window_start, window_end, status, attempt_count, last_error,
		       events, records, unenriched, read_ms, enrich_ms, db_ms, updated_at
		FROM etl_checkpoints
		WHERE run_id = $1
		ORDER BY window_start
	`, runID)
	if err != nil {
		return nil, perr.FromPostgres(err, "list checkpoints run %s", runID)
	}
	defer rows.Close()

	var out []domain.Checkpoint
	for rows.Next() {
		var cp domain.Checkpoint
		var status string
		var updated time.Time
		if err := rows.Scan(
			&cp.RunID, &cp.Window.Start, &cp.Window.End, &status, &cp.AttemptCount, &cp.LastError,
			&cp.Events, &cp.Records, &cp.Unenriched, &cp.ReadMS, &cp.EnrichMS, &cp.DBMS, &updated,
		); err != nil {
			return nil, perr.FromPostgres(err, "scan checkpoint run %s", runID)
		}
		cp.Status = domain.BatchStatus(status)
		cp.UpdatedAt = updated
		out = append(out, cp)
	}
	return out, rows.Err()
}
