package store

import (
	"context"
	"errors"

	"githarvest/internal/platform/store/ch"
)

// newWHAdapter wraps an existing *ch.CH and returns the store.Warehouse seam
func newWHAdapter(c *ch.CH) Warehouse {
	return &whAdapter{inner: c}
}

// whAdapter adapts *ch.CH to the store.Warehouse interface
type whAdapter struct {
	inner *ch.CH
}

var _ Warehouse = (*whAdapter)(nil)

func (a *whAdapter) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	r, err := a.inner.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &whRows{r: r}, nil
}

// Ping verifies connectivity with the warehouse
func (a *whAdapter) Ping(ctx context.Context) error {
	if a == nil || a.inner == nil {
		return errors.New("store: nil warehouse adapter")
	}
	return a.inner.Ping(ctx)
}

func (a *whAdapter) Close() error { return a.inner.Close() }

// whRows wraps ch.Rows as store.Rows
type whRows struct {
	r ch.Rows
}

func (r *whRows) Next() bool             { return r.r.Next() }
func (r *whRows) Scan(dest ...any) error { return r.r.Scan(dest...) }
func (r *whRows) Err() error             { return r.r.Err() }
func (r *whRows) Close()                 { _ = r.r.Close() }
func (r *whRows) Columns() []string      { return r.r.Columns() }
