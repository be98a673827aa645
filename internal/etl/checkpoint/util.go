package checkpoint

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

// isNoRows detects the empty result sentinel from single-row scans
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
