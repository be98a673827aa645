package errors

import (
	"context"
	stderrs "errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func pg(code string) *pgconn.PgError {
	return &pgconn.PgError{Code: code}
}

func TestDBErrorCodeMappings(t *testing.T) {
	cases := []struct {
		code string
		want ErrorCode
	}{
		{"23505", ErrorCodeDuplicateKey},    // unique violation
		{"23503", ErrorCodeInvalidArgument}, // fk violation -> invalid input
		{"23502", ErrorCodeValidation},      // not null
		{"23514", ErrorCodeValidation},      // check
		{"22P02", ErrorCodeInvalidArgument}, // invalid text representation
		{"40001", ErrorCodeDB},              // serialization failure (retryable) mapped to DB
		{"40P01", ErrorCodeDB},              // deadlock
		{"55P03", ErrorCodeDB},              // lock not available
		{"57P03", ErrorCodeUnavailable},     // cannot connect now
		{"XXXXX", ErrorCodeDB},              // default branch
	}
	for _, c := range cases {
		got, ok := DBErrorCode(pg(c.code))
		if !ok {
			t.Fatalf("expected ok for PgError code %s", c.code)
		}
		if got != c.want {
			t.Fatalf("DBErrorCode(%s) = %v, want %v", c.code, got, c.want)
		}
	}

	// Non-pg error path
	if _, ok := DBErrorCode(stderrs.New("nope")); ok {
		t.Fatalf("DBErrorCode should return ok=false for non-pg error")
	}
}

func TestFromPostgres(t *testing.T) {
	if FromPostgres(nil, "x") != nil {
		t.Fatalf("FromPostgres(nil) should be nil")
	}

	err := FromPostgres(pg("23505"), "upsert record %s", "e1")
	if CodeOf(err) != ErrorCodeDuplicateKey {
		t.Fatalf("FromPostgres map code = %v", CodeOf(err))
	}

	// non-pg causes fall back to the generic DB code
	err = FromPostgres(stderrs.New("socket closed"), "claim batch")
	if CodeOf(err) != ErrorCodeDB {
		t.Fatalf("fallback code = %v, want %v", CodeOf(err), ErrorCodeDB)
	}
}

func TestIsSQLStateAndDuplicateKey(t *testing.T) {
	wrapped := Wrapf(fmt.Errorf("exec: %w", pg("23505")), ErrorCodeDB, "insert")
	if !IsSQLState(wrapped, "23505") {
		t.Fatalf("IsSQLState must see through wrapping")
	}
	if !IsDuplicateKey(wrapped) {
		t.Fatalf("IsDuplicateKey must see through wrapping")
	}
	if IsSQLState(stderrs.New("nope"), "23505") {
		t.Fatalf("IsSQLState true for non-pg error")
	}
}

func TestIsRetryableDB(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		if !IsRetryableDB(pg(code)) {
			t.Fatalf("SQLSTATE %s must be retryable", code)
		}
	}
	for _, code := range []string{"23505", "23502", "57P03"} {
		if IsRetryableDB(pg(code)) {
			t.Fatalf("SQLSTATE %s must not be retryable", code)
		}
	}

	// text fallback for driver-level commit/lock failures
	if !IsRetryableDB(stderrs.New("ERROR: deadlock detected")) {
		t.Fatalf("deadlock text must be retryable")
	}
	if !IsRetryableDB(stderrs.New("commit unexpectedly resulted in rollback")) {
		t.Fatalf("commit rollback text must be retryable")
	}
	if IsRetryableDB(stderrs.New("syntax error at or near")) {
		t.Fatalf("random text must not be retryable")
	}

	// local cancellation is never retried here
	if IsRetryableDB(context.Canceled) || IsRetryableDB(context.DeadlineExceeded) {
		t.Fatalf("context errors must not be retryable")
	}
	if IsRetryableDB(nil) {
		t.Fatalf("nil must not be retryable")
	}
}
