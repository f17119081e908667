package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"

	"github.com/corralhq/corral/pkg/fault"
)

// wrap maps driver errors into the fault taxonomy: lock/serialization
// failures become transient, sql.ErrNoRows becomes a not-found for the given
// kind/key, everything else stays transient so the retry policy owns it.
func (s *Store) wrap(op string, err error, kind, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &fault.NotFoundError{Kind: kind, Key: key}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Transient(op, err)
	}
	return fault.Transient(op, err)
}

// isUniqueViolation detects a duplicate-key insert. Idempotent writers treat
// it as success; the history appender treats it as a lost race.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// isRetryableConflict detects lock contention and serialization failures.
func isRetryableConflict(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
