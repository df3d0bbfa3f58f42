// Package pgerr translates Postgres SQLSTATE failures into the domain error
// taxonomy so callers never branch on driver internals.
package pgerr

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"amarket/pkg/marketdata"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeLockNotAvailable    = "55P03"
	codeSerializationFail   = "40001"
	codeDeadlockDetected    = "40P01"
	codeQueryCanceled       = "57014"
)

// Map wraps a raw driver error for the given operation and record key.
// Unique violations become ConflictError; lock timeouts, deadlocks and
// serialization failures become retryable ContentionError. Anything else is
// returned unchanged.
func Map(op, key string, err error) error {
	if err == nil {
		return nil
	}
	code, constraint, ok := sqlState(err)
	if !ok {
		return err
	}
	switch code {
	case codeUniqueViolation:
		return &marketdata.ConflictError{Key: key, Field: constraint, Reason: "unique constraint violated"}
	case codeForeignKeyViolation:
		return &marketdata.ConflictError{Key: key, Field: constraint, Reason: "referenced row missing"}
	case codeLockNotAvailable, codeSerializationFail, codeDeadlockDetected, codeQueryCanceled:
		return &marketdata.ContentionError{Op: op, Err: err}
	}
	return err
}

// sqlState extracts the SQLSTATE code regardless of which Postgres driver
// produced the error.
func sqlState(err error) (code, constraint string, ok bool) {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code, pgxErr.ConstraintName, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint, true
	}
	return "", "", false
}
