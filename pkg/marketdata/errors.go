package marketdata

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups that miss. It is an absent result, not
// a failure; callers are expected to branch on it with errors.Is.
var ErrNotFound = errors.New("marketdata: not found")

// ValidationError rejects a malformed record before any write happens.
type ValidationError struct {
	Key    string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("validation failed for %s: %s: %s", e.Key, e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for the given record key.
func NewValidationError(key, field, reason string) *ValidationError {
	return &ValidationError{Key: key, Field: field, Reason: reason}
}

// ConflictError rejects an upsert that would collide with an identity owned
// by a different record. The original row is left unchanged.
type ConflictError struct {
	Key    string
	Field  string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identity conflict for %s on %s: %s", e.Key, e.Field, e.Reason)
}

// ContentionError wraps a lock-timeout failure. It is retryable: the caller
// should back off and resubmit the same record.
type ContentionError struct {
	Op  string
	Err error
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("contention during %s: %v", e.Op, e.Err)
}

func (e *ContentionError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsContention reports whether err is (or wraps) a ContentionError.
func IsContention(err error) bool {
	var ce *ContentionError
	return errors.As(err, &ce)
}
