package crdtstore

import (
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors for common database conditions.
var (
	// ErrNotFound indicates the requested row was not found.
	ErrNotFound = errors.New("not found")

	// ErrStale indicates a merge was rejected because the incoming change's
	// (col_version, site_id) did not beat the current winning record.
	ErrStale = errors.New("stale change")

	// ErrUnknownTable indicates an operation named a table that was never
	// enrolled via crdtschema.EnsureTriggers.
	ErrUnknownTable = errors.New("table not enrolled in sync")
)

// wrapDBError wraps a database error with operation context
// It converts sql.ErrNoRows to ErrNotFound for consistent error handling
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// wrapDBErrorf wraps a database error with formatted operation context
// It converts sql.ErrNoRows to ErrNotFound for consistent error handling
func wrapDBErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	op := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStale reports whether err is or wraps ErrStale.
func IsStale(err error) bool {
	return errors.Is(err, ErrStale)
}
