package store

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// ConflictError means a unique-key constraint rejected the write; the
// caller decides whether to insert-or-update.
type ConflictError struct {
	Constraint string
}

func (e *ConflictError) Error() string {
	return "store: conflict on " + e.Constraint
}

// TransientError wraps an I/O failure the caller may retry (lock
// contention, busy database, timeout).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "store: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// CorruptError means the database itself failed an integrity check; it is
// fatal and must stop the worker that observed it.
type CorruptError struct {
	Err error
}

func (e *CorruptError) Error() string { return "store: corrupt: " + e.Err.Error() }
func (e *CorruptError) Unwrap() error { return e.Err }

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// classify turns a raw database/sql / sqlite3 error into the store's
// error taxonomy. Unique-constraint violations become ConflictError
// (keyed by the offending index name where sqlite3 exposes one);
// SQLITE_BUSY/SQLITE_LOCKED become TransientError; anything else is
// returned unwrapped so callers can still errors.Is against ErrNotFound.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			constraint := sqliteErr.Error()
			if idx := strings.Index(constraint, "constraint failed: "); idx >= 0 {
				constraint = constraint[idx+len("constraint failed: "):]
			}
			return &ConflictError{Constraint: constraint}
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &TransientError{Err: err}
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return &CorruptError{Err: err}
		}
	}
	return err
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsCorrupt reports whether err is (or wraps) a CorruptError.
func IsCorrupt(err error) bool {
	var c *CorruptError
	return errors.As(err, &c)
}
