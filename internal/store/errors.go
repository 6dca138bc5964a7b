package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ncruces/go-sqlite3"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateID is returned when an id is already queued or was completed before.
	ErrDuplicateID = errors.New("operation id already used")

	// ErrStorageFull is returned when the medium or the configured quota is exhausted.
	ErrStorageFull = errors.New("storage full")

	// ErrCorrupt is returned when the database file is damaged or not a database.
	ErrCorrupt = errors.New("storage corrupted")
)

// StorageError reports a write that failed because of the storage medium.
// It is fatal to the write path: callers surface it instead of retrying.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is (or wraps) a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// classify maps driver errors caused by the medium onto StorageError and
// wraps everything else with the failing step.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsStorageError(err) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateID) {
		return err
	}
	switch {
	case errors.Is(err, sqlite3.FULL) || strings.Contains(err.Error(), "database or disk is full"):
		return &StorageError{Op: op, Err: fmt.Errorf("%w: %v", ErrStorageFull, err)}
	case errors.Is(err, sqlite3.CORRUPT) || errors.Is(err, sqlite3.NOTADB) ||
		strings.Contains(err.Error(), "malformed") || strings.Contains(err.Error(), "not a database"):
		return &StorageError{Op: op, Err: fmt.Errorf("%w: %v", ErrCorrupt, err)}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
