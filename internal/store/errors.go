package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a queue item or test run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyQueued is returned when the same test and stage are already queued.
	ErrAlreadyQueued = errors.New("test is already queued")
)

// StorageError wraps failures from the underlying database so callers can
// tell them apart from domain errors.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err came from the storage layer.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
