package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for categorizing storage failures.
var (
	// ErrConnectionFailed indicates a failure to reach the database.
	ErrConnectionFailed = errors.New("storage: connection failed")

	// ErrQueryFailed indicates a query execution failure.
	ErrQueryFailed = errors.New("storage: query failed")

	// ErrBatchInsertFailed indicates a batch insert that exhausted its retries.
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")
)

// StorageError wraps storage failures with operation context.
type StorageError struct {
	Op      string // operation that failed, e.g. "Insert", "Query"
	Table   string // table involved, if applicable
	Err     error  // underlying error
	Retries int    // retries attempted, if applicable
}

func (e *StorageError) Error() string {
	target := e.Op
	if e.Table != "" {
		target = fmt.Sprintf("%s(%s)", e.Op, e.Table)
	}
	return fmt.Sprintf("storage.%s: %v", target, e.Err)
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *StorageError) Unwrap() error {
	return e.Err
}

func wrap(op, table string, sentinel, err error) *StorageError {
	return &StorageError{
		Op:    op,
		Table: table,
		Err:   fmt.Errorf("%w: %v", sentinel, err),
	}
}

// WrapConnectionError wraps an error as a connection error.
func WrapConnectionError(op string, err error) error {
	return wrap(op, "", ErrConnectionFailed, err)
}

// WrapQueryError wraps a table-scoped error as a query error.
func WrapQueryError(op, table string, err error) error {
	return wrap(op, table, ErrQueryFailed, err)
}

// NewStorageErrorWithRetries creates a StorageError carrying a retry count.
func NewStorageErrorWithRetries(op, table string, err error, retries int) *StorageError {
	return &StorageError{
		Op:      op,
		Table:   table,
		Err:     err,
		Retries: retries,
	}
}
