package store

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("store: closed")

// StorageOpenFailedError means the database file could not be created or opened.
type StorageOpenFailedError struct {
	Path string
	Err  error
}

func (e *StorageOpenFailedError) Error() string {
	return fmt.Sprintf("store: open %s: %v", e.Path, e.Err)
}

func (e *StorageOpenFailedError) Unwrap() error { return e.Err }

// SchemaFailedError wraps any DDL or migration failure.
type SchemaFailedError struct {
	Err error
}

func (e *SchemaFailedError) Error() string {
	return fmt.Sprintf("store: schema: %v", e.Err)
}

func (e *SchemaFailedError) Unwrap() error { return e.Err }

// QueryFailedError wraps a failed prepare, bind or step on an available store.
type QueryFailedError struct {
	Op  string
	Err error
}

func (e *QueryFailedError) Error() string {
	return fmt.Sprintf("store.%s: %v", e.Op, e.Err)
}

func (e *QueryFailedError) Unwrap() error { return e.Err }

func queryFailed(op string, err error) error {
	if err == nil {
		return nil
	}
	var qf *QueryFailedError
	if errors.As(err, &qf) {
		return err
	}
	return &QueryFailedError{Op: op, Err: err}
}
