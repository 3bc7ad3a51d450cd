package storage

import "fmt"

// PersistenceError is returned when a batch could not be written. The batch
// is lost; it is not requeued.
type PersistenceError struct {
	Label   string
	Records int
	wrapped error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist batch %q (%d records): %v", e.Label, e.Records, e.wrapped)
}

func (e *PersistenceError) Unwrap() error {
	return e.wrapped
}

// FilenameError indicates a durable file name that does not encode a label
// and a start time.
type FilenameError struct {
	Name    string
	message string
	wrapped error
}

func (e *FilenameError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("file name %q: %s: %v", e.Name, e.message, e.wrapped)
	}
	return fmt.Sprintf("file name %q: %s", e.Name, e.message)
}

func (e *FilenameError) Unwrap() error {
	return e.wrapped
}

// BatchError indicates a durable file whose content cannot be decoded.
type BatchError struct {
	Path    string
	wrapped error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("read batch %s: %v", e.Path, e.wrapped)
}

func (e *BatchError) Unwrap() error {
	return e.wrapped
}
