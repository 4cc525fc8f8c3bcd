package registry

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when a presented key does not belong to the
// agent id. Unknown ids produce the same error so callers cannot probe
// which agents exist.
var ErrUnauthorized = errors.New("invalid agent ID or API key")

// ValidationError reports a request field that is missing or out of range.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StorageError wraps a failure of the backing store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }
