package queue

import (
	"errors"
	"fmt"

	"github.com/rohmanhakim/harvester/pkg/failure"
)

var (
	ErrClosed       = errors.New("queue: closed")
	ErrNoNamespace  = errors.New("queue: namespace is required")
	ErrEncodeRecord = errors.New("queue: cannot encode work item")
	ErrDecodeRecord = errors.New("queue: cannot decode record")
)

// BackendError wraps a failure of the underlying key-value store.
// It is fatal to a run.
type BackendError struct {
	Op  string
	Key string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("queue backend: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func (e *BackendError) Severity() failure.Severity {
	return failure.SeverityFatal
}

func (e *BackendError) IsRetryable() bool {
	return false
}

// IsBackendError reports whether err came from the key-value store.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
