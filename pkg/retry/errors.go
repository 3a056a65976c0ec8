package retry

import (
	"fmt"

	"github.com/rohmanhakim/harvester/pkg/failure"
)

type RetryErrorCause string

const (
	ErrInvalidPolicy RetryErrorCause = "invalid policy"
	ErrInterrupted   RetryErrorCause = "interrupted"
)

// RetryError reports a failure of the retry machinery itself rather than of
// the retried operation. Cause carries the operation's last error, if any.
type RetryError struct {
	Message   string
	Reason    RetryErrorCause
	Attempts  int
	Retryable bool
	Cause     error
}

func (e *RetryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("retry error: %s, %s: %v", e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("retry error: %s, %s", e.Reason, e.Message)
}

func (e *RetryError) Unwrap() error {
	return e.Cause
}

func (e *RetryError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

func (e *RetryError) IsRetryable() bool {
	return e.Retryable
}
