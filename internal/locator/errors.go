package locator

import (
	"fmt"

	"github.com/rohmanhakim/harvester/pkg/failure"
)

type LocateErrorCause string

const (
	ErrCauseListingUnavailable LocateErrorCause = "listing unavailable"
	ErrCauseListingRejected    LocateErrorCause = "listing rejected"
	ErrCauseListingInvalid     LocateErrorCause = "listing malformed"
	ErrCauseRootUnreadable     LocateErrorCause = "root unreadable"
	ErrCauseDirectoryUnread    LocateErrorCause = "directory unreadable"
)

type LocateError struct {
	Message   string
	Retryable bool
	Cause     LocateErrorCause
	Err       error
}

func (e *LocateError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("locator error: %s", e.Cause)
	}
	return fmt.Sprintf("locator error: %s: %s", e.Cause, e.Message)
}

func (e *LocateError) Unwrap() error {
	return e.Err
}

func (e *LocateError) IsRetryable() bool {
	return e.Retryable
}

func (e *LocateError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}
