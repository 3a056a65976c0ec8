package robots

import (
	"fmt"

	"github.com/rohmanhakim/harvester/internal/metadata"
	"github.com/rohmanhakim/harvester/pkg/failure"
)

type RobotsErrorCause string

const (
	ErrCauseHttpFetchFailure     RobotsErrorCause = "failed to fetch robots.txt"
	ErrCauseHttpTooManyRequests  RobotsErrorCause = "too many requests"
	ErrCauseHttpTooManyRedirects RobotsErrorCause = "too many redirects"
	ErrCauseHttpServerError      RobotsErrorCause = "server error"
	ErrCauseParseError           RobotsErrorCause = "failed to read robots.txt"
	ErrCauseDisallowed           RobotsErrorCause = "disallowed by robots.txt"
)

type RobotsError struct {
	Message   string
	Retryable bool
	Cause     RobotsErrorCause
	Err       error
}

func (e *RobotsError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("robots error: %s", e.Cause)
	}
	return fmt.Sprintf("robots error: %s: %s", e.Cause, e.Message)
}

func (e *RobotsError) Unwrap() error {
	return e.Err
}

func (e *RobotsError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

func (e *RobotsError) IsRetryable() bool {
	return e.Retryable
}

// mapRobotsErrorToMetadataCause maps robots-local error semantics
// to the canonical metadata.ErrorCause table.
//
// This mapping is observational only and MUST NOT be used
// to derive control-flow decisions.
func mapRobotsErrorToMetadataCause(err *RobotsError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseHttpFetchFailure, ErrCauseHttpServerError, ErrCauseHttpTooManyRedirects, ErrCauseParseError:
		return metadata.CauseNetworkFailure
	case ErrCauseDisallowed, ErrCauseHttpTooManyRequests:
		return metadata.CausePolicyDisallow
	default:
		return metadata.CauseUnknown
	}
}
