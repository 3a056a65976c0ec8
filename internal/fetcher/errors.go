package fetcher

import (
	"fmt"
	"time"

	"github.com/rohmanhakim/harvester/internal/metadata"
	"github.com/rohmanhakim/harvester/pkg/failure"
)

type FetchErrorCause string

const (
	ErrCauseInvalidURL            FetchErrorCause = "invalid url"
	ErrCauseTimeout               FetchErrorCause = "timeout"
	ErrCauseNetworkFailure        FetchErrorCause = "network issues"
	ErrCauseReadResponseBodyError FetchErrorCause = "failed to read response body"
	ErrCauseCredentials           FetchErrorCause = "credentials unavailable"
	ErrCauseUnauthorized          FetchErrorCause = "unauthorized"
	ErrCauseRequestPageForbidden  FetchErrorCause = "forbidden"
	ErrCauseNotFound              FetchErrorCause = "not found"
	ErrCauseRequestClientError    FetchErrorCause = "client error"
	ErrCauseRequestTooMany        FetchErrorCause = "too many requests"
	ErrCauseRequest5xx            FetchErrorCause = "5xx"
	ErrCauseRedirectLimitExceeded FetchErrorCause = "reached redirect limit"
	ErrCauseUnsupportedScheme     FetchErrorCause = "unsupported scheme"
	ErrCauseFileNotFound          FetchErrorCause = "file not found"
	ErrCauseFilePermission        FetchErrorCause = "permission denied"
	ErrCauseNotAFile              FetchErrorCause = "not a regular file"
	ErrCauseDisallowed            FetchErrorCause = "disallowed by access policy"
	ErrCausePolicyUnavailable     FetchErrorCause = "access policy unavailable"
)

type FetchError struct {
	Message    string
	Retryable  bool
	Cause      FetchErrorCause
	StatusCode int
	// RetryAfter is the server's requested pause, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fetcher error: %s", e.Cause)
	}
	return fmt.Sprintf("fetcher error: %s: %s", e.Cause, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

// IsRetryable returns whether this error is retryable
func (e *FetchError) IsRetryable() bool {
	return e.Retryable
}

// mapFetchErrorToMetadataCause maps fetcher-local error semantics
// to the canonical metadata.ErrorCause table.
//
// This mapping is observational only and MUST NOT be used
// to derive control-flow decisions.
func mapFetchErrorToMetadataCause(err *FetchError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseTimeout, ErrCauseNetworkFailure, ErrCauseReadResponseBodyError, ErrCauseRequest5xx, ErrCausePolicyUnavailable:
		return metadata.CauseNetworkFailure
	case ErrCauseRequestTooMany, ErrCauseRequestPageForbidden, ErrCauseUnauthorized, ErrCauseCredentials, ErrCauseDisallowed:
		return metadata.CausePolicyDisallow
	case ErrCauseInvalidURL, ErrCauseUnsupportedScheme, ErrCauseNotAFile:
		return metadata.CauseContentInvalid
	default:
		return metadata.CauseUnknown
	}
}
