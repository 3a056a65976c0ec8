package failure

import (
	"context"
	"errors"
	"fmt"
)

type Severity int

// orchestrator control flow
const (
	SeverityFatal Severity = iota
	SeverityRecoverable
)

func (s Severity) String() string {
	switch s {
	case SeverityFatal:
		return "fatal"
	case SeverityRecoverable:
		return "recoverable"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

type ClassifiedError interface {
	error
	Severity() Severity
}

// TransientError marks a failure that is expected to clear on its own
// (timeouts, connection resets, throttling responses).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transient: %v", e.Err)
	}
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error      { return e.Err }
func (e *TransientError) IsRetryable() bool  { return true }
func (e *TransientError) Severity() Severity { return SeverityRecoverable }

// FatalError marks a failure that must not be retried
// (authentication, malformed request, missing resource).
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("fatal: %v", e.Err)
	}
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error      { return e.Err }
func (e *FatalError) IsRetryable() bool  { return false }
func (e *FatalError) Severity() Severity { return SeverityFatal }

// RunFatalError aborts the whole run when returned by a discovery source.
type RunFatalError struct {
	Source string
	Err    error
}

func (e *RunFatalError) Error() string {
	return fmt.Sprintf("run fatal: %s: %v", e.Source, e.Err)
}

func (e *RunFatalError) Unwrap() error      { return e.Err }
func (e *RunFatalError) IsRetryable() bool  { return false }
func (e *RunFatalError) Severity() Severity { return SeverityFatal }

func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

func Fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

func RunFatal(source string, err error) error {
	return &RunFatalError{Source: source, Err: err}
}

type retryable interface {
	IsRetryable() bool
}

// IsRetryable reports whether err should be attempted again.
// Context cancellation is never retryable. Errors that carry their own
// classification are honoured; anything else defaults to retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// IsRunFatal reports whether err must abort the whole run.
func IsRunFatal(err error) bool {
	var rf *RunFatalError
	return errors.As(err, &rf)
}

// SeverityOf returns the severity carried by err, defaulting to recoverable.
func SeverityOf(err error) Severity {
	var c ClassifiedError
	if errors.As(err, &c) {
		return c.Severity()
	}
	return SeverityRecoverable
}
