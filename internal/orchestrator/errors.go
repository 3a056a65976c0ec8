package orchestrator

import (
	"errors"
	"fmt"

	"github.com/rohmanhakim/harvester/pkg/failure"
)

var (
	ErrInvalidConcurrency = errors.New("orchestrator: concurrency must be at least 1")
	ErrNoDispatcher       = errors.New("orchestrator: loader dispatcher is required")
	ErrNoStore            = errors.New("orchestrator: key-value store is required")
)

// RunAbortedError ends a run early: a locator reported a run-fatal failure
// or the queue backend failed.
type RunAbortedError struct {
	RunID string
	Cause error
}

func (e *RunAbortedError) Error() string {
	return fmt.Sprintf("run %s aborted: %v", e.RunID, e.Cause)
}

func (e *RunAbortedError) Unwrap() error {
	return e.Cause
}

func (e *RunAbortedError) Severity() failure.Severity {
	return failure.SeverityFatal
}
