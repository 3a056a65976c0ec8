package orchestrator

import (
	"fmt"
	"time"

	"github.com/rohmanhakim/harvester/internal/work"
)

// RunParams describes one run.
type RunParams struct {
	// RunID names the run and its queue namespace. Reusing the id of an
	// interrupted run resumes its queue.
	RunID       string
	InitialWork []work.WorkItem
	Locators    []work.Locator
	Dispatcher  work.Dispatcher
	Concurrency int
	// TargetQueueSize triggers discovery whenever the queue drops below it.
	// Zero disables proactive discovery.
	TargetQueueSize int
}

// RunResult summarises a finished run.
type RunResult struct {
	RunID     string
	Processed int64
	Failed    int64
	Bundles   int64
	Duration  time.Duration
	// Remaining is the queue size when the run returned; non-zero after
	// cancellation or abort.
	Remaining int
	// Skipped counts queued records dropped because they could not be decoded.
	Skipped int64
	// Failures holds the first failed items, up to Config.MaxRecordedFailures.
	Failures []ItemFailure
}

// ItemFailure records one item whose load failed. Failed items are not
// re-enqueued.
type ItemFailure struct {
	ItemID string
	Depth  int
	Err    error
}

func (f ItemFailure) Error() string {
	return fmt.Sprintf("item %s: %v", f.ItemID, f.Err)
}

func (f ItemFailure) Unwrap() error {
	return f.Err
}
