package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rohmanhakim/harvester/internal/kv"
	"github.com/rohmanhakim/harvester/internal/metadata"
	"github.com/rohmanhakim/harvester/internal/metrics"
	"github.com/rohmanhakim/harvester/internal/pool"
	"github.com/rohmanhakim/harvester/internal/queue"
	"github.com/rohmanhakim/harvester/internal/work"
	"github.com/rohmanhakim/harvester/pkg/timeutil"
	"golang.org/x/sync/errgroup"
)

/*
 Orchestrator is the sole control-plane authority of a run.

 Guarantees:
 - Every discovered item passes through the durable queue; nothing is
   dispatched straight from a Locator.
 - An item is handed to at most one worker.
 - Locator methods are never called concurrently with each other.
 - Loaders, Locators and Storage may detect and classify failure, but never
   decide retry, continuation or abortion of the run.

 Termination:
 - A run ends when the queue is empty, the latest discovery found nothing,
   and no worker is dispatching or discovering. The last worker to go idle
   checks the queue under the coordinator lock, so a worker that is still
   busy can never be overtaken by a premature shutdown.

 Failure:
 - A Loader error fails only that item.
 - A Locator error counts as an empty discovery round, unless it is a
   *failure.RunFatalError.
 - A queue backend error or a run-fatal Locator error aborts the run.

 Metadata emission is observational only and MUST NOT influence dispatch,
 retries, or termination.
*/

type Config struct {
	Store        kv.Store
	Sink         work.Sink
	Pools        *pool.Manager
	App          pool.AppContext
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	MetadataSink metadata.MetadataSink
	Finalizer    metadata.RunFinalizer
	// BatchSize is the number of items a worker dequeues at once.
	BatchSize int
	// IdleBackoff spaces the polls of a worker that found no work.
	IdleBackoff timeutil.BackoffParam
	// GracePeriod is how long in-flight loads may continue after the run
	// context is cancelled.
	GracePeriod         time.Duration
	MaxRecordedFailures int
}

type Orchestrator struct {
	cfg Config
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Pools == nil {
		cfg.Pools = pool.NewManager(pool.WithLogger(cfg.Logger))
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.MetadataSink == nil {
		cfg.MetadataSink = &metadata.NoopSink{}
	}
	if cfg.Finalizer == nil {
		cfg.Finalizer = &metadata.NoopSink{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 4
	}
	if cfg.IdleBackoff.InitialDuration() <= 0 {
		cfg.IdleBackoff = timeutil.NewBackoffParam(25*time.Millisecond, 2.0, time.Second)
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.MaxRecordedFailures <= 0 {
		cfg.MaxRecordedFailures = 100
	}
	return &Orchestrator{cfg: cfg}
}

// NewRunID returns a fresh time-ordered run id.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Run executes one run to completion. It seeds the queue with p.InitialWork
// and one discovery round per Locator, then lets p.Concurrency workers drain
// and refill the queue until no work is left.
//
// The returned error is nil when the run finished on its own, wraps
// ctx.Err() when it was cancelled, and is a *RunAbortedError when it was
// aborted. The result is populated in every case.
func (o *Orchestrator) Run(ctx context.Context, p RunParams) (RunResult, error) {
	if p.Concurrency < 1 {
		return RunResult{}, ErrInvalidConcurrency
	}
	if p.Dispatcher == nil {
		return RunResult{}, ErrNoDispatcher
	}
	if o.cfg.Store == nil {
		return RunResult{}, ErrNoStore
	}
	if p.RunID == "" {
		p.RunID = NewRunID()
	}

	logger := o.cfg.Logger.With(slog.String("run_id", p.RunID))
	started := time.Now()

	q, err := queue.Open(ctx, o.cfg.Store, p.RunID, queue.WithLogger(logger))
	if err != nil {
		return RunResult{RunID: p.RunID}, o.openFailure(ctx, p.RunID, err)
	}
	defer q.Close()

	rc := work.NewRunContext(p.RunID, o.cfg.Pools, o.cfg.App, logger)
	r := newRun(o, p, q, rc, logger)

	unsubscribe := r.subscribeListeners()
	defer unsubscribe()

	logger.Info("run started",
		slog.Int("concurrency", p.Concurrency),
		slog.Int("target_queue_size", p.TargetQueueSize),
		slog.Int("initial_items", len(p.InitialWork)),
		slog.Int("locators", len(p.Locators)),
	)

	runErr := r.seed(ctx)
	if runErr == nil {
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < p.Concurrency; i++ {
			g.Go(func() error {
				return r.worker(gctx, i)
			})
		}
		runErr = g.Wait()
	}

	result := r.result(ctx, time.Since(started))
	o.cfg.Finalizer.RecordFinalRunStats(result.Processed, result.Failed, result.Bundles, result.Duration)

	switch {
	case runErr != nil:
		logger.Error("run aborted", slog.Any("error", runErr))
		return result, runErr
	case ctx.Err() != nil:
		logger.Warn("run interrupted", slog.Int("remaining", result.Remaining))
		return result, fmt.Errorf("run %s interrupted: %w", p.RunID, context.Cause(ctx))
	default:
		logger.Info("run finished",
			slog.Int64("processed", result.Processed),
			slog.Int64("failed", result.Failed),
			slog.Duration("duration", result.Duration),
		)
		return result, nil
	}
}

func (o *Orchestrator) openFailure(ctx context.Context, runID string, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return fmt.Errorf("run %s interrupted: %w", runID, err)
	}
	o.cfg.MetadataSink.RecordError(time.Now(), "orchestrator", "Run", metadata.CauseQueueFailure, err.Error(),
		[]metadata.Attribute{metadata.NewAttr(metadata.AttrRunID, runID)})
	return &RunAbortedError{RunID: runID, Cause: err}
}
