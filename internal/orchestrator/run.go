package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rohmanhakim/harvester/internal/metadata"
	"github.com/rohmanhakim/harvester/internal/queue"
	"github.com/rohmanhakim/harvester/internal/work"
	"github.com/rohmanhakim/harvester/pkg/failure"
	"github.com/rohmanhakim/harvester/pkg/retry"
	"github.com/rohmanhakim/harvester/pkg/timeutil"
)

// run holds the state shared by the workers of one Run call.
type run struct {
	cfg    Config
	params RunParams
	q      *queue.Durable
	rc     *work.RunContext
	logger *slog.Logger

	// coordinator state
	mu       sync.Mutex
	active   int
	finished bool
	done     chan struct{}
	wake     chan struct{}

	// serialises every Locator call
	discoverMu sync.Mutex

	failuresMu sync.Mutex
	failures   []ItemFailure
}

func newRun(o *Orchestrator, p RunParams, q *queue.Durable, rc *work.RunContext, logger *slog.Logger) *run {
	return &run{
		cfg:    o.cfg,
		params: p,
		q:      q,
		rc:     rc,
		logger: logger,
		done:   make(chan struct{}),
		wake:   make(chan struct{}),
	}
}

// loaderSource is implemented by dispatchers that can list their loaders.
type loaderSource interface {
	Loaders() []work.Loader
}

// subscribeListeners registers every Locator and Loader that wants bundle
// completions, plus the metrics collector, for the duration of the run.
func (r *run) subscribeListeners() func() {
	if r.cfg.Sink == nil {
		return func() {}
	}

	var listeners []work.BundleListener
	listeners = append(listeners, r.cfg.Metrics)
	for _, loc := range r.params.Locators {
		if l, ok := loc.(work.BundleListener); ok {
			listeners = append(listeners, serialListener{r: r, l: l})
		}
	}
	if src, ok := r.params.Dispatcher.(loaderSource); ok {
		for _, loader := range src.Loaders() {
			if l, ok := loader.(work.BundleListener); ok {
				listeners = append(listeners, l)
			}
		}
	}

	unsubs := make([]func(), 0, len(listeners))
	for _, l := range listeners {
		unsubs = append(unsubs, r.cfg.Sink.Subscribe(l))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// serialListener keeps Locator callbacks under the discovery lock.
type serialListener struct {
	r *run
	l work.BundleListener
}

func (s serialListener) OnBundleCommitted(ctx context.Context, commit work.BundleCommit) {
	s.r.discoverMu.Lock()
	defer s.r.discoverMu.Unlock()
	s.l.OnBundleCommitted(ctx, commit)
}

// seed enqueues the initial work and runs one discovery round.
func (r *run) seed(ctx context.Context) error {
	if len(r.params.InitialWork) > 0 {
		if _, err := r.q.Enqueue(ctx, r.params.InitialWork); err != nil {
			return r.queueFailure(ctx, "enqueue initial work", err)
		}
	}
	_, err := r.discover(ctx)
	return err
}

// worker dequeues, dispatches and discovers until the run is finished,
// cancelled or aborted. Only run-fatal conditions are returned as errors.
func (r *run) worker(ctx context.Context, id int) error {
	logger := r.logger.With(slog.Int("worker", id))
	idleRounds := 0

	for {
		if ctx.Err() != nil || r.isFinished() {
			return nil
		}

		r.enter()
		items, err := r.q.Dequeue(ctx, r.cfg.BatchSize)
		if err != nil {
			if len(items) > 0 && ctx.Err() != nil {
				r.requeue(ctx, items)
			}
			r.leave()
			return r.queueFailure(ctx, "dequeue", err)
		}

		if len(items) > 0 {
			idleRounds = 0
			for i, item := range items {
				if ctx.Err() != nil {
					r.requeue(ctx, items[i:])
					break
				}
				r.dispatch(ctx, item, logger)
			}
			err := r.refill(ctx)
			r.leave()
			if err != nil {
				return err
			}
			continue
		}

		found, err := r.discover(ctx)
		if err != nil {
			r.leave()
			return err
		}
		if found > 0 {
			r.leave()
			idleRounds = 0
			continue
		}

		finished, err := r.leaveIfDrained(ctx)
		if err != nil {
			return r.queueFailure(ctx, "size", err)
		}
		if finished {
			logger.Debug("no work left")
			return nil
		}

		idleRounds++
		r.idle(ctx, idleRounds)
	}
}

func (r *run) enter() {
	r.mu.Lock()
	r.active++
	r.cfg.Metrics.ActiveWorkers.Set(float64(r.active))
	r.mu.Unlock()
}

func (r *run) leave() {
	r.mu.Lock()
	r.active--
	r.cfg.Metrics.ActiveWorkers.Set(float64(r.active))
	r.mu.Unlock()
}

// leaveIfDrained marks the worker idle after an empty discovery. When it was
// the last active worker and the queue is empty, the run is finished.
func (r *run) leaveIfDrained(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active--
	r.cfg.Metrics.ActiveWorkers.Set(float64(r.active))
	if r.finished || r.active > 0 {
		return r.finished, nil
	}

	size, err := r.q.Size(ctx)
	if err != nil {
		return false, err
	}
	r.cfg.Metrics.QueueDepth.Set(float64(size))
	if size == 0 {
		r.finished = true
		close(r.done)
	}
	return r.finished, nil
}

func (r *run) isFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// idle waits before the next poll. New work or the end of the run cuts the
// wait short.
func (r *run) idle(ctx context.Context, rounds int) {
	r.mu.Lock()
	wake := r.wake
	r.mu.Unlock()

	timer := time.NewTimer(timeutil.ExponentialBackoffDelay(rounds, r.cfg.IdleBackoff))
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-r.done:
	case <-wake:
	case <-timer.C:
	}
}

// broadcast wakes every idle worker.
func (r *run) broadcast() {
	r.mu.Lock()
	close(r.wake)
	r.wake = make(chan struct{})
	r.mu.Unlock()
}

// refill runs discovery when the queue has fallen below the target size.
func (r *run) refill(ctx context.Context) error {
	if r.params.TargetQueueSize <= 0 || ctx.Err() != nil {
		return nil
	}
	size, err := r.q.Size(ctx)
	if err != nil {
		return r.queueFailure(ctx, "size", err)
	}
	r.cfg.Metrics.QueueDepth.Set(float64(size))
	if size >= r.params.TargetQueueSize {
		return nil
	}
	_, err = r.discover(ctx)
	return err
}

// discover asks every Locator for more work and enqueues what they return.
func (r *run) discover(ctx context.Context) (int, error) {
	r.discoverMu.Lock()
	defer r.discoverMu.Unlock()

	total := 0
	for _, loc := range r.params.Locators {
		if ctx.Err() != nil {
			return total, nil
		}

		items, err := loc.NextItems(ctx, r.rc)
		if err != nil {
			if failure.IsRunFatal(err) {
				r.cfg.Metrics.Discoveries.WithLabelValues(loc.Name(), "fatal").Inc()
				r.cfg.MetadataSink.RecordError(time.Now(), "orchestrator", "discover", metadata.CauseUnknown, err.Error(),
					[]metadata.Attribute{metadata.NewAttr(metadata.AttrLocator, loc.Name())})
				return total, &RunAbortedError{RunID: r.rc.RunID(), Cause: err}
			}
			if ctx.Err() != nil {
				return total, nil
			}
			r.cfg.Metrics.Discoveries.WithLabelValues(loc.Name(), "error").Inc()
			r.logger.Warn("locator failed, treating round as empty",
				slog.String("locator", loc.Name()),
				slog.Any("error", err),
			)
			continue
		}

		if len(items) == 0 {
			r.cfg.Metrics.Discoveries.WithLabelValues(loc.Name(), "empty").Inc()
			continue
		}

		n, err := r.q.Enqueue(ctx, items)
		if err != nil {
			if errors.Is(err, queue.ErrEncodeRecord) {
				r.logger.Warn("locator produced an unstorable item",
					slog.String("locator", loc.Name()),
					slog.Any("error", err),
				)
				continue
			}
			return total, r.queueFailure(ctx, "enqueue discovered work", err)
		}
		total += n
		r.cfg.Metrics.Discoveries.WithLabelValues(loc.Name(), "found").Inc()
		r.logger.Debug("work discovered", slog.String("locator", loc.Name()), slog.Int("items", n))
	}

	if total > 0 {
		r.broadcast()
	}
	return total, nil
}

// dispatch loads one item and reports the outcome to every Locator.
func (r *run) dispatch(ctx context.Context, item work.WorkItem, logger *slog.Logger) {
	loadCtx, cancel := r.loadContext(ctx)
	defer cancel()

	refs, err := r.load(loadCtx, item)
	if err != nil {
		r.fail(item, err, logger)
		return
	}

	r.rc.MarkProcessed()
	r.rc.AddBundles(len(refs))
	r.cfg.Metrics.ItemsProcessed.Inc()

	r.discoverMu.Lock()
	defer r.discoverMu.Unlock()
	for _, loc := range r.params.Locators {
		if err := loc.OnItemProcessed(loadCtx, item, refs, r.rc); err != nil {
			logger.Warn("locator rejected completion",
				slog.String("locator", loc.Name()),
				slog.String("item", item.ID),
				slog.Any("error", err),
			)
		}
	}
}

func (r *run) load(ctx context.Context, item work.WorkItem) (refs []work.BundleRef, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("loader panicked: %v", p)
		}
	}()

	loader, err := r.params.Dispatcher.LoaderFor(item)
	if err != nil {
		return nil, err
	}
	return loader.Load(ctx, item, r.cfg.Sink, r.rc)
}

// loadContext outlives ctx by the grace period so an in-flight load can
// finish after cancellation. Pending retry delays still end with ctx.
func (r *run) loadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	grace := r.cfg.GracePeriod
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(grace, cancel)
	})
	return retry.WithInterrupt(loadCtx, ctx), func() {
		stop()
		cancel()
	}
}

func (r *run) fail(item work.WorkItem, err error, logger *slog.Logger) {
	r.rc.MarkFailed()
	r.cfg.Metrics.ItemsFailed.Inc()
	logger.Warn("item failed",
		slog.String("item", item.ID),
		slog.Int("depth", item.Depth),
		slog.String("severity", failure.SeverityOf(err).String()),
		slog.Any("error", err),
	)

	r.failuresMu.Lock()
	if len(r.failures) < r.cfg.MaxRecordedFailures {
		r.failures = append(r.failures, ItemFailure{ItemID: item.ID, Depth: item.Depth, Err: err})
	}
	r.failuresMu.Unlock()
}

// requeue puts back items that were dequeued but never dispatched because
// the run was cancelled.
func (r *run) requeue(ctx context.Context, items []work.WorkItem) {
	requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := r.q.Enqueue(requeueCtx, items); err != nil {
		r.logger.Error("items lost on cancellation", slog.Int("items", len(items)), slog.Any("error", err))
	}
}

func (r *run) queueFailure(ctx context.Context, action string, err error) error {
	// cancellation surfaces from the queue lock or the store, it is not a
	// backend failure
	if ctx.Err() != nil && (!queue.IsBackendError(err) || errors.Is(err, ctx.Err())) {
		return nil
	}
	r.cfg.MetadataSink.RecordError(time.Now(), "orchestrator", action, metadata.CauseQueueFailure, err.Error(),
		[]metadata.Attribute{metadata.NewAttr(metadata.AttrRunID, r.rc.RunID())})
	return &RunAbortedError{RunID: r.rc.RunID(), Cause: fmt.Errorf("%s: %w", action, err)}
}

func (r *run) result(ctx context.Context, elapsed time.Duration) RunResult {
	sizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	stats, err := r.q.Stats(sizeCtx)
	if err != nil {
		r.logger.Warn("cannot read remaining queue size", slog.Any("error", err))
	}
	remaining := stats.Size
	r.cfg.Metrics.QueueDepth.Set(float64(remaining))
	if stats.Skipped > 0 {
		r.logger.Warn("undecodable queue records were dropped", slog.Int64("skipped", stats.Skipped))
	}

	r.failuresMu.Lock()
	failures := append([]ItemFailure(nil), r.failures...)
	r.failuresMu.Unlock()

	return RunResult{
		RunID:     r.rc.RunID(),
		Processed: r.rc.Processed(),
		Failed:    r.rc.Failed(),
		Bundles:   r.rc.Bundles(),
		Duration:  elapsed,
		Remaining: remaining,
		Skipped:   stats.Skipped,
		Failures:  failures,
	}
}
