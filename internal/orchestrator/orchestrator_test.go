package orchestrator_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/rohmanhakim/harvester/internal/kv"
	"github.com/rohmanhakim/harvester/internal/orchestrator"
	"github.com/rohmanhakim/harvester/internal/queue"
	"github.com/rohmanhakim/harvester/internal/work"
	"github.com/rohmanhakim/harvester/pkg/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// TestRun_TerminatesWhenLocatorsRunDry verifies a locator that returns items on
// its first two calls and nothing afterwards ends the run with every item processed
func TestRun_TerminatesWhenLocatorsRunDry(t *testing.T) {
	loader := newRecordingLoader()
	loc := newBatchLocator("two-batches", makeItems("a", 3), makeItems("b", 4))
	o := newOrchestratorForTest(t, kv.NewMemoryStore())

	result, err := o.Run(context.Background(), orchestrator.RunParams{
		RunID:           "run-1",
		Locators:        []work.Locator{loc},
		Dispatcher:      dispatchTo(loader),
		Concurrency:     4,
		TargetQueueSize: 2,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(7), result.Processed)
	assert.Equal(t, int64(0), result.Failed)
	assert.Equal(t, int64(7), result.Bundles)
	assert.Equal(t, 0, result.Remaining)
	assert.Len(t, loader.Seen(), 7)
	assert.GreaterOrEqual(t, loc.Calls(), 3)
	assert.ElementsMatch(t, []string{"a-0", "a-1", "a-2", "b-0", "b-1", "b-2", "b-3"}, loc.Processed())
}

func TestRun_InitialWorkWithoutLocators(t *testing.T) {
	loader := newRecordingLoader()
	o := newOrchestratorForTest(t, kv.NewMemoryStore())

	result, err := o.Run(context.Background(), orchestrator.RunParams{
		RunID:       "run-1",
		InitialWork: makeItems("seed", 5),
		Dispatcher:  dispatchTo(loader),
		Concurrency: 2,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Processed)
}

func TestRun_EmptyRunFinishesImmediately(t *testing.T) {
	o := newOrchestratorForTest(t, kv.NewMemoryStore())

	result, err := o.Run(context.Background(), orchestrator.RunParams{
		Dispatcher:  dispatchTo(newRecordingLoader()),
		Concurrency: 3,
	})

	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, int64(0), result.Processed)
}

// TestRun_NoDuplicateDispatch runs 8 workers over 1000 items and checks each
// item reaches a loader exactly once
func TestRun_NoDuplicateDispatch(t *testing.T) {
	loader := newRecordingLoader()
	o := newOrchestratorForTest(t, kv.NewMemoryStore())

	result, err := o.Run(context.Background(), orchestrator.RunParams{
		RunID:       "run-1",
		InitialWork: makeItems("w", 1000),
		Dispatcher:  dispatchTo(loader),
		Concurrency: 8,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1000), result.Processed)

	seen := loader.Seen()
	assert.Len(t, seen, 1000)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s loaded %d times", id, n)
	}
}

func TestRun_ItemFailureIsCountedNotRequeued(t *testing.T) {
	loader := newRecordingLoader()
	cause := failure.Fatal("get", errors.New("404"))
	loader.fail["seed-1"] = cause
	o := newOrchestratorForTest(t, kv.NewMemoryStore())

	result, err := o.Run(context.Background(), orchestrator.RunParams{
		RunID:       "run-1",
		InitialWork: makeItems("seed", 3),
		Dispatcher:  dispatchTo(loader),
		Concurrency: 2,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Processed)
	assert.Equal(t, int64(1), result.Failed)
	assert.Equal(t, 1, loader.Seen()["seed-1"])
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "seed-1", result.Failures[0].ItemID)
	assert.ErrorIs(t, result.Failures[0], cause)
}

func TestRun_DispatcherErrorIsItemFailure(t *testing.T) {
	o := newOrchestratorForTest(t, kv.NewMemoryStore())
	noLoader := errors.New("no loader for scheme")

	result, err := o.Run(context.Background(), orchestrator.RunParams{
		InitialWork: makeItems("x", 2),
		Dispatcher: work.DispatcherFunc(func(work.WorkItem) (work.Loader, error) {
			return nil, noLoader
		}),
		Concurrency: 1,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Failed)
	assert.ErrorIs(t, result.Failures[0].Err, noLoader)
}

func TestRun_LoaderPanicIsItemFailure(t *testing.T) {
	o := newOrchestratorForTest(t, kv.NewMemoryStore())
	loader := work.LoaderFunc(func(ctx context.Context, item work.WorkItem, sink work.Sink, rc *work.RunContext) ([]work.BundleRef, error) {
		panic("boom")
	})

	result, err := o.Run(context.Background(), orchestrator.RunParams{
		InitialWork: makeItems("x", 1),
		Dispatcher:  dispatchTo(loader),
		Concurrency: 1,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Failed)
	assert.Contains(t, result.Failures[0].Err.Error(), "panicked")
}

func TestRun_LocatorErrorTreatedAsEmptyRound(t *testing.T) {
	loader := newRecordingLoader()
	loc := newBatchLocator("flaky", nil, makeItems("late", 2))
	loc.errs = []error{errors.New("listing timed out")}
	o := newOrchestratorForTest(t, kv.NewMemoryStore())

	result, err := o.Run(context.Background(), orchestrator.RunParams{
		Locators:    []work.Locator{loc},
		Dispatcher:  dispatchTo(loader),
		Concurrency: 1,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Processed)
}

func TestRun_RunFatalLocatorAborts(t *testing.T) {
	loc := newBatchLocator("auth", makeItems("a", 1))
	revoked := errors.New("token revoked")
	loc.errs = []error{nil, failure.RunFatal("auth", revoked)}
	o := newOrchestratorForTest(t, kv.NewMemoryStore())

	_, err := o.Run(context.Background(), orchestrator.RunParams{
		RunID:       "run-1",
		Locators:    []work.Locator{loc},
		Dispatcher:  dispatchTo(newRecordingLoader()),
		Concurrency: 2,
	})

	var aborted *orchestrator.RunAbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, "run-1", aborted.RunID)
	assert.ErrorIs(t, err, revoked)
}

func TestRun_QueueBackendFailureAborts(t *testing.T) {
	store := &faultyStore{MemoryStore: kv.NewMemoryStore()}
	loader := work.LoaderFunc(func(ctx context.Context, item work.WorkItem, sink work.Sink, rc *work.RunContext) ([]work.BundleRef, error) {
		store.Arm()
		return nil, nil
	})
	o := newOrchestratorForTest(t, store)

	result, err := o.Run(context.Background(), orchestrator.RunParams{
		InitialWork: makeItems("a", 10),
		Dispatcher:  dispatchTo(loader),
		Concurrency: 1,
	})

	var aborted *orchestrator.RunAbortedError
	require.ErrorAs(t, err, &aborted)
	assert.True(t, queue.IsBackendError(err))
	assert.ErrorIs(t, err, errDiskGone)
	assert.Less(t, result.Processed, int64(10))
}

func TestRun_CancellationStopsPromptly(t *testing.T) {
	loader := newRecordingLoader()
	loader.delay = 5 * time.Millisecond
	o := newOrchestratorForTest(t, kv.NewMemoryStore())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := o.Run(ctx, orchestrator.RunParams{
		RunID:       "run-1",
		Locators:    []work.Locator{&endlessLocator{}},
		Dispatcher:  dispatchTo(loader),
		Concurrency: 4,
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Greater(t, result.Processed, int64(0))
	assert.Greater(t, result.Remaining, 0)
}

func TestRun_ResumesExistingQueue(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	q, err := queue.Open(ctx, store, "run-42")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, makeItems("left-over", 3))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	loader := newRecordingLoader()
	o := newOrchestratorForTest(t, store)
	result, err := o.Run(ctx, orchestrator.RunParams{
		RunID:       "run-42",
		Dispatcher:  dispatchTo(loader),
		Concurrency: 2,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Processed)
	assert.Contains(t, loader.Seen(), "left-over-2")
}

func TestRun_ReportsUndecodableRecords(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	q, err := queue.Open(ctx, store, "run-7")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, makeItems("left-over", 3))
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, store.Set(ctx, "run-7:items:1", []byte("{truncated"), 0))

	var logs bytes.Buffer
	loader := newRecordingLoader()
	o := newOrchestratorForTest(t, store, func(c *orchestrator.Config) {
		c.Logger = slog.New(slog.NewJSONHandler(&logs, nil))
	})
	result, err := o.Run(ctx, orchestrator.RunParams{
		RunID:       "run-7",
		Dispatcher:  dispatchTo(loader),
		Concurrency: 1,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Processed)
	assert.Equal(t, int64(1), result.Skipped)
	assert.NotContains(t, loader.Seen(), "left-over-1")
	assert.Contains(t, logs.String(), "dropped undecodable queue record")
	assert.Contains(t, logs.String(), "run-7:items:1")
	assert.Contains(t, logs.String(), "undecodable queue records were dropped")
}

func TestRun_ProactiveDiscoveryKeepsQueueFed(t *testing.T) {
	loader := newRecordingLoader()
	var batches [][]work.WorkItem
	for i := 0; i < 10; i++ {
		batches = append(batches, makeItems(string(rune('a'+i)), 2))
	}
	loc := newBatchLocator("paged", batches...)
	o := newOrchestratorForTest(t, kv.NewMemoryStore())

	result, err := o.Run(context.Background(), orchestrator.RunParams{
		Locators:        []work.Locator{loc},
		Dispatcher:      dispatchTo(loader),
		Concurrency:     3,
		TargetQueueSize: 5,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(20), result.Processed)
}

func TestRun_OnItemProcessedReceivesBundleRefs(t *testing.T) {
	loc := newBatchLocator("one", makeItems("a", 1))
	o := newOrchestratorForTest(t, kv.NewMemoryStore())

	_, err := o.Run(context.Background(), orchestrator.RunParams{
		Locators:    []work.Locator{loc},
		Dispatcher:  dispatchTo(newRecordingLoader()),
		Concurrency: 1,
	})

	require.NoError(t, err)
	refs := loc.refs["a-0"]
	require.Len(t, refs, 1)
	assert.Equal(t, "a-0", refs[0].Metadata()["item"])
}

func TestRun_RecordsFinalStatsOnce(t *testing.T) {
	fin := &finalizerMock{}
	fin.On("RecordFinalRunStats", int64(3), int64(0), int64(3), mock.Anything).Once()

	o := newOrchestratorForTest(t, kv.NewMemoryStore(), func(c *orchestrator.Config) {
		c.Finalizer = fin
	})

	_, err := o.Run(context.Background(), orchestrator.RunParams{
		InitialWork: makeItems("a", 3),
		Dispatcher:  dispatchTo(newRecordingLoader()),
		Concurrency: 2,
	})

	require.NoError(t, err)
	fin.AssertExpectations(t)
}

func TestRun_SubscribesBundleListenersForTheRun(t *testing.T) {
	sink := &subscribeSink{}
	plain := newBatchLocator("plain")
	listening := listeningLocator{newBatchLocator("listening")}
	o := newOrchestratorForTest(t, kv.NewMemoryStore(), func(c *orchestrator.Config) {
		c.Sink = sink
	})

	_, err := o.Run(context.Background(), orchestrator.RunParams{
		Locators:    []work.Locator{plain, listening},
		Dispatcher:  dispatchTo(newRecordingLoader()),
		Concurrency: 1,
	})

	require.NoError(t, err)
	// metrics plus the listening locator
	assert.Len(t, sink.subscribed, 2)
	assert.Equal(t, 2, sink.unsubscribed)
}

func TestRun_ValidatesParams(t *testing.T) {
	o := newOrchestratorForTest(t, kv.NewMemoryStore())

	_, err := o.Run(context.Background(), orchestrator.RunParams{Dispatcher: dispatchTo(newRecordingLoader())})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidConcurrency)

	_, err = o.Run(context.Background(), orchestrator.RunParams{Concurrency: 1})
	assert.ErrorIs(t, err, orchestrator.ErrNoDispatcher)

	_, err = orchestrator.New(orchestrator.Config{}).Run(context.Background(), orchestrator.RunParams{
		Concurrency: 1,
		Dispatcher:  dispatchTo(newRecordingLoader()),
	})
	assert.ErrorIs(t, err, orchestrator.ErrNoStore)
}
