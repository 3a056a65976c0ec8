package orchestrator_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rohmanhakim/harvester/internal/kv"
	"github.com/rohmanhakim/harvester/internal/orchestrator"
	"github.com/rohmanhakim/harvester/internal/work"
	"github.com/rohmanhakim/harvester/pkg/timeutil"
	"github.com/stretchr/testify/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newOrchestratorForTest returns an orchestrator over store with fast idle polling.
func newOrchestratorForTest(t *testing.T, store kv.Store, opts ...func(*orchestrator.Config)) *orchestrator.Orchestrator {
	t.Helper()
	cfg := orchestrator.Config{
		Store:       store,
		Logger:      discardLogger(),
		IdleBackoff: timeutil.NewBackoffParam(time.Millisecond, 2.0, 20*time.Millisecond),
		GracePeriod: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return orchestrator.New(cfg)
}

func makeItems(prefix string, n int) []work.WorkItem {
	out := make([]work.WorkItem, n)
	for i := range out {
		out[i] = work.NewWorkItem(fmt.Sprintf("%s-%d", prefix, i), 0)
	}
	return out
}

// batchLocator returns one batch per call, then nothing.
type batchLocator struct {
	name    string
	mu      sync.Mutex
	batches [][]work.WorkItem
	errs    []error
	calls   int

	processed []string
	refs      map[string][]work.BundleRef
}

func newBatchLocator(name string, batches ...[]work.WorkItem) *batchLocator {
	return &batchLocator{name: name, batches: batches, refs: make(map[string][]work.BundleRef)}
}

func (l *batchLocator) Name() string {
	return l.name
}

func (l *batchLocator) NextItems(ctx context.Context, rc *work.RunContext) ([]work.WorkItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	call := l.calls
	l.calls++
	if call < len(l.errs) && l.errs[call] != nil {
		return nil, l.errs[call]
	}
	if call < len(l.batches) {
		return l.batches[call], nil
	}
	return nil, nil
}

func (l *batchLocator) OnItemProcessed(ctx context.Context, item work.WorkItem, results []work.BundleRef, rc *work.RunContext) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.processed = append(l.processed, item.ID)
	l.refs[item.ID] = results
	return nil
}

func (l *batchLocator) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *batchLocator) Processed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.processed...)
}

// endlessLocator never runs dry.
type endlessLocator struct {
	mu   sync.Mutex
	next int
}

func (l *endlessLocator) Name() string { return "endless" }

func (l *endlessLocator) NextItems(ctx context.Context, rc *work.RunContext) ([]work.WorkItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := makeItems(fmt.Sprintf("e%d", l.next), 50)
	l.next++
	return items, nil
}

func (l *endlessLocator) OnItemProcessed(context.Context, work.WorkItem, []work.BundleRef, *work.RunContext) error {
	return nil
}

// recordingLoader counts every Load call by item id.
type recordingLoader struct {
	mu    sync.Mutex
	seen  map[string]int
	fail  map[string]error
	delay time.Duration
}

func newRecordingLoader() *recordingLoader {
	return &recordingLoader{seen: make(map[string]int), fail: make(map[string]error)}
}

func (l *recordingLoader) Load(ctx context.Context, item work.WorkItem, sink work.Sink, rc *work.RunContext) ([]work.BundleRef, error) {
	if l.delay > 0 {
		if err := timeutil.Sleep(ctx, l.delay); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[item.ID]++
	if err := l.fail[item.ID]; err != nil {
		return nil, err
	}
	return []work.BundleRef{work.NewBundleRef(work.NewBundleID(), 1, map[string]any{"item": item.ID}, "")}, nil
}

func (l *recordingLoader) Seen() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.seen))
	for k, v := range l.seen {
		out[k] = v
	}
	return out
}

func dispatchTo(l work.Loader) work.Dispatcher {
	return work.DispatcherFunc(func(work.WorkItem) (work.Loader, error) {
		return l, nil
	})
}

type finalizerMock struct {
	mock.Mock
}

func (m *finalizerMock) RecordFinalRunStats(processed int64, failed int64, bundles int64, duration time.Duration) {
	m.Called(processed, failed, bundles, duration)
}

// faultyStore fails every Set once armed.
type faultyStore struct {
	*kv.MemoryStore
	mu    sync.Mutex
	armed bool
}

var errDiskGone = fmt.Errorf("disk gone")

func (f *faultyStore) Arm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = true
}

func (f *faultyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	armed := f.armed
	f.mu.Unlock()
	if armed {
		return errDiskGone
	}
	return f.MemoryStore.Set(ctx, key, value, ttl)
}

// listeningLocator is a batchLocator that also wants bundle completions.
type listeningLocator struct {
	*batchLocator
}

func (l listeningLocator) OnBundleCommitted(context.Context, work.BundleCommit) {}

// subscribeSink records subscriptions only.
type subscribeSink struct {
	mu           sync.Mutex
	subscribed   []work.BundleListener
	unsubscribed int
}

func (s *subscribeSink) OpenBundle(context.Context, string, map[string]any) (work.BundleHandle, error) {
	return nil, fmt.Errorf("not supported")
}

func (s *subscribeSink) CloseBundle(context.Context, work.BundleHandle) (work.BundleCommit, error) {
	return work.BundleCommit{}, fmt.Errorf("not supported")
}

func (s *subscribeSink) AbortBundle(context.Context, work.BundleHandle) error {
	return nil
}

func (s *subscribeSink) Subscribe(l work.BundleListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, l)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.unsubscribed++
	}
}
