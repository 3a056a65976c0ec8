package fetcher_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rohmanhakim/harvester/internal/metadata"
	"github.com/rohmanhakim/harvester/internal/pool"
	"github.com/rohmanhakim/harvester/internal/storage"
	"github.com/rohmanhakim/harvester/internal/work"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// fastConfig retries quickly and does not space requests.
func fastConfig(protocol string) pool.ProtocolConfig {
	cfg := pool.DefaultProtocolConfig(protocol)
	cfg.RequestsPerSecond = 0
	cfg.MaxRetries = 2
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

func newRunContext(app pool.AppContext) *work.RunContext {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return work.NewRunContext("run-test", pool.NewManager(pool.WithLogger(logger)), app, logger)
}

func newSink(t *testing.T) *storage.LocalSink {
	t.Helper()
	return storage.NewLocalSink(t.TempDir(), nil)
}

func readResource(t *testing.T, ref work.BundleRef, name string) string {
	t.Helper()
	body, err := os.ReadFile(filepath.Join(ref.StorageKey(), name))
	require.NoError(t, err)
	return string(body)
}

// metadataSinkMock records fetch events and error causes.
type metadataSinkMock struct {
	mu          sync.Mutex
	fetches     []fetchEvent
	errorCauses []metadata.ErrorCause
}

type fetchEvent struct {
	url        string
	status     int
	retryCount int
	depth      int
}

func (m *metadataSinkMock) RecordError(_ time.Time, _ string, _ string, cause metadata.ErrorCause, _ string, _ []metadata.Attribute) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCauses = append(m.errorCauses, cause)
}

func (m *metadataSinkMock) RecordFetch(fetchURL string, status int, _ time.Duration, _ string, retryCount int, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches = append(m.fetches, fetchEvent{url: fetchURL, status: status, retryCount: retryCount, depth: depth})
}

func (m *metadataSinkMock) RecordArtifact(metadata.ArtifactKind, string, []metadata.Attribute) {}

func (m *metadataSinkMock) lastFetch() fetchEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.fetches) == 0 {
		return fetchEvent{}
	}
	return m.fetches[len(m.fetches)-1]
}

// countingTokenSource hands out a fixed token.
type countingTokenSource struct {
	mu    sync.Mutex
	calls int
	token string
	err   error
}

func (c *countingTokenSource) Token() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &oauth2.Token{AccessToken: c.token, TokenType: "Bearer"}, nil
}

type noopLoader struct{}

func (noopLoader) Load(context.Context, work.WorkItem, work.Sink, *work.RunContext) ([]work.BundleRef, error) {
	return nil, nil
}

// listeningLoader also wants bundle completions.
type listeningLoader struct {
	noopLoader
}

func (listeningLoader) OnBundleCommitted(context.Context, work.BundleCommit) {}
