package storage_test

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rohmanhakim/harvester/internal/metadata"
	"github.com/rohmanhakim/harvester/internal/work"
)

// metadataSinkMock is a mock for metadata.MetadataSink
type metadataSinkMock struct {
	mu sync.Mutex

	errorCauses   []metadata.ErrorCause
	errorActions  []string
	artifactKinds []metadata.ArtifactKind
	artifactPaths []string
}

func (m *metadataSinkMock) RecordError(
	observedAt time.Time,
	packageName string,
	action string,
	cause metadata.ErrorCause,
	details string,
	attrs []metadata.Attribute,
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCauses = append(m.errorCauses, cause)
	m.errorActions = append(m.errorActions, action)
}

func (m *metadataSinkMock) RecordFetch(string, int, time.Duration, string, int, int) {}

func (m *metadataSinkMock) RecordArtifact(kind metadata.ArtifactKind, path string, attrs []metadata.Attribute) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifactKinds = append(m.artifactKinds, kind)
	m.artifactPaths = append(m.artifactPaths, path)
}

func (m *metadataSinkMock) artifactsOf(kind metadata.ArtifactKind) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for i, k := range m.artifactKinds {
		if k == kind {
			out = append(out, m.artifactPaths[i])
		}
	}
	return out
}

// commitRecorder collects the commits it is notified about.
type commitRecorder struct {
	mu      sync.Mutex
	commits []work.BundleCommit
}

func (c *commitRecorder) OnBundleCommitted(ctx context.Context, commit work.BundleCommit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits = append(c.commits, commit)
}

func (c *commitRecorder) Commits() []work.BundleCommit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]work.BundleCommit(nil), c.commits...)
}

// failingReader returns data then err.
type failingReader struct {
	data []byte
	err  error
	done bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.done {
		f.done = true
		return copy(p, f.data), nil
	}
	return 0, f.err
}

// foreignHandle is a BundleHandle not produced by LocalSink.
type foreignHandle struct{}

func (foreignHandle) ID() string         { return "x" }
func (foreignHandle) Key() string        { return "x" }
func (foreignHandle) ResourceCount() int { return 0 }
func (foreignHandle) AddResource(context.Context, string, io.Reader) (work.ResourceInfo, error) {
	return work.ResourceInfo{}, nil
}
