package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rohmanhakim/harvester/internal/metadata"
	"github.com/rohmanhakim/harvester/internal/work"
	"github.com/rohmanhakim/harvester/pkg/fileutil"
	"github.com/rohmanhakim/harvester/pkg/hashutil"
)

/*
Responsibilities
- Persist bundles of resources under one root directory
- Hash every resource while it streams
- Commit a bundle atomically and tell listeners about it

Output Characteristics
- A bundle is written under <root>/<id>.partial and renamed to <root>/<id>
  once its manifest is on disk; readers never see half a bundle
- Resource paths inside a bundle are the names given by the Loader
- Listeners run after the rename, in subscription order
*/

type LocalSink struct {
	root         string
	hashAlgo     hashutil.HashAlgo
	compress     bool
	metadataSink metadata.MetadataSink
	logger       *slog.Logger
	now          func() time.Time

	mu        sync.Mutex
	listeners []subscription
	nextSubID int
}

type subscription struct {
	id int
	l  work.BundleListener
}

type Option func(*LocalSink)

// WithHashAlgo selects the content hash; blake3 by default.
func WithHashAlgo(algo hashutil.HashAlgo) Option {
	return func(s *LocalSink) {
		s.hashAlgo = algo
	}
}

// WithCompression gzips every resource and appends .gz to its path.
func WithCompression(enabled bool) Option {
	return func(s *LocalSink) {
		s.compress = enabled
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *LocalSink) {
		s.logger = logger
	}
}

func NewLocalSink(root string, metadataSink metadata.MetadataSink, opts ...Option) *LocalSink {
	if metadataSink == nil {
		metadataSink = &metadata.NoopSink{}
	}
	s := &LocalSink{
		root:         root,
		hashAlgo:     hashutil.HashAlgoBLAKE3,
		metadataSink: metadataSink,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LocalSink) Root() string {
	return s.root
}

// OpenBundle creates the partial directory of a new bundle. An empty id
// gets a fresh time-ordered one.
func (s *LocalSink) OpenBundle(ctx context.Context, id string, meta map[string]any) (work.BundleHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := hashutil.New(s.hashAlgo); err != nil {
		return nil, &StorageError{Message: err.Error(), Cause: ErrCauseWriteFailure, Err: err}
	}
	if id == "" {
		id = work.NewBundleID()
	}
	if _, err := fileutil.SafeName(id); err != nil || filepath.Base(id) != id {
		return nil, s.recordError("OpenBundle", id, &StorageError{Message: id, Cause: ErrCauseInvalidName, Path: id})
	}

	final := filepath.Join(s.root, id)
	if _, err := os.Stat(final); err == nil {
		return nil, s.recordError("OpenBundle", id, &StorageError{Message: id, Cause: ErrCauseBundleExists, Path: final})
	}

	partial := final + partialSuffix
	// a leftover partial bundle with the same id belongs to an interrupted run
	if err := os.RemoveAll(partial); err != nil {
		return nil, s.recordError("OpenBundle", id, &StorageError{Message: err.Error(), Cause: ErrCausePathError, Path: partial, Err: err})
	}
	if err := fileutil.EnsureDir(partial); err != nil {
		return nil, s.recordError("OpenBundle", id, fromFileError(partial, err))
	}

	return &bundle{
		sink:     s,
		id:       id,
		metadata: maps.Clone(meta),
		dir:      partial,
		final:    final,
		names:    make(map[string]struct{}),
	}, nil
}

// CloseBundle writes the manifest, renames the bundle into place and
// notifies every listener.
func (s *LocalSink) CloseBundle(ctx context.Context, h work.BundleHandle) (work.BundleCommit, error) {
	b, err := s.own(h)
	if err != nil {
		return work.BundleCommit{}, err
	}

	manifest, sealErr := b.seal(s.now())
	if sealErr != nil {
		return work.BundleCommit{}, s.recordError("CloseBundle", b.id, sealErr)
	}

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return work.BundleCommit{}, s.recordError("CloseBundle", b.id, &StorageError{Message: err.Error(), Cause: ErrCauseWriteFailure, Err: err})
	}
	manifestPath := filepath.Join(b.dir, ManifestName)
	if err := fileutil.WriteFileAtomic(manifestPath, raw); err != nil {
		return work.BundleCommit{}, s.recordError("CloseBundle", b.id, fromFileError(manifestPath, err))
	}
	if err := os.Rename(b.dir, b.final); err != nil {
		return work.BundleCommit{}, s.recordError("CloseBundle", b.id, &StorageError{Message: err.Error(), Cause: ErrCauseWriteFailure, Path: b.final, Err: err})
	}
	b.markCommitted()

	commit := work.BundleCommit{
		ID:            b.id,
		StorageKey:    b.final,
		ResourceCount: len(manifest.Resources),
		Bytes:         manifest.Bytes,
		Metadata:      maps.Clone(b.metadata),
	}

	s.metadataSink.RecordArtifact(metadata.ArtifactBundle, b.final, []metadata.Attribute{
		metadata.NewAttr(metadata.AttrBundleID, b.id),
		metadata.NewAttr(metadata.AttrWritePath, b.final),
	})
	s.logger.Debug("bundle committed",
		slog.String("bundle_id", b.id),
		slog.Int("resources", commit.ResourceCount),
		slog.Int64("bytes", commit.Bytes),
	)

	for _, l := range s.snapshotListeners() {
		l.OnBundleCommitted(ctx, commit)
	}
	return commit, nil
}

// AbortBundle removes an uncommitted bundle, including one whose commit
// failed. Aborting a committed bundle is a no-op.
func (s *LocalSink) AbortBundle(ctx context.Context, h work.BundleHandle) error {
	b, err := s.own(h)
	if err != nil {
		return err
	}
	if !b.markAborted() {
		return nil
	}
	if err := os.RemoveAll(b.dir); err != nil {
		return s.recordError("AbortBundle", b.id, &StorageError{Message: err.Error(), Cause: ErrCausePathError, Path: b.dir, Err: err})
	}
	return nil
}

func (s *LocalSink) Subscribe(l work.BundleListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.listeners = append(s.listeners, subscription{id: id, l: l})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.listeners {
				if sub.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *LocalSink) snapshotListeners() []work.BundleListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]work.BundleListener, len(s.listeners))
	for i, sub := range s.listeners {
		out[i] = sub.l
	}
	return out
}

func (s *LocalSink) own(h work.BundleHandle) (*bundle, error) {
	b, ok := h.(*bundle)
	if !ok || b.sink != s {
		return nil, &StorageError{Cause: ErrCauseForeignHandle}
	}
	return b, nil
}

func (s *LocalSink) recordError(action, bundleID string, err *StorageError) error {
	s.metadataSink.RecordError(
		s.now(),
		"storage",
		"LocalSink."+action,
		mapStorageErrorToMetadataCause(err),
		err.Error(),
		[]metadata.Attribute{
			metadata.NewAttr(metadata.AttrBundleID, bundleID),
			metadata.NewAttr(metadata.AttrWritePath, err.Path),
		},
	)
	return err
}

// bundle is the LocalSink implementation of work.BundleHandle.
type bundle struct {
	sink     *LocalSink
	id       string
	metadata map[string]any
	dir      string
	final    string

	mu        sync.Mutex
	closed    bool
	committed bool
	names     map[string]struct{}
	resources []work.ResourceInfo
	bytes     int64
}

func (b *bundle) ID() string {
	return b.id
}

// Key is the directory the bundle will occupy once committed.
func (b *bundle) Key() string {
	return b.final
}

func (b *bundle) ResourceCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.resources)
}

// AddResource streams r into the bundle under name. Resources of one bundle
// are written one at a time.
func (b *bundle) AddResource(ctx context.Context, name string, r io.Reader) (work.ResourceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return work.ResourceInfo{}, &StorageError{Message: b.id, Cause: ErrCauseBundleClosed}
	}
	rel, err := fileutil.SafeName(name)
	if err != nil {
		return work.ResourceInfo{}, b.sink.recordError("AddResource", b.id, fromFileError(name, err))
	}
	if b.sink.compress {
		rel += gzipSuffix
	}
	if _, dup := b.names[rel]; dup || rel == ManifestName {
		return work.ResourceInfo{}, b.sink.recordError("AddResource", b.id, &StorageError{Message: name, Cause: ErrCauseDuplicateName, Path: rel})
	}

	target := filepath.Join(b.dir, rel)
	if err := fileutil.EnsureDir(filepath.Dir(target)); err != nil {
		return work.ResourceInfo{}, b.sink.recordError("AddResource", b.id, fromFileError(target, err))
	}

	size, sum, err := b.write(ctx, target, r)
	if err != nil {
		os.Remove(target)
		var se *StorageError
		if errors.As(err, &se) {
			return work.ResourceInfo{}, b.sink.recordError("AddResource", b.id, se)
		}
		return work.ResourceInfo{}, err
	}

	info := work.ResourceInfo{
		Name:        name,
		Path:        filepath.ToSlash(rel),
		Size:        size,
		ContentHash: sum,
		Compressed:  b.sink.compress,
	}
	b.names[rel] = struct{}{}
	b.resources = append(b.resources, info)
	b.bytes += size

	b.sink.metadataSink.RecordArtifact(metadata.ArtifactResource, target, []metadata.Attribute{
		metadata.NewAttr(metadata.AttrBundleID, b.id),
		metadata.NewAttr(metadata.AttrPath, info.Path),
	})
	return info, nil
}

// write copies r into target and returns the uncompressed size and hash.
func (b *bundle) write(ctx context.Context, target string, r io.Reader) (int64, string, error) {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, "", &StorageError{Message: err.Error(), Cause: ErrCauseWriteFailure, Path: target, Err: err}
	}
	defer f.Close()

	tee, err := hashutil.NewTee(&ctxReader{ctx: ctx, r: r}, b.sink.hashAlgo)
	if err != nil {
		return 0, "", &StorageError{Message: err.Error(), Cause: ErrCauseWriteFailure, Path: target, Err: err}
	}

	var dst io.Writer = f
	var zw *gzip.Writer
	if b.sink.compress {
		zw = gzip.NewWriter(f)
		dst = zw
	}

	if _, err := io.Copy(dst, tee); err != nil {
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
		if errors.Is(err, errReader) {
			return 0, "", err
		}
		return 0, "", writeFailure(target, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return 0, "", writeFailure(target, err)
		}
	}
	if err := f.Close(); err != nil {
		return 0, "", writeFailure(target, err)
	}
	return tee.BytesRead(), tee.Sum(), nil
}

// seal closes the bundle for writes and returns its manifest.
func (b *bundle) seal(at time.Time) (Manifest, *StorageError) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Manifest{}, &StorageError{Message: b.id, Cause: ErrCauseBundleClosed}
	}
	b.closed = true
	return Manifest{
		BundleID:    b.id,
		CommittedAt: at.UTC(),
		HashAlgo:    string(b.sink.hashAlgo),
		Bytes:       b.bytes,
		Metadata:    maps.Clone(b.metadata),
		Resources:   append([]work.ResourceInfo(nil), b.resources...),
	}, nil
}

func (b *bundle) markCommitted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed = true
}

// markAborted closes the bundle for writes and reports whether its files
// still have to be removed.
func (b *bundle) markAborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return !b.committed
}

// errReader tags failures of the source reader, which are not storage faults.
var errReader = errors.New("resource source failed")

type readError struct {
	err error
}

func (e *readError) Error() string   { return errReader.Error() + ": " + e.err.Error() }
func (e *readError) Unwrap() []error { return []error{errReader, e.err} }

// ctxReader stops a copy once ctx is done and tags source errors.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &readError{err: err}
	}
	return n, err
}
