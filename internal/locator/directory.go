package locator

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rohmanhakim/harvester/internal/work"
	"github.com/rohmanhakim/harvester/pkg/failure"
	"github.com/rohmanhakim/harvester/pkg/fileutil"
)

// DirectoryLocator walks a directory tree breadth first and emits one item
// per regular file, a batch at a time. The walk is lazy: each call reads
// only as many directories as it needs to fill a batch.
//
// Item ids are absolute paths; depth is the number of directories between
// the root and the file. Symbolic links are not followed.
type DirectoryLocator struct {
	name       string
	root       string
	batchSize  int
	maxDepth   int
	extensions set[string]
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	pending fifo[dirEntry]
	files   fifo[work.WorkItem]
	skipped int
}

type dirEntry struct {
	path  string
	depth int
}

type DirectoryOption func(*DirectoryLocator)

// WithBatchSize caps the items returned per call. Default 64.
func WithBatchSize(n int) DirectoryOption {
	return func(d *DirectoryLocator) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithMaxDepth stops descending below depth levels. Negative means no limit.
func WithMaxDepth(depth int) DirectoryOption {
	return func(d *DirectoryLocator) {
		d.maxDepth = depth
	}
}

// WithExtensions keeps only files with one of the given extensions
// (without the leading dot, case-insensitive).
func WithExtensions(exts ...string) DirectoryOption {
	return func(d *DirectoryLocator) {
		for _, ext := range exts {
			d.extensions.add(strings.ToLower(strings.TrimPrefix(ext, ".")))
		}
	}
}

func WithDirectoryLogger(logger *slog.Logger) DirectoryOption {
	return func(d *DirectoryLocator) {
		d.logger = logger
	}
}

func NewDirectoryLocator(name, root string, opts ...DirectoryOption) *DirectoryLocator {
	d := &DirectoryLocator{
		name:       name,
		root:       root,
		batchSize:  64,
		maxDepth:   -1,
		extensions: newSet[string](),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DirectoryLocator) Name() string {
	return d.name
}

// NextItems returns the next batch of files. A root that cannot be read
// aborts the run; unreadable subdirectories are logged and skipped.
func (d *DirectoryLocator) NextItems(ctx context.Context, rc *work.RunContext) ([]work.WorkItem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		root, err := filepath.Abs(d.root)
		if err != nil {
			return nil, failure.RunFatal(d.name, &LocateError{Message: d.root, Cause: ErrCauseRootUnreadable, Err: err})
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, failure.RunFatal(d.name, &LocateError{Message: root, Cause: ErrCauseRootUnreadable, Err: err})
		}
		if !info.IsDir() {
			return nil, failure.RunFatal(d.name, &LocateError{Message: root + " is not a directory", Cause: ErrCauseRootUnreadable})
		}
		d.root = root
		d.started = true
		d.pending.push(dirEntry{path: root, depth: 0})
	}

	for d.files.len() < d.batchSize && d.pending.len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir, _ := d.pending.pop()
		d.scan(dir)
	}

	n := min(d.batchSize, d.files.len())
	out := make([]work.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		item, _ := d.files.pop()
		out = append(out, item)
	}
	return out, nil
}

// scan queues the files and subdirectories of dir in name order.
func (d *DirectoryLocator) scan(dir dirEntry) {
	entries, err := os.ReadDir(dir.path)
	if err != nil {
		d.skipped++
		d.logger.Warn("skipping unreadable directory",
			slog.String("locator", d.name),
			slog.String("path", dir.path),
			slog.Any("error", &LocateError{Message: dir.path, Cause: ErrCauseDirectoryUnread, Err: err}),
		)
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		full := filepath.Join(dir.path, entry.Name())
		switch {
		case entry.IsDir():
			if d.maxDepth < 0 || dir.depth < d.maxDepth {
				d.pending.push(dirEntry{path: full, depth: dir.depth + 1})
			}
		case entry.Type().IsRegular():
			if !d.accepts(entry.Name()) {
				continue
			}
			rel, err := filepath.Rel(d.root, full)
			if err != nil {
				rel = entry.Name()
			}
			item := work.NewWorkItem(full, dir.depth).WithFlag("relative_path", filepath.ToSlash(rel))
			d.files.push(item)
		case entry.Type()&fs.ModeSymlink != 0:
			d.logger.Debug("not following symlink", slog.String("path", full))
		}
	}
}

func (d *DirectoryLocator) accepts(name string) bool {
	if d.extensions.size() == 0 {
		return true
	}
	return d.extensions.contains(strings.ToLower(fileutil.GetFileExtension(name)))
}

func (d *DirectoryLocator) OnItemProcessed(ctx context.Context, item work.WorkItem, results []work.BundleRef, rc *work.RunContext) error {
	return nil
}

// Skipped counts directories that could not be read.
func (d *DirectoryLocator) Skipped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.skipped
}

// IsRootError reports whether err came from an unreadable root.
func IsRootError(err error) bool {
	var le *LocateError
	return errors.As(err, &le) && le.Cause == ErrCauseRootUnreadable
}
