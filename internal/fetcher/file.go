package fetcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rohmanhakim/harvester/internal/metadata"
	"github.com/rohmanhakim/harvester/internal/pool"
	"github.com/rohmanhakim/harvester/internal/work"
)

// FileLoader copies local files into bundles. Item ids are file:// URLs or
// plain paths; relative paths are resolved against the loader's root.
// Reads go through the file pool, so they share its spacing, byte limit and
// retry policy.
type FileLoader struct {
	root         string
	config       pool.ProtocolConfig
	metadataSink metadata.MetadataSink
	now          func() time.Time
}

func NewFileLoader(root string, cfg pool.ProtocolConfig, metadataSink metadata.MetadataSink) *FileLoader {
	if metadataSink == nil {
		metadataSink = &metadata.NoopSink{}
	}
	return &FileLoader{
		root:         root,
		config:       cfg,
		metadataSink: metadataSink,
		now:          time.Now,
	}
}

func (f *FileLoader) Load(ctx context.Context, item work.WorkItem, sink work.Sink, rc *work.RunContext) ([]work.BundleRef, error) {
	filePath, err := f.resolve(item.ID)
	if err != nil {
		f.recordError(item.ID, err)
		return nil, err
	}

	p := rc.Pools().GetOrCreatePool(f.config)
	handle, err := sink.OpenBundle(ctx, item.FlagString(FlagBundleID), bundleMetadata(item, rc, "file"))
	if err != nil {
		return nil, err
	}

	attempts := 0
	start := f.now()
	result, err := pool.Execute(ctx, p, rc.App(), func(ctx context.Context, _ pool.AppContext) (outcome, error) {
		attempts++
		return f.copy(ctx, p, filePath, item, handle)
	})
	duration := f.now().Sub(start)

	if err != nil {
		if abortErr := sink.AbortBundle(context.WithoutCancel(ctx), handle); abortErr != nil {
			rc.Logger().Warn("cannot discard bundle", slog.String("bundle_id", handle.ID()), slog.Any("error", abortErr))
		}
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			f.recordError(item.ID, fetchErr)
		}
		f.metadataSink.RecordFetch(item.ID, 0, duration, "", attempts-1, item.Depth)
		return nil, err
	}

	f.metadataSink.RecordFetch(item.ID, 0, duration, result.contentType, attempts-1, item.Depth)

	commit, err := sink.CloseBundle(ctx, handle)
	if err != nil {
		sink.AbortBundle(context.WithoutCancel(ctx), handle)
		return nil, err
	}
	return []work.BundleRef{commit.Ref()}, nil
}

func (f *FileLoader) copy(ctx context.Context, p *pool.Pool, filePath string, item work.WorkItem, handle work.BundleHandle) (outcome, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return outcome{}, classifyFileError(filePath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return outcome{}, classifyFileError(filePath, err)
	}
	if !info.Mode().IsRegular() {
		return outcome{}, &FetchError{Message: filePath, Cause: ErrCauseNotAFile}
	}

	name := item.FlagString(FlagResourceName)
	if name == "" {
		name = filepath.Base(filePath)
	}
	res, err := handle.AddResource(ctx, name, p.ThrottleReader(ctx, file))
	if err != nil {
		return outcome{}, classifyBodyError(ctx, err)
	}
	return outcome{contentType: mime.TypeByExtension(filepath.Ext(filePath)), resource: res}, nil
}

// resolve maps an item id to a filesystem path.
func (f *FileLoader) resolve(id string) (string, error) {
	p := id
	if strings.Contains(id, "://") {
		u, err := url.Parse(id)
		if err != nil || u.Scheme != "file" {
			return "", &FetchError{Message: id, Cause: ErrCauseUnsupportedScheme, Err: err}
		}
		p = filepath.FromSlash(u.Path)
	}
	if p == "" {
		return "", &FetchError{Message: id, Cause: ErrCauseInvalidURL}
	}
	if !filepath.IsAbs(p) && f.root != "" {
		p = filepath.Join(f.root, p)
	}
	return filepath.Clean(p), nil
}

func classifyFileError(filePath string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &FetchError{Message: filePath, Cause: ErrCauseFileNotFound, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &FetchError{Message: filePath, Cause: ErrCauseFilePermission, Err: err}
	default:
		return &FetchError{Message: err.Error(), Retryable: true, Cause: ErrCauseReadResponseBodyError, Err: err}
	}
}

func (f *FileLoader) recordError(id string, err error) {
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		return
	}
	f.metadataSink.RecordError(
		f.now(),
		"fetcher",
		"FileLoader.Load",
		mapFetchErrorToMetadataCause(fetchErr),
		err.Error(),
		[]metadata.Attribute{metadata.NewAttr(metadata.AttrPath, id)},
	)
}
