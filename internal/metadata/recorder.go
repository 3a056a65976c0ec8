package metadata

import (
	"context"
	"log/slog"
	"time"
)

/*
Metadata Collected
- Fetch timestamps, status codes and durations
- Content hashes of stored resources
- Item depth and bundle identifiers

Logging Goals
- Debuggable run behavior
- Post-run auditability
- Failure diagnostics

Metadata is write-only.
No component may read metadata to influence dispatch decisions.
*/

/*
Recorder captures structured run events as slog records.
It must not:
- perform I/O decisions
- affect control flow
Ordering guarantees:
- Events are recorded synchronously in the order they are received by a single worker.
- No global ordering across workers is guaranteed.
*/
type Recorder struct {
	workerID string
	logger   *slog.Logger
}

func NewRecorder(workerID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		workerID: workerID,
		logger:   logger.With(slog.String("recorder", workerID)),
	}
}

func (r *Recorder) RecordError(
	observedAt time.Time,
	packageName string,
	action string,
	cause ErrorCause,
	errorString string,
	attrs []Attribute,
) {
	rec := ErrorRecord{
		packageName: packageName,
		action:      action,
		cause:       cause,
		errorString: errorString,
		observedAt:  observedAt,
		attrs:       attrs,
	}
	r.logger.LogAttrs(context.Background(), slog.LevelWarn, "error recorded", rec.logAttrs()...)
}

func (e ErrorRecord) logAttrs() []slog.Attr {
	out := []slog.Attr{
		slog.String("package", e.packageName),
		slog.String("action", e.action),
		slog.String("cause", e.cause.String()),
		slog.String("error", e.errorString),
		slog.Time("observed_at", e.observedAt),
	}
	return append(out, toSlog(e.attrs)...)
}

func (r *Recorder) RecordFetch(
	fetchURL string,
	status int,
	duration time.Duration,
	contentType string,
	retryCount int,
	depth int,
) {
	ev := FetchEvent{
		fetchURL:    fetchURL,
		status:      status,
		duration:    duration,
		contentType: contentType,
		retryCount:  retryCount,
		depth:       depth,
	}
	r.logger.LogAttrs(context.Background(), slog.LevelInfo, "fetch",
		slog.String(string(AttrURL), ev.fetchURL),
		slog.Int(string(AttrHTTPStatus), ev.status),
		slog.Duration("duration", ev.duration),
		slog.String("content_type", ev.contentType),
		slog.Int("retry_count", ev.retryCount),
		slog.Int(string(AttrDepth), ev.depth),
	)
}

func (r *Recorder) RecordArtifact(kind ArtifactKind, path string, attrs []Attribute) {
	out := []slog.Attr{
		slog.String("kind", string(kind)),
		slog.String(string(AttrWritePath), path),
	}
	r.logger.LogAttrs(context.Background(), slog.LevelInfo, "artifact", append(out, toSlog(attrs)...)...)
}

/*
RecordFinalRunStats records a terminal, derived summary of a completed run.

Contract:
  - MUST be called exactly once per run.
  - MUST be called only after the run ended (exhausted, cancelled or aborted).
  - The provided stats MUST be derived from orchestrator state,
    not accumulated incrementally via the recorder.
*/
func (r *Recorder) RecordFinalRunStats(
	processed int64,
	failed int64,
	bundles int64,
	duration time.Duration,
) {
	stats := runStats{
		processed:  processed,
		failed:     failed,
		bundles:    bundles,
		durationMs: duration.Milliseconds(),
	}
	r.logger.LogAttrs(context.Background(), slog.LevelInfo, "run finished",
		slog.Int64("processed", stats.processed),
		slog.Int64("failed", stats.failed),
		slog.Int64("bundles", stats.bundles),
		slog.Int64("duration_ms", stats.durationMs),
	)
}

func toSlog(attrs []Attribute) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, slog.String(string(a.Key), a.Value))
	}
	return out
}

type MetadataSink interface {
	RecordError(
		observedAt time.Time,
		packageName string,
		action string,
		cause ErrorCause,
		details string,
		attrs []Attribute,
	)

	RecordFetch(
		fetchURL string,
		status int,
		duration time.Duration,
		contentType string,
		retryCount int,
		depth int,
	)
	RecordArtifact(kind ArtifactKind, path string, attrs []Attribute)
}

type RunFinalizer interface {
	RecordFinalRunStats(
		processed int64,
		failed int64,
		bundles int64,
		duration time.Duration,
	)
}

// NoopSink, struct that implements MetadataSink and RunFinalizer but does nothing
// Orchestrator (or Test) can decide whether to inject Recorder or NoopSink
// Purpose is to make metadata orthogonal

type NoopSink struct{}

func (n *NoopSink) RecordError(
	observedAt time.Time,
	packageName string,
	action string,
	cause ErrorCause,
	errorString string,
	attrs []Attribute,
) {
}

func (n *NoopSink) RecordFetch(
	fetchURL string,
	status int,
	duration time.Duration,
	contentType string,
	retryCount int,
	depth int,
) {
}

func (n *NoopSink) RecordArtifact(kind ArtifactKind, path string, attrs []Attribute) {}

func (n *NoopSink) RecordFinalRunStats(processed int64, failed int64, bundles int64, duration time.Duration) {
}
