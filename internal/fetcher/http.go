package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rohmanhakim/harvester/internal/metadata"
	"github.com/rohmanhakim/harvester/internal/pool"
	"github.com/rohmanhakim/harvester/internal/storage"
	"github.com/rohmanhakim/harvester/internal/work"
	"github.com/rohmanhakim/harvester/pkg/failure"
)

/*
Responsibilities

- Perform HTTP GET requests through the item's connection pool
- Apply item headers, user agent and credentials
- Classify responses into retryable and fatal failures
- Stream successful bodies into a single-resource bundle

Fetch Semantics

- Network failures, timeouts, 5xx and 429 are retried by the pool
- 401, 403 and every other 4xx fail the item at once
- A Retry-After header penalises the pool, slowing every later request
- An optional access policy (robots.txt) vets the URL first; a disallowed
  URL fails without any request, a crawl delay penalises the pool
- The body is never buffered; it is throttled and hashed while it streams

The loader never interprets content; it only stores bytes and metadata.
*/

const defaultUserAgent = "harvester/1.0"

// AccessPolicy vets a URL before it is requested. A non-nil error fails the
// item; a positive delay is imposed on the item's pool before the request.
type AccessPolicy interface {
	Check(ctx context.Context, target *url.URL, rc *work.RunContext) (delay time.Duration, err error)
}

type HTTPLoader struct {
	metadataSink metadata.MetadataSink
	config       pool.ProtocolConfig
	accept       string
	policy       AccessPolicy
	now          func() time.Time
}

type HTTPOption func(*HTTPLoader)

// WithAccept sets the Accept header sent with every request.
func WithAccept(accept string) HTTPOption {
	return func(h *HTTPLoader) {
		h.accept = accept
	}
}

// WithAccessPolicy vets every URL with policy before requesting it.
func WithAccessPolicy(policy AccessPolicy) HTTPOption {
	return func(h *HTTPLoader) {
		h.policy = policy
	}
}

// NewHTTPLoader returns a loader whose requests share the pool built for cfg.
func NewHTTPLoader(cfg pool.ProtocolConfig, metadataSink metadata.MetadataSink, opts ...HTTPOption) *HTTPLoader {
	if metadataSink == nil {
		metadataSink = &metadata.NoopSink{}
	}
	h := &HTTPLoader{
		metadataSink: metadataSink,
		config:       cfg,
		accept:       "*/*",
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPLoader) Config() pool.ProtocolConfig {
	return h.config
}

func (h *HTTPLoader) Load(ctx context.Context, item work.WorkItem, sink work.Sink, rc *work.RunContext) ([]work.BundleRef, error) {
	callerMethod := "HTTPLoader.Load"

	target, err := url.Parse(item.ID)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		fetchErr := &FetchError{Message: item.ID, Cause: ErrCauseInvalidURL, Err: err}
		h.recordFetchError(callerMethod, item.ID, fetchErr)
		return nil, fetchErr
	}

	p := rc.Pools().GetOrCreatePool(h.config)
	if h.policy != nil {
		delay, err := h.policy.Check(ctx, target, rc)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			fetchErr := &FetchError{Message: item.ID, Cause: ErrCauseDisallowed, Err: err}
			if failure.IsRetryable(err) {
				fetchErr.Cause = ErrCausePolicyUnavailable
				fetchErr.Retryable = true
			}
			h.recordFetchError(callerMethod, item.ID, fetchErr)
			return nil, fetchErr
		}
		if delay > 0 {
			p.Penalize(delay)
		}
	}

	handle, err := sink.OpenBundle(ctx, item.FlagString(FlagBundleID), bundleMetadata(item, rc, "http"))
	if err != nil {
		return nil, err
	}

	attempts := 0
	start := h.now()
	result, err := pool.Execute(ctx, p, rc.App(), func(ctx context.Context, app pool.AppContext) (outcome, error) {
		attempts++
		return h.fetch(ctx, p, app, target, item, handle)
	})
	duration := h.now().Sub(start)

	if err != nil {
		if abortErr := sink.AbortBundle(context.WithoutCancel(ctx), handle); abortErr != nil {
			rc.Logger().Warn("cannot discard bundle", slog.String("bundle_id", handle.ID()), slog.Any("error", abortErr))
		}
		var fetchErr *FetchError
		status := 0
		if errors.As(err, &fetchErr) {
			status = fetchErr.StatusCode
			h.recordFetchError(callerMethod, item.ID, fetchErr)
		}
		h.metadataSink.RecordFetch(item.ID, status, duration, "", attempts-1, item.Depth)
		return nil, err
	}

	h.metadataSink.RecordFetch(item.ID, result.statusCode, duration, result.contentType, attempts-1, item.Depth)

	commit, err := sink.CloseBundle(ctx, handle)
	if err != nil {
		sink.AbortBundle(context.WithoutCancel(ctx), handle)
		return nil, err
	}
	return []work.BundleRef{commit.Ref()}, nil
}

// fetch performs one attempt.
func (h *HTTPLoader) fetch(
	ctx context.Context,
	p *pool.Pool,
	app pool.AppContext,
	target *url.URL,
	item work.WorkItem,
	handle work.BundleHandle,
) (outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return outcome{}, &FetchError{Message: fmt.Sprintf("failed to create request: %v", err), Cause: ErrCauseInvalidURL, Err: err}
	}

	userAgent := app.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", h.accept)
	for key, value := range item.Headers {
		req.Header.Set(key, value)
	}

	token, err := app.Token()
	if err != nil {
		return outcome{}, &FetchError{Message: err.Error(), Cause: ErrCauseCredentials, Err: err}
	}
	if token != nil {
		token.SetAuthHeader(req)
	}

	resp, err := p.HTTPClient().Do(req)
	if err != nil {
		return outcome{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if fetchErr := classifyStatus(resp, h.now()); fetchErr != nil {
		if fetchErr.RetryAfter > 0 {
			p.Penalize(fetchErr.RetryAfter)
		}
		return outcome{}, fetchErr
	}

	contentType := resp.Header.Get("Content-Type")
	name := item.FlagString(FlagResourceName)
	if name == "" {
		name = resourceName(target, contentType)
	}

	info, err := handle.AddResource(ctx, name, p.ThrottleReader(ctx, resp.Body))
	if err != nil {
		return outcome{}, classifyBodyError(ctx, err)
	}

	return outcome{statusCode: resp.StatusCode, contentType: contentType, resource: info}, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Message: fmt.Sprintf("request timed out: %v", err), Retryable: true, Cause: ErrCauseTimeout, Err: err}
	}
	// redirect policy failures surface as *url.Error wrapping a plain error
	if strings.Contains(err.Error(), "stopped after") {
		return &FetchError{Message: err.Error(), Cause: ErrCauseRedirectLimitExceeded, Err: err}
	}
	return &FetchError{Message: fmt.Sprintf("request failed: %v", err), Retryable: true, Cause: ErrCauseNetworkFailure, Err: err}
}

// classifyStatus returns nil for 2xx responses.
func classifyStatus(resp *http.Response, now time.Time) *FetchError {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return &FetchError{
			Message:    "rate limited (429)",
			Retryable:  true,
			Cause:      ErrCauseRequestTooMany,
			StatusCode: code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
		}
	case code >= 500:
		return &FetchError{
			Message:    fmt.Sprintf("server error: %d", code),
			Retryable:  true,
			Cause:      ErrCauseRequest5xx,
			StatusCode: code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
		}
	case code == http.StatusUnauthorized:
		return &FetchError{Message: "unauthorized (401)", Cause: ErrCauseUnauthorized, StatusCode: code}
	case code == http.StatusForbidden:
		return &FetchError{Message: "access forbidden (403)", Cause: ErrCauseRequestPageForbidden, StatusCode: code}
	case code == http.StatusNotFound || code == http.StatusGone:
		return &FetchError{Message: fmt.Sprintf("not found (%d)", code), Cause: ErrCauseNotFound, StatusCode: code}
	case code >= 400:
		return &FetchError{Message: fmt.Sprintf("client error: %d", code), Cause: ErrCauseRequestClientError, StatusCode: code}
	default:
		// redirects are followed by the client; anything left is unusable
		return &FetchError{Message: fmt.Sprintf("unexpected status: %d", code), Cause: ErrCauseRedirectLimitExceeded, StatusCode: code}
	}
}

// parseRetryAfter accepts delta-seconds and HTTP dates.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// classifyBodyError keeps storage failures as they are and marks a broken
// response stream as retryable.
func classifyBodyError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	var storageErr *storage.StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	var classified failure.ClassifiedError
	if errors.As(err, &classified) {
		return err
	}
	return &FetchError{Message: err.Error(), Retryable: true, Cause: ErrCauseReadResponseBodyError, Err: err}
}

// resourceName derives a stored name from the URL path, falling back to
// "index" plus an extension for the content type.
func resourceName(u *url.URL, contentType string) string {
	base := path.Base(u.Path)
	if base != "" && base != "/" && base != "." {
		return base
	}
	name := "index"
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
			name += preferredExtension(mediaType, exts)
		}
	}
	return name
}

func preferredExtension(mediaType string, exts []string) string {
	switch mediaType {
	case "text/html":
		return ".html"
	case "application/json":
		return ".json"
	case "text/plain":
		return ".txt"
	}
	return exts[0]
}

func (h *HTTPLoader) recordFetchError(callerMethod string, fetchURL string, err *FetchError) {
	attrs := []metadata.Attribute{
		metadata.NewAttr(metadata.AttrURL, fetchURL),
	}
	if err.StatusCode != 0 {
		attrs = append(attrs, metadata.NewAttr(metadata.AttrHTTPStatus, strconv.Itoa(err.StatusCode)))
	}
	h.metadataSink.RecordError(
		h.now(),
		"fetcher",
		callerMethod,
		mapFetchErrorToMetadataCause(err),
		err.Error(),
		attrs,
	)
}
