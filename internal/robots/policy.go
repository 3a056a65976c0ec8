package robots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/rohmanhakim/harvester/internal/kv"
	"github.com/rohmanhakim/harvester/internal/metadata"
	"github.com/rohmanhakim/harvester/internal/pool"
	"github.com/rohmanhakim/harvester/internal/work"
	"golang.org/x/sync/singleflight"
)

/*
Policy

Responsibilities:
- Fetch robots.txt once per scheme and host, through the same connection
  pool as the loads it vets
- Cache parsed rules in the key-value store, so every worker (and, with a
  persistent backend, every later run) shares them
- Answer allow/disallow plus crawl-delay for a URL

Fetch semantics:
- 2xx: parse up to 500 KiB
- 4xx other than 429: no robots.txt, everything is allowed
- 429, 5xx, redirect loops and network failures: retryable error
*/

const (
	maxRobotsSize    = 500 * 1024
	defaultCacheTTL  = 24 * time.Hour
	defaultUserAgent = "harvester/1.0"
	cacheKeyPrefix   = "robots/"
)

type Policy struct {
	config       pool.ProtocolConfig
	store        kv.Store
	ttl          time.Duration
	metadataSink metadata.MetadataSink
	group        singleflight.Group
	now          func() time.Time
}

type Option func(*Policy)

// WithCacheTTL sets how long fetched rules stay cached. Default 24h.
func WithCacheTTL(ttl time.Duration) Option {
	return func(p *Policy) {
		p.ttl = ttl
	}
}

// NewPolicy returns a policy fetching robots.txt through the pool built for
// cfg and caching results in store.
func NewPolicy(cfg pool.ProtocolConfig, store kv.Store, metadataSink metadata.MetadataSink, opts ...Option) *Policy {
	if metadataSink == nil {
		metadataSink = &metadata.NoopSink{}
	}
	p := &Policy{
		config:       cfg,
		store:        store,
		ttl:          defaultCacheTTL,
		metadataSink: metadataSink,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check vets target for the run's user agent. It returns the crawl delay
// to observe, or a non-retryable *RobotsError when target is disallowed.
func (p *Policy) Check(ctx context.Context, target *url.URL, rc *work.RunContext) (time.Duration, error) {
	decision, err := p.Decide(ctx, target, rc)
	if err != nil {
		return 0, err
	}
	if !decision.Allowed {
		robotsErr := &RobotsError{Message: decision.URL, Cause: ErrCauseDisallowed}
		p.recordError("Policy.Check", target, robotsErr)
		return 0, robotsErr
	}
	return decision.CrawlDelay, nil
}

func (p *Policy) Decide(ctx context.Context, target *url.URL, rc *work.RunContext) (Decision, error) {
	rules, err := p.rules(ctx, target, rc)
	if err != nil {
		return Decision{}, err
	}
	return rules.Decide(target, userAgent(rc.App())), nil
}

func (p *Policy) rules(ctx context.Context, target *url.URL, rc *work.RunContext) (RobotsResponse, error) {
	key := cacheKeyPrefix + target.Scheme + "://" + target.Host

	if rules, ok := p.cached(ctx, key, rc.Logger()); ok {
		return rules, nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		rules, err := p.fetch(ctx, target, rc)
		if err != nil {
			return RobotsResponse{}, err
		}
		if data, err := json.Marshal(rules); err == nil {
			if err := p.store.Set(ctx, key, data, p.ttl); err != nil {
				rc.Logger().Warn("cannot cache robots.txt", slog.String("key", key), slog.Any("error", err))
			}
		}
		return rules, nil
	})
	if err != nil {
		return RobotsResponse{}, err
	}
	return v.(RobotsResponse), nil
}

func (p *Policy) cached(ctx context.Context, key string, logger *slog.Logger) (RobotsResponse, bool) {
	data, err := p.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			logger.Warn("robots cache unavailable", slog.String("key", key), slog.Any("error", err))
		}
		return RobotsResponse{}, false
	}
	var rules RobotsResponse
	if err := json.Unmarshal(data, &rules); err != nil {
		return RobotsResponse{}, false
	}
	return rules, true
}

func (p *Policy) fetch(ctx context.Context, target *url.URL, rc *work.RunContext) (RobotsResponse, error) {
	robotsURL := &url.URL{Scheme: target.Scheme, Host: target.Host, Path: "/robots.txt"}
	pl := rc.Pools().GetOrCreatePool(p.config)

	start := p.now()
	rules, err := pool.Execute(ctx, pl, rc.App(), func(ctx context.Context, app pool.AppContext) (RobotsResponse, error) {
		return p.fetchOnce(ctx, pl, app, robotsURL, target.Host)
	})
	if err != nil {
		var robotsErr *RobotsError
		if errors.As(err, &robotsErr) {
			p.recordError("Policy.fetch", robotsURL, robotsErr)
		}
		return RobotsResponse{}, err
	}
	rc.Logger().Debug("robots.txt fetched",
		slog.String("url", robotsURL.String()),
		slog.Int("groups", len(rules.UserAgents)),
		slog.Duration("duration", p.now().Sub(start)),
	)
	return rules, nil
}

func (p *Policy) fetchOnce(ctx context.Context, pl *pool.Pool, app pool.AppContext, robotsURL *url.URL, host string) (RobotsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return RobotsResponse{}, &RobotsError{Message: err.Error(), Cause: ErrCauseHttpFetchFailure, Err: err}
	}
	req.Header.Set("User-Agent", userAgent(app))
	req.Header.Set("Accept", "text/plain,*/*")

	resp, err := pl.HTTPClient().Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return RobotsResponse{}, ctxErr
		}
		return RobotsResponse{}, &RobotsError{Message: err.Error(), Retryable: true, Cause: ErrCauseHttpFetchFailure, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		content, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsSize))
		if err != nil {
			return RobotsResponse{}, &RobotsError{Message: err.Error(), Retryable: true, Cause: ErrCauseParseError, Err: err}
		}
		return ParseRobotsTxt(string(content), host), nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return RobotsResponse{}, &RobotsError{Message: robotsURL.String(), Retryable: true, Cause: ErrCauseHttpTooManyRequests}
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// the client follows redirects; landing here means it gave up
		return RobotsResponse{}, &RobotsError{Message: robotsURL.String(), Retryable: true, Cause: ErrCauseHttpTooManyRedirects}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return RobotsResponse{Host: host}, nil
	default:
		return RobotsResponse{}, &RobotsError{
			Message:   fmt.Sprintf("status %d for %s", resp.StatusCode, robotsURL),
			Retryable: true,
			Cause:     ErrCauseHttpServerError,
		}
	}
}

func (p *Policy) recordError(action string, u *url.URL, err *RobotsError) {
	p.metadataSink.RecordError(
		p.now(),
		"robots",
		action,
		mapRobotsErrorToMetadataCause(err),
		err.Error(),
		[]metadata.Attribute{
			metadata.NewAttr(metadata.AttrURL, u.String()),
		},
	)
}

func userAgent(app pool.AppContext) string {
	if app.UserAgent != "" {
		return app.UserAgent
	}
	return defaultUserAgent
}
