package pool

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rohmanhakim/harvester/pkg/limiter"
	"github.com/rohmanhakim/harvester/pkg/retry"
	"golang.org/x/time/rate"
)

// Pool is the shared state of every request made with one ProtocolConfig:
// request spacing, byte throttling, retry policy and, for HTTP, the
// underlying connection pool.
type Pool struct {
	fingerprint string
	config      ProtocolConfig
	limiter     *limiter.IntervalLimiter
	engine      *retry.Engine
	bytes       *rate.Limiter
	observer    Observer

	clientOnce sync.Once
	client     *http.Client
}

func newPool(cfg ProtocolConfig, fingerprint string, observer Observer) *Pool {
	p := &Pool{
		fingerprint: fingerprint,
		config:      cfg,
		limiter:     limiter.NewIntervalLimiter(cfg.RequestsPerSecond),
		observer:    observer,
	}
	p.engine = retry.NewEngine(cfg.RetryPolicy(), retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
		p.observer.RetryScheduled(cfg.Protocol, attempt, delay, err)
	}))
	if cfg.MaxBytesPerSecond > 0 {
		p.bytes = rate.NewLimiter(rate.Limit(cfg.MaxBytesPerSecond), int(cfg.MaxBytesPerSecond))
	}
	return p
}

func (p *Pool) Fingerprint() string {
	return p.fingerprint
}

func (p *Pool) Config() ProtocolConfig {
	return p.config
}

func (p *Pool) Engine() *retry.Engine {
	return p.engine
}

// Timing exposes the pool's request bookkeeping.
func (p *Pool) Timing() limiter.Timing {
	return p.limiter.Timing()
}

// Penalize delays the next request of this pool by at least d, e.g. after a
// Retry-After response.
func (p *Pool) Penalize(d time.Duration) {
	p.limiter.Penalize(d)
}

// HTTPClient returns the pool's client, built on first use. Its transport
// applies ConnectTimeout to dialing, RequestTimeout to waiting for response
// headers, and MaxConnections per host.
func (p *Pool) HTTPClient() *http.Client {
	p.clientOnce.Do(func() {
		dialer := &net.Dialer{Timeout: p.config.ConnectTimeout}
		transport := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   p.config.ConnectTimeout,
			ResponseHeaderTimeout: p.config.RequestTimeout,
			MaxConnsPerHost:       p.config.MaxConnections,
			MaxIdleConnsPerHost:   p.config.MaxConnections,
			IdleConnTimeout:       90 * time.Second,
		}
		p.client = &http.Client{Transport: transport}
	})
	return p.client
}

// ThrottleReader limits reads from r to MaxBytesPerSecond across every reader
// of this pool. Without a byte limit r is returned as is.
func (p *Pool) ThrottleReader(ctx context.Context, r io.Reader) io.Reader {
	if p.bytes == nil {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, limiter: p.bytes}
}

type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(buf []byte) (int, error) {
	if burst := t.limiter.Burst(); len(buf) > burst {
		buf = buf[:burst]
	}
	n, err := t.r.Read(buf)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// Execute runs op through the pool: it first waits for the pool's rate
// limit, then invokes op under the pool's retry engine. app is handed to
// every attempt unchanged.
//
// A retry waits for the larger of its backoff delay and any penalty set on
// the pool since the previous attempt, such as a Retry-After.
func Execute[T any](ctx context.Context, p *Pool, app AppContext, op func(ctx context.Context, app AppContext) (T, error)) (T, error) {
	waited, err := p.limiter.Wait(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	p.observer.RequestAdmitted(p.config.Protocol, waited)

	attempt := 0
	return retry.Do(ctx, p.engine, func(ctx context.Context) (T, error) {
		attempt++
		if attempt > 1 {
			waitCtx, cancel := retry.Interruptible(ctx)
			waited, err := p.limiter.WaitPenalty(waitCtx)
			cancel()
			if err != nil {
				var zero T
				return zero, err
			}
			if waited > 0 {
				p.observer.RequestAdmitted(p.config.Protocol, waited)
			}
		}
		return op(ctx, app)
	})
}
