package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/rohmanhakim/harvester/pkg/timeutil"
)

// IntervalLimiter
// Spaces out requests that share one connection pool.
// Responsibilities:
//   - Bookkeep the pool's last request timestamp
//   - Compute the remaining delay from the configured requests-per-second and
//     any server-imposed penalty (e.g. Retry-After)
//   - Hold callers back, one at a time, until that delay has passed
//
// All bookkeeping happens under the limiter's own mutex, so limiters of
// different pools never contend with each other.
type IntervalLimiter struct {
	mu            sync.Mutex
	minInterval   time.Duration
	lastRequestAt time.Time
	penalty       time.Duration
	requests      int64
	now           func() time.Time
}

// NewIntervalLimiter returns a limiter admitting at most requestsPerSecond
// requests per second. A non-positive rate disables spacing.
func NewIntervalLimiter(requestsPerSecond float64) *IntervalLimiter {
	var interval time.Duration
	if requestsPerSecond > 0 {
		interval = time.Duration(float64(time.Second) / requestsPerSecond)
	}
	return &IntervalLimiter{
		minInterval: interval,
		now:         time.Now,
	}
}

// Wait blocks until the next request may start, then records it.
// The limiter is held for the whole wait so concurrent callers queue up behind
// each other. It returns the time spent waiting. When ctx ends first nothing
// is recorded and ctx.Err() is returned.
func (l *IntervalLimiter) Wait(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delay := l.resolveDelayLocked()
	if err := timeutil.Sleep(ctx, delay); err != nil {
		return 0, err
	}

	l.lastRequestAt = l.now()
	l.penalty = 0
	l.requests++
	return delay, nil
}

// WaitPenalty blocks until a pending penalty has run out, then records the
// request. Without a pending penalty it returns at once and records nothing.
// Retries use it: they already waited their own backoff, so only a longer
// server-imposed delay still applies.
func (l *IntervalLimiter) WaitPenalty(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.penalty <= 0 {
		return 0, nil
	}

	delay := l.penalty
	if !l.lastRequestAt.IsZero() {
		delay -= l.now().Sub(l.lastRequestAt)
	}
	if err := timeutil.Sleep(ctx, delay); err != nil {
		return 0, err
	}

	l.lastRequestAt = l.now()
	l.penalty = 0
	l.requests++
	return max(delay, 0), nil
}

// ResolveDelay returns how long a request starting now would have to wait.
func (l *IntervalLimiter) ResolveDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolveDelayLocked()
}

// resolveDelayLocked computes max(minInterval, penalty) - elapsed.
// Caller must hold l.mu.
func (l *IntervalLimiter) resolveDelayLocked() time.Duration {
	if l.lastRequestAt.IsZero() {
		return l.penalty
	}

	finalDelay := timeutil.MaxDuration([]time.Duration{l.minInterval, l.penalty})
	elapsed := l.now().Sub(l.lastRequestAt)
	if elapsed < finalDelay {
		return finalDelay - elapsed
	}
	return 0
}

// Penalize asks the next request to wait at least d after the previous one.
// A longer pending penalty is kept.
func (l *IntervalLimiter) Penalize(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d > l.penalty {
		l.penalty = d
	}
}

func (l *IntervalLimiter) Timing() Timing {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Timing{
		lastRequestAt: l.lastRequestAt,
		minInterval:   l.minInterval,
		penalty:       l.penalty,
		requests:      l.requests,
	}
}

// SetClock replaces the time source for testing
func (l *IntervalLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
