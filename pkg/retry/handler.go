package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rohmanhakim/harvester/pkg/failure"
	"github.com/rohmanhakim/harvester/pkg/timeutil"
)

// Classifier reports whether an error is worth another attempt.
type Classifier func(err error) bool

// Engine applies a Policy around fallible operations.
// It holds no per-call state and may be shared by any number of goroutines.
type Engine struct {
	policy   Policy
	backoff  timeutil.BackoffParam
	classify Classifier
	onRetry  func(attempt int, delay time.Duration, err error)
}

type Option func(*Engine)

// WithClassifier replaces the default failure.IsRetryable classification.
func WithClassifier(c Classifier) Option {
	return func(e *Engine) {
		if c != nil {
			e.classify = c
		}
	}
}

// WithOnRetry registers a hook invoked before every delay.
// The hook must be safe for concurrent use.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(e *Engine) {
		e.onRetry = fn
	}
}

func NewEngine(policy Policy, opts ...Option) *Engine {
	e := &Engine{
		policy:   policy,
		backoff:  timeutil.NewBackoffParam(policy.BaseDelay, policy.ExponentialBase, policy.MaxDelay),
		classify: failure.IsRetryable,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Policy() Policy {
	return e.policy
}

// Delay returns the wait before retry number attempt (0-indexed):
// min(MaxDelay, BaseDelay * ExponentialBase^attempt), scaled by a uniform
// factor in [JitterMin, JitterMax] when jitter is enabled.
func (e *Engine) Delay(attempt int) time.Duration {
	delay := timeutil.ExponentialBackoffDelay(attempt+1, e.backoff)
	if !e.policy.Jitter {
		return delay
	}
	lo, hi := e.policy.JitterMin, e.policy.JitterMax
	if hi < lo {
		lo, hi = hi, lo
	}
	return timeutil.ScaleDuration(delay, lo+rand.Float64()*(hi-lo))
}

// Execute invokes fn until it succeeds, fails with a non-retryable error, or
// MaxRetries retries have been spent. On exhaustion the last error is
// returned unchanged.
//
// Delay waits end early when ctx is done or when the interrupt context
// attached with WithInterrupt is done; the returned error then wraps both the
// interruption cause and the last operation error.
//
// Type parameter T represents the return type of the function being retried.
func Execute[T any](ctx context.Context, e *Engine, fn func(ctx context.Context) (T, error)) Result[T] {
	if e.policy.MaxRetries < 0 {
		return Result[T]{err: &RetryError{
			Message:  fmt.Sprintf("max retries cannot be negative, got %d", e.policy.MaxRetries),
			Reason:   ErrInvalidPolicy,
			Attempts: 0,
		}}
	}

	var zero T
	attempts := 0
	for {
		attempts++
		value, err := fn(ctx)
		if err == nil {
			return Result[T]{value: value, attempts: attempts}
		}

		if !e.classify(err) || attempts > e.policy.MaxRetries {
			return Result[T]{value: zero, err: err, attempts: attempts}
		}

		delay := e.Delay(attempts - 1)
		if e.onRetry != nil {
			e.onRetry(attempts, delay, err)
		}

		if cause := wait(ctx, delay); cause != nil {
			return Result[T]{
				value:    zero,
				attempts: attempts,
				err: &RetryError{
					Message:   fmt.Sprintf("wait after attempt %d cut short", attempts),
					Reason:    ErrInterrupted,
					Attempts:  attempts,
					Retryable: false,
					Cause:     errors.Join(cause, err),
				},
			}
		}
	}
}

// Do is Execute for callers that only need the value and the error.
func Do[T any](ctx context.Context, e *Engine, fn func(ctx context.Context) (T, error)) (T, error) {
	r := Execute(ctx, e, fn)
	return r.Value(), r.Err()
}

type interruptKey struct{}

// WithInterrupt attaches stop to ctx. Retry delays under the returned context
// end as soon as stop is done, even when ctx itself stays alive. This lets an
// operation keep its own deadline while pending retries are abandoned.
func WithInterrupt(ctx context.Context, stop context.Context) context.Context {
	return context.WithValue(ctx, interruptKey{}, stop)
}

// Interruptible returns a context that also ends when the interrupt attached
// with WithInterrupt is done. Waits outside the engine use it to stop along
// with retry delays.
func Interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	stopCtx, _ := ctx.Value(interruptKey{}).(context.Context)
	if stopCtx == nil {
		return context.WithCancel(ctx)
	}
	waitCtx, cancel := context.WithCancelCause(ctx)
	stopWatch := context.AfterFunc(stopCtx, func() {
		cancel(context.Cause(stopCtx))
	})
	return waitCtx, func() {
		stopWatch()
		cancel(context.Canceled)
	}
}

// wait returns nil after d, or the cause that ended the wait early.
func wait(ctx context.Context, d time.Duration) error {
	var stop <-chan struct{}
	stopCtx, _ := ctx.Value(interruptKey{}).(context.Context)
	if stopCtx != nil {
		stop = stopCtx.Done()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-stop:
		return context.Cause(stopCtx)
	case <-timer.C:
		return nil
	}
}
