package retry

import (
	"time"
)

// Policy holds the immutable knobs of a retry engine.
// These parameters are passed from outside (e.g., config) and should not
// be known by the operations being retried.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
	JitterMin       float64
	JitterMax       float64
}

// DefaultPolicy returns three retries starting at one second, doubling up to
// a minute, with each delay scaled by a random factor in [0.5, 1.5].
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
		JitterMin:       0.5,
		JitterMax:       1.5,
	}
}

// Result is the outcome of Execute.
type Result[T any] struct {
	value    T
	err      error
	attempts int
}

func (r Result[T]) Value() T {
	return r.value
}

// Err returns the final error. On exhaustion it is the last error returned
// by the operation, unwrapped.
func (r Result[T]) Err() error {
	return r.err
}

// Attempts is the number of times the operation was invoked.
func (r Result[T]) Attempts() int {
	return r.attempts
}

func (r Result[T]) IsSuccess() bool {
	return r.err == nil
}

func (r Result[T]) IsFailure() bool {
	return r.err != nil
}
