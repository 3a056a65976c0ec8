package timeutil

import (
	"context"
	"math"
	"time"
)

// MaxDuration returns the largest of durations, or zero for an empty slice.
func MaxDuration(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	longest := durations[0]
	for _, d := range durations[1:] {
		if d > longest {
			longest = d
		}
	}
	return longest
}

// ExponentialBackoffDelay returns initial * multiplier^(backoffCount-1),
// capped at the param's max duration. Counts below one are treated as one.
// A non-positive max duration leaves the delay uncapped.
func ExponentialBackoffDelay(backoffCount int, param BackoffParam) time.Duration {
	if backoffCount < 1 {
		backoffCount = 1
	}
	if param.initialDuration <= 0 {
		return 0
	}

	delay := float64(param.initialDuration) * math.Pow(param.multiplier, float64(backoffCount-1))
	switch {
	case math.IsNaN(delay) || delay < 0:
		return 0
	case param.maxDuration > 0 && delay >= float64(param.maxDuration):
		return param.maxDuration
	case delay >= float64(math.MaxInt64):
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// ScaleDuration multiplies d by factor, saturating instead of overflowing.
func ScaleDuration(d time.Duration, factor float64) time.Duration {
	scaled := float64(d) * factor
	switch {
	case math.IsNaN(scaled) || scaled <= 0:
		return 0
	case scaled >= float64(math.MaxInt64):
		return time.Duration(math.MaxInt64)
	default:
		return time.Duration(scaled)
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when the wait was cut short.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
