package limiter

import "time"

// Timing is a snapshot of a limiter's bookkeeping.
type Timing struct {
	lastRequestAt time.Time
	minInterval   time.Duration
	penalty       time.Duration
	requests      int64
}

func (t Timing) LastRequestAt() time.Time {
	return t.lastRequestAt
}

func (t Timing) MinInterval() time.Duration {
	return t.minInterval
}

// Penalty is the pending server-imposed delay, consumed by the next Wait.
func (t Timing) Penalty() time.Duration {
	return t.penalty
}

func (t Timing) Requests() int64 {
	return t.requests
}
