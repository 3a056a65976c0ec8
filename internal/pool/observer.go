package pool

import "time"

// Observer receives pool activity, e.g. for metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	PoolCreated(protocol string)
	RequestAdmitted(protocol string, waited time.Duration)
	RetryScheduled(protocol string, attempt int, delay time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) PoolCreated(string)                               {}
func (noopObserver) RequestAdmitted(string, time.Duration)            {}
func (noopObserver) RetryScheduled(string, int, time.Duration, error) {}
