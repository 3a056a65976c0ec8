// Package metrics exposes run and pool activity as Prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rohmanhakim/harvester/internal/work"
)

const namespace = "harvester"

// Metrics groups every collector of the process. It implements
// pool.Observer and work.BundleListener.
type Metrics struct {
	registry *prometheus.Registry

	ItemsProcessed   prometheus.Counter
	ItemsFailed      prometheus.Counter
	BundlesCommitted prometheus.Counter
	BytesCommitted   prometheus.Counter
	QueueDepth       prometheus.Gauge
	ActiveWorkers    prometheus.Gauge
	Discoveries      *prometheus.CounterVec
	PoolsCreated     *prometheus.CounterVec
	Requests         *prometheus.CounterVec
	RateLimitWait    *prometheus.HistogramVec
	Retries          *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ItemsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Work items loaded successfully",
		}),
		ItemsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_failed_total",
			Help:      "Work items whose load failed",
		}),
		BundlesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_committed_total",
			Help:      "Bundles durably committed by storage",
		}),
		BytesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_bytes_total",
			Help:      "Bytes written into committed bundles",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting in the durable queue",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently dispatching or discovering",
		}),
		Discoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discoveries_total",
			Help:      "Locator calls by outcome",
		}, []string{"locator", "result"}),
		PoolsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pools_created_total",
			Help:      "Connection pools created",
		}, []string{"protocol"}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_requests_total",
			Help:      "Requests admitted by pool rate limiters",
		}, []string{"protocol"}),
		RateLimitWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_rate_limit_wait_seconds",
			Help:      "Time spent waiting for the pool rate limiter",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"protocol"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries scheduled by pool retry engines",
		}, []string{"protocol"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PoolCreated(protocol string) {
	m.PoolsCreated.WithLabelValues(protocol).Inc()
}

func (m *Metrics) RequestAdmitted(protocol string, waited time.Duration) {
	m.Requests.WithLabelValues(protocol).Inc()
	m.RateLimitWait.WithLabelValues(protocol).Observe(waited.Seconds())
}

func (m *Metrics) RetryScheduled(protocol string, attempt int, delay time.Duration, err error) {
	m.Retries.WithLabelValues(protocol).Inc()
}

func (m *Metrics) OnBundleCommitted(ctx context.Context, commit work.BundleCommit) {
	m.BundlesCommitted.Inc()
	m.BytesCommitted.Add(float64(commit.Bytes))
}
