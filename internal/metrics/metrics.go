// Package metrics exports Prometheus collectors for the execution engine,
// grounded on the teacher's internal/metrics/metrics.go singleton and
// promauto registration pattern, pared down to the engine's own surface
// (no business/billing/AI metrics — those belong to apex-build, not here).
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. The HTTP control plane
// updates the HTTP and execution counters and histograms; nothing in the
// module sets ExecutionsInFlight, GateQueueDepth, or the pool gauges.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ExecutionsTotal      *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec
	ExecutionsInFlight   prometheus.Gauge
	GateQueueDepth       prometheus.Gauge
	PoolCleanContainers  *prometheus.GaugeVec
	PoolDirtyContainers  *prometheus.GaugeVec
}

var (
	once     sync.Once
	instance *Metrics
)

// Get returns the process-wide singleton, registering collectors on first
// call the way the teacher's metrics.Get() does.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "isol8",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests handled by the control plane.",
			}, []string{"route", "method", "status"}),
			HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "isol8",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			ExecutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "isol8",
				Subsystem: "engine",
				Name:      "executions_total",
				Help:      "Total execute()/executeStream() calls by runtime and outcome.",
			}, []string{"runtime", "outcome"}),
			ExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "isol8",
				Subsystem: "engine",
				Name:      "execution_duration_seconds",
				Help:      "Execution wall-clock duration by runtime.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"runtime"}),
			ExecutionsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "isol8",
				Subsystem: "engine",
				Name:      "executions_in_flight",
				Help:      "Executions currently admitted past the concurrency gate.",
			}),
			GateQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "isol8",
				Subsystem: "gate",
				Name:      "queue_depth",
				Help:      "Callers currently waiting for a concurrency gate token.",
			}),
			PoolCleanContainers: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "isol8",
				Subsystem: "pool",
				Name:      "clean_containers",
				Help:      "Warm containers ready for immediate use, by image.",
			}, []string{"image"}),
			PoolDirtyContainers: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "isol8",
				Subsystem: "pool",
				Name:      "dirty_containers",
				Help:      "Used containers awaiting reclaim, by image (fast strategy only).",
			}, []string{"image"}),
		}
	})
	return instance
}

// RecordExecution records one completed execution's outcome and latency.
func (m *Metrics) RecordExecution(runtime, outcome string, d time.Duration) {
	m.ExecutionsTotal.WithLabelValues(runtime, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(runtime).Observe(d.Seconds())
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(route, method, status string, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
