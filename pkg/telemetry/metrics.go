package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zoff-tech/clinic-outbox/schema"
)

// Recorder receives the outbox's operational measurements.
type Recorder interface {
	ObserveAttempt(method, result string, d time.Duration)
	ObserveFlush(processed int, d time.Duration)
	ObserveEnqueue(priority schema.Priority)
	ObserveEviction(tier string, count int)
	SetCounts(c schema.Counts)
}

// NopRecorder discards measurements.
type NopRecorder struct{}

func (NopRecorder) ObserveAttempt(string, string, time.Duration) {}
func (NopRecorder) ObserveFlush(int, time.Duration)              {}
func (NopRecorder) ObserveEnqueue(schema.Priority)               {}
func (NopRecorder) ObserveEviction(string, int)                  {}
func (NopRecorder) SetCounts(schema.Counts)                      {}

// Metrics is the Prometheus backed Recorder.
type Metrics struct {
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	FlushesTotal    prometheus.Counter
	FlushDuration   prometheus.Histogram
	FlushProcessed  prometheus.Histogram
	EnqueuedTotal   *prometheus.CounterVec
	EvictedTotal    *prometheus.CounterVec
	Operations      *prometheus.GaugeVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics registers the outbox collectors on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		AttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Subsystem: "sync",
			Name:      "attempts_total",
			Help:      "Replay attempts by HTTP method and result.",
		}, []string{"method", "result"}), // success|retry|permanent

		AttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "outbox",
			Subsystem: "sync",
			Name:      "attempt_duration_seconds",
			Help:      "Latency of a single replayed call.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "result"}),

		FlushesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "outbox",
			Subsystem: "sync",
			Name:      "flushes_total",
			Help:      "Completed flush cycles.",
		}),

		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "outbox",
			Subsystem: "sync",
			Name:      "flush_duration_seconds",
			Help:      "Duration of a flush cycle.",
			Buckets:   prometheus.DefBuckets,
		}),

		FlushProcessed: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "outbox",
			Subsystem: "sync",
			Name:      "flush_processed_operations",
			Help:      "Operations attempted per flush cycle.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),

		EnqueuedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Operations accepted by priority.",
		}, []string{"priority"}),

		EvictedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Subsystem: "quota",
			Name:      "evicted_total",
			Help:      "Operations removed under storage pressure by cleanup tier.",
		}, []string{"tier"}),

		Operations: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "outbox",
			Subsystem: "queue",
			Name:      "operations",
			Help:      "Stored operations by status.",
		}, []string{"status"}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Local API requests by method, route and status.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "outbox",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Local API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		registry: reg,
	}
}

func (m *Metrics) ObserveAttempt(method, result string, d time.Duration) {
	m.AttemptsTotal.WithLabelValues(method, result).Inc()
	m.AttemptDuration.WithLabelValues(method, result).Observe(d.Seconds())
}

func (m *Metrics) ObserveFlush(processed int, d time.Duration) {
	m.FlushesTotal.Inc()
	m.FlushDuration.Observe(d.Seconds())
	m.FlushProcessed.Observe(float64(processed))
}

func (m *Metrics) ObserveEnqueue(priority schema.Priority) {
	m.EnqueuedTotal.WithLabelValues(priority.String()).Inc()
}

func (m *Metrics) ObserveEviction(tier string, count int) {
	m.EvictedTotal.WithLabelValues(tier).Add(float64(count))
}

func (m *Metrics) SetCounts(c schema.Counts) {
	m.Operations.WithLabelValues(string(schema.StatusPending)).Set(float64(c.Pending))
	m.Operations.WithLabelValues(string(schema.StatusSyncing)).Set(float64(c.Syncing))
	m.Operations.WithLabelValues(string(schema.StatusFailed)).Set(float64(c.Failed))
	m.Operations.WithLabelValues(string(schema.StatusCompleted)).Set(float64(c.Completed))
}

// ObserveRequest records one local API request.
func (m *Metrics) ObserveRequest(method, path, status string, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
