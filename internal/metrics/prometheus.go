// Package metrics exposes ingestion and ops-API metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector of the service. A nil *Metrics is valid and
// records nothing, so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	itemsTotal          *prometheus.CounterVec
	runsTotal           *prometheus.CounterVec
	runDuration         *prometheus.HistogramVec
	limiterWait         *prometheus.HistogramVec
	limiterErrors       *prometheus.CounterVec
	mergesTotal         *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		itemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_items_total",
				Help: "Items handled by the ingestion pipeline, by outcome.",
			},
			[]string{"source", "outcome"},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_runs_total",
				Help: "Finished source runs, by result.",
			},
			[]string{"source", "result"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_run_duration_seconds",
				Help:    "Histogram of source run durations.",
				Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"source"},
		),
		limiterWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_limiter_wait_seconds",
				Help:    "Time spent waiting on the per-target rate limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source"},
		),
		limiterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_source_errors_total",
				Help: "Failed source requests, by status class.",
			},
			[]string{"source", "status"},
		),
		mergesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_merges_total",
				Help: "Placeholder identities handled by the merger, by outcome.",
			},
			[]string{"outcome"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "endpoint", "status"},
		),
	}
	m.registry.MustRegister(
		m.itemsTotal, m.runsTotal, m.runDuration, m.limiterWait, m.limiterErrors,
		m.mergesTotal, m.httpRequestsTotal, m.httpRequestDuration,
	)
	return m
}

func (m *Metrics) ItemProcessed(source, outcome string) {
	if m == nil {
		return
	}
	m.itemsTotal.WithLabelValues(source, outcome).Inc()
}

// RunFinished records a run result: "ok", "aborted" or "failed".
func (m *Metrics) RunFinished(source, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(source, result).Inc()
	m.runDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) LimiterWaited(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.limiterWait.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) SourceError(source string, statusCode int) {
	if m == nil {
		return
	}
	m.limiterErrors.WithLabelValues(source, classifyStatus(statusCode)).Inc()
}

func (m *Metrics) MergeOutcome(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.mergesTotal.WithLabelValues(outcome).Add(float64(n))
}

// RecordRequest records one HTTP request of the ops API.
func (m *Metrics) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	status := classifyStatus(statusCode)
	m.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
}

// Handler exports the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// classifyStatus maps a status code to its class; 0 is a transport failure.
func classifyStatus(statusCode int) string {
	switch {
	case statusCode == 0:
		return "transport"
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500 && statusCode < 600:
		return "5xx"
	}
	return "unknown"
}
