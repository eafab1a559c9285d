// Package telemetry provides observability primitives for the Autogram
// gateway: Prometheus collectors, OTLP tracing, and label sanitization.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// requestBuckets are the request-duration bucket boundaries in seconds
// (1ms to 5s).
var requestBuckets = []float64{
	0.001, 0.005, 0.015, 0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 1, 2, 5,
}

// modelBuckets cover the second-scale latencies of model completions.
var modelBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120,
}

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	ModelLatency      *prometheus.HistogramVec
	TokenUsage        *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	RateLimitRejects  *prometheus.CounterVec
	UsageQueueLength  prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autogram",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "status", "endpoint", "tier"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autogram",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   requestBuckets,
		}, []string{"method", "status", "endpoint", "tier"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autogram",
			Name:      "errors_total",
			Help:      "Total request errors by kind.",
		}, []string{"type", "endpoint", "tier", "code"}),

		ModelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autogram",
			Name:      "model_latency_seconds",
			Help:      "Upstream model call duration in seconds.",
			Buckets:   modelBuckets,
		}, []string{"model", "operation", "status"}),

		TokenUsage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autogram",
			Name:      "token_usage_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type", "tier"}),

		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autogram",
			Name:      "active_connections",
			Help:      "Number of currently active connections.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autogram",
			Name:      "ratelimit_rejects_total",
			Help:      "Total admission rejections.",
		}, []string{"scope"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autogram",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ErrorsTotal,
		m.ModelLatency,
		m.TokenUsage,
		m.ActiveConnections,
		m.RateLimitRejects,
		m.UsageQueueLength,
	)

	return m
}
