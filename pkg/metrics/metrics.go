// Package metrics provides Prometheus instrumentation for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestLatency tracks end-to-end pipeline latency in seconds.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tryon_request_latency_seconds",
			Help:    "End-to-end create-image latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "status"},
	)

	// RequestsTotal counts finished requests by status and reason tag.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tryon_requests_total",
			Help: "Total number of create-image requests by outcome.",
		},
		[]string{"status", "reason"}, // reason is empty on success
	)

	// StageLatency tracks the duration of each pipeline stage.
	StageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tryon_stage_latency_seconds",
			Help:    "Duration of each pipeline stage in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"}, // auth, credit, generate, persist, webhook
	)

	// ActiveRequests tracks the number of in-flight pipeline runs.
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tryon_active_requests",
			Help: "Number of currently in-flight create-image requests.",
		},
	)

	// ThrottleDecisions counts throttle guard decisions.
	ThrottleDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tryon_throttle_decisions_total",
			Help: "Throttle guard decisions by backend and result.",
		},
		[]string{"backend", "result"}, // allowed, rejected, fallback
	)

	// BackendRetries counts retried backend calls.
	BackendRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tryon_backend_retries_total",
			Help: "Number of backend call retries.",
		},
		[]string{"call"}, // auth, credit, webhook
	)

	// WebhookDeliveries counts usage webhook outcomes.
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tryon_webhook_deliveries_total",
			Help: "Usage webhook deliveries by result.",
		},
		[]string{"result"}, // delivered, degraded
	)

	// ProviderCalls counts generation calls by provider and result.
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tryon_provider_calls_total",
			Help: "Image generation calls by provider and result.",
		},
		[]string{"provider", "result"},
	)

	// CircuitBreakerState tracks the provider circuit breaker.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tryon_circuit_breaker_state",
			Help: "Current circuit breaker state: 0=closed, 1=open, 2=half-open.",
		},
		[]string{"provider"},
	)

	// MediaBytesWritten counts bytes persisted to the media store.
	MediaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tryon_media_bytes_written_total",
			Help: "Total bytes of generated images written to the media store.",
		},
	)
)
