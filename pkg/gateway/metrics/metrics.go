// Package metrics exposes the gateway's Prometheus instrumentation on a
// private registry so tests can construct isolated sets.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds all Prometheus metrics for the gateway.
type Set struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Worker metrics
	WorkerInvocationsTotal *prometheus.CounterVec

	// Build metrics
	BuildsActive  prometheus.Gauge
	BuildsTotal   *prometheus.CounterVec
	BuildDuration prometheus.Histogram

	// Relay metrics
	RelayConnectionsActive prometheus.Gauge
	RelayEventsTotal       *prometheus.CounterVec

	// Session metrics
	SessionsActive prometheus.Gauge
}

// New creates a Set with every metric registered on a fresh registry.
func New(namespace string) *Set {
	if namespace == "" {
		namespace = "forge"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method", "route"},
	)

	workerInvocationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_invocations_total",
			Help:      "Total worker process invocations",
		},
		[]string{"kind", "outcome"},
	)

	buildsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_active",
			Help:      "Number of build runs currently streaming",
		},
	)

	buildsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Total build runs by terminal status",
		},
		[]string{"status"},
	)

	buildDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Build run duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	relayConnectionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections_active",
			Help:      "Number of open relay websocket connections",
		},
	)

	relayEventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Total envelopes delivered over the relay",
		},
		[]string{"type"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions in the registry",
		},
	)

	registry.MustRegister(
		requestsTotal,
		requestDuration,
		workerInvocationsTotal,
		buildsActive,
		buildsTotal,
		buildDuration,
		relayConnectionsActive,
		relayEventsTotal,
		sessionsActive,
	)

	return &Set{
		registry:               registry,
		RequestsTotal:          requestsTotal,
		RequestDuration:        requestDuration,
		WorkerInvocationsTotal: workerInvocationsTotal,
		BuildsActive:           buildsActive,
		BuildsTotal:            buildsTotal,
		BuildDuration:          buildDuration,
		RelayConnectionsActive: relayConnectionsActive,
		RelayEventsTotal:       relayEventsTotal,
		SessionsActive:         sessionsActive,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request.
func (s *Set) RecordRequest(method, route, status string, duration time.Duration) {
	if s == nil {
		return
	}
	s.RequestsTotal.WithLabelValues(method, route, status).Inc()
	s.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordWorkerInvocation records one worker process run.
func (s *Set) RecordWorkerInvocation(kind, outcome string) {
	if s == nil {
		return
	}
	s.WorkerInvocationsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordBuildStart records a build run entering the streaming state.
func (s *Set) RecordBuildStart() {
	if s == nil {
		return
	}
	s.BuildsActive.Inc()
}

// RecordBuildEnd records a build run reaching a terminal state.
func (s *Set) RecordBuildEnd(status string, duration time.Duration) {
	if s == nil {
		return
	}
	s.BuildsActive.Dec()
	s.BuildsTotal.WithLabelValues(status).Inc()
	s.BuildDuration.Observe(duration.Seconds())
}

// RecordRelayConnect records a relay connection opening.
func (s *Set) RecordRelayConnect() {
	if s == nil {
		return
	}
	s.RelayConnectionsActive.Inc()
}

// RecordRelayDisconnect records a relay connection closing.
func (s *Set) RecordRelayDisconnect() {
	if s == nil {
		return
	}
	s.RelayConnectionsActive.Dec()
}

// RecordRelayEvent records one delivered envelope.
func (s *Set) RecordRelayEvent(envelopeType string) {
	if s == nil {
		return
	}
	s.RelayEventsTotal.WithLabelValues(envelopeType).Inc()
}

// SetSessionCount publishes the registry size.
func (s *Set) SetSessionCount(n int) {
	if s == nil {
		return
	}
	s.SessionsActive.Set(float64(n))
}
