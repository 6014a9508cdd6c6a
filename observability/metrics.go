package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type htlcMetrics struct {
	operations *prometheus.CounterVec
	transfers  *prometheus.CounterVec
}

type coordinatorMetrics struct {
	phases      *prometheus.CounterVec
	stepLatency *prometheus.HistogramVec
	active      prometheus.Gauge
}

type serverMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	htlcMetricsOnce sync.Once
	htlcRegistry    *htlcMetrics

	coordinatorMetricsOnce sync.Once
	coordinatorRegistry    *coordinatorMetrics

	serverMetricsOnce sync.Once
	serverRegistry    *serverMetrics
)

// HTLC returns the lazily-initialised registry recording escrow operations and
// the token transfers they trigger.
func HTLC() *htlcMetrics {
	htlcMetricsOnce.Do(func() {
		htlcRegistry = &htlcMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swap",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Escrow operations segmented by chain, operation and outcome kind.",
			}, []string{"chain", "op", "outcome"}),
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swap",
				Subsystem: "escrow",
				Name:      "transfers_total",
				Help:      "Token transfers issued by escrow engines segmented by direction and ledger outcome.",
			}, []string{"chain", "direction", "outcome"}),
		}
		prometheus.MustRegister(htlcRegistry.operations, htlcRegistry.transfers)
	})
	return htlcRegistry
}

// RecordOperation counts an escrow operation. Outcome is "ok" or the error kind.
func (m *htlcMetrics) RecordOperation(chain, op, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(label(chain), label(op), label(outcome)).Inc()
}

// RecordTransfer counts a transfer attempt and the outcome reported by the
// ledger.
func (m *htlcMetrics) RecordTransfer(chain, direction, outcome string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(label(chain), label(direction), label(outcome)).Inc()
}

// Coordinator returns the registry tracking swap session progress.
func Coordinator() *coordinatorMetrics {
	coordinatorMetricsOnce.Do(func() {
		coordinatorRegistry = &coordinatorMetrics{
			phases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swap",
				Subsystem: "coordinator",
				Name:      "phase_transitions_total",
				Help:      "Session phase transitions segmented by the phase entered.",
			}, []string{"phase"}),
			stepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "swap",
				Subsystem: "coordinator",
				Name:      "step_duration_seconds",
				Help:      "Latency of coordinator steps segmented by step name.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"step"}),
			active: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "swap",
				Subsystem: "coordinator",
				Name:      "active_sessions",
				Help:      "Sessions that have not reached a terminal phase.",
			}),
		}
		prometheus.MustRegister(
			coordinatorRegistry.phases,
			coordinatorRegistry.stepLatency,
			coordinatorRegistry.active,
		)
	})
	return coordinatorRegistry
}

// RecordPhase counts a transition into phase.
func (m *coordinatorMetrics) RecordPhase(phase string) {
	if m == nil {
		return
	}
	m.phases.WithLabelValues(label(phase)).Inc()
}

// ObserveStep records how long a coordinator step took.
func (m *coordinatorMetrics) ObserveStep(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(label(step)).Observe(d.Seconds())
}

// SetActive reports the number of non-terminal sessions.
func (m *coordinatorMetrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

// Server returns the registry for the swapd HTTP surface.
func Server() *serverMetrics {
	serverMetricsOnce.Do(func() {
		serverRegistry = &serverMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swap",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and status class.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "swap",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swap",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(serverRegistry.requests, serverRegistry.latency, serverRegistry.throttles)
	})
	return serverRegistry
}

// Observe records the outcome of a request. The status code should be the
// value ultimately written to the response writer.
func (m *serverMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.requests.WithLabelValues(label(route), class).Inc()
	m.latency.WithLabelValues(label(route)).Observe(duration.Seconds())
}

// RecordThrottle counts a rate-limited request.
func (m *serverMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(label(route)).Inc()
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
