// Package metrics exposes bridge and relay counters to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "walletbridge"

// Call outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "engine_error"
	OutcomeClient  = "client_error"
	OutcomeTimeout = "timeout"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	calls         *prometheus.CounterVec
	callLatency   *prometheus.HistogramVec
	pending       prometheus.Gauge
	notifications *prometheus.CounterVec
	violations    prometheus.Counter
	subscribers   prometheus.Gauge
	orphaned      prometheus.Counter
	throttled     prometheus.Counter
	slow          prometheus.Counter
}

// New registers all collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Engine calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from request send to reply.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		}, []string{"operation"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Requests waiting for an engine reply.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Engine notifications by type.",
		}, []string{"type"}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Malformed engine messages and replies for unknown ids.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscribers",
			Help:      "Clients subscribed to notifications.",
		}),
		orphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "orphaned_replies_total",
			Help:      "Engine replies whose client had gone away.",
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "throttled_requests_total",
			Help:      "Client requests rejected by the rate limiter.",
		}),
		slow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "slow_consumers_total",
			Help:      "Connections dropped because the client stopped reading.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.calls, m.callLatency, m.pending, m.notifications,
		m.violations, m.subscribers, m.orphaned, m.throttled, m.slow,
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCall records one finished call.
func (m *Metrics) ObserveCall(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(operation, outcome).Inc()
	m.callLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// SetPending records the size of a correlation table.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// Notification counts one notification of kind.
func (m *Metrics) Notification(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

// Violation counts one protocol violation.
func (m *Metrics) Violation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

// SetSubscribers records the relay's subscriber count.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// Orphaned counts a reply that could not be routed back.
func (m *Metrics) Orphaned() {
	if m == nil {
		return
	}
	m.orphaned.Inc()
}

// Throttled counts a rate-limited client request.
func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}

// SlowConsumer counts a connection dropped for not reading.
func (m *Metrics) SlowConsumer() {
	if m == nil {
		return
	}
	m.slow.Inc()
}
