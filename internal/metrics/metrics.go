// Package metrics provides Prometheus metrics for the relay. Every method is
// safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaygate"

// Message directions.
const (
	DirClientToServer = "client_to_server"
	DirServerToClient = "server_to_client"
)

// Session close reasons.
const (
	ReasonClientLeft     = "client_left"
	ReasonServerLeft     = "server_left"
	ReasonQuit           = "quit"
	ReasonDisconnect     = "disconnect_packet"
	ReasonLookupFailed   = "lookup_failed"
	ReasonConnectFailed  = "connect_failed"
	ReasonKicked         = "kicked"
	ReasonShutdown       = "shutdown"
	ReasonTransportError = "transport_error"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	sessionsTotal   *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	sessionDuration prometheus.Histogram
	messagesTotal   *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	rewritesTotal   *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	lookupDuration  *prometheus.HistogramVec
	handoffsTotal   *prometheus.CounterVec
	pendingHandoffs prometheus.Gauge
}

// New creates a new Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total relay sessions closed, by reason.",
		}, []string{"reason"}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions not yet closed.",
		}),

		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of closed sessions in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		}),

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages forwarded between legs, by direction and family.",
		}, []string{"direction", "family"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes forwarded between legs, by direction.",
		}, []string{"direction"}),

		rewritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewrites_total",
			Help:      "Messages rewritten in flight, by rule.",
		}, []string{"rule"}),

		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Messages that failed to decode and were forwarded raw or dropped.",
		}, []string{"direction"}),

		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Messages not forwarded, by reason.",
		}, []string{"reason"}),

		lookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Backend address lookup latency, by result.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"result"}),

		handoffsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Server hand-offs, by outcome (captured, consumed, expired).",
		}, []string{"outcome"}),

		pendingHandoffs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_handoffs",
			Help:      "Captured hand-offs waiting for the client to reconnect.",
		}),
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.activeSessions,
		m.sessionDuration,
		m.messagesTotal,
		m.bytesTotal,
		m.rewritesTotal,
		m.decodeErrors,
		m.droppedTotal,
		m.lookupDuration,
		m.handoffsTotal,
		m.pendingHandoffs,
	)

	return m
}

// Handler returns the exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SessionOpened records a new session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionClosed records the end of a session.
func (m *Metrics) SessionClosed(reason string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.sessionsTotal.WithLabelValues(reason).Inc()
	m.sessionDuration.Observe(lifetime.Seconds())
}

// MessageForwarded records one forwarded message.
func (m *Metrics) MessageForwarded(direction, family string, size int) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(direction, family).Inc()
	m.bytesTotal.WithLabelValues(direction).Add(float64(size))
}

// Rewrite records one applied rewrite rule.
func (m *Metrics) Rewrite(rule string) {
	if m == nil {
		return
	}
	m.rewritesTotal.WithLabelValues(rule).Inc()
}

// DecodeError records a message that failed to decode.
func (m *Metrics) DecodeError(direction string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(direction).Inc()
}

// Dropped records a message that was not forwarded.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(reason).Inc()
}

// ObserveLookup records a backend lookup.
func (m *Metrics) ObserveLookup(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.lookupDuration.WithLabelValues(result).Observe(d.Seconds())
}

// Handoff records a hand-off outcome and the current table size.
func (m *Metrics) Handoff(outcome string, pending int) {
	if m == nil {
		return
	}
	m.handoffsTotal.WithLabelValues(outcome).Inc()
	m.pendingHandoffs.Set(float64(pending))
}
