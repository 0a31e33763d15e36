// Package metrics exposes the service counters to Prometheus.
//
// All recorder methods are nil-safe so components can run without metrics
// in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the registered collectors.
type Metrics struct {
	registry       *prometheus.Registry
	scans          *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	rotations      prometheus.Counter
	pushEvents     *prometheus.CounterVec
	pushDropped    prometheus.Counter
	wsConnections  prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qrattend_scans_total",
			Help: "Scan attempts by stage and result.",
		}, []string{"stage", "result"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qrattend_sessions_active",
			Help: "Sessions currently accepting scans.",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qrattend_session_transitions_total",
			Help: "Session lifecycle transitions.",
		}, []string{"transition"}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qrattend_token_rotations_total",
			Help: "Tokens issued by the rotator.",
		}),
		pushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qrattend_push_events_total",
			Help: "Events handed to the push channel by op.",
		}, []string{"op"}),
		pushDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qrattend_push_dropped_clients_total",
			Help: "Websocket clients dropped because their send buffer was full.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qrattend_ws_connections",
			Help: "Open websocket connections.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.scans, m.sessionsActive, m.sessionsTotal, m.rotations,
		m.pushEvents, m.pushDropped, m.wsConnections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			log.Warn().Err(err).Msg("failed to register metric collector")
		}
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ScanResult counts one validate or commit outcome. result is "accepted",
// "valid" or a rejection reason code.
func (m *Metrics) ScanResult(stage, result string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(stage, result).Inc()
}

// SessionStarted records a start transition.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.WithLabelValues("started").Inc()
}

// SessionEnded records an end transition; forced is true on shutdown.
func (m *Metrics) SessionEnded(forced bool) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	label := "ended"
	if forced {
		label = "forced_end"
	}
	m.sessionsTotal.WithLabelValues(label).Inc()
}

// TokenRotated counts one issued token.
func (m *Metrics) TokenRotated() {
	if m == nil {
		return
	}
	m.rotations.Inc()
}

// PushEvent counts one event handed to the hub.
func (m *Metrics) PushEvent(op string) {
	if m == nil {
		return
	}
	m.pushEvents.WithLabelValues(op).Inc()
}

// ClientDropped counts one slow websocket client.
func (m *Metrics) ClientDropped() {
	if m == nil {
		return
	}
	m.pushDropped.Inc()
}

// ConnectionOpened and ConnectionClosed track open sockets.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}
