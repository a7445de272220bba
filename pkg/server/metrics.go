package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server. All recorders are
// nil-safe so tests can run without touching the default registry.
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter

	// Authentication metrics
	loginAttempts *prometheus.CounterVec // by outcome

	// Envelope metrics
	envelopesReceived *prometheus.CounterVec // by type
	envelopesSent     *prometheus.CounterVec // by type

	// Routing metrics
	messagesRouted *prometheus.CounterVec // by route: direct, broadcast, offline_queue
	presenceFanout prometheus.Histogram

	// Private channel metrics
	privateLinksCreated prometheus.Counter
	privateLinksActive  prometheus.Gauge
}

// NewMetrics creates a new metrics instance registered on the default registry
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_sessions",
				Help: "Current number of active sessions",
			},
		),
		sessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		sessionsDisconnected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
		),
		loginAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_login_attempts_total",
				Help: "Total number of login attempts by outcome",
			},
			[]string{"outcome"},
		),
		envelopesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_envelopes_received_total",
				Help: "Total number of envelopes received from clients by type",
			},
			[]string{"type"},
		),
		envelopesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_envelopes_sent_total",
				Help: "Total number of envelopes sent to clients by type",
			},
			[]string{"type"},
		),
		messagesRouted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_messages_routed_total",
				Help: "Total number of messages routed by route",
			},
			[]string{"route"},
		),
		presenceFanout: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_presence_fanout",
				Help:    "Number of sessions that received each presence notification",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		privateLinksCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_private_links_created_total",
				Help: "Total number of private channel links brokered",
			},
		),
		privateLinksActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_private_links_active",
				Help: "Current number of spliced private channel links",
			},
		),
	}
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	if m == nil {
		return
	}
	m.sessionsDisconnected.Inc()
}

// RecordLoginAttempt increments the login counter for an outcome
func (m *Metrics) RecordLoginAttempt(outcome string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(outcome).Inc()
}

// RecordEnvelopeReceived increments the received counter for a type
func (m *Metrics) RecordEnvelopeReceived(typeName string) {
	if m == nil {
		return
	}
	m.envelopesReceived.WithLabelValues(typeName).Inc()
}

// RecordEnvelopeSent increments the sent counter for a type
func (m *Metrics) RecordEnvelopeSent(typeName string) {
	if m == nil {
		return
	}
	m.envelopesSent.WithLabelValues(typeName).Inc()
}

// RecordMessageRouted increments the routing counter for a route
func (m *Metrics) RecordMessageRouted(route string) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(route).Inc()
}

// RecordPresenceFanout records how many sessions received a presence update
func (m *Metrics) RecordPresenceFanout(recipientCount int) {
	if m == nil {
		return
	}
	m.presenceFanout.Observe(float64(recipientCount))
}

// RecordPrivateLinkCreated increments the brokered link counter
func (m *Metrics) RecordPrivateLinkCreated() {
	if m == nil {
		return
	}
	m.privateLinksCreated.Inc()
}

// RecordPrivateLinksActive updates the active link gauge
func (m *Metrics) RecordPrivateLinksActive(count int) {
	if m == nil {
		return
	}
	m.privateLinksActive.Set(float64(count))
}
