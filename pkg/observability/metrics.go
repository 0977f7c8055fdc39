package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Acquire result labels.
const (
	AcquireOK        = "ok"
	AcquireTimeout   = "timeout"
	AcquireExhausted = "exhausted"
	AcquireError     = "error"
)

// Metrics holds the Prometheus instruments for one pgtether process.
// All Record methods are nil-safe so components can run unmetered.
type Metrics struct {
	// Counters
	ClientSessionsTotal     *prometheus.CounterVec
	BackendConnectsTotal    *prometheus.CounterVec
	BackendClosesTotal      *prometheus.CounterVec
	AcquiresTotal           *prometheus.CounterVec
	CancelRequestsTotal     *prometheus.CounterVec
	AbandonedTxTotal        *prometheus.CounterVec
	ProtocolViolationsTotal *prometheus.CounterVec

	// Gauges
	ClientSessionsActive *prometheus.GaugeVec
	PoolConnections      *prometheus.GaugeVec
	PoolWaiters          *prometheus.GaugeVec

	// Histograms
	AcquireWaitSeconds     *prometheus.HistogramVec
	HandshakeSeconds       *prometheus.HistogramVec
	SessionDurationSeconds *prometheus.HistogramVec
}

// DefaultMetrics registers all metrics on the default registerer.
func DefaultMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// NewMetrics registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry to avoid duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ClientSessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtether_client_sessions_total",
				Help: "Client sessions accepted, by server, user, and database",
			},
			[]string{"server", "user", "database"},
		),
		BackendConnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtether_backend_connects_total",
				Help: "Backend connection attempts by result",
			},
			[]string{"server", "status"},
		),
		BackendClosesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtether_backend_closes_total",
				Help: "Backend connections closed, by reason",
			},
			[]string{"server", "reason"},
		),
		AcquiresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtether_acquires_total",
				Help: "Pool acquisitions by result",
			},
			[]string{"server", "status"},
		),
		CancelRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtether_cancel_requests_total",
				Help: "Cancel requests received, by routing outcome",
			},
			[]string{"server", "outcome"},
		),
		AbandonedTxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtether_abandoned_transactions_total",
				Help: "Client sessions that ended inside an open transaction",
			},
			[]string{"server"},
		),
		ProtocolViolationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtether_protocol_violations_total",
				Help: "Sessions ended for violating the wire protocol",
			},
			[]string{"server"},
		),

		ClientSessionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgtether_client_sessions_active",
				Help: "Client sessions currently connected",
			},
			[]string{"server", "user", "database"},
		),
		PoolConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgtether_pool_connections",
				Help: "Backend connections by state: idle, leased, or connecting",
			},
			[]string{"server", "state"},
		),
		PoolWaiters: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgtether_pool_waiters",
				Help: "Sessions queued for a backend connection",
			},
			[]string{"server"},
		),

		AcquireWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgtether_acquire_wait_seconds",
				Help:    "Time spent waiting for a pool connection",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~3.2s
			},
			[]string{"server"},
		),
		HandshakeSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgtether_handshake_seconds",
				Help:    "Backend dial plus authentication handshake duration",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			},
			[]string{"server"},
		),
		SessionDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgtether_session_duration_seconds",
				Help:    "Client session lifetime",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 16), // 100ms to ~54m
			},
			[]string{"server"},
		),
	}
}

// RecordSessionStart counts a new client session.
func (m *Metrics) RecordSessionStart(server, user, database string) {
	if m == nil {
		return
	}
	m.ClientSessionsTotal.WithLabelValues(server, user, database).Inc()
	m.ClientSessionsActive.WithLabelValues(server, user, database).Inc()
}

// RecordSessionEnd counts a session ending and observes its lifetime.
func (m *Metrics) RecordSessionEnd(server, user, database string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ClientSessionsActive.WithLabelValues(server, user, database).Dec()
	m.SessionDurationSeconds.WithLabelValues(server).Observe(durationSeconds)
}

// RecordBackendConnect counts a connection attempt and observes the
// handshake duration.
func (m *Metrics) RecordBackendConnect(server string, durationSeconds float64, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BackendConnectsTotal.WithLabelValues(server, status).Inc()
	m.HandshakeSeconds.WithLabelValues(server).Observe(durationSeconds)
}

// RecordBackendClose counts a connection closing for the given reason.
func (m *Metrics) RecordBackendClose(server, reason string) {
	if m == nil {
		return
	}
	m.BackendClosesTotal.WithLabelValues(server, reason).Inc()
}

// RecordAcquire counts a pool acquisition and observes its wait.
func (m *Metrics) RecordAcquire(server, status string, waitSeconds float64) {
	if m == nil {
		return
	}
	m.AcquiresTotal.WithLabelValues(server, status).Inc()
	m.AcquireWaitSeconds.WithLabelValues(server).Observe(waitSeconds)
}

// RecordCancelRequest counts a cancel request by routing outcome.
func (m *Metrics) RecordCancelRequest(server string, forwarded bool) {
	if m == nil {
		return
	}
	outcome := "forwarded"
	if !forwarded {
		outcome = "unknown_key"
	}
	m.CancelRequestsTotal.WithLabelValues(server, outcome).Inc()
}

// RecordAbandonedTransaction counts a session that disconnected while a
// transaction was still open. The pool rolls the connection back or
// discards it afterwards.
func (m *Metrics) RecordAbandonedTransaction(server string) {
	if m == nil {
		return
	}
	m.AbandonedTxTotal.WithLabelValues(server).Inc()
}

// RecordProtocolViolation counts a session ended for a protocol violation.
func (m *Metrics) RecordProtocolViolation(server string) {
	if m == nil {
		return
	}
	m.ProtocolViolationsTotal.WithLabelValues(server).Inc()
}

// UpdatePoolStats publishes a pool occupancy snapshot. Plain ints keep
// this package decoupled from the pool's own types.
func (m *Metrics) UpdatePoolStats(server string, idle, leased, connecting, waiting int) {
	if m == nil {
		return
	}
	m.PoolConnections.WithLabelValues(server, "idle").Set(float64(idle))
	m.PoolConnections.WithLabelValues(server, "leased").Set(float64(leased))
	m.PoolConnections.WithLabelValues(server, "connecting").Set(float64(connecting))
	m.PoolWaiters.WithLabelValues(server).Set(float64(waiting))
}
