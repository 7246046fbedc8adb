// Package metrics defines the Prometheus instrumentation for the canvas server.
//
// All methods are safe on a nil *Metrics so components can run
// uninstrumented in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pixelwar"

type Metrics struct {
	// ActiveConnections is the number of admitted websocket clients.
	ActiveConnections prometheus.Gauge

	// WritesTotal counts pixel write requests by outcome.
	// Labels: result (ok, or the denial reason)
	WritesTotal *prometheus.CounterVec

	// BroadcastDropped counts clients dropped because their send buffer was full.
	BroadcastDropped prometheus.Counter

	// PersistFailures counts accepted writes that could not be saved.
	PersistFailures prometheus.Counter

	// LedgerSeconds measures ledger round trips.
	// Labels: op (query, spend), status (ok, error)
	LedgerSeconds *prometheus.HistogramVec

	// LivenessPruned counts clients removed for missing heartbeats.
	LivenessPruned prometheus.Counter
}

// New registers the metrics with reg. Pass prometheus.NewRegistry() in
// tests to keep them isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of admitted websocket connections",
		}),
		WritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Pixel write requests by result",
		}, []string{"result"}),
		BroadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Connections dropped because they could not keep up with broadcasts",
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Accepted writes whose canvas snapshot could not be persisted",
		}),
		LedgerSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_request_seconds",
			Help:      "Latency of ledger queries and spends",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op", "status"}),
		LivenessPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_pruned_total",
			Help:      "Connections removed after missing heartbeats",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) Write(result string) {
	if m == nil {
		return
	}
	m.WritesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.BroadcastDropped.Inc()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

func (m *Metrics) Pruned() {
	if m == nil {
		return
	}
	m.LivenessPruned.Inc()
}

// LedgerCall has the signature of auth.Settings.OnLedgerCall.
func (m *Metrics) LedgerCall(op string, took time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LedgerSeconds.WithLabelValues(op, status).Observe(took.Seconds())
}
