// Package metrics holds the Prometheus collectors for the client. Each
// Metrics owns its own registry so that tests and multiple engines never
// collide on the global default registry.
//
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	wagersPlaced      *prometheus.CounterVec
	placementFailures *prometheus.CounterVec
	cancellations     *prometheus.CounterVec
	deltas            *prometheus.CounterVec
	deltaErrors       prometheus.Counter
	refreshes         *prometheus.CounterVec
	subscriptions     *prometheus.CounterVec
	ledgerSize        prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		wagersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmm_wagers_placed_total", Help: "wagers confirmed by the exchange",
		}, []string{"mode"}),
		placementFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmm_wager_placement_failures_total", Help: "wager submissions the exchange did not confirm",
		}, []string{"mode"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmm_wager_cancellations_total", Help: "cancellation calls by scope and outcome",
		}, []string{"scope", "result"}),
		deltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmm_deltas_applied_total", Help: "live deltas applied to the snapshot",
		}, []string{"change_type"}),
		deltaErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmm_delta_errors_total", Help: "live events that could not be decoded or applied",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmm_session_refreshes_total", Help: "session refresh attempts by outcome",
		}, []string{"result"}),
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmm_subscription_connects_total", Help: "pub/sub connection attempts by outcome",
		}, []string{"result"}),
		ledgerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pmm_ledger_wagers", Help: "wagers currently held in the local ledger",
		}),
	}
	m.registry.MustRegister(
		m.wagersPlaced, m.placementFailures, m.cancellations,
		m.deltas, m.deltaErrors, m.refreshes, m.subscriptions, m.ledgerSize,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves this registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Placed(mode string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.wagersPlaced.WithLabelValues(mode).Add(float64(n))
}

func (m *Metrics) PlacementFailed(mode string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.placementFailures.WithLabelValues(mode).Add(float64(n))
}

// Cancelled records one cancellation call. result is "cancelled",
// "already_gone" or "failed".
func (m *Metrics) Cancelled(scope, result string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) DeltaApplied(changeType string) {
	if m == nil {
		return
	}
	m.deltas.WithLabelValues(changeType).Inc()
}

func (m *Metrics) DeltaFailed() {
	if m == nil {
		return
	}
	m.deltaErrors.Inc()
}

func (m *Metrics) Refreshed(ok bool) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) Subscribed(ok bool) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) SetLedgerSize(n int) {
	if m == nil {
		return
	}
	m.ledgerSize.Set(float64(n))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
