package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry          *prometheus.Registry
	reservationsTotal *prometheus.CounterVec
	purchasesTotal    *prometheus.CounterVec
	eventsTotal       *prometheus.CounterVec
	activeSessions    prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	reservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowline_reservations_total",
		Help: "Total number of reservation requests",
	}, []string{"status"})

	purchases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowline_purchases_total",
		Help: "Purchase sessions reaching a terminal state",
	}, []string{"outcome"})

	broadcast := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowline_events_total",
		Help: "Session events broadcast, by type",
	}, []string{"type"})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "escrowline_active_sessions",
		Help: "Products currently locked by a live purchase session",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(reservations, purchases, broadcast, active)

	return &metricsRegistry{
		registry:          r,
		reservationsTotal: reservations,
		purchasesTotal:    purchases,
		eventsTotal:       broadcast,
		activeSessions:    active,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incReservation(status string) {
	m.reservationsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incPurchase(outcome string) {
	m.purchasesTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) incEvent(typ string) {
	m.eventsTotal.WithLabelValues(typ).Inc()
}

func (m *metricsRegistry) setActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}
