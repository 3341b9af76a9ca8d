// Package metrics holds the Prometheus metric bundle for the coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordinator.
type Metrics struct {
	// Wire metrics
	InboundEnvelopes *prometheus.CounterVec
	HandleDuration   *prometheus.HistogramVec
	RelayForwards    prometheus.Counter
	RelaySuppressed  *prometheus.CounterVec

	// Transport metrics
	PeersConnected prometheus.Gauge
	OutboundDrops  *prometheus.CounterVec

	// Settlement metrics
	SettlementTransitions *prometheus.CounterVec
	SubPayments           *prometheus.CounterVec

	// Dependency metrics
	BreakerState *prometheus.GaugeVec

	// Logging
	LogDrops prometheus.Gauge
}

// New creates and registers all coordinator metrics on reg. Pass a fresh
// registry in tests to avoid duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InboundEnvelopes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hived_inbound_envelopes_total",
				Help: "Inbound peer envelopes by kind and handling result",
			},
			[]string{"kind", "result"}, // result: handled, duplicate, dropped, error
		),

		HandleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hived_handle_duration_seconds",
				Help:    "Duration of inbound message handling",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"kind"},
		),

		RelayForwards: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hived_relay_forwards_total",
				Help: "Envelopes re-flooded to peers after TTL decrement",
			},
		),

		RelaySuppressed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hived_relay_suppressed_total",
				Help: "Envelopes not relayed further",
			},
			[]string{"reason"}, // reason: duplicate, ttl, no_targets
		),

		PeersConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hived_peers_connected",
				Help: "Currently connected hive peers",
			},
		),

		OutboundDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hived_outbound_drops_total",
				Help: "Outbound envelopes dropped because a peer queue was full",
			},
			[]string{"peer"},
		),

		SettlementTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hived_settlement_transitions_total",
				Help: "Settlement proposal status transitions",
			},
			[]string{"status"}, // pending, ready, completed, failed
		),

		SubPayments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hived_settlement_subpayments_total",
				Help: "Settlement sub-payment outcomes",
			},
			[]string{"status"}, // completed, failed, skipped
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hived_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"name"},
		),

		LogDrops: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hived_log_records_dropped",
				Help: "Log records dropped by the batch sink queue",
			},
		),
	}
}

// ObserveInbound records one inbound envelope outcome.
func (m *Metrics) ObserveInbound(kind, result string, seconds float64) {
	m.InboundEnvelopes.WithLabelValues(kind, result).Inc()
	m.HandleDuration.WithLabelValues(kind).Observe(seconds)
}

// SetBreakerState mirrors a breaker transition into the gauge.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}
