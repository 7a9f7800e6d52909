// Package metrics exposes Prometheus instrumentation for cycles, positions
// and the rate governor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts reconciliation cycles per bot and outcome.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condorbot_cycles_total",
		Help: "Reconciliation cycles run, by bot and result.",
	}, []string{"bot", "result"})

	// CycleDuration observes wall time per cycle.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "condorbot_cycle_duration_seconds",
		Help:    "Duration of reconciliation cycles.",
		Buckets: prometheus.DefBuckets,
	}, []string{"bot"})

	// PositionsByState tracks the live count of positions per state.
	PositionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "condorbot_positions",
		Help: "Number of positions by lifecycle state.",
	}, []string{"state"})

	// EntriesTotal counts entry attempts by outcome.
	EntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condorbot_entries_total",
		Help: "Entry attempts, by bot and outcome.",
	}, []string{"bot", "outcome"})

	// ExitsTotal counts exits by trigger reason.
	ExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condorbot_exits_total",
		Help: "Exit attempts, by bot and trigger reason.",
	}, []string{"bot", "reason"})

	// OrphansTotal counts positions flagged for manual reconciliation.
	OrphansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condorbot_orphans_total",
		Help: "Positions flagged orphaned, by source.",
	}, []string{"source"})

	// RealizedPnL accumulates realized P&L in dollars per bot.
	RealizedPnL = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condorbot_realized_pnl_dollars_total",
		Help: "Cumulative realized P&L, by bot and sign.",
	}, []string{"bot", "sign"})

	// GovernorGrants counts granted API slots.
	GovernorGrants = promauto.NewCounter(prometheus.CounterOpts{
		Name: "condorbot_governor_grants_total",
		Help: "API call slots granted by the rate governor.",
	})

	// GovernorTimeouts counts acquire timeouts.
	GovernorTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "condorbot_governor_timeouts_total",
		Help: "Governor acquisitions that timed out.",
	})

	// GovernorBreakerState exports the breaker state as a gauge
	// (0 closed, 1 open, 2 half-open).
	GovernorBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "condorbot_governor_breaker_state",
		Help: "Rate governor breaker state: 0 closed, 1 open, 2 half-open.",
	})
)

// RecordPnL adds a realized P&L observation, splitting by sign so gains and
// losses remain monotonic counters.
func RecordPnL(bot string, pnl float64) {
	if pnl >= 0 {
		RealizedPnL.WithLabelValues(bot, "gain").Add(pnl)
	} else {
		RealizedPnL.WithLabelValues(bot, "loss").Add(-pnl)
	}
}
