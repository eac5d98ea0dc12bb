// Package metrics holds the Prometheus collectors shared by the price feed,
// the monitor and the settlement path.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "papertrade"

type Metrics struct {
	PriceFetches         *prometheus.CounterVec
	Settlements          *prometheus.CounterVec
	SettlementConflicts  prometheus.Counter
	LedgerCreditFailures prometheus.Counter
	TakeProfitHits       prometheus.Counter
	NotificationsDropped prometheus.Counter
	MonitorCycleDuration prometheus.Histogram
	ActivePositions      prometheus.Gauge
	PositionsOpened      *prometheus.CounterVec
	StreamTicks          *prometheus.CounterVec
	StreamLastTick       *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. A *prometheus.Registry is also used
// as the gatherer for Handler; any other registerer falls back to the default gatherer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PriceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_fetches_total",
			Help:      "Price fetches by symbol and outcome.",
		}, []string{"symbol", "outcome"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Closed positions by close reason.",
		}, []string{"reason"}),
		SettlementConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_conflicts_total",
			Help:      "Close attempts that lost the race to another closer.",
		}),
		LedgerCreditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credit_failures_total",
			Help:      "Positions closed whose balance credit could not be applied.",
		}),
		TakeProfitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "take_profit_hits_total",
			Help:      "Partial take-profit levels crossed.",
		}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications discarded because the queue was full or delivery failed.",
		}),
		MonitorCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_cycle_duration_seconds",
			Help:      "Duration of one pass over all active positions.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActivePositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_positions",
			Help:      "Active positions seen by the last monitor cycle.",
		}),
		PositionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Opened positions by symbol and side.",
		}, []string{"symbol", "side"}),
		StreamTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_ticks_total",
			Help:      "Mini-ticker updates received from the price stream.",
		}, []string{"symbol"}),
		StreamLastTick: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_last_tick_timestamp_seconds",
			Help:      "Unix time of the last stream update per symbol.",
		}, []string{"symbol"}),
		gatherer: prometheus.DefaultGatherer,
	}

	reg.MustRegister(
		m.PriceFetches,
		m.Settlements,
		m.SettlementConflicts,
		m.LedgerCreditFailures,
		m.TakeProfitHits,
		m.NotificationsDropped,
		m.MonitorCycleDuration,
		m.ActivePositions,
		m.PositionsOpened,
		m.StreamTicks,
		m.StreamLastTick,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// NewNop returns collectors bound to a private registry, for tests and tools
// that do not expose metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) ObserveMonitorCycle(start time.Time, active int) {
	m.MonitorCycleDuration.Observe(time.Since(start).Seconds())
	m.ActivePositions.Set(float64(active))
}

// ObserveTick records one stream update for symbol received at.
func (m *Metrics) ObserveTick(symbol string, at time.Time) {
	m.StreamTicks.WithLabelValues(symbol).Inc()
	m.StreamLastTick.WithLabelValues(symbol).Set(float64(at.Unix()))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
