package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	Cycles        prometheus.Counter
	CycleDuration prometheus.Histogram
	Ticks         prometheus.Counter
	MissedTicks   prometheus.Counter
	CandlesClosed prometheus.Counter
	OrdersPlaced  *prometheus.CounterVec
	Exits         *prometheus.CounterVec
	SkippedEntry  *prometheus.CounterVec
	SnapshotDrops prometheus.Counter
	RealizedPnl   prometheus.Gauge
	Direction     prometheus.Gauge
}

// NewMetrics registers the engine metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "trendflip_engine_cycles_total",
			Help: "Engine loop cycles executed.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trendflip_engine_cycle_duration_seconds",
			Help:    "Wall time spent per engine cycle.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		Ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "trendflip_ticks_total",
			Help: "Index ticks ingested.",
		}),
		MissedTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "trendflip_missed_ticks_total",
			Help: "Cycles with no index tick (quote failure or timeout).",
		}),
		CandlesClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "trendflip_candles_closed_total",
			Help: "Candles closed by the aggregator.",
		}),
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trendflip_orders_placed_total",
			Help: "Orders placed, by action.",
		}, []string{"action"}),
		Exits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trendflip_exits_total",
			Help: "Confirmed exits, by reason.",
		}, []string{"reason"}),
		SkippedEntry: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trendflip_skipped_entries_total",
			Help: "Entry attempts skipped, by cause.",
		}, []string{"cause"}),
		SnapshotDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "trendflip_snapshot_subscribers_dropped_total",
			Help: "Snapshot subscribers dropped on queue overflow.",
		}),
		RealizedPnl: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trendflip_realized_pnl_today_rupees",
			Help: "Realized P&L for the current session day.",
		}),
		Direction: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trendflip_supertrend_direction",
			Help: "Current SuperTrend direction (+1, -1, 0 while warming up).",
		}),
	}
}
