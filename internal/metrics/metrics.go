// Package metrics exposes Prometheus counters and gauges for observing the
// grid engine: orders placed/cancelled, rate-limit events, reduce-mode state,
// and restart counts. Registered in init() and served at /metrics (text
// exposition format), same shape as the teacher's bot metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_orders_placed_total",
			Help: "Orders placed, by symbol and side.",
		},
		[]string{"symbol", "side"},
	)

	OrdersCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_orders_cancelled_total",
			Help: "Orders cancelled, by symbol and side.",
		},
		[]string{"symbol", "side"},
	)

	RateLimitEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_rate_limit_events_total",
			Help: "Rate-limit responses observed from a venue, by symbol.",
		},
		[]string{"symbol"},
	)

	PositionNotional = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grid_position_notional",
			Help: "Absolute position notional per symbol.",
		},
		[]string{"symbol"},
	)

	ReduceMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grid_reduce_mode",
			Help: "1 if the symbol's loop is currently in reduce-mode, else 0.",
		},
		[]string{"symbol"},
	)

	DelayCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grid_delay_count",
			Help: "Missing grid prices seen on the wrong side of mid, per symbol.",
		},
		[]string{"symbol"},
	)

	RestartTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_restart_total",
			Help: "Auto-restarts performed, by symbol.",
		},
		[]string{"symbol"},
	)

	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grid_tick_duration_seconds",
			Help:    "Wall-clock duration of one control-loop tick.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced, OrdersCancelled, RateLimitEvents,
		PositionNotional, ReduceMode, DelayCount, RestartTotal, TickDuration,
	)
}
