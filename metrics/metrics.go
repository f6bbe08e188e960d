package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aitrade_cycles_total",
		Help: "Trading cycles by outcome",
	}, []string{"trader", "outcome"})

	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aitrade_cycle_duration_seconds",
		Help:    "Wall time of one trading cycle",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"trader"})

	SkippedTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aitrade_skipped_ticks_total",
		Help: "Scheduler ticks skipped because the previous cycle was still running",
	}, []string{"trader"})

	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aitrade_trades_total",
		Help: "Executed trades",
	}, []string{"trader", "side"})

	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aitrade_rejections_total",
		Help: "Order intents rejected by the rule policy",
	}, []string{"trader", "reason"})

	ParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aitrade_decision_parse_failures_total",
		Help: "Decisions that degraded to hold",
	}, []string{"trader"})

	DecisionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aitrade_decision_latency_seconds",
		Help:    "AI provider round trip",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"trader"})

	SyntheticSnapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aitrade_synthetic_snapshots_total",
		Help: "Snapshots served by the synthetic fallback",
	}, []string{"trader"})

	Equity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aitrade_equity",
		Help: "Portfolio equity after the last cycle",
	}, []string{"trader"})

	ActiveTraders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aitrade_active_traders",
		Help: "Traders registered with the scheduler",
	})

	Halted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aitrade_trader_halted",
		Help: "1 while a trader is halted on a ledger inconsistency",
	}, []string{"trader"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aitrade_ws_connections",
		Help: "Active WebSocket clients",
	})
)
