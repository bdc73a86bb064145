// Package metrics holds the Prometheus instruments updated by the trading
// loops. They are registered in init() and served at /metrics by the web
// server:
//
//	autotrader_ticks_total{loop,result}        loop ticks by outcome (ok|error|panic|skipped)
//	autotrader_entries_total{mode,result}      entry attempts (executed|none|error|unknown)
//	autotrader_closes_total{status,reason}     terminal transitions by status and cause
//	autotrader_drift_heals_total               positions closed because the ledger had no open record
//	autotrader_remote_errors_total{call,kind}  backend failures (unknown|backend)
//	autotrader_open_positions                  locally active positions
//	autotrader_balance                         last refreshed wallet balance
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrader_ticks_total",
			Help: "Trading loop ticks by result",
		},
		[]string{"loop", "result"},
	)

	Entries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrader_entries_total",
			Help: "Entry attempts by mode and result",
		},
		[]string{"mode", "result"},
	)

	Closes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrader_closes_total",
			Help: "Positions moved to a terminal status",
		},
		[]string{"status", "reason"},
	)

	DriftHeals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autotrader_drift_heals_total",
			Help: "Local positions closed because the ledger reported them closed",
		},
	)

	RemoteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrader_remote_errors_total",
			Help: "Backend call failures by call and kind",
		},
		[]string{"call", "kind"},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autotrader_open_positions",
			Help: "Locally active positions",
		},
	)

	Balance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autotrader_balance",
			Help: "Last refreshed wallet balance in base currency",
		},
	)
)

func init() {
	prometheus.MustRegister(Ticks, Entries, Closes, DriftHeals, RemoteErrors, OpenPositions, Balance)
}
