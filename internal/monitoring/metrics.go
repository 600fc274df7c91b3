package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Trading metrics
	tradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepilot_trades_total",
			Help: "Total number of executed trades",
		},
		[]string{"symbol", "side"},
	)

	signalRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepilot_signal_rejections_total",
			Help: "Signals rejected by the risk gate, by reason class",
		},
		[]string{"check"},
	)

	stopTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepilot_stop_triggers_total",
			Help: "Positions closed by stop evaluation",
		},
		[]string{"symbol", "reason"},
	)

	// Risk metrics
	circuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradepilot_circuit_breaker_active",
			Help: "1 when the daily-loss circuit breaker is tripped",
		},
	)

	dailyPnLPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradepilot_daily_pnl_pct",
			Help: "Daily P&L as a fraction of start-of-day equity",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradepilot_open_positions",
			Help: "Number of open positions in the ledger",
		},
	)

	// Reconciliation metrics
	reconcileDrift = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepilot_reconcile_drift_total",
			Help: "Positions found on only one side during reconciliation",
		},
		[]string{"kind"}, // imported | archived
	)

	// Error metrics
	brokerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepilot_broker_errors_total",
			Help: "Broker call failures after retries",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(tradesTotal)
	prometheus.MustRegister(signalRejections)
	prometheus.MustRegister(stopTriggers)
	prometheus.MustRegister(circuitBreakerState)
	prometheus.MustRegister(dailyPnLPct)
	prometheus.MustRegister(openPositions)
	prometheus.MustRegister(reconcileDrift)
	prometheus.MustRegister(brokerErrors)
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordTrade records an executed trade.
func RecordTrade(symbol, side string) {
	tradesTotal.WithLabelValues(symbol, side).Inc()
}

// RecordRejection records a risk-gate rejection under its check class.
func RecordRejection(check string) {
	signalRejections.WithLabelValues(check).Inc()
}

// RecordStopTrigger records a position closed by the stop engine.
func RecordStopTrigger(symbol, reason string) {
	stopTriggers.WithLabelValues(symbol, reason).Inc()
}

// UpdateRiskState publishes the latest risk snapshot gauges.
func UpdateRiskState(breakerActive bool, pnlPct float64, positions int) {
	if breakerActive {
		circuitBreakerState.Set(1)
	} else {
		circuitBreakerState.Set(0)
	}
	dailyPnLPct.Set(pnlPct)
	openPositions.Set(float64(positions))
}

// RecordReconcileDrift records one-sided positions found by reconciliation.
func RecordReconcileDrift(imported, archived int) {
	if imported > 0 {
		reconcileDrift.WithLabelValues("imported").Add(float64(imported))
	}
	if archived > 0 {
		reconcileDrift.WithLabelValues("archived").Add(float64(archived))
	}
}

// RecordBrokerError records a broker call that failed after retries.
func RecordBrokerError(op string) {
	brokerErrors.WithLabelValues(op).Inc()
}
