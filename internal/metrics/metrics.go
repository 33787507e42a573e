// Package metrics exposes Prometheus collectors for the signal pipeline and order monitor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_signals_total",
			Help: "Signals processed, by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)

	ordersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_submitted_total",
			Help: "Orders handed to the broker gateway",
		},
		[]string{"symbol", "side"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_order_transitions_total",
			Help: "Order lifecycle transitions",
		},
		[]string{"from", "to"},
	)

	brokerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_broker_errors_total",
			Help: "Broker gateway errors, by operation and kind",
		},
		[]string{"op", "kind"},
	)

	conflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_reconciliation_conflicts_total",
			Help: "Broker reports dropped because they conflicted with tracked state",
		},
	)

	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_events_dropped_total",
			Help: "Lifecycle events a sink rejected permanently",
		},
	)

	openOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_open_orders",
			Help: "Tracked orders not in a terminal state",
		},
	)

	realizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_session_realized_pnl",
			Help: "Realized PnL of the current session",
		},
	)

	tradingHalted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_trading_halted",
			Help: "1 when new entries are halted for the session",
		},
	)

	circuitOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trader_broker_circuit_open",
			Help: "1 while the broker circuit breaker rejects calls",
		},
		[]string{"broker"},
	)

	reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trader_reconcile_duration_seconds",
			Help:    "Duration of one reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(signalsTotal)
	prometheus.MustRegister(ordersSubmitted)
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(brokerErrors)
	prometheus.MustRegister(conflictsTotal)
	prometheus.MustRegister(droppedEvents)
	prometheus.MustRegister(openOrders)
	prometheus.MustRegister(realizedPnL)
	prometheus.MustRegister(tradingHalted)
	prometheus.MustRegister(circuitOpen)
	prometheus.MustRegister(reconcileDuration)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a metrics server on addr in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// RecordSignal counts a signal decision. reason is empty for accepted signals.
func RecordSignal(accepted bool, reason string) {
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	signalsTotal.WithLabelValues(outcome, reason).Inc()
}

// RecordSubmit counts an order submission.
func RecordSubmit(symbol, side string) {
	ordersSubmitted.WithLabelValues(symbol, side).Inc()
}

// RecordTransition counts an order state transition.
func RecordTransition(from, to string) {
	transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordBrokerError counts a failed gateway call.
func RecordBrokerError(op, kind string) {
	brokerErrors.WithLabelValues(op, kind).Inc()
}

// RecordConflict counts a dropped reconciliation conflict.
func RecordConflict() {
	conflictsTotal.Inc()
}

// RecordDroppedEvent counts a lifecycle event given up on.
func RecordDroppedEvent() {
	droppedEvents.Inc()
}

// SetOpenOrders sets the number of non-terminal orders.
func SetOpenOrders(n int) {
	openOrders.Set(float64(n))
}

// SetRiskState publishes the session counters.
func SetRiskState(realized float64, halted bool) {
	realizedPnL.Set(realized)
	if halted {
		tradingHalted.Set(1)
	} else {
		tradingHalted.Set(0)
	}
}

// SetCircuitOpen publishes a breaker state.
func SetCircuitOpen(broker string, open bool) {
	if open {
		circuitOpen.WithLabelValues(broker).Set(1)
	} else {
		circuitOpen.WithLabelValues(broker).Set(0)
	}
}

// ObserveReconcile records the duration of a reconciliation pass.
func ObserveReconcile(d time.Duration) {
	reconcileDuration.Observe(d.Seconds())
}
