package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersRegisterMetrics(t *testing.T) {
	RecordSignal(false, "low_confidence")
	RecordSubmit("ABC", "BUY")
	RecordTransition("SUBMITTED", "FILLED")
	RecordBrokerError("query", "TRANSIENT")
	RecordConflict()
	RecordDroppedEvent()
	SetOpenOrders(3)
	SetRiskState(-120.5, true)
	ObserveReconcile(15 * time.Millisecond)
	SetCircuitOpen("alpaca", true)

	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"trader_signals_total",
		"trader_orders_submitted_total",
		"trader_order_transitions_total",
		"trader_broker_errors_total",
		"trader_reconciliation_conflicts_total",
		"trader_events_dropped_total",
		"trader_open_orders",
		"trader_session_realized_pnl",
		"trader_trading_halted",
		"trader_reconcile_duration_seconds",
		"trader_broker_circuit_open",
	} {
		assert.True(t, names[want], want)
	}
}

func TestHandlerExposesText(t *testing.T) {
	SetOpenOrders(7)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "trader_open_orders 7"))
}
