package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"signal-trader/internal/models"
	"signal-trader/internal/store"
)

const signalTemplate = `{
  "AAPL_w1": {
    "date": "DATE",
    "current_price": 227.5,
    "signal": {"type": "BUY", "confidence": 0.71},
    "orders": {
      "entry": {"stop_price": 228.1},
      "take_profit": {"price": 241.0},
      "stop_loss": {"price": 221.3}
    },
    "position_size": {"recommended_size": "2%"},
    "time_barrier": {"days": 7}
  },
  "broken": {"date": "DATE"}
}`

// setupWorkspace prepares a config directory and a signals file dated today.
func setupWorkspace(t *testing.T) (configDir, signalsDir string) {
	t.Helper()
	root := t.TempDir()
	configDir = filepath.Join(root, "config")
	signalsDir = filepath.Join(root, "signals")
	require.NoError(t, os.MkdirAll(signalsDir, 0755))

	today := time.Now().UTC().Format("2006-01-02")
	content := strings.ReplaceAll(signalTemplate, "DATE", today)
	require.NoError(t, os.WriteFile(filepath.Join(signalsDir, "orders_"+strings.ReplaceAll(today, "-", "")+".json"), []byte(content), 0644))

	t.Setenv("TRADER_LOGGING_FILE", "false")
	t.Setenv("TRADER_LOGGING_CONSOLE", "false")
	t.Setenv("TRADER_NOTIFICATIONS_ENABLED", "false")
	t.Setenv("TRADER_TRADING_TIME_IN_FORCE", "GTC")
	return configDir, signalsDir
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(zerolog.Nop())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeJSON(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &m), s)
	return m
}

func TestRunDryRunPlacesNothing(t *testing.T) {
	configDir, signalsDir := setupWorkspace(t)

	out, err := execute(t, "", "run", "--dry-run", "--json", "--config", configDir, "--signals-dir", signalsDir)
	require.NoError(t, err)

	summary := decodeJSON(t, out)
	assert.Equal(t, float64(1), summary["dry_run"])
	assert.Equal(t, float64(0), summary["placed"])
	decisions := summary["decisions"].([]interface{})
	require.Len(t, decisions, 1)
	d := decisions[0].(map[string]interface{})
	assert.Equal(t, "AAPL", d["symbol"])
	assert.Equal(t, "dry_run", d["outcome"])
	assert.NotEmpty(t, d["quantity"])

	out, err = execute(t, "", "status", "--json", "--config", configDir)
	require.NoError(t, err)
	assert.Empty(t, decodeJSON(t, out)["orders"])
}

func TestRunPlacesOnceAcrossProcesses(t *testing.T) {
	configDir, signalsDir := setupWorkspace(t)

	out, err := execute(t, "", "run", "--yes", "--json", "--config", configDir, "--signals-dir", signalsDir)
	require.NoError(t, err)
	assert.Equal(t, float64(1), decodeJSON(t, out)["placed"])

	// The journal remembers the signal, so a second run rejects it.
	out, err = execute(t, "", "run", "--yes", "--json", "--config", configDir, "--signals-dir", signalsDir)
	require.NoError(t, err)
	summary := decodeJSON(t, out)
	assert.Equal(t, float64(0), summary["placed"])
	assert.Equal(t, float64(1), summary["rejected"])
	d := summary["decisions"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "duplicate_signal", d["reason"])

	out, err = execute(t, "", "status", "--json", "--config", configDir)
	require.NoError(t, err)
	orders := decodeJSON(t, out)["orders"].([]interface{})
	require.Len(t, orders, 1)
	assert.Equal(t, "AAPL", orders[0].(map[string]interface{})["symbol"])
}

func TestRunDeclinedAtPrompt(t *testing.T) {
	configDir, signalsDir := setupWorkspace(t)

	out, err := execute(t, "n\n", "run", "--config", configDir, "--signals-dir", signalsDir)
	require.NoError(t, err)
	assert.Contains(t, out, "Place BUY")
	assert.Contains(t, out, "declined_by_operator")
	assert.Contains(t, out, "Placed: 0")
}

func TestHaltPersistsForSession(t *testing.T) {
	configDir, _ := setupWorkspace(t)

	_, err := execute(t, "", "halt", "--config", configDir, "maintenance")
	require.NoError(t, err)

	out, err := execute(t, "", "status", "--json", "--config", configDir)
	require.NoError(t, err)
	status := decodeJSON(t, out)
	assert.Equal(t, true, status["halted"])
	assert.Equal(t, "maintenance", status["halt_reason"])
}

func TestCancelRequiresTrackedOrder(t *testing.T) {
	configDir, _ := setupWorkspace(t)

	_, err := execute(t, "", "cancel", "--config", configDir, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not tracked")
}

func TestVersionSkipsConfig(t *testing.T) {
	out, err := execute(t, "", "version", "--json", "--config", filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Equal(t, Version, decodeJSON(t, out)["version"])
}

func TestWriteJournalXLSX(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "trader.db"))
	require.NoError(t, err)
	defer s.Close()

	at := time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)
	order := models.Order{
		ClientOrderID:    "c-1",
		BrokerOrderID:    "b-1",
		Symbol:           "AAPL",
		Side:             models.OrderSideBuy,
		Type:             models.OrderTypeLimit,
		Quantity:         decimal.NewFromInt(10),
		Status:           models.StatusFilled,
		FilledQuantity:   decimal.NewFromInt(10),
		AverageFillPrice: decimal.RequireFromString("227.5"),
		SubmittedAt:      at,
		TerminalAt:       at.Add(time.Minute),
		LinkedSignal:     "2026-10-19:AAPL_w1",
	}
	require.NoError(t, s.SaveOrder(ctx, order))
	require.NoError(t, s.Publish(ctx, models.NewLifecycleEvent(order, models.StatusSubmitted, at.Add(time.Minute))))
	require.NoError(t, s.MarkSignalProcessed(ctx, store.SignalRecord{
		SourceID: "2026-10-19:AAPL_w1", Symbol: "AAPL", ClientOrderID: "c-1", Outcome: "placed", ProcessedAt: at,
	}))

	journal, err := LoadJournal(ctx, s, time.Time{})
	require.NoError(t, err)
	require.Len(t, journal.Orders, 1)
	require.Len(t, journal.Events, 1)
	require.Len(t, journal.Signals, 1)

	path := filepath.Join(dir, "reports", "journal.xlsx")
	require.NoError(t, WriteJournalXLSX(journal, path))

	fx, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer fx.Close()

	assert.Equal(t, []string{ordersSheet, eventsSheet, signalsSheet}, fx.GetSheetList())

	cell, err := fx.GetCellValue(ordersSheet, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Client ID", cell)
	cell, err = fx.GetCellValue(ordersSheet, "A2")
	require.NoError(t, err)
	assert.Equal(t, "c-1", cell)
	cell, err = fx.GetCellValue(ordersSheet, "J2")
	require.NoError(t, err)
	assert.Equal(t, "FILLED", cell)
	cell, err = fx.GetCellValue(ordersSheet, "L2")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-19 14:30:00", cell)

	cell, err = fx.GetCellValue(eventsSheet, "F2")
	require.NoError(t, err)
	assert.Equal(t, "FILLED", cell)

	cell, err = fx.GetCellValue(signalsSheet, "D2")
	require.NoError(t, err)
	assert.Equal(t, "placed", cell)
}

func TestOutputTable(t *testing.T) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.Flags().Bool("json", false, "")
	cmd.SetOut(&buf)

	output := NewOutput(cmd)
	output.Table("Positions", table.Row{"Symbol", "Qty"}, []table.Row{{"AAPL", "10"}})

	assert.Contains(t, buf.String(), "Positions")
	assert.Contains(t, buf.String(), "AAPL")
	assert.Contains(t, buf.String(), "╭")
}

func TestDescribeIntent(t *testing.T) {
	intent := models.OrderIntent{
		Symbol:     "AAPL",
		Side:       models.OrderSideBuy,
		Quantity:   decimal.NewFromInt(21),
		Type:       models.OrderTypeLimit,
		LimitPrice: decimal.NewNullDecimal(decimal.RequireFromString("228.1")),
		StopLoss:   decimal.RequireFromString("221.3"),
		TakeProfit: decimal.NewFromInt(241),
	}
	desc := describeIntent(intent)
	assert.True(t, strings.HasPrefix(desc, "BUY 21 AAPL LIMIT limit "), desc)
	assert.Contains(t, desc, "SL ")
}
