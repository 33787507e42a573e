package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"signal-trader/internal/models"
	"signal-trader/internal/store"
)

// Journal is the persisted history written to a workbook.
type Journal struct {
	Orders  []models.Order
	Events  []models.LifecycleEvent
	Signals []store.SignalRecord
}

// LoadJournal reads orders (archived included), events and signal decisions
// since the given time. A zero since reads everything.
func LoadJournal(ctx context.Context, s *store.SQLiteStore, since time.Time) (Journal, error) {
	var j Journal
	var err error
	if j.Orders, err = s.ListOrders(ctx, store.OrderFilter{Since: since, IncludeArchived: true}); err != nil {
		return j, err
	}
	if j.Events, err = s.ListEvents(ctx, store.EventFilter{Since: since}); err != nil {
		return j, err
	}
	if j.Signals, err = s.RecentSignals(ctx, since); err != nil {
		return j, err
	}
	return j, nil
}

func newExportCmd(app *App) *cobra.Command {
	var (
		out  string
		days int
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the order journal to an Excel workbook",
		Example: `  trader export
  trader export --out reports/october.xlsx --days 31`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			if err := app.OpenStore(); err != nil {
				return err
			}
			var since time.Time
			if days > 0 {
				since = time.Now().AddDate(0, 0, -days)
			}
			journal, err := LoadJournal(ctx, app.Store, since)
			if err != nil {
				return err
			}
			if err := WriteJournalXLSX(journal, out); err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"path":    out,
					"orders":  len(journal.Orders),
					"events":  len(journal.Events),
					"signals": len(journal.Signals),
				})
			}
			output.Success("Wrote %d orders, %d events and %d signals to %s",
				len(journal.Orders), len(journal.Events), len(journal.Signals), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "trader-journal.xlsx", "output workbook path")
	cmd.Flags().IntVar(&days, "days", 0, "only export the last N days (0 exports everything)")

	return cmd
}

const (
	ordersSheet  = "Orders"
	eventsSheet  = "Events"
	signalsSheet = "Signals"
)

var (
	orderHeader  = []interface{}{"Client ID", "Broker ID", "Signal", "Symbol", "Side", "Type", "Quantity", "Filled", "Avg Price", "Status", "Reason", "Submitted", "Terminal"}
	eventHeader  = []interface{}{"Time", "Client ID", "Symbol", "Side", "From", "To", "Filled", "Avg Price", "Reason"}
	signalHeader = []interface{}{"Processed", "Source ID", "Symbol", "Outcome", "Reason", "Client ID"}
)

// WriteJournalXLSX writes one sheet each for orders, lifecycle events and
// signal decisions.
func WriteJournalXLSX(j Journal, path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	fx := excelize.NewFile()
	defer fx.Close()

	if err := fx.SetSheetName(fx.GetSheetName(0), ordersSheet); err != nil {
		return err
	}
	if _, err := fx.NewSheet(eventsSheet); err != nil {
		return err
	}
	if _, err := fx.NewSheet(signalsSheet); err != nil {
		return err
	}

	headerStyle, err := fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11, Color: "FFFFFF", Family: "Calibri"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"2F4F4F"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return err
	}

	orderRows := make([][]interface{}, 0, len(j.Orders))
	for _, o := range j.Orders {
		orderRows = append(orderRows, []interface{}{
			o.ClientOrderID, o.BrokerOrderID, o.LinkedSignal, o.Symbol, string(o.Side), string(o.Type),
			o.Quantity.InexactFloat64(), o.FilledQuantity.InexactFloat64(), o.AverageFillPrice.InexactFloat64(),
			string(o.Status), o.Reason, cellTime(o.SubmittedAt), cellTime(o.TerminalAt),
		})
	}
	eventRows := make([][]interface{}, 0, len(j.Events))
	for _, ev := range j.Events {
		eventRows = append(eventRows, []interface{}{
			cellTime(ev.Timestamp), ev.ClientOrderID, ev.Symbol, string(ev.Side), string(ev.From), string(ev.To),
			ev.FilledQuantity.InexactFloat64(), ev.AverageFillPrice.InexactFloat64(), ev.Reason,
		})
	}
	signalRows := make([][]interface{}, 0, len(j.Signals))
	for _, rec := range j.Signals {
		signalRows = append(signalRows, []interface{}{
			cellTime(rec.ProcessedAt), rec.SourceID, rec.Symbol, rec.Outcome, rec.Reason, rec.ClientOrderID,
		})
	}

	if err := writeSheet(fx, ordersSheet, orderHeader, orderRows, headerStyle); err != nil {
		return err
	}
	if err := writeSheet(fx, eventsSheet, eventHeader, eventRows, headerStyle); err != nil {
		return err
	}
	if err := writeSheet(fx, signalsSheet, signalHeader, signalRows, headerStyle); err != nil {
		return err
	}

	return fx.SaveAs(path)
}

func writeSheet(fx *excelize.File, sheet string, header []interface{}, rows [][]interface{}, headerStyle int) error {
	if err := fx.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := fx.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return err
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := fx.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}

	lastCol, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	if err := fx.SetColWidth(sheet, "A", lastCol, 16); err != nil {
		return err
	}
	return fx.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

// cellTime renders a timestamp as text, leaving unset times blank.
func cellTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
