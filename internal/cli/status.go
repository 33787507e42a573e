package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"signal-trader/internal/agents"
	"signal-trader/internal/errors"
	"signal-trader/internal/models"
	"signal-trader/internal/security"
	"signal-trader/internal/store"
	"signal-trader/pkg/utils"
)

func newStatusCmd(app *App) *cobra.Command {
	var (
		all   bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show risk counters, positions and tracked orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			if err := app.Open(ctx); err != nil {
				return err
			}

			status := app.Agent.Status()
			account, err := app.Gateway.GetAccountSnapshot(ctx)
			if err != nil {
				return fmt.Errorf("fetching account: %w", err)
			}
			orders, err := app.Store.ListOrders(ctx, store.OrderFilter{IncludeArchived: all, Limit: limit})
			if err != nil {
				return err
			}

			tracked := app.Agent.Positions(account.Prices())

			if output.IsJSON() {
				return output.JSON(statusJSON(status, account, tracked, orders))
			}

			printRiskState(output, status)
			printPositions(output, account)
			printTracked(output, tracked)
			printOrders(output, orders)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include archived orders")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of orders to show")

	return cmd
}

func printRiskState(output *Output, s agents.Status) {
	halted := "no"
	if s.Counters.Halted {
		halted = "yes (" + s.Counters.HaltReason + ")"
	}
	output.KeyValues("Session "+s.Counters.SessionDate, [][2]string{
		{"Realized P&L", utils.FormatPnL(s.Counters.RealizedPnL)},
		{"Entries", fmt.Sprint(s.Counters.Entries)},
		{"Halted", halted},
		{"Open orders", fmt.Sprint(s.OpenOrders)},
		{"Pending events", fmt.Sprint(s.Pending)},
	})
	if s.Counters.Halted {
		output.Warning("New entries are blocked until the next session")
	}
}

var positionHeader = table.Row{"Symbol", "Qty", "Avg Entry", "Price", "Unrealized"}

func positionRows(positions []models.Position) []table.Row {
	rows := make([]table.Row, 0, len(positions))
	for _, p := range positions {
		if p.IsFlat() {
			continue
		}
		rows = append(rows, table.Row{
			p.Symbol,
			utils.FormatQuantity(p.NetQuantity),
			utils.FormatCurrency(p.AverageEntryPrice),
			utils.FormatCurrency(p.MarketPrice),
			utils.FormatPnL(p.UnrealizedPnL),
		})
	}
	return rows
}

func printPositions(output *Output, account models.AccountSnapshot) {
	rows := positionRows(account.Positions)
	output.Println()
	output.Printf("Equity: %s  Buying power: %s\n", utils.FormatCurrency(account.Equity), utils.FormatCurrency(account.BuyingPower))
	if len(rows) == 0 {
		output.Dim("No open positions")
		return
	}
	output.Table("Positions", positionHeader, rows)
}

// printTracked shows positions rebuilt from journaled fills.
func printTracked(output *Output, tracked []models.Position) {
	rows := positionRows(tracked)
	if len(rows) == 0 {
		return
	}
	output.Println()
	output.Table("Tracked fills", positionHeader, rows)
}

func printOrders(output *Output, orders []models.Order) {
	output.Println()
	if len(orders) == 0 {
		output.Dim("No tracked orders")
		return
	}
	rows := make([]table.Row, 0, len(orders))
	for _, o := range orders {
		filled := utils.FormatQuantity(o.FilledQuantity) + "/" + utils.FormatQuantity(o.Quantity)
		rows = append(rows, table.Row{
			o.ClientOrderID,
			o.Symbol,
			o.Side,
			o.Type,
			StatusText(o.Status),
			filled,
			utils.FormatCurrency(o.AverageFillPrice),
			o.Reason,
			o.SubmittedAt.Local().Format("01-02 15:04"),
		})
	}
	output.Table("Orders", table.Row{"Client ID", "Symbol", "Side", "Type", "Status", "Filled", "Avg Price", "Reason", "Submitted"}, rows)
}

func positionsJSON(positions []models.Position) []map[string]string {
	out := make([]map[string]string, 0, len(positions))
	for _, p := range positions {
		if p.IsFlat() {
			continue
		}
		out = append(out, map[string]string{
			"symbol":         p.Symbol,
			"quantity":       p.NetQuantity.String(),
			"average_entry":  p.AverageEntryPrice.String(),
			"market_price":   p.MarketPrice.String(),
			"unrealized_pnl": p.UnrealizedPnL.String(),
		})
	}
	return out
}

func statusJSON(s agents.Status, account models.AccountSnapshot, tracked []models.Position, orders []models.Order) map[string]interface{} {
	orderRows := make([]map[string]string, 0, len(orders))
	for _, o := range orders {
		orderRows = append(orderRows, map[string]string{
			"client_order_id":    o.ClientOrderID,
			"broker_order_id":    o.BrokerOrderID,
			"symbol":             o.Symbol,
			"side":               string(o.Side),
			"status":             string(o.Status),
			"quantity":           o.Quantity.String(),
			"filled_quantity":    o.FilledQuantity.String(),
			"average_fill_price": o.AverageFillPrice.String(),
			"reason":             o.Reason,
		})
	}
	exits := make([]string, 0, len(s.Exits))
	for symbol, id := range s.Exits {
		exits = append(exits, symbol+"="+id)
	}
	sort.Strings(exits)

	return map[string]interface{}{
		"session_date":      s.Counters.SessionDate,
		"realized_pnl":      s.Counters.RealizedPnL.String(),
		"entries":           s.Counters.Entries,
		"halted":            s.Counters.Halted,
		"halt_reason":       s.Counters.HaltReason,
		"open_orders":       s.OpenOrders,
		"pending_events":    s.Pending,
		"exits":             exits,
		"equity":            account.Equity.String(),
		"buying_power":      account.BuyingPower.String(),
		"positions":         positionsJSON(account.Positions),
		"tracked_positions": positionsJSON(tracked),
		"orders":            orderRows,
	}
}

func newCancelCmd(app *App) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <client-order-id>",
		Short: "Cancel a tracked order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			if err := security.ValidateClientOrderID(args[0]); err != nil {
				return err
			}
			if err := app.Open(ctx); err != nil {
				return err
			}
			if app.Paper != nil {
				return fmt.Errorf("order %s is not tracked: paper orders live only inside the process that placed them", args[0])
			}

			order, err := app.Monitor.Cancel(ctx, args[0], reason)
			if err != nil {
				if errors.Is(err, errors.ErrOrderNotFound) {
					return fmt.Errorf("order %s is not tracked", args[0])
				}
				if !output.IsJSON() && order.ClientOrderID != "" {
					output.Warning("Order %s is %s", order.ClientOrderID, order.Status)
				}
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]string{
					"client_order_id": order.ClientOrderID,
					"status":          string(order.Status),
					"pending_action":  string(order.PendingAction),
					"reason":          order.Reason,
				})
			}
			if !order.Status.IsTerminal() {
				output.Info("Cancel requested for %s; it stays %s until the broker confirms", order.ClientOrderID, StatusText(order.Status))
				return nil
			}
			output.Success("Order %s is %s", order.ClientOrderID, StatusText(order.Status))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")

	return cmd
}

func newHaltCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "halt [reason]",
		Short: "Block new entries for the rest of the session",
		Long: `Halts new entries until the trading session rolls over. Protective exits
keep running. A running monitor picks the halt up through the control API or
on its next start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			if err := app.Open(ctx); err != nil {
				return err
			}
			app.Agent.Halt(ctx, strings.Join(args, " "))
			counters := app.Agent.Status().Counters

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"halted":       counters.Halted,
					"halt_reason":  counters.HaltReason,
					"session_date": counters.SessionDate,
				})
			}
			output.Warning("Trading halted for session %s: %s", counters.SessionDate, counters.HaltReason)
			return nil
		},
	}
}
