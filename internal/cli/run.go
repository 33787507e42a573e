package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"signal-trader/internal/agents"
	"signal-trader/internal/models"
	"signal-trader/internal/signals"
	"signal-trader/pkg/utils"
)

func newRunCmd(app *App) *cobra.Command {
	var (
		file   string
		yes    bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Act on the latest signals file",
		Long: `Reads the newest signals file, validates and sizes every signal, and places
the resulting orders after confirmation. Use --yes to skip the prompt and
--dry-run to only show what would be placed.`,
		Example: `  trader run --dry-run
  trader run --symbols AAPL,MSFT --yes
  trader run --file signals/orders_20261016.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			cfg := app.Config

			if output.IsJSON() && !yes && !dryRun {
				return fmt.Errorf("--json cannot prompt for confirmation: add --yes or --dry-run")
			}

			path := file
			if path == "" {
				latest, err := signals.LatestFile(cfg.Trading.SignalsDir, "")
				if err != nil {
					return err
				}
				path = latest
			}

			parsed, err := signals.ParseFile(path)
			if err != nil {
				return err
			}
			for _, skipped := range parsed.Skipped {
				app.Logger.Warn().Err(skipped).Str("file", path).Msg("Signal entry skipped")
			}
			sigs := signals.FilterSymbols(parsed.Signals, cfg.Trading.Symbols)
			if !output.IsJSON() {
				output.Info("Loaded %d signals from %s (%d skipped)", len(sigs), path, len(parsed.Skipped))
			}
			if len(sigs) == 0 {
				return nil
			}

			if err := app.Open(ctx); err != nil {
				return err
			}
			app.SeedPaperPrices(sigs)

			opts := agents.Options{DryRun: dryRun}
			if !yes && !dryRun {
				opts.Confirm = confirmer(cmd)
			}

			summary := app.Agent.ProcessBatch(ctx, sigs, opts)

			// The paper broker fills on status queries; one pass settles what it can.
			if app.Paper != nil && summary.Placed > 0 {
				if err := app.Monitor.ReconcileOnce(ctx); err != nil {
					return err
				}
			}

			if output.IsJSON() {
				return output.JSON(summaryJSON(summary))
			}
			printSummary(output, summary)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "signals file (default: newest in the signals directory)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "place orders without asking")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the orders without placing them")
	cmd.Flags().String("signals-dir", "", "directory holding signal files")
	cmd.Flags().StringSlice("symbols", nil, "only act on these symbols")
	cmd.Flags().Float64("min-confidence", 0, "minimum signal confidence")
	cmd.Flags().Float64("min-risk-reward", 0, "minimum risk/reward ratio")

	return cmd
}

// confirmer asks on the command's input before each order.
func confirmer(cmd *cobra.Command) func(models.OrderIntent) bool {
	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()
	return func(intent models.OrderIntent) bool {
		fmt.Fprintf(out, "Place %s? [y/N] ", describeIntent(intent))
		line, _ := in.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

func describeIntent(i models.OrderIntent) string {
	desc := fmt.Sprintf("%s %s %s %s", i.Side, utils.FormatQuantity(i.Quantity), i.Symbol, i.Type)
	if i.StopPrice.Valid {
		desc += " stop " + utils.FormatCurrency(i.StopPrice.Decimal)
	}
	if i.LimitPrice.Valid {
		desc += " limit " + utils.FormatCurrency(i.LimitPrice.Decimal)
	}
	if i.StopLoss.IsPositive() || i.TakeProfit.IsPositive() {
		desc += fmt.Sprintf(" (SL %s, TP %s)", utils.FormatCurrency(i.StopLoss), utils.FormatCurrency(i.TakeProfit))
	}
	return desc
}

func printSummary(output *Output, s agents.Summary) {
	rows := make([]table.Row, 0, len(s.Decisions))
	for _, d := range s.Decisions {
		order := ""
		switch {
		case d.Order != nil:
			order = fmt.Sprintf("%s %s", d.Order.ClientOrderID, StatusText(d.Order.Status))
		case d.Intent != nil:
			order = describeIntent(*d.Intent)
		}
		rows = append(rows, table.Row{d.Signal.Symbol, d.Signal.Direction, outcomeText(d.Outcome), d.Reason, order})
	}
	output.Table("Decisions", table.Row{"Symbol", "Direction", "Outcome", "Reason", "Order"}, rows)

	output.Printf("Placed: %d  Rejected: %d  Failed: %d  Skipped: %d  Dry run: %d\n",
		s.Placed, s.Rejected, s.Failed, s.Skipped, s.DryRun)
	if s.Failed > 0 {
		output.Warning("%d orders failed, see the log for details", s.Failed)
	}
}

func outcomeText(o agents.Outcome) string {
	switch o {
	case agents.OutcomePlaced:
		return color.GreenString(string(o))
	case agents.OutcomeFailed:
		return color.RedString(string(o))
	case agents.OutcomeRejected:
		return color.YellowString(string(o))
	default:
		return string(o)
	}
}

type decisionJSON struct {
	SourceID      string `json:"source_id"`
	Symbol        string `json:"symbol"`
	Outcome       string `json:"outcome"`
	Reason        string `json:"reason,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Status        string `json:"status,omitempty"`
	Quantity      string `json:"quantity,omitempty"`
}

func summaryJSON(s agents.Summary) map[string]interface{} {
	decisions := make([]decisionJSON, 0, len(s.Decisions))
	for _, d := range s.Decisions {
		dj := decisionJSON{
			SourceID: d.Signal.SourceID,
			Symbol:   d.Signal.Symbol,
			Outcome:  string(d.Outcome),
			Reason:   d.Reason,
		}
		if d.Intent != nil {
			dj.ClientOrderID = d.Intent.ClientOrderID
			dj.Quantity = d.Intent.Quantity.String()
		}
		if d.Order != nil {
			dj.Status = string(d.Order.Status)
		}
		decisions = append(decisions, dj)
	}
	return map[string]interface{}{
		"placed":    s.Placed,
		"rejected":  s.Rejected,
		"failed":    s.Failed,
		"skipped":   s.Skipped,
		"dry_run":   s.DryRun,
		"decisions": decisions,
	}
}
