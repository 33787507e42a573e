package cli

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"signal-trader/internal/config"
	"signal-trader/internal/logging"
	"signal-trader/internal/security"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-19"
)

// flagKeys maps command-line flags to configuration keys. A flag set on the
// command line wins over every other source.
var flagKeys = map[string]string{
	"mode":            "trading.mode",
	"provider":        "broker.provider",
	"signals-dir":     "trading.signals_dir",
	"symbols":         "trading.symbols",
	"min-confidence":  "signals.min_confidence",
	"min-risk-reward": "signals.min_risk_reward",
	"api-addr":        "api.addr",
	"metrics-addr":    "metrics.addr",
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Signal Trader - turns trading signals into tracked broker orders",
		Long: `Signal Trader reads trading signals, checks them against validation and risk
rules, sizes and submits orders to the broker, and tracks every order until it
finishes.

Use 'trader run' to act on the latest signals file and 'trader monitor' to keep
orders and protective exits under watch.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return app.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/signal-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("mode", "", "trading mode: live or paper")
	rootCmd.PersistentFlags().String("provider", "", "broker provider: paper or alpaca")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newMonitorCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newCancelCmd(app))
	rootCmd.AddCommand(newHaltCmd(app))
	rootCmd.AddCommand(newExportCmd(app))

	return rootCmd
}

// load reads the configuration with the command's flags bound on top and
// rebuilds the logger from it.
func (app *App) load(cmd *cobra.Command) error {
	dir, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(dir, bindFlags(cmd))
	if err != nil {
		return err
	}
	app.Config = cfg

	app.Logger = logging.NewLoggerWithConfig(cfg.Logging)
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logging.SetDebugLevel()
		app.Logger = app.Logger.Level(zerolog.DebugLevel)
	}
	return nil
}

func bindFlags(cmd *cobra.Command) config.Option {
	return func(v *viper.Viper) error {
		for name, key := range flagKeys {
			flag := cmd.Flags().Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return fmt.Errorf("binding --%s: %w", name, err)
			}
		}
		return nil
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Signal Trader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.Config.Path()})
			} else {
				output.Println(app.Config.Path())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			// Load already validated; report it.
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid: %s", app.Config.Path())
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	symbols := "all"
	if len(cfg.Trading.Symbols) > 0 {
		symbols = strings.Join(cfg.Trading.Symbols, ", ")
	}
	output.KeyValues("Trading", [][2]string{
		{"Mode", cfg.Trading.Mode},
		{"Broker", cfg.Broker.Provider},
		{"Signals dir", cfg.Trading.SignalsDir},
		{"Symbols", symbols},
		{"Time in force", cfg.Trading.TimeInForce},
		{"Stop-limit entry", fmt.Sprint(cfg.Trading.UseStopLimitEntry)},
	})
	output.KeyValues("Signals", [][2]string{
		{"Min confidence", fmt.Sprintf("%.2f", cfg.Signals.MinConfidence)},
		{"Min risk/reward", fmt.Sprintf("%.2f", cfg.Signals.MinRiskReward)},
		{"Dedup window", cfg.Signals.DedupWindow.String()},
		{"Max signal age", cfg.Signals.MaxSignalAge.String()},
	})
	output.KeyValues("Risk", [][2]string{
		{"Sizing", fmt.Sprintf("%s (fraction %.2f, risk %.2f)", cfg.Sizing.Policy, cfg.Sizing.Fraction, cfg.Sizing.RiskAmount)},
		{"Max positions", fmt.Sprint(cfg.Risk.MaxOpenPositions)},
		{"Max per symbol", fmt.Sprintf("%.2f", cfg.Risk.MaxExposurePerSymbol)},
		{"Max total", fmt.Sprintf("%.2f", cfg.Risk.MaxTotalExposure)},
		{"Daily loss limit", fmt.Sprintf("%.2f", cfg.Risk.DailyLossLimit)},
		{"Max loss/position", fmt.Sprintf("%.2f", cfg.Risk.MaxLossPerPosition)},
		{"Trailing stop %", fmt.Sprintf("%.2f", cfg.Risk.TrailingStopPercent)},
		{"Session", fmt.Sprintf("%s-%s %s", cfg.Risk.SessionOpen, cfg.Risk.SessionClose, cfg.Risk.SessionTimezone)},
	})
	output.KeyValues("Monitor", [][2]string{
		{"Interval", cfg.Monitor.Interval.String()},
		{"Call timeout", cfg.Monitor.CallTimeout.String()},
		{"Retries", fmt.Sprint(cfg.Monitor.RetryMaxAttempts)},
		{"Workers", fmt.Sprint(cfg.Monitor.Workers)},
		{"Stream", fmt.Sprint(cfg.Monitor.Stream)},
		{"Store", cfg.Store.Path},
	})
	output.KeyValues("Services", [][2]string{
		{"Notifications", fmt.Sprintf("%v (%s)", cfg.Notifications.Enabled, cfg.Notifications.Level)},
		{"Webhook", fmt.Sprintf("%v %s", cfg.Notifications.Webhook.Enabled, security.MaskURL(cfg.Notifications.Webhook.URL))},
		{"API", fmt.Sprintf("%v %s", cfg.API.Enabled, cfg.API.Addr)},
		{"Metrics", fmt.Sprintf("%v %s", cfg.Metrics.Enabled, cfg.Metrics.Addr)},
		{"API key", credentialText(cfg.Credentials.APIKey)},
	})
}

func credentialText(key string) string {
	if key == "" {
		return "not set"
	}
	return security.MaskCredential(key)
}
