package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"signal-trader/internal/api"
	"signal-trader/internal/broker"
	"signal-trader/internal/metrics"
	"signal-trader/internal/resilience"
)

// Undelivered lifecycle events beyond this mark the daemon degraded.
const healthBacklogLimit = 100

func newMonitorCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Track open orders and enforce protective exits",
		Long: `Runs until interrupted: reconciles every open order with the broker,
evaluates open positions against their stop-loss, take-profit, trailing and
time-barrier exits, and serves the control API and metrics when enabled.`,
		Example: `  trader monitor
  trader monitor --api-addr 127.0.0.1:8090 --metrics-addr 127.0.0.1:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// An address on the command line turns the service on.
			if cmd.Flags().Changed("api-addr") {
				app.Config.API.Enabled = true
				if app.Config.API.JWTSecret == "" {
					return fmt.Errorf("--api-addr needs api.jwt_secret (or TRADER_API_JWT_SECRET)")
				}
			}
			if cmd.Flags().Changed("metrics-addr") {
				app.Config.Metrics.Enabled = true
			}

			if err := app.Open(ctx); err != nil {
				return err
			}
			return app.runDaemon(ctx)
		},
	}

	cmd.Flags().String("api-addr", "", "control API listen address")
	cmd.Flags().String("metrics-addr", "", "metrics listen address")

	return cmd
}

// runDaemon runs the monitor, the protective loop and the optional services
// until ctx is done or one of them fails.
func (app *App) runDaemon(ctx context.Context) error {
	cfg := app.Config
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := run(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			app.Logger.Error().Err(err).Str("component", name).Msg("Component stopped")
			errOnce.Do(func() {
				firstErr = err
				cancel()
			})
		}()
	}

	start("monitor", app.Monitor.Run)
	start("agent", app.Agent.Run)

	if cfg.Monitor.Stream && app.Alpaca != nil {
		stream := broker.NewAlpacaStream(cfg.Broker.StreamURL, cfg.Credentials.APIKey, cfg.Credentials.SecretKey, app.Logger)
		handle := app.Monitor.StreamHandler(ctx)
		start("stream", func(ctx context.Context) error {
			return stream.Run(ctx, handle)
		})
	}

	if cfg.API.Enabled {
		server := api.NewServer(cfg.API, app.Agent, app.Monitor, app.Gateway, app.Store, app.Logger)
		server.SetEvents(app.Hub)
		server.SetHealth(app.healthChecker())
		start("api", server.Run)
	}

	if cfg.Metrics.Enabled {
		srv := metrics.Serve(cfg.Metrics.Addr)
		app.Logger.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics listening")
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	app.Logger.Info().
		Str("mode", cfg.Trading.Mode).
		Str("provider", cfg.Broker.Provider).
		Int("open_orders", app.Monitor.OpenCount()).
		Msg("Monitoring started")

	<-ctx.Done()
	// Stopping the hub ends open event streams.
	app.Hub.Stop()
	wg.Wait()

	// Pending events get one last delivery attempt before exit.
	app.Monitor.Flush(context.Background())
	app.Logger.Info().Msg("Monitoring stopped")
	return firstErr
}

func (app *App) healthChecker() *resilience.HealthChecker {
	checker := resilience.NewHealthChecker(app.Config.Monitor.CallTimeout)
	checker.Register("store", resilience.DatabaseHealthCheck(app.Store.Ping))
	checker.Register("outbox", resilience.BacklogHealthCheck(app.Monitor.Pending, healthBacklogLimit))
	if app.Alpaca != nil {
		checker.Register("broker", resilience.BreakerHealthCheck(app.Alpaca.Breaker()))
	}
	return checker
}
