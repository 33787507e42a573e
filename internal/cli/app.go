package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signal-trader/internal/agents"
	"signal-trader/internal/broker"
	"signal-trader/internal/config"
	"signal-trader/internal/models"
	"signal-trader/internal/monitor"
	"signal-trader/internal/notify"
	"signal-trader/internal/risk"
	"signal-trader/internal/store"
	"signal-trader/internal/stream"
	"signal-trader/internal/trading"
)

const notifyDrainTimeout = 10 * time.Second

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	Store   *store.SQLiteStore
	Gateway broker.Gateway
	Paper   *broker.PaperGateway // set when the paper broker is in use
	Alpaca  *broker.AlpacaGateway
	Monitor *monitor.Monitor
	Agent   *agents.Orchestrator
	Notify  *notify.Queue // nil when notifications are off
	Hub     *stream.Hub
}

// Open builds the trading runtime from the loaded configuration and restores
// persisted state. Callers must Close the app.
func (app *App) Open(ctx context.Context) error {
	if app.Agent != nil {
		return nil
	}
	cfg := app.Config

	session, err := cfg.Session()
	if err != nil {
		return err
	}

	if err := app.OpenStore(); err != nil {
		return err
	}
	dataStore := app.Store

	if err := app.openGateway(); err != nil {
		return err
	}

	app.Monitor = monitor.NewMonitor(monitor.NewConfig(cfg.Monitor), app.Gateway, dataStore, nil, app.Logger)

	dedup := trading.NewMemoryDedup(cfg.Signals.DedupWindow)
	sizer, err := trading.NewSizingPolicy(cfg.Sizing)
	if err != nil {
		return err
	}
	riskCfg := risk.NewConfig(cfg.Risk)
	riskManager := risk.NewManager(riskCfg, app.Logger)
	processor := trading.NewProcessor(
		trading.ProcessorConfig{
			QuantityIncrement: decimal.NewFromFloat(cfg.Sizing.QuantityIncrement),
			TimeInForce:       models.ParseTimeInForce(cfg.Trading.TimeInForce),
			UseStopLimitEntry: cfg.Trading.UseStopLimitEntry,
			Session:           session,
		},
		trading.NewValidator(trading.NewValidatorConfig(cfg.Signals), dedup),
		sizer,
		riskManager,
		app.Logger,
	)

	app.Agent = agents.NewOrchestrator(
		agents.Config{Interval: cfg.Monitor.Interval, CallTimeout: cfg.Monitor.CallTimeout, Session: session},
		app.Gateway, app.Monitor, processor, dedup, riskManager,
		risk.NewState(session, riskCfg.DailyLossLimit, time.Now()),
		dataStore, app.Logger,
	)

	// Events reach the journal first, then the risk state, then live
	// subscribers. Operator channels get them through their own queue so a
	// failing webhook never holds back the outbox.
	app.Hub = stream.NewHub(stream.DefaultHubConfig(), app.Logger)
	sinks := []notify.Sink{dataStore, app.Agent, app.Hub}
	if channels := notify.New(cfg.Notifications, app.Logger); channels != nil {
		app.Notify = notify.NewQueue(channels, 0, app.Logger)
		sinks = append(sinks, app.Notify)
	}
	app.Monitor.SetSink(notify.NewMulti(notify.LevelAll, sinks...))

	// The paper broker keeps no state between runs, so only a real broker
	// still knows the orders left open by an earlier process.
	if app.Paper == nil {
		if _, err := app.Monitor.Restore(ctx); err != nil {
			return err
		}
	}
	return app.Agent.Restore(ctx)
}

// OpenStore opens the journal alone, for commands that only read it.
func (app *App) OpenStore() error {
	if app.Store != nil {
		return nil
	}
	dataStore, err := store.NewSQLiteStore(app.Config.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	app.Store = dataStore
	return nil
}

func (app *App) openGateway() error {
	cfg := app.Config
	switch cfg.Broker.Provider {
	case "alpaca":
		gw, err := broker.NewAlpacaGateway(broker.AlpacaConfig{
			BaseURL:           cfg.Broker.BaseURL,
			APIKey:            cfg.Credentials.APIKey,
			SecretKey:         cfg.Credentials.SecretKey,
			RequestsPerMinute: cfg.Broker.RequestsPerMinute,
		}, app.Logger)
		if err != nil {
			return err
		}
		app.Alpaca = gw
		app.Gateway = gw
	default:
		app.Paper = broker.NewPaperGateway(broker.PaperGatewayConfig{
			InitialCash: decimal.NewFromFloat(cfg.Broker.PaperCash),
			FillRatio:   decimal.NewFromFloat(cfg.Broker.PaperFillRatio),
		})
		app.Gateway = app.Paper
	}
	app.Logger.Debug().Str("provider", cfg.Broker.Provider).Str("mode", cfg.Trading.Mode).Msg("Broker initialized")
	return nil
}

// Close delivers queued notifications and releases the store.
func (app *App) Close() error {
	if app.Notify != nil {
		ctx, cancel := context.WithTimeout(context.Background(), notifyDrainTimeout)
		if err := app.Notify.Close(ctx); err != nil {
			app.Logger.Warn().Err(err).Msg("Notifications still queued at exit")
		}
		cancel()
	}
	if app.Store == nil {
		return nil
	}
	return app.Store.Close()
}

// SeedPaperPrices gives the paper broker a price for every signal that carries one.
func (app *App) SeedPaperPrices(sigs []models.Signal) {
	if app.Paper == nil {
		return
	}
	for _, sig := range sigs {
		if sig.CurrentPrice.Valid && sig.CurrentPrice.Decimal.IsPositive() {
			app.Paper.UpdatePrice(sig.Symbol, sig.CurrentPrice.Decimal)
		}
	}
}
