// Package config provides configuration management for the trading agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"signal-trader/internal/logging"
	"signal-trader/pkg/utils"
)

// EnvPrefix is the prefix of environment overrides, e.g. TRADER_RISK_DAILY_LOSS_LIMIT.
const EnvPrefix = "TRADER"

// Config holds all application configuration.
type Config struct {
	Trading       TradingConfig      `mapstructure:"trading"`
	Signals       SignalsConfig      `mapstructure:"signals"`
	Sizing        SizingConfig       `mapstructure:"sizing"`
	Risk          RiskConfig         `mapstructure:"risk"`
	Monitor       MonitorConfig      `mapstructure:"monitor"`
	Broker        BrokerConfig       `mapstructure:"broker"`
	Store         StoreConfig        `mapstructure:"store"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	API           APIConfig          `mapstructure:"api"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
	Logging       logging.LogConfig  `mapstructure:"logging"`
	Credentials   Credentials        `mapstructure:"-" json:"-"` // Loaded from the environment

	// Dir is the directory the configuration was loaded from.
	Dir string `mapstructure:"-"`
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode              string   `mapstructure:"mode"` // "live", "paper"
	SignalsDir        string   `mapstructure:"signals_dir"`
	Symbols           []string `mapstructure:"symbols"` // empty means all
	TimeInForce       string   `mapstructure:"time_in_force"`
	UseStopLimitEntry bool     `mapstructure:"use_stop_limit_entry"`
}

// SignalsConfig holds signal validation thresholds.
type SignalsConfig struct {
	MinConfidence float64       `mapstructure:"min_confidence"`
	MinRiskReward float64       `mapstructure:"min_risk_reward"`
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	MaxSignalAge  time.Duration `mapstructure:"max_signal_age"`
}

// SizingConfig holds position sizing configuration.
type SizingConfig struct {
	Policy            string  `mapstructure:"policy"`   // fixed_fractional, fixed_risk
	Fraction          float64 `mapstructure:"fraction"` // of buying power
	RiskAmount        float64 `mapstructure:"risk_amount"`
	QuantityIncrement float64 `mapstructure:"quantity_increment"`
}

// RiskConfig holds risk management configuration.
type RiskConfig struct {
	MaxOpenPositions     int     `mapstructure:"max_open_positions"`
	MaxExposurePerSymbol float64 `mapstructure:"max_exposure_per_symbol"`
	MaxTotalExposure     float64 `mapstructure:"max_total_exposure"`
	DailyLossLimit       float64 `mapstructure:"daily_loss_limit"`
	MaxLossPerPosition   float64 `mapstructure:"max_loss_per_position"`
	TrailingStopPercent  float64 `mapstructure:"trailing_stop_percent"`
	SessionTimezone      string  `mapstructure:"session_timezone"`
	SessionOpen          string  `mapstructure:"session_open"`
	SessionClose         string  `mapstructure:"session_close"`
}

// MonitorConfig holds order monitor configuration.
type MonitorConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	Retention        time.Duration `mapstructure:"retention"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	RetryMaxBackoff  time.Duration `mapstructure:"retry_max_backoff"`
	Workers          int           `mapstructure:"workers"`
	Stream           bool          `mapstructure:"stream"`
}

// BrokerConfig holds brokerage connection configuration.
type BrokerConfig struct {
	Provider          string  `mapstructure:"provider"` // paper, alpaca
	BaseURL           string  `mapstructure:"base_url"`
	StreamURL         string  `mapstructure:"stream_url"`
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`
	PaperCash         float64 `mapstructure:"paper_cash"`
	PaperFillRatio    float64 `mapstructure:"paper_fill_ratio"` // fraction filled per poll, 1 fills at once
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Level    string        `mapstructure:"level"` // all, trades_only, errors_only
	Terminal bool          `mapstructure:"terminal"`
	Webhook  WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// APIConfig holds the HTTP control API configuration.
type APIConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Addr      string  `mapstructure:"addr"`
	JWTSecret string  `mapstructure:"jwt_secret" json:"-"`
	RateLimit float64 `mapstructure:"rate_limit"` // requests per second
}

// MetricsConfig holds Prometheus exporter configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Credentials holds brokerage API credentials.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Option customizes the viper instance before the configuration is decoded.
// The CLI uses it to bind command-line flags, which take precedence over everything else.
type Option func(v *viper.Viper) error

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/signal-trader"
	}
	return filepath.Join(home, ".config", "signal-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
//
// Precedence, highest first: options (CLI flags), environment, .env file,
// config.toml, defaults.
func Load(configDir string, opts ...Option) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// godotenv never overrides variables that are already set.
	for _, path := range []string{filepath.Join(configDir, ".env"), ".env"} {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		// Config file not found, write a template and continue with defaults
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
	}

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	cfg := &Config{Dir: configDir}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(configDir, "trader.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.signals_dir", "signals")
	v.SetDefault("trading.symbols", []string{})
	v.SetDefault("trading.time_in_force", "DAY")
	v.SetDefault("trading.use_stop_limit_entry", false)

	v.SetDefault("signals.min_confidence", 0.5)
	v.SetDefault("signals.min_risk_reward", 1.5)
	v.SetDefault("signals.dedup_window", 24*time.Hour)
	v.SetDefault("signals.max_signal_age", 72*time.Hour)

	v.SetDefault("sizing.policy", "fixed_fractional")
	v.SetDefault("sizing.fraction", 0.05)
	v.SetDefault("sizing.risk_amount", 100.0)
	v.SetDefault("sizing.quantity_increment", 1.0)

	v.SetDefault("risk.max_open_positions", 5)
	v.SetDefault("risk.max_exposure_per_symbol", 10000.0)
	v.SetDefault("risk.max_total_exposure", 50000.0)
	v.SetDefault("risk.daily_loss_limit", 1000.0)
	v.SetDefault("risk.max_loss_per_position", 500.0)
	v.SetDefault("risk.trailing_stop_percent", 0.0)
	v.SetDefault("risk.session_timezone", "America/New_York")
	v.SetDefault("risk.session_open", "09:30")
	v.SetDefault("risk.session_close", "16:00")

	v.SetDefault("monitor.interval", 60*time.Second)
	v.SetDefault("monitor.call_timeout", 5*time.Second)
	v.SetDefault("monitor.retention", 24*time.Hour)
	v.SetDefault("monitor.retry_max_attempts", 3)
	v.SetDefault("monitor.retry_backoff_base", 500*time.Millisecond)
	v.SetDefault("monitor.retry_max_backoff", 10*time.Second)
	v.SetDefault("monitor.workers", 8)
	v.SetDefault("monitor.stream", false)

	v.SetDefault("broker.provider", "paper")
	v.SetDefault("broker.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("broker.stream_url", "wss://paper-api.alpaca.markets/stream")
	v.SetDefault("broker.requests_per_minute", 200)
	v.SetDefault("broker.paper_cash", 100000.0)
	v.SetDefault("broker.paper_fill_ratio", 1.0)

	v.SetDefault("store.path", "")

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.level", "all")
	v.SetDefault("notifications.terminal", true)
	v.SetDefault("notifications.webhook.enabled", false)
	v.SetDefault("notifications.webhook.url", "")
	v.SetDefault("notifications.webhook.timeout", 10*time.Second)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.addr", "127.0.0.1:8080")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.rate_limit", 10.0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(home, ".config", "signal-trader", "logs", "trader.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)
}

func applyEnvOverrides(cfg *Config) {
	// Alpaca credentials
	cfg.Credentials.APIKey = firstEnv("ALPACA_API_KEY", "API_KEY")
	cfg.Credentials.SecretKey = firstEnv("ALPACA_SECRET_KEY", "SECRET_KEY")

	// Trading mode
	if v := os.Getenv("TRADING_MODE"); v != "" && os.Getenv(EnvPrefix+"_TRADING_MODE") == "" {
		cfg.Trading.Mode = v
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate trading mode
	if c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return fmt.Errorf("invalid trading mode: %s (must be 'live' or 'paper')", c.Trading.Mode)
	}
	if tif := strings.ToUpper(c.Trading.TimeInForce); tif != "DAY" && tif != "GTC" {
		return fmt.Errorf("invalid time_in_force: %s (must be DAY or GTC)", c.Trading.TimeInForce)
	}

	// Validate signal thresholds
	if c.Signals.MinConfidence < 0 || c.Signals.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be between 0 and 1")
	}
	if c.Signals.MinRiskReward < 0 {
		return fmt.Errorf("min_risk_reward must be non-negative")
	}
	if c.Signals.DedupWindow < 0 || c.Signals.MaxSignalAge < 0 {
		return fmt.Errorf("signal windows must be non-negative")
	}

	// Validate sizing
	switch c.Sizing.Policy {
	case "fixed_fractional":
		if c.Sizing.Fraction <= 0 || c.Sizing.Fraction > 1 {
			return fmt.Errorf("sizing.fraction must be in (0, 1]")
		}
	case "fixed_risk":
		if c.Sizing.RiskAmount <= 0 {
			return fmt.Errorf("sizing.risk_amount must be positive")
		}
	default:
		return fmt.Errorf("invalid sizing policy: %s (must be fixed_fractional or fixed_risk)", c.Sizing.Policy)
	}
	if c.Sizing.QuantityIncrement <= 0 {
		return fmt.Errorf("sizing.quantity_increment must be positive")
	}

	// Validate risk parameters
	if c.Risk.MaxOpenPositions < 0 {
		return fmt.Errorf("max_open_positions must be non-negative")
	}
	if c.Risk.MaxExposurePerSymbol < 0 || c.Risk.MaxTotalExposure < 0 {
		return fmt.Errorf("exposure limits must be non-negative")
	}
	if c.Risk.DailyLossLimit < 0 || c.Risk.MaxLossPerPosition < 0 {
		return fmt.Errorf("loss limits must be non-negative")
	}
	if c.Risk.TrailingStopPercent < 0 || c.Risk.TrailingStopPercent >= 100 {
		return fmt.Errorf("trailing_stop_percent must be between 0 and 100")
	}
	if _, err := c.Session(); err != nil {
		return err
	}

	// Validate monitor
	if c.Monitor.Interval <= 0 || c.Monitor.CallTimeout <= 0 {
		return fmt.Errorf("monitor interval and call_timeout must be positive")
	}
	if c.Monitor.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry_max_attempts must be at least 1")
	}
	if c.Monitor.Workers < 1 {
		return fmt.Errorf("monitor.workers must be at least 1")
	}

	// Validate broker
	switch c.Broker.Provider {
	case "paper":
		if c.Broker.PaperFillRatio <= 0 || c.Broker.PaperFillRatio > 1 {
			return fmt.Errorf("paper_fill_ratio must be in (0, 1]")
		}
	case "alpaca":
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker.base_url is required for alpaca")
		}
	default:
		return fmt.Errorf("invalid broker provider: %s (must be 'paper' or 'alpaca')", c.Broker.Provider)
	}

	switch c.Notifications.Level {
	case "all", "trades_only", "errors_only":
	default:
		return fmt.Errorf("invalid notification level: %s", c.Notifications.Level)
	}

	if c.API.Enabled && c.API.JWTSecret == "" {
		return fmt.Errorf("api.jwt_secret is required when the API is enabled")
	}

	return nil
}

// Session returns the trading session described by the risk section.
func (c *Config) Session() (utils.Session, error) {
	s, err := utils.NewSession(c.Risk.SessionTimezone, c.Risk.SessionOpen, c.Risk.SessionClose)
	if err != nil {
		return utils.Session{}, fmt.Errorf("invalid session: %w", err)
	}
	return s, nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}

// HasCredentials reports whether brokerage credentials are configured.
func (c *Config) HasCredentials() bool {
	return c.Credentials.APIKey != "" && c.Credentials.SecretKey != ""
}

// Path returns the path of the main configuration file.
func (c *Config) Path() string {
	return filepath.Join(c.Dir, "config.toml")
}
