package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Signal Trader Configuration
# Every key can be overridden with TRADER_<SECTION>_<KEY>, e.g. TRADER_RISK_DAILY_LOSS_LIMIT.
# Credentials are read from ALPACA_API_KEY / ALPACA_SECRET_KEY (or a .env file next to this one).

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
# Directory holding the upstream signal files
signals_dir = "signals"
# Only trade these symbols (empty = all)
symbols = []
# Time in force for entry orders: DAY or GTC
time_in_force = "DAY"
# Place stop-limit entries when the signal carries a limit price
use_stop_limit_entry = false

[signals]
min_confidence = 0.5
min_risk_reward = 1.5
# Ignore a repeated source id within this window
dedup_window = "24h"
# Reject signals older than this
max_signal_age = "72h"

[sizing]
# fixed_fractional or fixed_risk
policy = "fixed_fractional"
# Fraction of buying power per entry (fixed_fractional)
fraction = 0.05
# Amount risked between entry and stop (fixed_risk)
risk_amount = 100.0
# Quantities are rounded down to this increment
quantity_increment = 1.0

[risk]
max_open_positions = 5
# Notional limits in USD, pending orders included
max_exposure_per_symbol = 10000.0
max_total_exposure = 50000.0
# Realized loss per session that halts new entries
daily_loss_limit = 1000.0
# Unrealized loss that forces an exit
max_loss_per_position = 500.0
# Trailing stop from the best price seen (0 disables)
trailing_stop_percent = 0.0
session_timezone = "America/New_York"
session_open = "09:30"
session_close = "16:00"

[monitor]
interval = "60s"
call_timeout = "5s"
# Terminal orders are archived after this long
retention = "24h"
retry_max_attempts = 3
retry_backoff_base = "500ms"
retry_max_backoff = "10s"
workers = 8
# Subscribe to the broker's order update stream
stream = false

[broker]
# paper or alpaca
provider = "paper"
base_url = "https://paper-api.alpaca.markets"
stream_url = "wss://paper-api.alpaca.markets/stream"
requests_per_minute = 200
paper_cash = 100000.0
paper_fill_ratio = 1.0

[store]
# Defaults to trader.db in the config directory
path = ""

[notifications]
enabled = true
# Notification level: all, trades_only, errors_only
level = "all"
terminal = true

[notifications.webhook]
enabled = false
url = ""
timeout = "10s"

[api]
enabled = false
addr = "127.0.0.1:8080"
jwt_secret = ""
rate_limit = 10.0

[metrics]
enabled = false
addr = "127.0.0.1:9090"

[logging]
level = "info"
console = true
file = true
max_size = 100
max_backups = 7
max_age = 30
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}
