package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0644))
}

func TestLoadWritesTemplateAndUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "config.toml"))
	assert.Equal(t, "paper", cfg.Trading.Mode)
	assert.Equal(t, 0.5, cfg.Signals.MinConfidence)
	assert.Equal(t, 1.5, cfg.Signals.MinRiskReward)
	assert.Equal(t, 24*time.Hour, cfg.Signals.DedupWindow)
	assert.Equal(t, 60*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 5*time.Second, cfg.Monitor.CallTimeout)
	assert.Equal(t, 3, cfg.Monitor.RetryMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Monitor.RetryBackoffBase)
	assert.Equal(t, filepath.Join(dir, "trader.db"), cfg.Store.Path)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[risk]
max_open_positions = 3
daily_loss_limit = 250.0

[monitor]
interval = "30s"
`)
	t.Setenv("TRADER_RISK_DAILY_LOSS_LIMIT", "400")

	cfg, err := Load(dir, func(v *viper.Viper) error {
		v.Set("monitor.interval", "10s")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Risk.MaxOpenPositions, "file beats default")
	assert.Equal(t, 400.0, cfg.Risk.DailyLossLimit, "env beats file")
	assert.Equal(t, 10*time.Second, cfg.Monitor.Interval, "option beats file")
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("ALPACA_API_KEY=from-dotenv\nALPACA_SECRET_KEY=secret-from-dotenv\n"), 0600))

	t.Setenv("ALPACA_API_KEY", "from-env")
	// Registered so the value godotenv sets is removed after the test.
	t.Setenv("ALPACA_SECRET_KEY", "")
	require.NoError(t, os.Unsetenv("ALPACA_SECRET_KEY"))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Credentials.APIKey)
	assert.Equal(t, "secret-from-dotenv", cfg.Credentials.SecretKey)
	assert.True(t, cfg.HasCredentials())
}

func TestLegacyCredentialNames(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "")
	t.Setenv("ALPACA_API_KEY", "")
	t.Setenv("ALPACA_SECRET_KEY", "")
	t.Setenv("API_KEY", "legacy-key")
	t.Setenv("SECRET_KEY", "legacy-secret")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "legacy-key", cfg.Credentials.APIKey)
	assert.Equal(t, "legacy-secret", cfg.Credentials.SecretKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"mode", "[trading]\nmode = \"yolo\"\n"},
		{"confidence", "[signals]\nmin_confidence = 1.5\n"},
		{"sizing policy", "[sizing]\npolicy = \"martingale\"\n"},
		{"fraction", "[sizing]\nfraction = 0.0\n"},
		{"attempts", "[monitor]\nretry_max_attempts = 0\n"},
		{"session", "[risk]\nsession_close = \"25:00\"\n"},
		{"provider", "[broker]\nprovider = \"zerodha\"\n"},
		{"api secret", "[api]\nenabled = true\n"},
		{"level", "[notifications]\nlevel = \"loud\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.body)
			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}

func TestSessionFromConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[risk]\nsession_timezone = \"UTC\"\nsession_close = \"15:00\"\n")

	cfg, err := Load(dir)
	require.NoError(t, err)

	s, err := cfg.Session()
	require.NoError(t, err)
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) // Monday
	assert.Equal(t, time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC), s.NextClose(at))
}
