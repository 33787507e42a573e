// Package signals reads the upstream signal files into models.Signal values.
//
// A file is a JSON object keyed by "SYMBOL_wN", where N is the signal's
// window in weeks:
//
//	{
//	  "AAPL_w1": {
//	    "date": "2026-10-16",
//	    "current_price": 227.5,
//	    "signal": {"type": "BUY", "confidence": 0.71},
//	    "orders": {
//	      "entry": {"stop_price": 228.1, "limit_price": 229.0},
//	      "take_profit": {"price": 241.0},
//	      "stop_loss": {"price": 221.3}
//	    },
//	    "position_size": {"recommended_size": "5%"},
//	    "time_barrier": {"days": 7, "expiry_date": "2026-10-23"},
//	    "metrics": {"risk_reward_ratio": 1.9, "daily_volatility": 0.014}
//	  }
//	}
package signals

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"signal-trader/internal/models"
)

// DefaultPattern matches the upstream signal files.
const DefaultPattern = "orders_*.json"

type entry struct {
	Date         string          `json:"date"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Signal       struct {
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	} `json:"signal"`
	Orders struct {
		Entry struct {
			StopPrice  decimal.NullDecimal `json:"stop_price"`
			LimitPrice decimal.NullDecimal `json:"limit_price"`
		} `json:"entry"`
		TakeProfit struct {
			Price decimal.Decimal `json:"price"`
		} `json:"take_profit"`
		StopLoss struct {
			Price decimal.Decimal `json:"price"`
		} `json:"stop_loss"`
	} `json:"orders"`
	PositionSize struct {
		RecommendedSize string `json:"recommended_size"`
	} `json:"position_size"`
	TimeBarrier struct {
		Days       int    `json:"days"`
		ExpiryDate string `json:"expiry_date"`
	} `json:"time_barrier"`
	Metrics struct {
		RiskRewardRatio float64 `json:"risk_reward_ratio"`
		DailyVolatility float64 `json:"daily_volatility"`
	} `json:"metrics"`
}

// EntryError describes one entry of a file that could not be read.
type EntryError struct {
	Key string
	Err error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("signal %s: %v", e.Key, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// File is the content of one signal file.
type File struct {
	Path    string
	Signals []models.Signal
	// Skipped lists entries that were malformed. They never reach validation.
	Skipped []*EntryError
}

// ParseKey splits "SYMBOL_wN" into its symbol and window.
func ParseKey(key string) (string, int, error) {
	i := strings.LastIndex(key, "_w")
	if i <= 0 {
		return "", 0, fmt.Errorf("key %q is not SYMBOL_wN", key)
	}
	weeks, err := strconv.Atoi(key[i+2:])
	if err != nil || weeks <= 0 {
		return "", 0, fmt.Errorf("key %q has invalid window", key)
	}
	return strings.ToUpper(key[:i]), weeks, nil
}

// ParseDirection maps the upstream signal type to a Direction.
func ParseDirection(s string) (models.Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return models.DirectionLong, nil
	case "SELL", "SHORT":
		return models.DirectionShort, nil
	case "CLOSE", "EXIT":
		return models.DirectionClose, nil
	}
	return "", fmt.Errorf("unknown signal type %q", s)
}

// parsePercent reads "5%" or "5" as 0.05.
func parsePercent(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid position size %q", s)
	}
	return v / 100, nil
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

func (e entry) toSignal(key string) (models.Signal, error) {
	symbol, weeks, err := ParseKey(key)
	if err != nil {
		return models.Signal{}, err
	}
	direction, err := ParseDirection(e.Signal.Type)
	if err != nil {
		return models.Signal{}, err
	}
	generated, err := parseTime(e.Date)
	if err != nil {
		return models.Signal{}, err
	}
	size, err := parsePercent(e.PositionSize.RecommendedSize)
	if err != nil {
		return models.Signal{}, err
	}

	sig := models.Signal{
		SourceID:        e.Date + ":" + key,
		Symbol:          symbol,
		Direction:       direction,
		Confidence:      e.Signal.Confidence,
		TargetPrice:     e.Orders.TakeProfit.Price,
		StopPrice:       e.Orders.StopLoss.Price,
		EntryPriceHint:  e.Orders.Entry.StopPrice,
		EntryLimitPrice: e.Orders.Entry.LimitPrice,
		GeneratedAt:     generated,
		PositionSizePct: size,
		TimeBarrierDays: e.TimeBarrier.Days,
		WindowWeeks:     weeks,
	}
	if e.CurrentPrice.IsPositive() {
		sig.CurrentPrice = decimal.NewNullDecimal(e.CurrentPrice)
	}
	if e.TimeBarrier.ExpiryDate != "" {
		if sig.ExpiresAt, err = parseTime(e.TimeBarrier.ExpiryDate); err != nil {
			return models.Signal{}, err
		}
	} else if e.TimeBarrier.Days > 0 {
		sig.ExpiresAt = generated.AddDate(0, 0, e.TimeBarrier.Days)
	}
	return sig, nil
}

// Parse reads a signal file from r. Entries are returned sorted by key.
func Parse(r io.Reader) (*File, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding signals: %w", err)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	f := &File{}
	for _, key := range keys {
		var e entry
		if err := json.Unmarshal(raw[key], &e); err != nil {
			f.Skipped = append(f.Skipped, &EntryError{Key: key, Err: err})
			continue
		}
		sig, err := e.toSignal(key)
		if err != nil {
			f.Skipped = append(f.Skipped, &EntryError{Key: key, Err: err})
			continue
		}
		f.Signals = append(f.Signals, sig)
	}
	return f, nil
}

// ParseFile reads the signal file at path.
func ParseFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening signals file: %w", err)
	}
	defer fh.Close()

	f, err := Parse(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// LatestFile returns the most recently modified file in dir matching pattern.
func LatestFile(dir, pattern string) (string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("signals directory: %w", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	var latest string
	var latestMod time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if latest == "" || info.ModTime().After(latestMod) {
			latest, latestMod = m, info.ModTime()
		}
	}

	if latest == "" {
		return "", fmt.Errorf("no signal files matching %q in %s", pattern, dir)
	}
	return latest, nil
}

// FilterSymbols keeps signals whose symbol is listed. An empty list keeps all.
func FilterSymbols(sigs []models.Signal, symbols []string) []models.Signal {
	if len(symbols) == 0 {
		return sigs
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[strings.ToUpper(strings.TrimSpace(s))] = true
	}

	out := make([]models.Signal, 0, len(sigs))
	for _, sig := range sigs {
		if want[sig.Symbol] {
			out = append(out, sig)
		}
	}
	return out
}
