package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"signal-trader/internal/models"
	"signal-trader/pkg/utils"
)

// AlpacaStream subscribes to Alpaca's trade_updates stream.
type AlpacaStream struct {
	URL       string
	APIKey    string
	SecretKey string

	// Configuration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration

	Dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewAlpacaStream creates a stream client.
func NewAlpacaStream(url, apiKey, secretKey string, logger zerolog.Logger) *AlpacaStream {
	return &AlpacaStream{
		URL:          url,
		APIKey:       apiKey,
		SecretKey:    secretKey,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  90 * time.Second,
		PingInterval: 30 * time.Second,
		MinBackoff:   time.Second,
		MaxBackoff:   time.Minute,
		Dialer:       websocket.DefaultDialer,
		logger:       logger.With().Str("component", "stream").Logger(),
	}
}

type streamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type streamAuthData struct {
	Status string `json:"status"`
	Action string `json:"action"`
}

type tradeUpdate struct {
	Event     string      `json:"event"`
	Order     alpacaOrder `json:"order"`
	Timestamp *time.Time  `json:"timestamp"`
}

// Run connects, authenticates and forwards order updates to handle until ctx
// is done. Dropped connections are retried with exponential backoff.
func (s *AlpacaStream) Run(ctx context.Context, handle func(models.OrderStatusSnapshot)) error {
	attempt := 0
	for {
		connected, err := s.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}

		delay := utils.CalculateBackoff(attempt, s.MinBackoff, s.MaxBackoff, 2)
		attempt++
		s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Order stream disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session runs one connection. connected reports whether authentication succeeded.
func (s *AlpacaStream) session(ctx context.Context, handle func(models.OrderStatusSnapshot)) (connected bool, err error) {
	conn, _, err := s.Dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing %s: %w", s.URL, err)
	}
	defer conn.Close()

	// Unblock reads when the context ends
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := s.authenticate(conn); err != nil {
		return false, err
	}
	if err := s.write(conn, map[string]interface{}{
		"action": "listen",
		"data":   map[string][]string{"streams": {"trade_updates"}},
	}); err != nil {
		return true, err
	}
	s.logger.Info().Str("url", s.URL).Msg("Order stream connected")

	conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("reading stream: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))

		snap, ok, err := parseTradeUpdate(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Malformed stream message")
			continue
		}
		if ok {
			handle(snap)
		}
	}
}

func (s *AlpacaStream) authenticate(conn *websocket.Conn) error {
	if err := s.write(conn, map[string]string{
		"action": "auth",
		"key":    s.APIKey,
		"secret": s.SecretKey,
	}); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(s.WriteTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}

	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decoding auth response: %w", err)
	}
	var auth streamAuthData
	if err := json.Unmarshal(msg.Data, &auth); err != nil {
		return fmt.Errorf("decoding auth data: %w", err)
	}
	if msg.Stream != "authorization" || auth.Status != "authorized" {
		return fmt.Errorf("stream authorization failed: %s", auth.Status)
	}
	return nil
}

func (s *AlpacaStream) write(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
	return conn.WriteJSON(v)
}

func (s *AlpacaStream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// parseTradeUpdate extracts an order snapshot from a trade_updates message.
// ok is false for messages on other streams.
func parseTradeUpdate(data []byte) (snap models.OrderStatusSnapshot, ok bool, err error) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return snap, false, err
	}
	if msg.Stream != "trade_updates" {
		return snap, false, nil
	}

	var update tradeUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		return snap, false, err
	}
	if update.Order.ID == "" {
		return snap, false, fmt.Errorf("trade update %q without order", update.Event)
	}

	snap = update.Order.snapshot()
	if update.Timestamp != nil {
		snap.UpdatedAt = *update.Timestamp
	}
	return snap, true, nil
}

var _ OrderStream = (*AlpacaStream)(nil)
