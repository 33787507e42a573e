package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"signal-trader/internal/errors"
	"signal-trader/internal/logging"
	"signal-trader/internal/metrics"
	"signal-trader/internal/models"
	"signal-trader/internal/resilience"
)

// AlpacaConfig holds configuration for the Alpaca trading API.
type AlpacaConfig struct {
	BaseURL           string
	APIKey            string
	SecretKey         string
	RequestsPerMinute int
	HTTPClient        *http.Client
	Breaker           resilience.CircuitBreakerConfig
}

// AlpacaGateway implements Gateway against the Alpaca v2 REST API.
type AlpacaGateway struct {
	baseURL   string
	apiKey    string
	secretKey string
	client    *http.Client
	limiter   *rate.Limiter
	breaker   *resilience.CircuitBreaker
	logger    zerolog.Logger
}

// NewAlpacaGateway creates a new Alpaca gateway.
func NewAlpacaGateway(cfg AlpacaConfig, logger zerolog.Logger) (*AlpacaGateway, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, errors.Wrap(errors.ErrNotAuthenticated, "alpaca credentials missing")
	}
	if cfg.BaseURL == "" {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "alpaca base url missing")
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 200
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.FailureThreshold == 0 {
		breakerCfg = resilience.DefaultCircuitBreakerConfig()
	}
	breakerCfg.IsFailure = errors.IsTransient
	logger = logger.With().Str("component", "alpaca").Logger()
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		logger.Warn().Str("from", string(from)).Str("to", string(to)).Msg("Broker circuit changed state")
		metrics.SetCircuitOpen(name, to == resilience.CircuitOpen)
	}

	return &AlpacaGateway{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		secretKey: cfg.SecretKey,
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1+rpm/60),
		breaker:   resilience.NewCircuitBreaker("alpaca", breakerCfg),
		logger:    logger,
	}, nil
}

// Breaker exposes the gateway's circuit breaker for health reporting.
func (a *AlpacaGateway) Breaker() *resilience.CircuitBreaker {
	return a.breaker
}

type alpacaOrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
}

type alpacaOrder struct {
	ID             string              `json:"id"`
	ClientOrderID  string              `json:"client_order_id"`
	Symbol         string              `json:"symbol"`
	Side           string              `json:"side"`
	Type           string              `json:"type"`
	Status         string              `json:"status"`
	Qty            decimal.NullDecimal `json:"qty"`
	FilledQty      decimal.NullDecimal `json:"filled_qty"`
	FilledAvgPrice decimal.NullDecimal `json:"filled_avg_price"`
	LimitPrice     decimal.NullDecimal `json:"limit_price"`
	UpdatedAt      *time.Time          `json:"updated_at"`
}

type alpacaAccount struct {
	BuyingPower    decimal.Decimal `json:"buying_power"`
	Equity         decimal.Decimal `json:"equity"`
	TradingBlocked bool            `json:"trading_blocked"`
}

type alpacaPosition struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	Side          string          `json:"side"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
}

type alpacaError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SubmitOrder places an order. A duplicate client order id resolves to the
// order already at the broker.
func (a *AlpacaGateway) SubmitOrder(ctx context.Context, intent models.OrderIntent) (OrderRef, error) {
	req := alpacaOrderRequest{
		Symbol:        intent.Symbol,
		Qty:           intent.Quantity.String(),
		Side:          strings.ToLower(string(intent.Side)),
		Type:          alpacaOrderType(intent.Type),
		TimeInForce:   strings.ToLower(string(intent.TimeInForce)),
		ClientOrderID: intent.ClientOrderID,
	}
	if intent.LimitPrice.Valid {
		req.LimitPrice = intent.LimitPrice.Decimal.StringFixed(2)
	}
	if intent.StopPrice.Valid {
		req.StopPrice = intent.StopPrice.Decimal.StringFixed(2)
	}

	var out alpacaOrder
	err := a.do(ctx, "submit", http.MethodPost, "/v2/orders", nil, req, &out)
	if err != nil {
		var be *errors.BrokerError
		if errors.As(err, &be) && strings.Contains(strings.ToLower(be.Message), "client_order_id must be unique") {
			snap, lookupErr := a.GetOrderStatus(ctx, OrderRef{ClientOrderID: intent.ClientOrderID})
			if lookupErr == nil {
				return OrderRef{BrokerOrderID: snap.BrokerOrderID, ClientOrderID: intent.ClientOrderID}, nil
			}
		}
		return OrderRef{}, err
	}

	return OrderRef{BrokerOrderID: out.ID, ClientOrderID: out.ClientOrderID}, nil
}

// GetOrderStatus queries one order by broker id or client order id.
func (a *AlpacaGateway) GetOrderStatus(ctx context.Context, ref OrderRef) (models.OrderStatusSnapshot, error) {
	var out alpacaOrder
	var err error
	if ref.BrokerOrderID != "" {
		err = a.do(ctx, "query", http.MethodGet, "/v2/orders/"+url.PathEscape(ref.BrokerOrderID), nil, nil, &out)
	} else {
		q := url.Values{"client_order_id": {ref.ClientOrderID}}
		err = a.do(ctx, "query", http.MethodGet, "/v2/orders:by_client_order_id", q, nil, &out)
	}
	if err != nil {
		return models.OrderStatusSnapshot{}, err
	}
	return out.snapshot(), nil
}

// CancelOrder requests cancellation of an open order.
func (a *AlpacaGateway) CancelOrder(ctx context.Context, ref OrderRef) error {
	id := ref.BrokerOrderID
	if id == "" {
		snap, err := a.GetOrderStatus(ctx, ref)
		if err != nil {
			return err
		}
		id = snap.BrokerOrderID
	}
	return a.do(ctx, "cancel", http.MethodDelete, "/v2/orders/"+url.PathEscape(id), nil, nil, nil)
}

// GetAccountSnapshot returns buying power, positions and open orders.
func (a *AlpacaGateway) GetAccountSnapshot(ctx context.Context) (models.AccountSnapshot, error) {
	var account alpacaAccount
	if err := a.do(ctx, "account", http.MethodGet, "/v2/account", nil, nil, &account); err != nil {
		return models.AccountSnapshot{}, err
	}

	var positions []alpacaPosition
	if err := a.do(ctx, "account", http.MethodGet, "/v2/positions", nil, nil, &positions); err != nil {
		return models.AccountSnapshot{}, err
	}

	var open []alpacaOrder
	q := url.Values{"status": {"open"}, "limit": {"500"}}
	if err := a.do(ctx, "account", http.MethodGet, "/v2/orders", q, nil, &open); err != nil {
		return models.AccountSnapshot{}, err
	}

	snap := models.AccountSnapshot{
		BuyingPower: account.BuyingPower,
		Equity:      account.Equity,
		TakenAt:     time.Now(),
	}
	if account.TradingBlocked {
		snap.BuyingPower = decimal.Zero
	}

	held := make(map[string]decimal.Decimal)
	for _, p := range positions {
		qty := p.Qty
		if p.Side == "short" && qty.IsPositive() {
			qty = qty.Neg()
		}
		held[p.Symbol] = qty
		snap.Positions = append(snap.Positions, models.Position{
			Symbol:            p.Symbol,
			NetQuantity:       qty,
			AverageEntryPrice: p.AvgEntryPrice,
			MarketPrice:       p.CurrentPrice,
			UnrealizedPnL:     p.UnrealizedPL,
		})
	}

	for _, o := range open {
		side := models.OrderSide(strings.ToUpper(o.Side))
		remaining := o.Qty.Decimal.Sub(o.FilledQty.Decimal)
		price := o.LimitPrice.Decimal
		if price.IsZero() {
			if p, ok := snap.Position(o.Symbol); ok {
				price = p.MarketPrice
			}
		}
		pos := held[o.Symbol]
		snap.PendingOrders = append(snap.PendingOrders, models.OrderIntent{
			ClientOrderID:  o.ClientOrderID,
			Symbol:         o.Symbol,
			Side:           side,
			Quantity:       remaining,
			EstimatedPrice: price,
			Closing:        !pos.IsZero() && pos.Sign() != side.Sign().Sign(),
		})
	}

	return snap, nil
}

func (a *AlpacaGateway) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	start := time.Now()
	err := a.breaker.Execute(func() error {
		return a.roundTrip(ctx, op, method, path, query, body, out)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = errors.NewBrokerError(op, errors.Transient, "circuit_open", "broker circuit open", errors.ErrConnectionFailed)
	}
	logging.LogAPICall(a.logger, method, path, time.Since(start), err)
	return err
}

func (a *AlpacaGateway) roundTrip(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return errors.NewBrokerError(op, errors.Transient, "timeout", "rate limiter wait", errors.Wrap(errors.ErrTimeout, err.Error()))
	}

	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.NewBrokerError(op, errors.Permanent, "encode", "encoding request", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.NewBrokerError(op, errors.Permanent, "request", "building request", err)
	}
	req.Header.Set("APCA-API-KEY-ID", a.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return classifyTransportError(op, err)
	}

	if resp.StatusCode >= 300 {
		return classifyStatus(op, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewBrokerError(op, errors.Transient, "decode", "decoding response", err)
	}
	return nil
}

func classifyTransportError(op string, err error) error {
	if errors.IsTimeout(err) {
		return errors.NewBrokerError(op, errors.Transient, "timeout", err.Error(), errors.ErrTimeout)
	}
	return errors.NewBrokerError(op, errors.Transient, "connection", err.Error(), errors.ErrConnectionFailed)
}

func classifyStatus(op string, status int, body []byte) error {
	var apiErr alpacaError
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	code := fmt.Sprintf("http_%d", status)
	lower := strings.ToLower(msg)

	switch {
	case status == http.StatusTooManyRequests:
		return errors.NewBrokerError(op, errors.Transient, code, msg, errors.ErrRateLimited)
	case status >= 500:
		return errors.NewBrokerError(op, errors.Transient, code, msg, errors.ErrServerError)
	case status == http.StatusUnauthorized:
		return errors.NewBrokerError(op, errors.Permanent, code, msg, errors.ErrNotAuthenticated)
	case status == http.StatusNotFound:
		return errors.NewBrokerError(op, errors.Permanent, code, msg, errors.ErrOrderNotFound)
	case strings.Contains(lower, "buying power"):
		return errors.NewBrokerError(op, errors.Permanent, code, msg, errors.ErrInsufficientFunds)
	case strings.Contains(lower, "market") && strings.Contains(lower, "closed"):
		return errors.NewBrokerError(op, errors.Permanent, code, msg, errors.ErrMarketClosed)
	case status == http.StatusForbidden:
		return errors.NewBrokerError(op, errors.Permanent, code, msg, errors.ErrNotAuthenticated)
	default:
		return errors.NewBrokerError(op, errors.Permanent, code, msg, errors.ErrInvalidOrder)
	}
}

func alpacaOrderType(t models.OrderType) string {
	switch t {
	case models.OrderTypeLimit:
		return "limit"
	case models.OrderTypeStopLimit:
		return "stop_limit"
	default:
		return "market"
	}
}

// MapAlpacaStatus converts an Alpaca order status to a lifecycle status.
// Working statuses map to SUBMITTED; the monitor derives partial fills from
// the filled quantity. done_for_day orders resume on the next session. A
// replaced order is closed; its successor carries a new id.
func MapAlpacaStatus(status string) models.OrderStatus {
	switch status {
	case "filled":
		return models.StatusFilled
	case "partially_filled":
		return models.StatusPartiallyFilled
	case "canceled", "replaced":
		return models.StatusCancelled
	case "expired":
		return models.StatusExpired
	case "rejected":
		return models.StatusRejected
	default:
		// new, accepted, pending_new, pending_cancel, pending_replace, done_for_day, held, ...
		return models.StatusSubmitted
	}
}

func (o alpacaOrder) snapshot() models.OrderStatusSnapshot {
	snap := models.OrderStatusSnapshot{
		BrokerOrderID:    o.ID,
		ClientOrderID:    o.ClientOrderID,
		Symbol:           o.Symbol,
		Status:           MapAlpacaStatus(o.Status),
		FilledQuantity:   o.FilledQty.Decimal,
		AverageFillPrice: o.FilledAvgPrice.Decimal,
		UpdatedAt:        time.Now(),
	}
	if o.UpdatedAt != nil {
		snap.UpdatedAt = *o.UpdatedAt
	}
	if snap.Status.IsTerminal() && snap.Status != models.StatusFilled {
		snap.Reason = o.Status
	}
	return snap
}

var _ Gateway = (*AlpacaGateway)(nil)
