// Package api serves the agent's HTTP control surface: signal intake, order
// and position queries, cancellation, a trading halt and a live event feed.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signal-trader/internal/agents"
	"signal-trader/internal/config"
	"signal-trader/internal/errors"
	"signal-trader/internal/logging"
	"signal-trader/internal/metrics"
	"signal-trader/internal/models"
	"signal-trader/internal/monitor"
	"signal-trader/internal/resilience"
	"signal-trader/internal/security"
	"signal-trader/internal/store"
)

// Agent decides on signals and reports the risk state.
type Agent interface {
	HandleSignal(ctx context.Context, sig models.Signal) agents.Decision
	Status() agents.Status
	Halt(ctx context.Context, reason string)
	Positions(prices map[string]decimal.Decimal) []models.Position
}

// Orders is the tracked order registry.
type Orders interface {
	Orders() []models.Order
	Get(clientOrderID string) (models.Order, bool)
	Cancel(ctx context.Context, clientOrderID, reason string) (models.Order, error)
}

// Account reports brokerage positions.
type Account interface {
	GetAccountSnapshot(ctx context.Context) (models.AccountSnapshot, error)
}

// History lists persisted lifecycle events. It may be nil.
type History interface {
	ListEvents(ctx context.Context, filter store.EventFilter) ([]models.LifecycleEvent, error)
}

// Server is the HTTP API.
type Server struct {
	cfg     config.APIConfig
	agent   Agent
	orders  Orders
	account Account
	history History
	events  Events
	checker *resilience.HealthChecker
	logger  zerolog.Logger
	router  *gin.Engine
	limiter *RateLimiter
}

// NewServer builds the router.
func NewServer(cfg config.APIConfig, agent Agent, orders Orders, account Account, history History, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		agent:   agent,
		orders:  orders,
		account: account,
		history: history,
		logger:  logging.WithComponent(logger, "api"),
		router:  gin.New(),
		limiter: NewRateLimiter(cfg.RateLimit),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.router.Group("/v1")
	v1.Use(JWTAuth([]byte(s.cfg.JWTSecret)), s.limiter.Middleware())
	{
		v1.POST("/signals", s.submitSignal)
		v1.GET("/orders", s.listOrders)
		v1.GET("/orders/:id", s.getOrder)
		v1.GET("/orders/:id/events", s.orderEvents)
		v1.DELETE("/orders/:id", s.cancelOrder)
		v1.GET("/positions", s.positions)
		v1.GET("/status", s.status)
		v1.POST("/halt", s.halt)
		v1.GET("/stream", s.streamEvents)
	}
}

// SetHealth adds component checks to /healthz.
func (s *Server) SetHealth(checker *resilience.HealthChecker) {
	s.checker = checker
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("API stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		var err error
		if len(c.Errors) > 0 {
			err = c.Errors.Last()
		}
		logging.LogAPICall(s.logger, c.Request.Method, c.FullPath(), time.Since(start), err)
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) health(c *gin.Context) {
	st := s.agent.Status()
	body := gin.H{
		"status":         "ok",
		"open_orders":    st.OpenOrders,
		"pending_events": st.Pending,
		"halted":         st.Counters.Halted,
	}
	if s.checker == nil {
		success(c, http.StatusOK, body)
		return
	}

	system := s.checker.Check(c.Request.Context())
	body["status"] = strings.ToLower(string(system.Status))
	body["components"] = system.Components
	if system.Status == resilience.HealthStatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, Response{Success: false, Data: body})
		return
	}
	success(c, http.StatusOK, body)
}

type signalRequest struct {
	SourceID     string              `json:"source_id" binding:"required"`
	Symbol       string              `json:"symbol" binding:"required"`
	Direction    string              `json:"direction" binding:"required"`
	Confidence   float64             `json:"confidence"`
	TargetPrice  decimal.Decimal     `json:"target_price"`
	StopPrice    decimal.Decimal     `json:"stop_price"`
	EntryPrice   decimal.NullDecimal `json:"entry_price"`
	LimitPrice   decimal.NullDecimal `json:"limit_price"`
	CurrentPrice decimal.NullDecimal `json:"current_price"`
	PositionSize float64             `json:"position_size"`
	GeneratedAt  time.Time           `json:"generated_at"`
	ExpiresAt    time.Time           `json:"expires_at"`
}

func (r signalRequest) signal(now time.Time) models.Signal {
	sig := models.Signal{
		SourceID:        r.SourceID,
		Symbol:          strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Direction:       models.Direction(strings.ToUpper(r.Direction)),
		Confidence:      r.Confidence,
		TargetPrice:     r.TargetPrice,
		StopPrice:       r.StopPrice,
		EntryPriceHint:  r.EntryPrice,
		EntryLimitPrice: r.LimitPrice,
		CurrentPrice:    r.CurrentPrice,
		PositionSizePct: r.PositionSize,
		GeneratedAt:     r.GeneratedAt,
		ExpiresAt:       r.ExpiresAt,
	}
	if sig.GeneratedAt.IsZero() {
		sig.GeneratedAt = now
	}
	return sig
}

type decisionView struct {
	SourceID string     `json:"source_id"`
	Outcome  string     `json:"outcome"`
	Reason   string     `json:"reason,omitempty"`
	Order    *orderView `json:"order,omitempty"`
}

func (s *Server) submitSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	symbol, err := security.NormalizeSymbol(req.Symbol)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	req.Symbol = symbol
	sig := req.signal(time.Now())
	if !sig.Direction.Valid() {
		badRequest(c, "direction must be LONG, SHORT or CLOSE")
		return
	}

	d := s.agent.HandleSignal(c.Request.Context(), sig)
	view := decisionView{SourceID: sig.SourceID, Outcome: string(d.Outcome), Reason: d.Reason}
	if d.Order != nil {
		ov := newOrderView(*d.Order)
		view.Order = &ov
	}

	switch d.Outcome {
	case agents.OutcomePlaced:
		success(c, http.StatusCreated, view)
	case agents.OutcomeRejected:
		c.JSON(http.StatusUnprocessableEntity, Response{Success: false, Data: view,
			Error: &Error{Code: "REJECTED", Message: d.Reason}})
	default:
		c.JSON(http.StatusBadGateway, Response{Success: false, Data: view,
			Error: &Error{Code: "FAILED", Message: d.Reason}})
	}
}

type orderView struct {
	ClientOrderID    string          `json:"client_order_id"`
	BrokerOrderID    string          `json:"broker_order_id,omitempty"`
	SourceID         string          `json:"source_id,omitempty"`
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	Type             string          `json:"type"`
	Quantity         decimal.Decimal `json:"quantity"`
	Status           string          `json:"status"`
	FilledQuantity   decimal.Decimal `json:"filled_quantity"`
	AverageFillPrice decimal.Decimal `json:"average_fill_price"`
	Reason           string          `json:"reason,omitempty"`
	PendingAction    string          `json:"pending_action,omitempty"`
	Closing          bool            `json:"closing"`
	SubmittedAt      time.Time       `json:"submitted_at"`
	TerminalAt       *time.Time      `json:"terminal_at,omitempty"`
}

func newOrderView(o models.Order) orderView {
	v := orderView{
		ClientOrderID:    o.ClientOrderID,
		BrokerOrderID:    o.BrokerOrderID,
		SourceID:         o.LinkedSignal,
		Symbol:           o.Symbol,
		Side:             string(o.Side),
		Type:             string(o.Type),
		Quantity:         o.Quantity,
		Status:           string(o.Status),
		FilledQuantity:   o.FilledQuantity,
		AverageFillPrice: o.AverageFillPrice,
		Reason:           o.Reason,
		PendingAction:    string(o.PendingAction),
		Closing:          o.Intent.Closing,
		SubmittedAt:      o.SubmittedAt,
	}
	if !o.TerminalAt.IsZero() {
		t := o.TerminalAt
		v.TerminalAt = &t
	}
	return v
}

func (s *Server) listOrders(c *gin.Context) {
	status := strings.ToUpper(c.Query("status"))
	symbol := strings.ToUpper(c.Query("symbol"))
	open := c.Query("open") == "true"

	views := []orderView{}
	for _, o := range s.orders.Orders() {
		if status != "" && string(o.Status) != status {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if open && !o.Status.IsOpen() {
			continue
		}
		views = append(views, newOrderView(o))
	}
	success(c, http.StatusOK, views)
}

// orderID reads the :id parameter, answering 400 when it is malformed.
func orderID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := security.ValidateClientOrderID(id); err != nil {
		badRequest(c, err.Error())
		return "", false
	}
	return id, true
}

func (s *Server) getOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	o, ok := s.orders.Get(id)
	if !ok {
		notFound(c, "Order not found")
		return
	}
	success(c, http.StatusOK, newOrderView(o))
}

type eventView struct {
	Key              string          `json:"key"`
	ClientOrderID    string          `json:"client_order_id"`
	Symbol           string          `json:"symbol"`
	From             string          `json:"from"`
	To               string          `json:"to"`
	Reason           string          `json:"reason,omitempty"`
	FilledQuantity   decimal.Decimal `json:"filled_quantity"`
	AverageFillPrice decimal.Decimal `json:"average_fill_price"`
	Timestamp        time.Time       `json:"timestamp"`
}

func newEventView(ev models.LifecycleEvent) eventView {
	return eventView{
		Key:              ev.Key(),
		ClientOrderID:    ev.ClientOrderID,
		Symbol:           ev.Symbol,
		From:             string(ev.From),
		To:               string(ev.To),
		Reason:           ev.Reason,
		FilledQuantity:   ev.FilledQuantity,
		AverageFillPrice: ev.AverageFillPrice,
		Timestamp:        ev.Timestamp,
	}
}

func (s *Server) orderEvents(c *gin.Context) {
	if s.history == nil {
		notFound(c, "Event history is not stored")
		return
	}
	id, ok := orderID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	events, err := s.history.ListEvents(c.Request.Context(), store.EventFilter{
		ClientOrderID: id,
		Limit:         limit,
	})
	if err != nil {
		_ = c.Error(err)
		internalError(c, "Failed to load events")
		return
	}

	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, newEventView(ev))
	}
	success(c, http.StatusOK, views)
}

func (s *Server) cancelOrder(c *gin.Context) {
	reason := c.Query("reason")
	id, ok := orderID(c)
	if !ok {
		return
	}
	o, err := s.orders.Cancel(c.Request.Context(), id, reason)
	switch {
	case err == nil && !o.Status.IsTerminal():
		// Requested; the order keeps working until the broker closes it.
		success(c, http.StatusAccepted, newOrderView(o))
	case err == nil:
		success(c, http.StatusOK, newOrderView(o))
	case errors.Is(err, errors.ErrOrderNotFound):
		notFound(c, "Order not found")
	case errors.Is(err, monitor.ErrOrderTerminal):
		conflict(c, "Order is already "+string(o.Status))
	default:
		_ = c.Error(err)
		fail(c, http.StatusBadGateway, "BROKER_ERROR", err.Error())
	}
}

type positionView struct {
	Symbol            string          `json:"symbol"`
	NetQuantity       decimal.Decimal `json:"net_quantity"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	MarketPrice       decimal.Decimal `json:"market_price"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
}

func (s *Server) positions(c *gin.Context) {
	snap, err := s.account.GetAccountSnapshot(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusBadGateway, "BROKER_ERROR", "Account unavailable")
		return
	}

	// positions is what the broker reports; tracked is built from the
	// journal's fills and should agree with it.
	success(c, http.StatusOK, gin.H{
		"buying_power": snap.BuyingPower,
		"equity":       snap.Equity,
		"positions":    positionViews(snap.Positions),
		"tracked":      positionViews(s.agent.Positions(snap.Prices())),
	})
}

func positionViews(positions []models.Position) []positionView {
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		if p.IsFlat() {
			continue
		}
		views = append(views, positionView{
			Symbol:            p.Symbol,
			NetQuantity:       p.NetQuantity,
			AverageEntryPrice: p.AverageEntryPrice,
			MarketPrice:       p.MarketPrice,
			UnrealizedPnL:     p.UnrealizedPnL,
		})
	}
	return views
}

func (s *Server) status(c *gin.Context) {
	st := s.agent.Status()
	success(c, http.StatusOK, gin.H{
		"session_date":   st.Counters.SessionDate,
		"realized_pnl":   st.Counters.RealizedPnL,
		"entries":        st.Counters.Entries,
		"halted":         st.Counters.Halted,
		"halt_reason":    st.Counters.HaltReason,
		"open_orders":    st.OpenOrders,
		"pending_events": st.Pending,
		"exits":          st.Exits,
	})
}

func (s *Server) halt(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	s.agent.Halt(c.Request.Context(), body.Reason)
	s.logger.Warn().Str("client_id", c.GetString(clientIDKey)).Str("reason", body.Reason).Msg("Halt requested over API")

	st := s.agent.Status()
	success(c, http.StatusOK, gin.H{"halted": st.Counters.Halted, "halt_reason": st.Counters.HaltReason})
}
