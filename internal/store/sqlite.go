package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"signal-trader/internal/errors"
	"signal-trader/internal/models"
	"signal-trader/internal/risk"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Tracked orders
	CREATE TABLE IF NOT EXISTS orders (
		client_order_id TEXT PRIMARY KEY,
		broker_order_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		order_type TEXT NOT NULL,
		quantity TEXT NOT NULL,
		status TEXT NOT NULL,
		filled_quantity TEXT NOT NULL DEFAULT '0',
		avg_fill_price TEXT NOT NULL DEFAULT '0',
		reason TEXT,
		submitted_at DATETIME NOT NULL,
		last_checked_at DATETIME,
		terminal_at DATETIME,
		expires_at DATETIME,
		submit_attempts INTEGER DEFAULT 0,
		pending_action TEXT,
		linked_signal TEXT,
		intent TEXT,
		archived_at DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Lifecycle events, one row per event key
	CREATE TABLE IF NOT EXISTS order_events (
		id TEXT PRIMARY KEY,
		event_key TEXT NOT NULL UNIQUE,
		client_order_id TEXT NOT NULL,
		broker_order_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT,
		from_status TEXT,
		to_status TEXT NOT NULL,
		reason TEXT,
		filled_quantity TEXT NOT NULL,
		avg_fill_price TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	-- Signals already acted on, used to seed duplicate detection
	CREATE TABLE IF NOT EXISTS processed_signals (
		source_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		client_order_id TEXT,
		outcome TEXT NOT NULL,
		reason TEXT,
		processed_at DATETIME NOT NULL
	);

	-- Rolling risk counters per session
	CREATE TABLE IF NOT EXISTS risk_state (
		session_date TEXT PRIMARY KEY,
		realized_pnl TEXT NOT NULL,
		entries INTEGER NOT NULL,
		halted INTEGER DEFAULT 0,
		halt_reason TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
	CREATE INDEX IF NOT EXISTS idx_events_order ON order_events(client_order_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON order_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_signals_processed_at ON processed_signals(processed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============================================================================
// Orders Methods
// ============================================================================

const orderColumns = `client_order_id, broker_order_id, symbol, side, order_type, quantity, status,
	filled_quantity, avg_fill_price, reason, submitted_at, last_checked_at, terminal_at, expires_at,
	submit_attempts, pending_action, linked_signal, intent`

// SaveOrder inserts or replaces an order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o models.Order) error {
	intent, err := json.Marshal(o.Intent)
	if err != nil {
		return fmt.Errorf("failed to encode intent: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(client_order_id) DO UPDATE SET
			broker_order_id = excluded.broker_order_id,
			status = excluded.status,
			filled_quantity = excluded.filled_quantity,
			avg_fill_price = excluded.avg_fill_price,
			reason = excluded.reason,
			last_checked_at = excluded.last_checked_at,
			terminal_at = excluded.terminal_at,
			expires_at = excluded.expires_at,
			submit_attempts = excluded.submit_attempts,
			pending_action = excluded.pending_action,
			updated_at = CURRENT_TIMESTAMP
	`, o.ClientOrderID, o.BrokerOrderID, o.Symbol, string(o.Side), string(o.Type), o.Quantity.String(),
		string(o.Status), o.FilledQuantity.String(), o.AverageFillPrice.String(), o.Reason,
		o.SubmittedAt, nullTime(o.LastCheckedAt), nullTime(o.TerminalAt), nullTime(o.ExpiresAt),
		o.SubmitAttempts, string(o.PendingAction), o.LinkedSignal, string(intent))
	if err != nil {
		return errors.Wrapf(errors.ErrDatabaseError, "failed to save order %s: %v", o.ClientOrderID, err)
	}
	return nil
}

// GetOrder retrieves an order by client order id.
func (s *SQLiteStore) GetOrder(ctx context.Context, clientOrderID string) (models.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return models.Order{}, errors.Wrapf(errors.ErrOrderNotFound, "order %s", clientOrderID)
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// ListOrders retrieves orders, most recent first.
func (s *SQLiteStore) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += " AND submitted_at >= ?"
		args = append(args, filter.Since)
	}
	if !filter.IncludeArchived {
		query += " AND archived_at IS NULL"
	}

	query += " ORDER BY submitted_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryOrders(ctx, query, args...)
}

// LoadOpenOrders retrieves every non-terminal, non-archived order.
func (s *SQLiteStore) LoadOpenOrders(ctx context.Context) ([]models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE archived_at IS NULL AND status NOT IN (?, ?, ?, ?)
		ORDER BY submitted_at ASC
	`, string(models.StatusFilled), string(models.StatusRejected), string(models.StatusCancelled), string(models.StatusExpired))
}

// ArchiveOrder marks an order as archived. Archived orders are kept for export.
func (s *SQLiteStore) ArchiveOrder(ctx context.Context, clientOrderID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET archived_at = ? WHERE client_order_id = ?`, at, clientOrderID)
	if err != nil {
		return fmt.Errorf("failed to archive order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrOrderNotFound, "order %s", clientOrderID)
	}
	return nil
}

func (s *SQLiteStore) queryOrders(ctx context.Context, query string, args ...interface{}) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}

	return orders, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (models.Order, error) {
	var o models.Order
	var brokerID, reason, pending, linked, intent sql.NullString
	var side, orderType, status string
	var qty, filled, avg string
	var lastChecked, terminal, expires sql.NullTime

	err := row.Scan(&o.ClientOrderID, &brokerID, &o.Symbol, &side, &orderType, &qty, &status,
		&filled, &avg, &reason, &o.SubmittedAt, &lastChecked, &terminal, &expires,
		&o.SubmitAttempts, &pending, &linked, &intent)
	if err != nil {
		return o, err
	}

	o.BrokerOrderID = brokerID.String
	o.Side = models.OrderSide(side)
	o.Type = models.OrderType(orderType)
	o.Status = models.OrderStatus(status)
	o.Reason = reason.String
	o.PendingAction = models.PendingAction(pending.String)
	o.LinkedSignal = linked.String
	o.LastCheckedAt = lastChecked.Time
	o.TerminalAt = terminal.Time
	o.ExpiresAt = expires.Time

	if o.Quantity, err = decimal.NewFromString(qty); err != nil {
		return o, err
	}
	if o.FilledQuantity, err = decimal.NewFromString(filled); err != nil {
		return o, err
	}
	if o.AverageFillPrice, err = decimal.NewFromString(avg); err != nil {
		return o, err
	}
	if intent.Valid && intent.String != "" {
		if err := json.Unmarshal([]byte(intent.String), &o.Intent); err != nil {
			return o, fmt.Errorf("failed to decode intent: %w", err)
		}
	}
	return o, nil
}

// ============================================================================
// Event Methods
// ============================================================================

// Publish records a lifecycle event. A redelivered event (same key) is ignored,
// so the store can sit behind the monitor's at-least-once delivery.
func (s *SQLiteStore) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO order_events (id, event_key, client_order_id, broker_order_id, symbol, side,
			from_status, to_status, reason, filled_quantity, avg_fill_price, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Key(), ev.ClientOrderID, ev.BrokerOrderID, ev.Symbol, string(ev.Side),
		string(ev.From), string(ev.To), ev.Reason, ev.FilledQuantity.String(), ev.AverageFillPrice.String(), ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ListEvents retrieves lifecycle events in the order they happened.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]models.LifecycleEvent, error) {
	query := `SELECT id, client_order_id, broker_order_id, symbol, side, from_status, to_status, reason,
		filled_quantity, avg_fill_price, timestamp FROM order_events WHERE 1=1`
	args := []interface{}{}

	if filter.ClientOrderID != "" {
		query += " AND client_order_id = ?"
		args = append(args, filter.ClientOrderID)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since)
	}

	query += " ORDER BY timestamp ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.LifecycleEvent
	for rows.Next() {
		var ev models.LifecycleEvent
		var brokerID, side, from, reason sql.NullString
		var to, filled, avg string
		if err := rows.Scan(&ev.ID, &ev.ClientOrderID, &brokerID, &ev.Symbol, &side, &from, &to, &reason,
			&filled, &avg, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.BrokerOrderID = brokerID.String
		ev.Side = models.OrderSide(side.String)
		ev.From = models.OrderStatus(from.String)
		ev.To = models.OrderStatus(to)
		ev.Reason = reason.String
		if ev.FilledQuantity, err = decimal.NewFromString(filled); err != nil {
			return nil, err
		}
		if ev.AverageFillPrice, err = decimal.NewFromString(avg); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// ============================================================================
// Signal Methods
// ============================================================================

// MarkSignalProcessed records the decision for a signal, replacing an earlier one.
func (s *SQLiteStore) MarkSignalProcessed(ctx context.Context, rec SignalRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO processed_signals (source_id, symbol, client_order_id, outcome, reason, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.SourceID, rec.Symbol, rec.ClientOrderID, rec.Outcome, rec.Reason, rec.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to mark signal processed: %w", err)
	}
	return nil
}

// RecentSignals retrieves signals processed at or after since.
func (s *SQLiteStore) RecentSignals(ctx context.Context, since time.Time) ([]SignalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, symbol, client_order_id, outcome, reason, processed_at
		FROM processed_signals WHERE processed_at >= ?
		ORDER BY processed_at ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var records []SignalRecord
	for rows.Next() {
		var rec SignalRecord
		var clientID, reason sql.NullString
		if err := rows.Scan(&rec.SourceID, &rec.Symbol, &clientID, &rec.Outcome, &reason, &rec.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		rec.ClientOrderID = clientID.String
		rec.Reason = reason.String
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}

	return records, nil
}

// ============================================================================
// Risk State Methods
// ============================================================================

// SaveRiskState stores the counters of a session.
func (s *SQLiteStore) SaveRiskState(ctx context.Context, c risk.Counters) error {
	halted := 0
	if c.Halted {
		halted = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO risk_state (session_date, realized_pnl, entries, halted, halt_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, c.SessionDate, c.RealizedPnL.String(), c.Entries, halted, c.HaltReason)
	if err != nil {
		return fmt.Errorf("failed to save risk state: %w", err)
	}
	return nil
}

// LoadRiskState retrieves the counters of a session. ok is false when the
// session has no stored counters.
func (s *SQLiteStore) LoadRiskState(ctx context.Context, sessionDate string) (risk.Counters, bool, error) {
	var c risk.Counters
	var pnl string
	var halted int
	var reason sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT session_date, realized_pnl, entries, halted, halt_reason
		FROM risk_state WHERE session_date = ?
	`, sessionDate).Scan(&c.SessionDate, &pnl, &c.Entries, &halted, &reason)
	if err == sql.ErrNoRows {
		return risk.Counters{}, false, nil
	}
	if err != nil {
		return risk.Counters{}, false, fmt.Errorf("failed to load risk state: %w", err)
	}

	if c.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
		return risk.Counters{}, false, err
	}
	c.Halted = halted == 1
	c.HaltReason = reason.String
	return c, true, nil
}

// nullTime stores the zero time as NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ DataStore = (*SQLiteStore)(nil)
