// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"signal-trader/internal/models"
	"signal-trader/internal/risk"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	// Orders
	SaveOrder(ctx context.Context, o models.Order) error
	GetOrder(ctx context.Context, clientOrderID string) (models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)
	LoadOpenOrders(ctx context.Context) ([]models.Order, error)
	ArchiveOrder(ctx context.Context, clientOrderID string, at time.Time) error

	// Lifecycle events
	Publish(ctx context.Context, ev models.LifecycleEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]models.LifecycleEvent, error)

	// Processed signals
	MarkSignalProcessed(ctx context.Context, rec SignalRecord) error
	RecentSignals(ctx context.Context, since time.Time) ([]SignalRecord, error)

	// Risk counters
	SaveRiskState(ctx context.Context, c risk.Counters) error
	LoadRiskState(ctx context.Context, sessionDate string) (risk.Counters, bool, error)

	// Lifecycle
	Close() error
}

// OrderFilter represents filters for querying orders.
type OrderFilter struct {
	Symbol          string
	Status          models.OrderStatus
	Since           time.Time
	IncludeArchived bool
	Limit           int
}

// EventFilter represents filters for querying lifecycle events.
type EventFilter struct {
	ClientOrderID string
	Since         time.Time
	Limit         int
}

// SignalRecord is the decision taken on one signal.
type SignalRecord struct {
	SourceID      string
	Symbol        string
	ClientOrderID string
	Outcome       string // accepted, rejected, failed
	Reason        string
	ProcessedAt   time.Time
}
