// Package broker provides the brokerage gateway interface and its implementations.
package broker

import (
	"context"

	"signal-trader/internal/models"
)

// OrderRef identifies an order at the broker. GetOrderStatus looks the order
// up by BrokerOrderID, or by ClientOrderID when the broker id is unknown.
type OrderRef struct {
	BrokerOrderID string
	ClientOrderID string
}

// Gateway is the capability interface the agent uses to talk to a brokerage.
//
// Errors are *errors.BrokerError with Kind Transient or Permanent. Unknown
// orders are reported with errors.ErrOrderNotFound in the chain.
type Gateway interface {
	SubmitOrder(ctx context.Context, intent models.OrderIntent) (OrderRef, error)
	GetOrderStatus(ctx context.Context, ref OrderRef) (models.OrderStatusSnapshot, error)
	CancelOrder(ctx context.Context, ref OrderRef) error
	GetAccountSnapshot(ctx context.Context) (models.AccountSnapshot, error)
}

// OrderStream pushes order updates as they happen. Run blocks until ctx is
// done, reconnecting on failures.
type OrderStream interface {
	Run(ctx context.Context, handle func(models.OrderStatusSnapshot)) error
}
