package monitor

import (
	"fmt"
	"time"

	"signal-trader/internal/errors"
	"signal-trader/internal/models"
)

// Reasons recorded on orders the monitor moves itself.
const (
	ReasonSubmissionFailed    = "submission_failed"
	ReasonSubmitTimeout       = "submit_timeout"
	ReasonTimeInForceElapsed  = "time_in_force_elapsed"
	ReasonCancelledByOperator = "cancelled_by_operator"
)

// Reconcile applies a broker snapshot to an order. It returns the updated
// order and whether the update is a transition (a new status or a new fill
// quantity). A FILLED report without a quantity means the whole order. A report that lowers the fill, overfills the order or changes a
// terminal order yields a ConflictError and must be dropped.
func Reconcile(o models.Order, snap models.OrderStatusSnapshot, now time.Time) (models.Order, bool, error) {
	fill := snap.FilledQuantity
	if snap.Status == models.StatusFilled && fill.IsZero() {
		fill = o.Quantity
	}

	if o.Status.IsTerminal() {
		if snap.Status == o.Status && fill.Equal(o.FilledQuantity) {
			return o, false, nil
		}
		return o, false, conflict(o, snap.Status, fill, "report after terminal state")
	}
	if fill.LessThan(o.FilledQuantity) {
		return o, false, conflict(o, snap.Status, fill, "filled quantity decreased")
	}
	if fill.GreaterThan(o.Quantity) {
		return o, false, conflict(o, snap.Status, fill, "filled quantity exceeds order quantity")
	}

	next := o
	next.LastCheckedAt = now
	next.FilledQuantity = fill
	if snap.BrokerOrderID != "" {
		next.BrokerOrderID = snap.BrokerOrderID
	}
	if snap.AverageFillPrice.IsPositive() {
		next.AverageFillPrice = snap.AverageFillPrice
	}

	// FILLED is only believed with the whole quantity behind it; a short
	// FILLED report is a partial fill.
	switch {
	case fill.IsPositive() && fill.Equal(o.Quantity):
		next.Status = models.StatusFilled
		next.Reason = ""
	case snap.Status == models.StatusRejected, snap.Status == models.StatusCancelled, snap.Status == models.StatusExpired:
		next.Status = snap.Status
		next.Reason = snap.Reason
		// A cancellation this monitor asked for keeps its local reason.
		if o.PendingAction.IsCancel() && snap.Status == models.StatusCancelled && o.Reason != "" {
			next.Reason = o.Reason
			if o.Reason == ReasonTimeInForceElapsed {
				next.Status = models.StatusExpired
			}
		}
	case fill.IsPositive():
		next.Status = models.StatusPartiallyFilled
	default:
		next.Status = models.StatusSubmitted
	}

	if next.Status.IsTerminal() || o.PendingAction == models.PendingSubmit {
		next.PendingAction = models.PendingNone
	}
	if next.Status.IsTerminal() {
		next.TerminalAt = now
	}

	changed := next.Status != o.Status || !next.FilledQuantity.Equal(o.FilledQuantity)
	return next, changed, nil
}

func conflict(o models.Order, status models.OrderStatus, fill fmt.Stringer, msg string) error {
	return errors.NewConflictError(
		o.ClientOrderID,
		fmt.Sprintf("%s/%s", o.Status, o.FilledQuantity),
		fmt.Sprintf("%s/%s", status, fill),
		msg,
	)
}
