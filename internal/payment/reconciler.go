package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildtall-systems/chainpos/internal/db"
	"github.com/buildtall-systems/chainpos/internal/fsm"
	"github.com/buildtall-systems/chainpos/internal/notify"
)

const notifyTimeout = 10 * time.Second

// Reconciler applies order transitions exactly once. Both detection channels
// and the cancellation flow converge here; the store's compare-and-swap on
// status decides races.
type Reconciler struct {
	store    OrderStore
	notifier notify.Notifier
	logger   zerolog.Logger

	untrack untracker
}

func NewReconciler(store OrderStore, notifier notify.Notifier, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
}

// setUntracker wires the supervisor in after construction; the supervisor
// itself depends on the reconciler.
func (r *Reconciler) setUntracker(u untracker) {
	r.untrack = u
}

// ConfirmPayment moves a pending order to completed. A detection for an
// order that is already terminal is a successful no-op.
func (r *Reconciler) ConfirmPayment(ctx context.Context, d Detection) (*Result, error) {
	log := r.logger.With().Str("order_id", d.OrderID).Str("source", string(d.Source)).Logger()

	order, err := r.store.GetOrder(ctx, d.OrderID)
	if errors.Is(err, db.ErrOrderNotFound) {
		log.Warn().Msg("payment detected for unknown order")
		return &Result{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading order: %w", err)
	}

	if !order.IsPending() {
		log.Debug().Str("status", order.Status).Msg("order already settled")
		r.stopTracking(d.OrderID)
		return &Result{Outcome: OutcomeNoOp, Order: order}, nil
	}

	err = r.store.SetOrderStatus(ctx, d.OrderID, fsm.OrderStateCompleted, d.TxHash, d.Payer)
	switch {
	case errors.Is(err, db.ErrOrderConflict):
		log.Debug().Msg("lost completion race")
		r.stopTracking(d.OrderID)
		return &Result{Outcome: OutcomeNoOp, Order: r.reload(ctx, order)}, nil
	case errors.Is(err, db.ErrOrderNotFound):
		return &Result{Outcome: OutcomeNotFound}, nil
	case err != nil:
		return nil, fmt.Errorf("completing order: %w", err)
	}

	// The transition happened; what follows must not be undone by the
	// caller going away.
	detached := context.WithoutCancel(ctx)

	completed := r.reload(detached, order)
	if completed == order {
		completed = completedCopy(order, d)
	}

	r.stopTracking(d.OrderID)

	log.Info().
		Str("merchant_id", completed.MerchantID).
		Str("tx_hash", d.TxHash).
		Str("payer", d.Payer).
		Msg("order completed")

	r.publish(detached, completed, notify.EventPaymentCompleted, d.Source)

	return &Result{Outcome: OutcomeCompleted, Order: completed}, nil
}

// CancelOrder moves a pending order to cancelled. Cancelling a terminal
// order reports OutcomeConflict and changes nothing.
func (r *Reconciler) CancelOrder(ctx context.Context, orderID string) (*Result, error) {
	log := r.logger.With().Str("order_id", orderID).Logger()

	order, err := r.store.GetOrder(ctx, orderID)
	if errors.Is(err, db.ErrOrderNotFound) {
		return &Result{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading order: %w", err)
	}

	if !order.IsPending() {
		return &Result{Outcome: OutcomeConflict, Order: order}, nil
	}

	err = r.store.SetOrderStatus(ctx, orderID, fsm.OrderStateCancelled, "", "")
	switch {
	case errors.Is(err, db.ErrOrderConflict):
		return &Result{Outcome: OutcomeConflict, Order: r.reload(ctx, order)}, nil
	case errors.Is(err, db.ErrOrderNotFound):
		return &Result{Outcome: OutcomeNotFound}, nil
	case err != nil:
		return nil, fmt.Errorf("cancelling order: %w", err)
	}

	detached := context.WithoutCancel(ctx)
	r.stopTracking(orderID)

	cancelled := r.reload(detached, order)
	if cancelled == order {
		cp := *order
		cp.Status = fsm.OrderStateCancelled
		cancelled = &cp
	}

	log.Info().Str("merchant_id", cancelled.MerchantID).Msg("order cancelled")
	r.publish(detached, cancelled, notify.EventOrderCancelled, "")

	return &Result{Outcome: OutcomeCancelled, Order: cancelled}, nil
}

func (r *Reconciler) stopTracking(orderID string) {
	if r.untrack != nil {
		r.untrack.Untrack(orderID)
	}
}

// reload re-reads the order, falling back to the stale copy.
func (r *Reconciler) reload(ctx context.Context, stale *db.Order) *db.Order {
	fresh, err := r.store.GetOrder(ctx, stale.ID)
	if err != nil {
		r.logger.Warn().Err(err).Str("order_id", stale.ID).Msg("reloading order")
		return stale
	}
	return fresh
}

func completedCopy(order *db.Order, d Detection) *db.Order {
	cp := *order
	cp.Status = fsm.OrderStateCompleted
	if d.TxHash != "" {
		cp.TxHash.String, cp.TxHash.Valid = d.TxHash, true
	}
	if d.Payer != "" {
		cp.PayerAddress.String, cp.PayerAddress.Valid = d.Payer, true
	}
	return &cp
}

// publish delivers at most once; failures are logged, never retried.
func (r *Reconciler) publish(ctx context.Context, order *db.Order, event notify.EventType, source Source) {
	if r.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	err := r.notifier.Publish(ctx, order.MerchantID, notificationFor(order, event, source))
	if err != nil {
		r.logger.Warn().Err(err).
			Str("order_id", order.ID).
			Str("merchant_id", order.MerchantID).
			Str("event", string(event)).
			Msg("notification not delivered")
	}
}

func notificationFor(order *db.Order, event notify.EventType, source Source) notify.Notification {
	return notify.Notification{
		Type:         event,
		OrderID:      order.ID,
		MerchantID:   order.MerchantID,
		ProductName:  order.ProductName,
		Amount:       order.Amount,
		Status:       order.Status,
		TxHash:       order.TxHash.String,
		PayerAddress: order.PayerAddress.String,
		Source:       string(source),
		Timestamp:    time.Now().UTC(),
	}
}
