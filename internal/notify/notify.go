// Package notify delivers order lifecycle notifications to merchants.
// Delivery is best effort and at most once: nothing is retried or persisted.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// EventType names a notification.
type EventType string

const (
	EventOrderCreated     EventType = "order_created"
	EventPaymentCompleted EventType = "payment_completed"
	EventOrderCancelled   EventType = "order_cancelled"
)

// Notification is the payload delivered to a merchant session.
type Notification struct {
	Type         EventType `json:"type"`
	OrderID      string    `json:"orderId"`
	MerchantID   string    `json:"merchantId"`
	ProductName  string    `json:"productName,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	Status       string    `json:"status"`
	TxHash       string    `json:"txHash,omitempty"`
	PayerAddress string    `json:"payerAddress,omitempty"`
	PaymentURL   string    `json:"paymentUrl,omitempty"`
	Source       string    `json:"source,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier publishes a notification addressed to a merchant.
type Notifier interface {
	Publish(ctx context.Context, merchantID string, n Notification) error
}

// LogNotifier writes notifications to the log. It is the fallback when no
// transport is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Publish(_ context.Context, merchantID string, n Notification) error {
	l.logger.Info().
		Str("merchant_id", merchantID).
		Str("order_id", n.OrderID).
		Str("event", string(n.Type)).
		Str("status", n.Status).
		Msg("notification")
	return nil
}

// Multi fans a notification out to several notifiers. Every notifier is
// attempted; their errors are joined.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, merchantID string, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Publish(ctx, merchantID, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
