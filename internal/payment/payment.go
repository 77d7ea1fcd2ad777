// Package payment is the payment confirmation core. It learns, exactly once,
// when an order has been paid on chain, reconciling a push channel (contract
// event subscription) with a pull channel (per-order status polling).
package payment

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/buildtall-systems/chainpos/internal/chain"
	"github.com/buildtall-systems/chainpos/internal/db"
)

// Source names the detection channel that observed a payment.
type Source string

const (
	SourceEvent Source = "event"
	SourcePoll  Source = "poll"
	SourceDemo  Source = "demo"
)

// Detection is a claim that an order has been paid.
type Detection struct {
	OrderID string
	TxHash  string // empty when the channel cannot observe it
	Payer   string
	Source  Source
}

// Outcome is the result of a reconciliation attempt. None of these are
// failures; callers log them and move on.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeNoOp
	OutcomeNotFound
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeNoOp:
		return "noop"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Result carries the outcome and the order as last read.
type Result struct {
	Outcome Outcome
	Order   *db.Order
}

// OrderStore reads and transitions orders.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (*db.Order, error)
	SetOrderStatus(ctx context.Context, orderID, newStatus, txHash, payer string) error
	ListPendingOrders(ctx context.Context) ([]db.Order, error)
}

// EventLedger records which chain events have been applied and how far the
// chain has been scanned.
type EventLedger interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	TryProcess(ctx context.Context, eventID string, blockNumber uint64) (bool, error)
	GetHighWaterMark(ctx context.Context) (uint64, error)
	SetHighWaterMark(ctx context.Context, block uint64) error
}

// Store is everything the core persists through.
type Store interface {
	OrderStore
	EventLedger
}

// StatusQuerier is the pull capability of the chain client.
type StatusQuerier interface {
	QueryPaymentStatus(ctx context.Context, orderID string) (*chain.PaymentStatus, error)
}

// EventSource is the push capability of the chain client.
type EventSource interface {
	SubscribePaymentEvents(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error)
	PaymentEventsSince(ctx context.Context, from uint64) ([]types.Log, uint64, error)
	LatestBlock(ctx context.Context) (uint64, error)
}

// ChainClient combines both capabilities.
type ChainClient interface {
	StatusQuerier
	EventSource
}

// Capability reports whether push events are authoritative.
type Capability interface {
	EventChannelUsable() bool
}

type confirmer interface {
	ConfirmPayment(ctx context.Context, d Detection) (*Result, error)
}

type untracker interface {
	Untrack(orderID string)
}
