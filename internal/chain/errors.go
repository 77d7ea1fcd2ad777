package chain

import "errors"

// ErrInitialization indicates the RPC endpoint could not be reached at all.
var ErrInitialization = errors.New("chain client initialization failed")

// ErrSubscriptionUnsupported indicates the endpoint rejects push subscriptions.
var ErrSubscriptionUnsupported = errors.New("event subscription not supported")

// ErrTransient wraps any other RPC failure. Callers retry on their own schedule.
var ErrTransient = errors.New("transient chain error")

// ErrInvalidOrderRef indicates an on-chain reference that does not map to an order ID.
var ErrInvalidOrderRef = errors.New("invalid order reference")

// ErrInvalidPaymentEvent indicates a log that is not a well-formed PaymentCompleted event.
var ErrInvalidPaymentEvent = errors.New("invalid payment event")
