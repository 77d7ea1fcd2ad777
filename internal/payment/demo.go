package payment

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// DemoPayer is recorded as the payer of auto-completed orders.
const DemoPayer = "demo_user"

// AutoCompleter completes orders after a fixed delay without any chain
// data. It exists for demonstrations and is only built when configured.
type AutoCompleter struct {
	delay     time.Duration
	confirmer confirmer
	timers    *xsync.MapOf[string, *time.Timer]
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewAutoCompleter(delay time.Duration, c confirmer, logger zerolog.Logger) *AutoCompleter {
	ctx, cancel := context.WithCancel(context.Background())
	return &AutoCompleter{
		delay:     delay,
		confirmer: c,
		timers:    xsync.NewMapOf[string, *time.Timer](),
		logger:    logger.With().Str("component", "demo").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Schedule arms a completion timer for orderID. Scheduling twice is a no-op.
func (a *AutoCompleter) Schedule(orderID string) {
	if a.ctx.Err() != nil {
		return
	}
	_, loaded := a.timers.LoadOrCompute(orderID, func() *time.Timer {
		return time.AfterFunc(a.delay, func() { a.fire(orderID) })
	})
	if !loaded {
		a.logger.Info().Str("order_id", orderID).Dur("after", a.delay).Msg("demo completion scheduled")
	}
}

// Cancel disarms the timer for orderID, if any.
func (a *AutoCompleter) Cancel(orderID string) {
	if t, ok := a.timers.LoadAndDelete(orderID); ok {
		t.Stop()
	}
}

// Pending returns the number of armed timers.
func (a *AutoCompleter) Pending() int {
	return a.timers.Size()
}

// StopAll disarms every timer.
func (a *AutoCompleter) StopAll() {
	a.cancel()
	a.timers.Range(func(orderID string, t *time.Timer) bool {
		t.Stop()
		a.timers.Delete(orderID)
		return true
	})
}

func (a *AutoCompleter) fire(orderID string) {
	a.timers.Delete(orderID)
	if a.ctx.Err() != nil {
		return
	}

	res, err := a.confirmer.ConfirmPayment(a.ctx, Detection{
		OrderID: orderID,
		Payer:   DemoPayer,
		Source:  SourceDemo,
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("order_id", orderID).Msg("demo completion failed")
		return
	}
	a.logger.Info().Str("order_id", orderID).Stringer("outcome", res.Outcome).Msg("demo completion")
}
