package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/buildtall-systems/chainpos/internal/chain"
)

// ErrSubscriptionLost is returned by Run when the push subscription fails.
var ErrSubscriptionLost = errors.New("event subscription lost")

// Listener consumes PaymentCompleted logs and hands them to the reconciler.
type Listener struct {
	source    EventSource
	ledger    EventLedger
	confirmer confirmer
	logger    zerolog.Logger

	mu       sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// The high-water mark never passes the lowest block holding a log that
	// failed to apply, so the next backfill sees it again.
	held   bool
	holdAt uint64
}

func NewListener(source EventSource, ledger EventLedger, c confirmer, logger zerolog.Logger) *Listener {
	return &Listener{
		source:    source,
		ledger:    ledger,
		confirmer: c,
		logger:    logger.With().Str("component", "listener").Logger(),
		stop:      make(chan struct{}),
	}
}

// Run replays logs missed since the last processed block, then consumes the
// live subscription until ctx ends, Stop is called, or the subscription
// fails. Only the latter returns an error.
func (l *Listener) Run(ctx context.Context, sub *Subscription) error {
	l.mu.Lock()
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()
	defer close(done)
	defer sub.Unsubscribe()

	if err := l.backfill(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("replaying missed events")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.stop:
			return nil
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrSubscriptionLost, err)
		case lg := <-sub.Logs:
			if err := l.HandleLog(ctx, lg); err != nil {
				l.logger.Warn().Err(err).
					Str("tx_hash", lg.TxHash.Hex()).
					Uint("log_index", lg.Index).
					Msg("skipping payment event")
			}
		}
	}
}

// Stop ends Run and waits for it to return.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })

	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

// backfill replays logs from the high-water mark to the current head, then
// advances the mark to the head. On first start there is nothing to replay;
// the mark is set to the head.
func (l *Listener) backfill(ctx context.Context) error {
	mark, err := l.ledger.GetHighWaterMark(ctx)
	if err != nil {
		return fmt.Errorf("reading high-water mark: %w", err)
	}

	if mark == 0 {
		head, err := l.source.LatestBlock(ctx)
		if err != nil {
			return err
		}
		return l.ledger.SetHighWaterMark(ctx, head)
	}

	logs, head, err := l.source.PaymentEventsSince(ctx, mark)
	if err != nil {
		return err
	}

	var skipped int
	for _, lg := range logs {
		if err := l.HandleLog(ctx, lg); err != nil {
			skipped++
			l.logger.Warn().Err(err).Str("tx_hash", lg.TxHash.Hex()).Msg("skipping replayed event")
		}
	}

	l.logger.Info().
		Uint64("from", mark).
		Uint64("to", head).
		Int("events", len(logs)).
		Int("skipped", skipped).
		Msg("replayed missed events")

	l.advanceMark(ctx, head)
	return nil
}

// HandleLog applies a single log. Errors concern only this log. Malformed
// logs are dropped. A log that fails to apply is not marked processed and
// holds the high-water mark at its block, so the next backfill retries it.
func (l *Listener) HandleLog(ctx context.Context, lg types.Log) error {
	if lg.Removed {
		l.logger.Debug().Str("tx_hash", lg.TxHash.Hex()).Msg("ignoring removed log")
		return nil
	}

	ev, err := chain.DecodePaymentEvent(lg)
	if err != nil {
		return err
	}

	eventID := ev.EventID()
	seen, err := l.ledger.IsEventProcessed(ctx, eventID)
	if err != nil {
		l.holdMark(ev.BlockNumber)
		return fmt.Errorf("checking event %s: %w", eventID, err)
	}
	if seen {
		l.logger.Debug().Str("event_id", eventID).Msg("duplicate event")
		return nil
	}

	res, err := l.confirmer.ConfirmPayment(ctx, Detection{
		OrderID: ev.OrderID,
		TxHash:  ev.TxHash.Hex(),
		Payer:   ev.Payer.Hex(),
		Source:  SourceEvent,
	})
	if err != nil {
		l.holdMark(ev.BlockNumber)
		return fmt.Errorf("confirming order %s: %w", ev.OrderID, err)
	}

	l.logger.Debug().
		Str("order_id", ev.OrderID).
		Str("event_id", eventID).
		Stringer("outcome", res.Outcome).
		Msg("payment event applied")

	if _, err := l.ledger.TryProcess(ctx, eventID, ev.BlockNumber); err != nil {
		l.logger.Warn().Err(err).Str("event_id", eventID).Msg("recording processed event")
	}
	l.advanceMark(ctx, ev.BlockNumber)
	return nil
}

func (l *Listener) holdMark(block uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held || block < l.holdAt {
		l.held, l.holdAt = true, block
	}
}

func (l *Listener) advanceMark(ctx context.Context, block uint64) {
	l.mu.Lock()
	if l.held && block > l.holdAt {
		block = l.holdAt
	}
	l.mu.Unlock()

	if err := l.ledger.SetHighWaterMark(ctx, block); err != nil {
		l.logger.Warn().Err(err).Uint64("block", block).Msg("advancing high-water mark")
	}
}
