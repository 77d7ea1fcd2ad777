package payment

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/buildtall-systems/chainpos/internal/chain"
	"github.com/buildtall-systems/chainpos/internal/fsm"
)

const subscriptionBuffer = 128

// Subscription is a live push subscription handed from the prober to the
// listener.
type Subscription struct {
	ethereum.Subscription
	Logs <-chan types.Log
}

// Prober decides once at startup whether the endpoint can push events.
type Prober struct {
	source  EventSource
	channel *fsm.ChannelStateMachine
	logger  zerolog.Logger
}

func NewProber(source EventSource, channel *fsm.ChannelStateMachine, logger zerolog.Logger) *Prober {
	return &Prober{
		source:  source,
		channel: channel,
		logger:  logger.With().Str("component", "prober").Logger(),
	}
}

// Probe tries to open a subscription and records the result on the channel
// state machine. Any failure leaves the system polling.
func (p *Prober) Probe(ctx context.Context) (*Subscription, bool) {
	logs := make(chan types.Log, subscriptionBuffer)

	sub, err := p.source.SubscribePaymentEvents(ctx, logs)
	switch {
	case err == nil:
		p.transition(ctx, fsm.ChannelEventPushReady)
		p.logger.Info().Msg("event subscription active, push channel authoritative")
		return &Subscription{Subscription: sub, Logs: logs}, true

	case chain.IsSubscriptionUnsupported(err):
		p.logger.Warn().Err(err).Msg("endpoint does not support event subscriptions, falling back to polling")
		p.transition(ctx, fsm.ChannelEventPushUnsupported)

	default:
		p.logger.Error().Err(err).Msg("event subscription failed, falling back to polling")
		p.transition(ctx, fsm.ChannelEventProbeFailed)
	}
	return nil, false
}

func (p *Prober) transition(ctx context.Context, event string) {
	if err := p.channel.Event(ctx, event); err != nil {
		p.logger.Warn().Err(err).Str("event", event).Msg("channel transition rejected")
	}
}
