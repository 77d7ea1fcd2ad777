package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/buildtall-systems/chainpos/internal/db"
	"github.com/buildtall-systems/chainpos/internal/fsm"
	"github.com/buildtall-systems/chainpos/internal/notify"
)

// Config configures the payment core.
type Config struct {
	Polling SupervisorConfig
	// PaymentURL is the base URL of the wallet payment page.
	PaymentURL string
	// AutoCompleteAfter enables demo completion when positive.
	AutoCompleteAfter time.Duration
}

// Service wires the prober, listener, supervisor and reconciler together
// and exposes the hooks the order flow calls.
type Service struct {
	store    Store
	chain    ChainClient
	notifier notify.Notifier
	channel  *fsm.ChannelStateMachine
	cfg      Config
	logger   zerolog.Logger

	reconciler *Reconciler
	supervisor *Supervisor
	prober     *Prober
	listener   *Listener
	demo       *AutoCompleter

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewService builds the core. A nil chain client yields a disabled core:
// orders can still be created and cancelled but nothing confirms them
// except the demo source.
func NewService(store Store, chainClient ChainClient, notifier notify.Notifier, cfg Config, logger zerolog.Logger) *Service {
	channel := fsm.NewChannelStateMachine()
	reconciler := NewReconciler(store, notifier, logger)

	s := &Service{
		store:      store,
		chain:      chainClient,
		notifier:   notifier,
		channel:    channel,
		cfg:        cfg,
		logger:     logger.With().Str("component", "payment").Logger(),
		reconciler: reconciler,
	}

	s.supervisor = NewSupervisor(store, chainClient, channel, reconciler, cfg.Polling, logger)
	reconciler.setUntracker(s.supervisor)

	if chainClient != nil {
		s.prober = NewProber(chainClient, channel, logger)
		s.listener = NewListener(chainClient, store, reconciler, logger)
	}
	if cfg.AutoCompleteAfter > 0 {
		s.demo = NewAutoCompleter(cfg.AutoCompleteAfter, reconciler, logger)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start probes the endpoint and starts whichever channel it supports.
// Pending orders left from a previous run are picked up either by event
// replay or by polling.
func (s *Service) Start(ctx context.Context) error {
	if s.chain == nil {
		if err := s.channel.Event(ctx, fsm.ChannelEventInitFailed); err != nil {
			return fmt.Errorf("disabling payment core: %w", err)
		}
		s.logger.Error().Msg("chain client unavailable, automatic payment confirmation disabled")
		return nil
	}

	// Losing the push channel later resumes polling for everything pending.
	s.channel.OnEnter(fsm.ChannelStatePoll, func(from string) {
		if from != fsm.ChannelStatePush {
			return
		}
		s.wg.Go(s.resumePolling)
	})

	sub, ok := s.prober.Probe(ctx)
	if ok {
		s.wg.Go(func() { s.runListener(sub) })
		return nil
	}

	n, err := s.supervisor.TrackPending(ctx)
	if err != nil {
		return fmt.Errorf("resuming polling: %w", err)
	}
	s.logger.Info().Int("orders", n).Msg("polling pending orders")
	return nil
}

func (s *Service) runListener(sub *Subscription) {
	err := s.listener.Run(s.ctx, sub)
	if err == nil || s.ctx.Err() != nil {
		return
	}

	s.logger.Error().Err(err).Msg("event listener failed, falling back to polling")
	if err := s.channel.Event(s.ctx, fsm.ChannelEventListenerFailed); err != nil {
		s.logger.Warn().Err(err).Msg("channel transition rejected")
	}
}

func (s *Service) resumePolling() {
	n, err := s.supervisor.TrackPending(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("resuming polling")
		}
		return
	}
	s.logger.Info().Int("orders", n).Msg("polling resumed for pending orders")
}

// OnOrderCreated announces a new order to its merchant and starts watching
// it for payment.
func (s *Service) OnOrderCreated(ctx context.Context, orderID string) error {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("loading order: %w", err)
	}

	s.announce(ctx, order)

	if s.chain != nil && s.Mode() != fsm.ChannelStateDisabled {
		s.supervisor.Track(orderID)
	}
	if s.demo != nil {
		s.demo.Schedule(orderID)
	}
	return nil
}

// OnOrderCancelled cancels a pending order and stops watching it.
func (s *Service) OnOrderCancelled(ctx context.Context, orderID string) (*Result, error) {
	res, err := s.reconciler.CancelOrder(ctx, orderID)

	s.supervisor.Untrack(orderID)
	if s.demo != nil {
		s.demo.Cancel(orderID)
	}
	return res, err
}

// ConfirmPayment exposes the reconciler for detection sources outside the
// core.
func (s *Service) ConfirmPayment(ctx context.Context, d Detection) (*Result, error) {
	return s.reconciler.ConfirmPayment(ctx, d)
}

// PaymentURL returns the wallet page link for orderID.
func (s *Service) PaymentURL(orderID string) string {
	if s.cfg.PaymentURL == "" {
		return ""
	}
	return strings.TrimRight(s.cfg.PaymentURL, "/") + "/pay/" + orderID
}

// Mode returns the current channel state.
func (s *Service) Mode() string {
	return s.channel.Current()
}

// Polling returns the number of live polling tasks.
func (s *Service) Polling() int {
	return s.supervisor.Active()
}

// Stop shuts the core down: the listener first, then every polling task and
// demo timer.
func (s *Service) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Stop()
	}
	s.supervisor.StopAll()
	if s.demo != nil {
		s.demo.StopAll()
	}
	s.wg.Wait()
}

func (s *Service) announce(ctx context.Context, order *db.Order) {
	if s.notifier == nil {
		return
	}

	n := notificationFor(order, notify.EventOrderCreated, "")
	n.PaymentURL = s.PaymentURL(order.ID)

	pubCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	if err := s.notifier.Publish(pubCtx, order.MerchantID, n); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).
			Str("order_id", order.ID).
			Str("merchant_id", order.MerchantID).
			Msg("notification not delivered")
	}
}
