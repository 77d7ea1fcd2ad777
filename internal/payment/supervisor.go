package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/buildtall-systems/chainpos/internal/db"
	"github.com/buildtall-systems/chainpos/internal/fsm"
)

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultPollMaxDuration = 30 * time.Minute
	DefaultPollMaxRPS      = 10
)

// SupervisorConfig tunes polling. Zero values take the defaults.
type SupervisorConfig struct {
	Interval    time.Duration
	MaxDuration time.Duration
	// MaxRPS caps status queries per second across all tasks. Negative
	// disables the cap.
	MaxRPS float64
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultPollMaxDuration
	}
	if c.MaxRPS == 0 {
		c.MaxRPS = DefaultPollMaxRPS
	}
	return c
}

type pollTask struct {
	orderID   string
	startedAt time.Time
	cancel    context.CancelFunc
}

// Supervisor runs at most one polling task per order while the push channel
// is not usable.
type Supervisor struct {
	store      OrderStore
	chain      StatusQuerier
	capability Capability
	confirmer  confirmer
	cfg        SupervisorConfig
	limiter    *rate.Limiter
	logger     zerolog.Logger

	mu      sync.Mutex
	tasks   map[string]*pollTask
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

func NewSupervisor(store OrderStore, querier StatusQuerier, capability Capability, c confirmer, cfg SupervisorConfig, logger zerolog.Logger) *Supervisor {
	cfg = cfg.withDefaults()

	limit := rate.Inf
	burst := 1
	if cfg.MaxRPS > 0 {
		limit = rate.Limit(cfg.MaxRPS)
		burst = max(1, int(cfg.MaxRPS))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:      store,
		chain:      querier,
		capability: capability,
		confirmer:  c,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.With().Str("component", "poller").Logger(),
		tasks:      make(map[string]*pollTask),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Track starts polling orderID unless the push channel is usable or a task
// already exists.
func (s *Supervisor) Track(orderID string) {
	if s.capability.EventChannelUsable() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if _, ok := s.tasks[orderID]; ok {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.MaxDuration)
	task := &pollTask{
		orderID:   orderID,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	s.tasks[orderID] = task

	s.wg.Go(func() { s.run(ctx, task) })

	s.logger.Debug().Str("order_id", orderID).Msg("polling started")
}

// Untrack cancels the task for orderID, if any. It does not wait for the
// task to exit.
func (s *Supervisor) Untrack(orderID string) {
	s.mu.Lock()
	task, ok := s.tasks[orderID]
	if ok {
		delete(s.tasks, orderID)
	}
	s.mu.Unlock()

	if ok {
		task.cancel()
		s.logger.Debug().Str("order_id", orderID).Msg("polling stopped")
	}
}

// StopAll cancels every task and waits for them to exit. Track is a no-op
// afterwards.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	s.stopped = true
	for id, task := range s.tasks {
		task.cancel()
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// TrackPending tracks every pending order in the store. Used on startup and
// when the push channel is lost.
func (s *Supervisor) TrackPending(ctx context.Context) (int, error) {
	orders, err := s.store.ListPendingOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending orders: %w", err)
	}
	for _, o := range orders {
		s.Track(o.ID)
	}
	return len(orders), nil
}

// Active returns the number of live tasks.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// IsTracking reports whether orderID has a live task.
func (s *Supervisor) IsTracking(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[orderID]
	return ok
}

// remove drops task from the registry if it is still the registered one.
func (s *Supervisor) remove(task *pollTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[task.orderID] == task {
		delete(s.tasks, task.orderID)
	}
}

func (s *Supervisor) run(ctx context.Context, task *pollTask) {
	defer s.remove(task)
	defer task.cancel()

	log := s.logger.With().Str("order_id", task.orderID).Logger()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				log.Warn().
					Dur("elapsed", time.Since(task.startedAt)).
					Msg("polling window elapsed, order left pending")
			}
			return
		case <-ticker.C:
			if s.tick(ctx, log, task.orderID) {
				return
			}
		}
	}
}

// tick performs one poll. It returns true when the task should end.
func (s *Supervisor) tick(ctx context.Context, log zerolog.Logger, orderID string) bool {
	order, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, db.ErrOrderNotFound) {
		log.Warn().Msg("polled order no longer exists")
		return true
	}
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		log.Warn().Err(err).Msg("reading order")
		return false
	}
	if fsm.IsTerminal(order.Status) {
		log.Debug().Str("status", order.Status).Msg("order settled elsewhere")
		return true
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return true
	}

	status, err := s.chain.QueryPaymentStatus(ctx, orderID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		log.Warn().Err(err).Msg("querying payment status")
		return false
	}
	if !status.Paid {
		return false
	}

	// Untracked while the query was in flight.
	if ctx.Err() != nil {
		return true
	}

	res, err := s.confirmer.ConfirmPayment(ctx, Detection{
		OrderID: orderID,
		Payer:   status.Payer.Hex(),
		Source:  SourcePoll,
	})
	if err != nil {
		log.Warn().Err(err).Msg("confirming payment")
		return ctx.Err() != nil
	}

	log.Debug().Stringer("outcome", res.Outcome).Msg("poll detected payment")
	return true
}
