package nostr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// ErrNoRelays is returned when no relay is connected.
var ErrNoRelays = errors.New("no relays connected")

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Conn is the subset of *nostr.Relay the manager uses.
type Conn interface {
	Publish(ctx context.Context, event nostr.Event) error
	IsConnected() bool
	Close() error
}

// DialFunc opens a relay connection.
type DialFunc func(ctx context.Context, url string) (Conn, error)

func dialRelay(ctx context.Context, url string) (Conn, error) {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return relay, nil
}

// RelayManager keeps publish connections to a set of Nostr relays and
// reconnects dropped relays in the background.
type RelayManager struct {
	relayURLs []string
	dial      DialFunc
	logger    zerolog.Logger

	mu           sync.RWMutex
	relays       map[string]Conn
	reconnecting map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRelayManager creates a relay manager for the given relay URLs.
func NewRelayManager(relayURLs []string, logger zerolog.Logger) *RelayManager {
	return NewRelayManagerWithDialer(relayURLs, dialRelay, logger)
}

// NewRelayManagerWithDialer is NewRelayManager with a custom dialer.
func NewRelayManagerWithDialer(relayURLs []string, dial DialFunc, logger zerolog.Logger) *RelayManager {
	return &RelayManager{
		relayURLs:    relayURLs,
		dial:         dial,
		logger:       logger.With().Str("component", "relays").Logger(),
		relays:       make(map[string]Conn),
		reconnecting: make(map[string]bool),
	}
}

// Connect dials every relay once. Relays that fail are retried in the
// background. Returns ErrNoRelays when none connected on the first attempt.
func (rm *RelayManager) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	rm.mu.Lock()
	rm.ctx, rm.cancel = runCtx, cancel
	rm.mu.Unlock()

	var connected int
	for _, url := range rm.relayURLs {
		conn, err := rm.dial(runCtx, url)
		if err != nil {
			rm.logger.Warn().Err(err).Str("relay", url).Msg("failed to connect")
			rm.scheduleReconnect(url)
			continue
		}

		rm.mu.Lock()
		rm.relays[url] = conn
		rm.mu.Unlock()

		connected++
		rm.logger.Debug().Str("relay", url).Msg("connected")
	}

	rm.logger.Info().Int("connected", connected).Int("configured", len(rm.relayURLs)).Msg("relays ready")

	if connected == 0 {
		return ErrNoRelays
	}
	return nil
}

// scheduleReconnect starts one background reconnect loop per relay.
func (rm *RelayManager) scheduleReconnect(url string) {
	rm.mu.Lock()
	runCtx := rm.ctx
	if rm.reconnecting[url] || runCtx == nil || runCtx.Err() != nil {
		rm.mu.Unlock()
		return
	}
	rm.reconnecting[url] = true
	rm.wg.Add(1)
	rm.mu.Unlock()

	go func() {
		defer rm.wg.Done()
		defer func() {
			rm.mu.Lock()
			delete(rm.reconnecting, url)
			rm.mu.Unlock()
		}()

		b := retry.WithCappedDuration(maxBackoff, retry.NewExponential(minBackoff))
		err := retry.Do(runCtx, b, func(ctx context.Context) error {
			conn, err := rm.dial(ctx, url)
			if err != nil {
				rm.logger.Debug().Err(err).Str("relay", url).Msg("reconnect failed")
				return retry.RetryableError(err)
			}

			rm.mu.Lock()
			old := rm.relays[url]
			rm.relays[url] = conn
			rm.mu.Unlock()
			if old != nil {
				_ = old.Close()
			}
			return nil
		})
		if err != nil {
			return
		}
		rm.logger.Info().Str("relay", url).Msg("reconnected")
	}()
}

// Publish sends an event to every connected relay. Relays found
// disconnected are reconnected in the background.
func (rm *RelayManager) Publish(ctx context.Context, event *nostr.Event) error {
	rm.mu.RLock()
	relays := make(map[string]Conn, len(rm.relays))
	for url, conn := range rm.relays {
		relays[url] = conn
	}
	rm.mu.RUnlock()

	var lastErr error
	var published int

	for url, conn := range relays {
		if !conn.IsConnected() {
			rm.scheduleReconnect(url)
			continue
		}
		if err := conn.Publish(ctx, *event); err != nil {
			lastErr = err
			rm.logger.Warn().Err(err).Str("relay", url).Msg("publish failed")
			if !conn.IsConnected() {
				rm.scheduleReconnect(url)
			}
			continue
		}
		published++
	}

	if published == 0 {
		if lastErr == nil {
			return ErrNoRelays
		}
		return fmt.Errorf("failed to publish to any relay: %w", lastErr)
	}

	rm.logger.Debug().Str("event_id", event.ID).Int("relays", published).Msg("published event")
	return nil
}

// Connected returns the number of relays currently connected.
func (rm *RelayManager) Connected() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var n int
	for _, conn := range rm.relays {
		if conn.IsConnected() {
			n++
		}
	}
	return n
}

// Close stops reconnect loops and closes all relay connections.
func (rm *RelayManager) Close() {
	rm.mu.Lock()
	cancel := rm.cancel
	rm.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	rm.wg.Wait()

	rm.mu.Lock()
	for _, conn := range rm.relays {
		_ = conn.Close()
	}
	rm.relays = make(map[string]Conn)
	rm.mu.Unlock()

	rm.logger.Debug().Msg("relay manager closed")
}
