package nostr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	failNext  error
	published []nostr.Event
	closed    bool
}

func (c *fakeConn) Publish(_ context.Context, ev nostr.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		return err
	}
	c.published = append(c.published, ev)
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	fail  map[string]bool
	dials atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[string]*fakeConn), fail: make(map[string]bool)}
}

func (d *fakeDialer) dial(_ context.Context, url string) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[url] {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{connected: true}
	d.conns[url] = c
	return c, nil
}

func (d *fakeDialer) conn(url string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[url]
}

func (d *fakeDialer) setFail(url string, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[url] = fail
}

func TestRelayManager_PublishToAll(t *testing.T) {
	d := newFakeDialer()
	rm := NewRelayManagerWithDialer([]string{"wss://a", "wss://b"}, d.dial, zerolog.Nop())
	require.NoError(t, rm.Connect(context.Background()))
	defer rm.Close()

	require.NoError(t, rm.Publish(context.Background(), &nostr.Event{ID: "e1"}))

	assert.Equal(t, 1, d.conn("wss://a").count())
	assert.Equal(t, 1, d.conn("wss://b").count())
	assert.Equal(t, 2, rm.Connected())
}

func TestRelayManager_PartialFailure(t *testing.T) {
	d := newFakeDialer()
	rm := NewRelayManagerWithDialer([]string{"wss://a", "wss://b"}, d.dial, zerolog.Nop())
	require.NoError(t, rm.Connect(context.Background()))
	defer rm.Close()

	d.conn("wss://a").failNext = errors.New("rate limited")

	require.NoError(t, rm.Publish(context.Background(), &nostr.Event{ID: "e1"}))
	assert.Equal(t, 0, d.conn("wss://a").count())
	assert.Equal(t, 1, d.conn("wss://b").count())
}

func TestRelayManager_AllFail(t *testing.T) {
	d := newFakeDialer()
	rm := NewRelayManagerWithDialer([]string{"wss://a"}, d.dial, zerolog.Nop())
	require.NoError(t, rm.Connect(context.Background()))
	defer rm.Close()

	d.conn("wss://a").failNext = errors.New("blocked")

	err := rm.Publish(context.Background(), &nostr.Event{ID: "e1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestRelayManager_NoRelaysConnected(t *testing.T) {
	d := newFakeDialer()
	d.setFail("wss://a", true)

	rm := NewRelayManagerWithDialer([]string{"wss://a"}, d.dial, zerolog.Nop())
	err := rm.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoRelays)
	defer rm.Close()

	assert.ErrorIs(t, rm.Publish(context.Background(), &nostr.Event{ID: "e1"}), ErrNoRelays)
}

func TestRelayManager_ReconnectsInBackground(t *testing.T) {
	d := newFakeDialer()
	d.setFail("wss://a", true)

	rm := NewRelayManagerWithDialer([]string{"wss://a"}, d.dial, zerolog.Nop())
	_ = rm.Connect(context.Background())
	defer rm.Close()

	d.setFail("wss://a", false)

	require.Eventually(t, func() bool {
		return rm.Connected() == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, rm.Publish(context.Background(), &nostr.Event{ID: "e1"}))
	assert.Equal(t, 1, d.conn("wss://a").count())
}

func TestRelayManager_DroppedRelayIsReplaced(t *testing.T) {
	d := newFakeDialer()
	rm := NewRelayManagerWithDialer([]string{"wss://a"}, d.dial, zerolog.Nop())
	require.NoError(t, rm.Connect(context.Background()))
	defer rm.Close()

	first := d.conn("wss://a")
	_ = first.Close()

	// Publishing notices the drop and triggers a reconnect.
	assert.Error(t, rm.Publish(context.Background(), &nostr.Event{ID: "e1"}))

	require.Eventually(t, func() bool {
		c := d.conn("wss://a")
		return c != first && rm.Connected() == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRelayManager_CloseStopsReconnect(t *testing.T) {
	d := newFakeDialer()
	d.setFail("wss://a", true)

	rm := NewRelayManagerWithDialer([]string{"wss://a"}, d.dial, zerolog.Nop())
	_ = rm.Connect(context.Background())

	done := make(chan struct{})
	go func() {
		rm.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestRelayManager_ConnectConcurrentWithPublish(t *testing.T) {
	d := newFakeDialer()
	d.setFail("wss://b", true)
	rm := NewRelayManagerWithDialer([]string{"wss://a", "wss://b"}, d.dial, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = rm.Connect(context.Background())
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = rm.Publish(context.Background(), &nostr.Event{ID: "e"})
			_ = rm.Connected()
		}
	}()
	wg.Wait()

	done := make(chan struct{})
	go func() {
		rm.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, 0, rm.Connected())
}
