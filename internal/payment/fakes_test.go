package payment

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/buildtall-systems/chainpos/internal/chain"
	"github.com/buildtall-systems/chainpos/internal/db"
	"github.com/buildtall-systems/chainpos/internal/notify"
)

var (
	testContract = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testPayer    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testMerchant = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// fastPolling keeps timing scenarios in the millisecond range.
var fastPolling = SupervisorConfig{
	Interval:    10 * time.Millisecond,
	MaxDuration: time.Minute,
	MaxRPS:      -1,
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate())
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func createOrder(t *testing.T, database *db.DB, merchantID string) *db.Order {
	t.Helper()

	o, err := database.CreateOrder(context.Background(), db.NewOrder{
		MerchantID:  merchantID,
		ProductID:   "sku-1",
		ProductName: "Espresso",
		Amount:      "0.01",
	})
	require.NoError(t, err)
	return o
}

func orderStatus(t *testing.T, database *db.DB, orderID string) string {
	t.Helper()

	o, err := database.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	return o.Status
}

type fixedCapability bool

func (c fixedCapability) EventChannelUsable() bool { return bool(c) }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (r *recordingNotifier) Publish(_ context.Context, _ string, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) count(event notify.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	for _, s := range r.sent {
		if s.Type == event {
			n++
		}
	}
	return n
}

func (r *recordingNotifier) last(event notify.EventType) (notify.Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].Type == event {
			return r.sent[i], true
		}
	}
	return notify.Notification{}, false
}

type recordingUntracker struct {
	mu  sync.Mutex
	ids []string
}

func (u *recordingUntracker) Untrack(orderID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ids = append(u.ids, orderID)
}

func (u *recordingUntracker) calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.ids...)
}

type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{errCh: make(chan error, 1)}
}

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() { close(s.errCh) })
}

func (s *fakeSub) Err() <-chan error { return s.errCh }

// fakeChain answers status queries from a script. An order becomes paid on
// the query numbered paidAt[orderID]; the first failFirst queries of every
// order fail transiently.
type fakeChain struct {
	mu           sync.Mutex
	subscribeErr error
	sub          *fakeSub
	logs         chan<- types.Log

	paidAt    map[string]int
	queries   map[string]int
	failFirst int

	replay     []types.Log
	head       uint64
	sinceCalls []uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		paidAt:  make(map[string]int),
		queries: make(map[string]int),
		head:    100,
	}
}

func (c *fakeChain) SubscribePaymentEvents(_ context.Context, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	c.sub = newFakeSub()
	c.logs = ch
	return c.sub, nil
}

func (c *fakeChain) PaymentEventsSince(_ context.Context, from uint64) ([]types.Log, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinceCalls = append(c.sinceCalls, from)
	return c.replay, c.head, nil
}

func (c *fakeChain) LatestBlock(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) QueryPaymentStatus(_ context.Context, orderID string) (*chain.PaymentStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queries[orderID]++
	n := c.queries[orderID]
	if n <= c.failFirst {
		return nil, fmt.Errorf("%w: connection reset", chain.ErrTransient)
	}
	if at, ok := c.paidAt[orderID]; ok && n >= at {
		return &chain.PaymentStatus{
			Paid:      true,
			Payer:     testPayer,
			Merchant:  testMerchant,
			Amount:    big.NewInt(10_000_000_000_000_000),
			Timestamp: time.Now().UTC(),
		}, nil
	}
	return &chain.PaymentStatus{Paid: false}, nil
}

func (c *fakeChain) payAt(orderID string, query int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paidAt[orderID] = query
}

func (c *fakeChain) queryCount(orderID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries[orderID]
}

func (c *fakeChain) emit(t *testing.T, lg types.Log) {
	t.Helper()

	c.mu.Lock()
	ch := c.logs
	c.mu.Unlock()
	require.NotNil(t, ch, "no live subscription")

	select {
	case ch <- lg:
	case <-time.After(time.Second):
		t.Fatal("subscription channel blocked")
	}
}

func (c *fakeChain) failSubscription(err error) {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	sub.errCh <- err
}

func paymentLog(t *testing.T, orderID string, txHash string, logIndex uint, block uint64) types.Log {
	t.Helper()

	lg, err := chain.EncodePaymentEvent(testContract, chain.PaymentEvent{
		OrderID:     orderID,
		Payer:       testPayer,
		Merchant:    testMerchant,
		Amount:      big.NewInt(10_000_000_000_000_000),
		Timestamp:   time.Now(),
		TxHash:      common.HexToHash(txHash),
		LogIndex:    logIndex,
		BlockNumber: block,
	})
	require.NoError(t, err)
	return lg
}

func newTestService(t *testing.T, database *db.DB, chainClient ChainClient, cfg Config) (*Service, *recordingNotifier) {
	t.Helper()

	if cfg.Polling == (SupervisorConfig{}) {
		cfg.Polling = fastPolling
	}
	notifier := &recordingNotifier{}
	s := NewService(database, chainClient, notifier, cfg, zerolog.Nop())
	t.Cleanup(s.Stop)
	return s, notifier
}
