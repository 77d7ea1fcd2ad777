package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/keyer"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/nbd-wtf/go-nostr/nip59"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	posSecretHex      = "234702910939c3394838131938e8da0dcfec369df3e51990263eae626aa73f87"
	posPubkeyHex      = "1eca03bebec0590b918861b4431d57ff574702fa8cb015ccd566b509e9480c42"
	merchantSecretHex = "d067b66a004de257ff3f467e754d22bb2b64a9a59c669e8224d8c624b7decb4f"
	merchantPubkeyHex = "dcfafaaebf643e0c8517e49e13ad25c60ee4a57a0b5f5fc401adbcb9d151f5f5"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*nostr.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, ev *nostr.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func newTestNostrNotifier(t *testing.T, pub EventPublisher) *NostrNotifier {
	t.Helper()
	kr, err := keyer.NewPlainKeySigner(posSecretHex)
	require.NoError(t, err)
	return NewNostrNotifier(kr, posPubkeyHex, pub)
}

func TestNostrNotifier_DeliversDecryptablePayload(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	n := newTestNostrNotifier(t, pub)

	sent := Notification{
		Type:         EventPaymentCompleted,
		OrderID:      "3f2504e0-4f89-41d3-9a0c-0305e82c3301",
		MerchantID:   merchantPubkeyHex,
		Amount:       "0.01",
		Status:       "completed",
		TxHash:       "0xabc",
		PayerAddress: "0xpayer",
		Source:       "event",
		Timestamp:    time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, n.Publish(ctx, merchantPubkeyHex, sent))
	require.Len(t, pub.events, 1)

	merchantKr, err := keyer.NewPlainKeySigner(merchantSecretHex)
	require.NoError(t, err)

	rumor, err := nip59.GiftUnwrap(*pub.events[0], func(pubkey, ciphertext string) (string, error) {
		return merchantKr.Decrypt(ctx, ciphertext, pubkey)
	})
	require.NoError(t, err)

	var got Notification
	require.NoError(t, json.Unmarshal([]byte(rumor.Content), &got))
	assert.Equal(t, sent, got)
	assert.Equal(t, "payment_completed", rumor.Tags.Find("subject")[1])
}

func TestNostrNotifier_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unaddressable merchant", func(t *testing.T) {
		pub := &capturePublisher{}
		n := newTestNostrNotifier(t, pub)
		err := n.Publish(ctx, "merchant-1", Notification{Type: EventOrderCreated})
		assert.ErrorIs(t, err, ErrUnaddressable)
		assert.Empty(t, pub.events)
	})

	t.Run("relay failure", func(t *testing.T) {
		relayErr := errors.New("no relays")
		n := newTestNostrNotifier(t, &capturePublisher{err: relayErr})
		err := n.Publish(ctx, merchantPubkeyHex, Notification{Type: EventOrderCreated})
		assert.ErrorIs(t, err, relayErr)
	})
}

func TestMerchantPubkey(t *testing.T) {
	npub, err := nip19.EncodePublicKey(merchantPubkeyHex)
	require.NoError(t, err)

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"hex", merchantPubkeyHex, merchantPubkeyHex, false},
		{"npub", npub, merchantPubkeyHex, false},
		{"plain id", "merchant-1", "", true},
		{"bad npub", "npub1invalid", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MerchantPubkey(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnaddressable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type recordingNotifier struct {
	calls int
	err   error
}

func (r *recordingNotifier) Publish(context.Context, string, Notification) error {
	r.calls++
	return r.err
}

func TestMulti_AttemptsAll(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("down")}
	ok := &recordingNotifier{}

	m := Multi{failing, ok, NewLogNotifier(zerolog.Nop())}
	err := m.Publish(context.Background(), "m", Notification{Type: EventOrderCancelled})

	assert.Error(t, err)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)

	assert.NoError(t, Multi{ok}.Publish(context.Background(), "m", Notification{}))
}
