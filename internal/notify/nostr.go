package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/buildtall-systems/chainpos/internal/dm"
)

// ErrUnaddressable is returned when a merchant ID is not a Nostr public key.
var ErrUnaddressable = errors.New("merchant has no nostr address")

// EventPublisher sends a signed event to relays.
type EventPublisher interface {
	Publish(ctx context.Context, event *nostr.Event) error
}

// NostrNotifier sends each notification as a NIP-17 direct message to the
// merchant. Merchant IDs are npub or hex public keys.
type NostrNotifier struct {
	kr           nostr.Keyer
	senderPubkey string
	relays       EventPublisher
}

func NewNostrNotifier(kr nostr.Keyer, senderPubkeyHex string, relays EventPublisher) *NostrNotifier {
	return &NostrNotifier{kr: kr, senderPubkey: senderPubkeyHex, relays: relays}
}

func (n *NostrNotifier) Publish(ctx context.Context, merchantID string, notification Notification) error {
	recipient, err := MerchantPubkey(merchantID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	wrapped, err := dm.Wrap(ctx, n.kr, n.senderPubkey, recipient, string(notification.Type), string(body))
	if err != nil {
		return fmt.Errorf("wrapping notification: %w", err)
	}

	if err := n.relays.Publish(ctx, wrapped); err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}
	return nil
}

// MerchantPubkey resolves a merchant ID to a hex public key.
func MerchantPubkey(merchantID string) (string, error) {
	if strings.HasPrefix(merchantID, "npub1") {
		prefix, value, err := nip19.Decode(merchantID)
		if err != nil {
			return "", fmt.Errorf("%w: decoding %s: %v", ErrUnaddressable, merchantID, err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("%w: %s", ErrUnaddressable, merchantID)
		}
		hex, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnaddressable, merchantID)
		}
		return hex, nil
	}

	if nostr.IsValidPublicKey(merchantID) {
		return strings.ToLower(merchantID), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnaddressable, merchantID)
}
