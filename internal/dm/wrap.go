package dm

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip59"
)

// Wrap creates a NIP-17 gift-wrapped direct message from the point-of-sale
// key to a merchant. subject is carried as a NIP-17 subject tag so clients
// can group notifications; an empty subject is omitted.
// Returns a ready-to-publish kind:1059 event.
func Wrap(ctx context.Context, kr nostr.Keyer, senderPubkeyHex, recipientPubkeyHex, subject, content string) (*nostr.Event, error) {
	tags := nostr.Tags{nostr.Tag{"p", recipientPubkeyHex}}
	if subject != "" {
		tags = append(tags, nostr.Tag{"subject", subject})
	}

	// kind:14 rumor, never signed
	rumor := nostr.Event{
		PubKey:    senderPubkeyHex,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindDirectMessage,
		Tags:      tags,
		Content:   content,
	}

	// rumor -> seal (kind:13) -> gift wrap (kind:1059)
	giftWrap, err := nip59.GiftWrap(
		rumor,
		recipientPubkeyHex,
		func(plaintext string) (string, error) {
			return kr.Encrypt(ctx, plaintext, recipientPubkeyHex)
		},
		func(event *nostr.Event) error {
			return kr.SignEvent(ctx, event)
		},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("gift wrapping message: %w", err)
	}

	return &giftWrap, nil
}
