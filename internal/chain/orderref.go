package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// OrderRef converts an order ID into its on-chain payment reference.
//
// Order IDs are UUIDs. The reference is the 128-bit UUID value as a
// big-endian bytes32, right aligned: the same number the wallet page sends
// as uint256(0x<uuid without dashes>).
func OrderRef(orderID string) (common.Hash, error) {
	id, err := uuid.Parse(orderID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %q is not a UUID: %v", ErrInvalidOrderRef, orderID, err)
	}
	var ref common.Hash
	copy(ref[16:], id[:])
	return ref, nil
}

// OrderIDFromRef is the inverse of OrderRef. References with any of the
// upper 16 bytes set are rejected.
func OrderIDFromRef(ref common.Hash) (string, error) {
	for _, b := range ref[:16] {
		if b != 0 {
			return "", fmt.Errorf("%w: %s exceeds 128 bits", ErrInvalidOrderRef, ref.Hex())
		}
	}
	id, err := uuid.FromBytes(ref[16:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOrderRef, err)
	}
	return id.String(), nil
}
