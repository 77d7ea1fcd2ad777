package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// PaymentContractABI is the subset of the payment contract the core reads.
const PaymentContractABI = `[
	{
		"type": "event",
		"name": "PaymentCompleted",
		"anonymous": false,
		"inputs": [
			{"name": "orderId", "type": "bytes32", "indexed": true},
			{"name": "payer", "type": "address", "indexed": true},
			{"name": "merchant", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false},
			{"name": "timestamp", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "function",
		"name": "isPaid",
		"stateMutability": "view",
		"inputs": [{"name": "orderId", "type": "bytes32"}],
		"outputs": [{"name": "", "type": "bool"}]
	},
	{
		"type": "function",
		"name": "getPayment",
		"stateMutability": "view",
		"inputs": [{"name": "orderId", "type": "bytes32"}],
		"outputs": [
			{"name": "payer", "type": "address"},
			{"name": "merchant", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "timestamp", "type": "uint256"}
		]
	}
]`

const paymentCompletedEvent = "PaymentCompleted"

var paymentABI = mustParseABI(PaymentContractABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parsing payment contract ABI: %v", err))
	}
	return parsed
}

// PaymentCompletedTopic is the topic0 of PaymentCompleted logs.
func PaymentCompletedTopic() common.Hash {
	return paymentABI.Events[paymentCompletedEvent].ID
}

// PaymentEvent is a decoded PaymentCompleted log.
type PaymentEvent struct {
	OrderRef    common.Hash
	OrderID     string
	Payer       common.Address
	Merchant    common.Address
	Amount      *big.Int
	Timestamp   time.Time
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	Removed     bool
}

// EventID identifies the log uniquely across replays.
func (e *PaymentEvent) EventID() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// DecodePaymentEvent decodes a PaymentCompleted log and maps its reference
// into the order ID space.
func DecodePaymentEvent(lg types.Log) (*PaymentEvent, error) {
	ev := paymentABI.Events[paymentCompletedEvent]

	if len(lg.Topics) != 4 {
		return nil, fmt.Errorf("%w: expected 4 topics, got %d", ErrInvalidPaymentEvent, len(lg.Topics))
	}
	if lg.Topics[0] != ev.ID {
		return nil, fmt.Errorf("%w: unexpected topic %s", ErrInvalidPaymentEvent, lg.Topics[0].Hex())
	}

	values, err := ev.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: unpacking data: %v", ErrInvalidPaymentEvent, err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("%w: expected 2 data fields, got %d", ErrInvalidPaymentEvent, len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: amount has type %T", ErrInvalidPaymentEvent, values[0])
	}
	ts, ok := values[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: timestamp has type %T", ErrInvalidPaymentEvent, values[1])
	}

	orderID, err := OrderIDFromRef(lg.Topics[1])
	if err != nil {
		return nil, err
	}

	return &PaymentEvent{
		OrderRef:    lg.Topics[1],
		OrderID:     orderID,
		Payer:       common.BytesToAddress(lg.Topics[2].Bytes()),
		Merchant:    common.BytesToAddress(lg.Topics[3].Bytes()),
		Amount:      amount,
		Timestamp:   time.Unix(ts.Int64(), 0).UTC(),
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		Removed:     lg.Removed,
	}, nil
}

// EncodePaymentEvent builds the log a contract would emit for ev. The order
// reference is derived from ev.OrderID when ev.OrderRef is zero. Used by
// tests and local tooling.
func EncodePaymentEvent(contract common.Address, ev PaymentEvent) (types.Log, error) {
	ref := ev.OrderRef
	if ref == (common.Hash{}) {
		var err error
		if ref, err = OrderRef(ev.OrderID); err != nil {
			return types.Log{}, err
		}
	}
	amount := ev.Amount
	if amount == nil {
		amount = new(big.Int)
	}

	data, err := paymentABI.Events[paymentCompletedEvent].Inputs.NonIndexed().Pack(amount, big.NewInt(ev.Timestamp.Unix()))
	if err != nil {
		return types.Log{}, fmt.Errorf("packing event data: %w", err)
	}

	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			PaymentCompletedTopic(),
			ref,
			common.BytesToHash(ev.Payer.Bytes()),
			common.BytesToHash(ev.Merchant.Bytes()),
		},
		Data:        data,
		TxHash:      ev.TxHash,
		Index:       ev.LogIndex,
		BlockNumber: ev.BlockNumber,
		Removed:     ev.Removed,
	}, nil
}
