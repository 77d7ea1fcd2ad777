package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// methodNotFoundCode is the JSON-RPC error code for an unsupported method.
const methodNotFoundCode = -32601

// maxLogRange bounds a single eth_getLogs request.
const maxLogRange = 5000

// PaymentStatus is the contract's view of a single order reference.
type PaymentStatus struct {
	Paid      bool
	Payer     common.Address
	Merchant  common.Address
	Amount    *big.Int
	Timestamp time.Time
}

// Client wraps an RPC connection to the payment contract. Subscribing to
// events and querying status are independent capabilities; either may fail.
type Client struct {
	eth      *ethclient.Client
	contract common.Address
	timeout  time.Duration
	chainID  *big.Int
}

// Dial connects to rpcURL and verifies the endpoint answers. Any failure is
// reported as ErrInitialization.
func Dial(ctx context.Context, rpcURL, contractAddress string, timeout time.Duration) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("%w: rpc url not configured", ErrInitialization)
	}
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("%w: invalid contract address %q", ErrInitialization, contractAddress)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eth, err := ethclient.DialContext(dialCtx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrInitialization, rpcURL, err)
	}

	chainID, err := eth.ChainID(dialCtx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("%w: querying chain id: %v", ErrInitialization, err)
	}

	return &Client{
		eth:      eth,
		contract: common.HexToAddress(contractAddress),
		timeout:  timeout,
		chainID:  chainID,
	}, nil
}

// ChainID returns the chain ID reported at dial time.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Contract returns the payment contract address.
func (c *Client) Contract() common.Address {
	return c.contract
}

func (c *Client) paymentQuery(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{PaymentCompletedTopic()}},
	}
}

// SubscribePaymentEvents opens a live PaymentCompleted log subscription.
// Endpoints that cannot push return ErrSubscriptionUnsupported.
func (c *Client) SubscribePaymentEvents(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error) {
	subCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sub, err := c.eth.SubscribeFilterLogs(subCtx, c.paymentQuery(nil, nil), ch)
	if err != nil {
		return nil, classify(err)
	}
	return sub, nil
}

// QueryPaymentStatus asks the contract whether orderID has been paid and,
// if so, returns the payment details.
func (c *Client) QueryPaymentStatus(ctx context.Context, orderID string) (*PaymentStatus, error) {
	ref, err := OrderRef(orderID)
	if err != nil {
		return nil, err
	}

	out, err := c.call(ctx, "isPaid", [32]byte(ref))
	if err != nil {
		return nil, err
	}
	paid, ok := out[0].(bool)
	if !ok {
		return nil, fmt.Errorf("%w: isPaid returned %T", ErrTransient, out[0])
	}
	if !paid {
		return &PaymentStatus{Paid: false}, nil
	}

	out, err = c.call(ctx, "getPayment", [32]byte(ref))
	if err != nil {
		return nil, err
	}
	return paymentStatusFromOutputs(out)
}

func paymentStatusFromOutputs(out []any) (*PaymentStatus, error) {
	if len(out) != 4 {
		return nil, fmt.Errorf("%w: getPayment returned %d values", ErrTransient, len(out))
	}
	payer, ok1 := out[0].(common.Address)
	merchant, ok2 := out[1].(common.Address)
	amount, ok3 := out[2].(*big.Int)
	ts, ok4 := out[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("%w: unexpected getPayment output types", ErrTransient)
	}
	return &PaymentStatus{
		Paid:      true,
		Payer:     payer,
		Merchant:  merchant,
		Amount:    amount,
		Timestamp: time.Unix(ts.Int64(), 0).UTC(),
	}, nil
}

// call packs, executes and unpacks a read-only contract method.
func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := paymentABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg := ethereum.CallMsg{To: &c.contract, Data: data}
	result, err := c.eth.CallContract(callCtx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: calling %s: %v", ErrTransient, method, err)
	}

	out, err := paymentABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("%w: unpacking %s: %v", ErrTransient, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s returned no values", ErrTransient, method)
	}
	return out, nil
}

// LatestBlock returns the current head block number.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	headCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	head, err := c.eth.BlockNumber(headCtx)
	if err != nil {
		return 0, fmt.Errorf("%w: querying block number: %v", ErrTransient, err)
	}
	return head, nil
}

// PaymentEventsSince returns PaymentCompleted logs from block from through
// the current head, and the head it stopped at.
func (c *Client) PaymentEventsSince(ctx context.Context, from uint64) ([]types.Log, uint64, error) {
	head, err := c.LatestBlock(ctx)
	if err != nil {
		return nil, 0, err
	}
	if from > head {
		return nil, head, nil
	}

	var logs []types.Log
	for start := from; start <= head; start += maxLogRange {
		end := min(start+maxLogRange-1, head)

		q := c.paymentQuery(new(big.Int).SetUint64(start), new(big.Int).SetUint64(end))
		rangeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		batch, err := c.eth.FilterLogs(rangeCtx, q)
		cancel()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: filtering logs %d-%d: %v", ErrTransient, start, end, err)
		}
		logs = append(logs, batch...)
	}
	return logs, head, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// IsSubscriptionUnsupported reports whether err means the endpoint cannot
// create push subscriptions (as opposed to failing transiently).
func IsSubscriptionUnsupported(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSubscriptionUnsupported) || errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return true
	}
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr) && rpcErr.ErrorCode() == methodNotFoundCode
}

func classify(err error) error {
	if IsSubscriptionUnsupported(err) {
		return fmt.Errorf("%w: %v", ErrSubscriptionUnsupported, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
