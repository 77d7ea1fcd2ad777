package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/buildtall-systems/chainpos/internal/fsm"
)

var orderSM = fsm.NewOrderStateMachine()

// ErrOrderNotFound indicates order does not exist.
var ErrOrderNotFound = errors.New("order not found")

// ErrOrderConflict indicates the order was not in the expected prior state.
var ErrOrderConflict = errors.New("order status conflict")

// ErrInvalidStateTransition indicates an invalid order state transition was attempted.
var ErrInvalidStateTransition = errors.New("invalid order state transition")

// ErrInvalidOrder indicates required order fields are missing.
var ErrInvalidOrder = errors.New("invalid order")

// Order represents one sale awaiting (or past) payment.
type Order struct {
	ID           string
	MerchantID   string
	ProductID    string
	ProductName  string
	Amount       string
	Status       string
	TxHash       sql.NullString
	PayerAddress sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  sql.NullTime
}

// IsPending reports whether the order can still be paid or cancelled.
func (o *Order) IsPending() bool {
	return o.Status == fsm.OrderStatePending
}

// NewOrder holds the immutable fields supplied at order placement.
type NewOrder struct {
	MerchantID  string
	ProductID   string
	ProductName string
	Amount      string
}

// MerchantStats summarises a merchant's completed sales over a window.
type MerchantStats struct {
	CompletedCount int64
	PendingCount   int64
	TotalAmount    string
}

// sqliteTimeLayout matches CURRENT_TIMESTAMP so stored times compare lexically.
const sqliteTimeLayout = "2006-01-02 15:04:05"

const orderColumns = `id, merchant_id, product_id, product_name, amount, status,
	tx_hash, payer_address, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.MerchantID, &o.ProductID, &o.ProductName, &o.Amount, &o.Status,
		&o.TxHash, &o.PayerAddress, &o.CreatedAt, &o.UpdatedAt, &o.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOrder inserts a pending order with a freshly generated UUID.
func (db *DB) CreateOrder(ctx context.Context, in NewOrder) (*Order, error) {
	if in.MerchantID == "" || in.ProductID == "" || in.Amount == "" {
		return nil, fmt.Errorf("%w: merchant, product and amount are required", ErrInvalidOrder)
	}

	id := uuid.NewString()
	_, err := db.ExecContext(ctx, `
		INSERT INTO orders (id, merchant_id, product_id, product_name, amount, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, in.MerchantID, in.ProductID, in.ProductName, in.Amount, fsm.OrderStatePending)
	if err != nil {
		return nil, fmt.Errorf("creating order: %w", err)
	}

	return db.GetOrder(ctx, id)
}

// GetOrder returns an order by ID.
func (db *DB) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	row := db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}
	return o, nil
}

// SetOrderStatus moves a pending order to newStatus. txHash and payer are
// recorded when non-empty. The update only applies while the row is still
// pending; otherwise ErrOrderConflict is returned.
func (db *DB) SetOrderStatus(ctx context.Context, orderID, newStatus, txHash, payer string) error {
	target, err := orderSM.Transition(ctx, fsm.OrderStatePending, inferOrderEvent(newStatus))
	if err != nil || target != newStatus {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, fsm.OrderStatePending, newStatus)
	}

	var completedAt any
	if newStatus == fsm.OrderStateCompleted {
		completedAt = time.Now().UTC().Format(sqliteTimeLayout)
	}

	result, err := db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?,
		    tx_hash = COALESCE(NULLIF(?, ''), tx_hash),
		    payer_address = COALESCE(NULLIF(?, ''), payer_address),
		    completed_at = COALESCE(?, completed_at),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, newStatus, txHash, payer, completedAt, orderID, fsm.OrderStatePending)
	if err != nil {
		return fmt.Errorf("updating order status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	// Nothing updated: either the order is gone or it already left pending.
	current, err := db.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: order %s is %s", ErrOrderConflict, orderID, current.Status)
}

// inferOrderEvent maps a target status to the FSM event that reaches it from pending.
func inferOrderEvent(to string) string {
	switch to {
	case fsm.OrderStateCompleted:
		return fsm.OrderEventComplete
	case fsm.OrderStateCancelled:
		return fsm.OrderEventCancel
	default:
		return ""
	}
}

// ListPendingOrders returns every pending order, oldest first.
func (db *DB) ListPendingOrders(ctx context.Context) ([]Order, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY created_at ASC
	`, fsm.OrderStatePending)
	if err != nil {
		return nil, fmt.Errorf("querying pending orders: %w", err)
	}
	return collectOrders(rows)
}

// ListMerchantOrders returns a page of a merchant's orders, newest first.
// An empty status matches every status.
func (db *DB) ListMerchantOrders(ctx context.Context, merchantID, status string, page, limit int) ([]Order, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if page-1 > math.MaxInt/limit {
		return []Order{}, nil
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE merchant_id = ?`
	args := []any{merchantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, (page-1)*limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying merchant orders: %w", err)
	}
	return collectOrders(rows)
}

// CountMerchantOrders counts a merchant's orders, optionally filtered by status.
func (db *DB) CountMerchantOrders(ctx context.Context, merchantID, status string) (int64, error) {
	query := `SELECT COUNT(*) FROM orders WHERE merchant_id = ?`
	args := []any{merchantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}

	var count int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting merchant orders: %w", err)
	}
	return count, nil
}

// GetMerchantStatsSince summarises a merchant's orders created at or after since.
// Completed amounts are summed exactly as decimals.
func (db *DB) GetMerchantStatsSince(ctx context.Context, merchantID string, since time.Time) (*MerchantStats, error) {
	cutoff := since.UTC().Format(sqliteTimeLayout)

	var stats MerchantStats
	err := db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0)
		FROM orders
		WHERE merchant_id = ? AND created_at >= ?
	`, merchantID, cutoff).Scan(&stats.CompletedCount, &stats.PendingCount)
	if err != nil {
		return nil, fmt.Errorf("querying merchant stats: %w", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT amount FROM orders
		WHERE merchant_id = ? AND created_at >= ? AND status = 'completed'
	`, merchantID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying completed amounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	total := new(big.Rat)
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return nil, fmt.Errorf("scanning amount: %w", err)
		}
		v, ok := new(big.Rat).SetString(amount)
		if !ok {
			return nil, fmt.Errorf("order amount %q is not a decimal", amount)
		}
		total.Add(total, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating amounts: %w", err)
	}

	stats.TotalAmount = formatAmount(total)
	return &stats, nil
}

// maxAmountDigits caps the fractional digits of a non-terminating total.
const maxAmountDigits = 18

// formatAmount renders v as a plain decimal without trailing zeros.
func formatAmount(v *big.Rat) string {
	prec := fractionDigits(v.Denom())
	s := v.FloatString(prec)
	if prec > 0 {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

// fractionDigits returns how many decimal places represent 1/denom exactly.
func fractionDigits(denom *big.Int) int {
	d := new(big.Int).Set(denom)
	two, five := big.NewInt(2), big.NewInt(5)
	var twos, fives int
	mod := new(big.Int)
	for {
		q, m := new(big.Int).QuoRem(d, two, mod)
		if m.Sign() != 0 {
			break
		}
		d, twos = q, twos+1
	}
	for {
		q, m := new(big.Int).QuoRem(d, five, mod)
		if m.Sign() != 0 {
			break
		}
		d, fives = q, fives+1
	}
	digits := max(twos, fives)
	if d.Cmp(big.NewInt(1)) != 0 || digits > maxAmountDigits {
		return maxAmountDigits
	}
	return digits
}

func collectOrders(rows *sql.Rows) ([]Order, error) {
	defer func() { _ = rows.Close() }()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating orders: %w", err)
	}
	return orders, nil
}

// TryProcess records a chain event as processed. Returns true if the event
// was new, false if it had already been recorded.
func (db *DB) TryProcess(ctx context.Context, eventID string, blockNumber uint64) (bool, error) {
	result, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_events (event_id, block_number) VALUES (?, ?)
	`, eventID, int64(blockNumber))
	if err != nil {
		return false, fmt.Errorf("recording processed event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows == 1, nil
}

// IsEventProcessed reports whether a chain event has already been recorded.
func (db *DB) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_events WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying processed event: %w", err)
	}
	return n > 0, nil
}

// GetHighWaterMark returns the highest block whose payment events were processed.
func (db *DB) GetHighWaterMark(ctx context.Context) (uint64, error) {
	var hwm int64
	err := db.QueryRowContext(ctx, `SELECT high_water_mark FROM sync_state WHERE id = 1`).Scan(&hwm)
	if err != nil {
		return 0, fmt.Errorf("querying high water mark: %w", err)
	}
	return uint64(hwm), nil
}

// SetHighWaterMark raises the high water mark. Lower values are ignored.
func (db *DB) SetHighWaterMark(ctx context.Context, block uint64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE sync_state
		SET high_water_mark = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = 1 AND high_water_mark < ?
	`, int64(block), int64(block))
	if err != nil {
		return fmt.Errorf("setting high water mark: %w", err)
	}
	return nil
}
