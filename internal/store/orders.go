package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"recharge-service/internal/models"

	"github.com/lib/pq"
)

var (
	// ErrOrderNotFound is returned for unknown order references.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidTransition is returned when an order in a terminal state
	// is asked to move somewhere else. The status is left unchanged.
	ErrInvalidTransition = errors.New("invalid order status transition")

	// ErrDuplicateOutTradeNo is returned when the merchant order number
	// unique constraint rejects an insert.
	ErrDuplicateOutTradeNo = errors.New("merchant order number already used")
)

const uniqueViolation = "23505"

// CreateOrder persists a new PENDING order. The out_trade_no unique
// constraint is the collision check; callers retry with a fresh number.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_no, out_trade_no, user_id, package_id, amount_fen,
			points, bonus_points, payment_method, status, code_url, expire_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`

	err := s.db.GetContext(ctx, order, query,
		order.OrderNo, order.OutTradeNo, order.UserID, order.PackageID, order.AmountFen,
		order.Points, order.BonusPoints, order.PaymentMethod, order.Status,
		order.CodeURL, order.ExpireAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateOutTradeNo
	}
	return err
}

// GetOrderByOrderNo retrieves an order by internal order number
func (s *Store) GetOrderByOrderNo(ctx context.Context, orderNo string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE order_no = $1", orderNo)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByOutTradeNo retrieves an order by merchant order number
func (s *Store) GetOrderByOutTradeNo(ctx context.Context, outTradeNo string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE out_trade_no = $1", outTradeNo)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves a user's orders, newest first
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// ListExpiredPending returns PENDING orders whose expiry has passed.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE status = $1 AND expire_at < $2 ORDER BY expire_at LIMIT $3",
		models.OrderStatusPending, now, limit)
	return orders, err
}

// validateTransition implements the forward-only status machine.
// Returns (noop, err): noop means the order is already in the target
// state and the call is an idempotent no-op.
func validateTransition(current, target string) (bool, error) {
	if current == target {
		return true, nil
	}
	if models.IsTerminalStatus(current) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
	}
	if current != models.OrderStatusPending || !models.IsTerminalStatus(target) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
	}
	return false, nil
}

// TransitionToTerminal moves a PENDING order to CLOSED, EXPIRED or
// FAILED under a row lock. Already being in the target state is a no-op;
// any other terminal state is ErrInvalidTransition. PAID is not a valid
// target here; settlements go through SettlePayment.
func (s *Store) TransitionToTerminal(ctx context.Context, outTradeNo, status, reason string) (*models.Order, error) {
	if status == models.OrderStatusPaid || !models.IsTerminalStatus(status) {
		return nil, fmt.Errorf("%w: target %s", ErrInvalidTransition, status)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var order models.Order
	err = tx.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE out_trade_no = $1 FOR UPDATE", outTradeNo)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	noop, err := validateTransition(order.Status, status)
	if err != nil {
		return nil, err
	}
	if noop {
		return &order, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, fail_reason = $2 WHERE out_trade_no = $3",
		status, sql.NullString{String: reason, Valid: reason != ""}, outTradeNo)
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	order.Status = status
	if reason != "" {
		order.FailReason = sql.NullString{String: reason, Valid: true}
	}
	return &order, tx.Commit()
}

// SetOrderCodeURL stores the QR payload returned by the gateway's
// create-order call.
func (s *Store) SetOrderCodeURL(ctx context.Context, orderNo, codeURL string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET code_url = $1 WHERE order_no = $2", codeURL, orderNo)
	return err
}
