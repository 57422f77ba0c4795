package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"recharge-service/internal/models"

	"github.com/jmoiron/sqlx"
)

var (
	// ErrInsufficientPoints is returned when a debit would overdraw.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrDuplicateRecharge is returned when a RECHARGE transaction for
	// the same order already exists.
	ErrDuplicateRecharge = errors.New("order already settled")
)

// SettlementResult reports what a SettlePayment call did.
type SettlementResult struct {
	Order        *models.Order
	Credited     bool
	Points       int
	BalanceAfter int
}

// SettlePayment atomically transitions an order to PAID and credits the
// user's balance. The order row lock serializes concurrent notifications
// for the same merchant order number: the loser of the race observes the
// PAID state and returns Credited=false without touching the ledger.
// A crash anywhere inside rolls back both the transition and the credit.
func (s *Store) SettlePayment(ctx context.Context, outTradeNo, transactionID string, paidAt time.Time) (*SettlementResult, error) {
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

	if order.Status == models.OrderStatusPaid {
		return &SettlementResult{Order: &order, Credited: false}, tx.Commit()
	}
	if models.IsTerminalStatus(order.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, models.OrderStatusPaid)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, transaction_id = $2, paid_at = $3 WHERE out_trade_no = $4",
		models.OrderStatusPaid, transactionID, paidAt, outTradeNo)
	if err != nil {
		return nil, fmt.Errorf("failed to mark order paid: %w", err)
	}

	total := order.Points + order.BonusPoints
	description := fmt.Sprintf("Recharge via order %s (base %d, bonus %d)",
		order.OrderNo, order.Points, order.BonusPoints)

	balanceAfter, err := creditTx(ctx, tx, order.UserID, total,
		models.TransactionTypeRecharge, description, order.OrderNo)
	if err != nil {
		return nil, err
	}

	order.Status = models.OrderStatusPaid
	order.TransactionID = sql.NullString{String: transactionID, Valid: true}
	order.PaidAt = sql.NullTime{Time: paidAt, Valid: true}

	return &SettlementResult{
		Order:        &order,
		Credited:     true,
		Points:       total,
		BalanceAfter: balanceAfter,
	}, tx.Commit()
}

// creditTx applies a balance change and appends the ledger row inside an
// existing transaction. For RECHARGE entries, the per-order uniqueness
// check runs here, inside the same transaction, so concurrent duplicate
// notifications cannot both insert.
func creditTx(ctx context.Context, tx *sqlx.Tx, userID int64, amount int, txType, description, orderNo string) (int, error) {
	if txType == models.TransactionTypeRecharge && orderNo != "" {
		var exists bool
		err := tx.GetContext(ctx, &exists,
			"SELECT EXISTS(SELECT 1 FROM point_transactions WHERE order_no = $1 AND type = $2)",
			orderNo, models.TransactionTypeRecharge)
		if err != nil {
			return 0, err
		}
		if exists {
			return 0, ErrDuplicateRecharge
		}
	}

	var balance int
	err := tx.GetContext(ctx, &balance,
		"SELECT points FROM users WHERE id = $1 FOR UPDATE", userID)
	if err == sql.ErrNoRows {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}

	newBalance := balance + amount
	if newBalance < 0 {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientPoints, balance, -amount)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE users SET points = $1 WHERE id = $2", newBalance, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO point_transactions (user_id, type, amount, balance_after, order_no, description)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, txType, amount, newBalance,
		sql.NullString{String: orderNo, Valid: orderNo != ""}, description)
	if err != nil {
		return 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return newBalance, nil
}

// Credit adds points to a user's balance with a ledger entry.
func (s *Store) Credit(ctx context.Context, userID int64, amount int, txType, description, orderNo string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	balance, err := creditTx(ctx, tx, userID, amount, txType, description, orderNo)
	if err != nil {
		return 0, err
	}
	return balance, tx.Commit()
}

// Debit removes points from a user's balance with a ledger entry. The
// stored amount is negative; modelName and questionType carry the usage
// context for CONSUME entries.
func (s *Store) Debit(ctx context.Context, userID int64, amount int, description, modelName, questionType string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var balance int
	err = tx.GetContext(ctx, &balance,
		"SELECT points FROM users WHERE id = $1 FOR UPDATE", userID)
	if err == sql.ErrNoRows {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}

	if balance < amount {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientPoints, balance, amount)
	}

	newBalance := balance - amount
	_, err = tx.ExecContext(ctx,
		"UPDATE users SET points = $1 WHERE id = $2", newBalance, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO point_transactions (user_id, type, amount, balance_after, model_name, question_type, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		userID, models.TransactionTypeConsume, -amount, newBalance,
		sql.NullString{String: modelName, Valid: modelName != ""},
		sql.NullString{String: questionType, Valid: questionType != ""},
		description)
	if err != nil {
		return 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return newBalance, tx.Commit()
}

// GetTransactionsByUserID retrieves a user's ledger entries, newest first
func (s *Store) GetTransactionsByUserID(ctx context.Context, userID int64, limit int) ([]models.PointTransaction, error) {
	var txs []models.PointTransaction
	err := s.db.SelectContext(ctx, &txs,
		"SELECT * FROM point_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2",
		userID, limit)
	return txs, err
}

// HasRechargeTransaction reports whether an order has already been
// credited. Read-only; the authoritative check runs inside SettlePayment.
func (s *Store) HasRechargeTransaction(ctx context.Context, orderNo string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM point_transactions WHERE order_no = $1 AND type = $2)",
		orderNo, models.TransactionTypeRecharge)
	return exists, err
}
