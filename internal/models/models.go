package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Order represents one recharge attempt. Orders are never deleted;
// terminal records remain as the audit trail.
type Order struct {
	ID            int64          `db:"id" json:"id"`
	OrderNo       string         `db:"order_no" json:"order_no"`
	OutTradeNo    string         `db:"out_trade_no" json:"out_trade_no"`
	UserID        int64          `db:"user_id" json:"user_id"`
	PackageID     int64          `db:"package_id" json:"package_id"`
	AmountFen     int64          `db:"amount_fen" json:"amount_fen"`
	Points        int            `db:"points" json:"points"`
	BonusPoints   int            `db:"bonus_points" json:"bonus_points"`
	PaymentMethod string         `db:"payment_method" json:"payment_method"`
	Status        string         `db:"status" json:"status"`
	TransactionID sql.NullString `db:"transaction_id" json:"transaction_id,omitempty"`
	FailReason    sql.NullString `db:"fail_reason" json:"fail_reason,omitempty"`
	CodeURL       sql.NullString `db:"code_url" json:"-"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	PaidAt        sql.NullTime   `db:"paid_at" json:"paid_at,omitempty"`
	ExpireAt      time.Time      `db:"expire_at" json:"expire_at"`
}

// Order statuses. PENDING is the only non-terminal state.
const (
	OrderStatusPending = "PENDING"
	OrderStatusPaid    = "PAID"
	OrderStatusClosed  = "CLOSED"
	OrderStatusExpired = "EXPIRED"
	OrderStatusFailed  = "FAILED"
)

// IsTerminalStatus reports whether status permits no further transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case OrderStatusPaid, OrderStatusClosed, OrderStatusExpired, OrderStatusFailed:
		return true
	}
	return false
}

// Payment methods.
const (
	PaymentMethodWechat = "WECHAT_PAY"
)

// PointTransaction is an append-only ledger entry. Rows are immutable
// once written; the sum of Amount per user equals the current balance.
type PointTransaction struct {
	ID           int64          `db:"id" json:"id"`
	UserID       int64          `db:"user_id" json:"user_id"`
	Type         string         `db:"type" json:"type"`
	Amount       int            `db:"amount" json:"amount"`
	BalanceAfter int            `db:"balance_after" json:"balance_after"`
	ModelName    sql.NullString `db:"model_name" json:"model_name,omitempty"`
	QuestionType sql.NullString `db:"question_type" json:"question_type,omitempty"`
	OrderNo      sql.NullString `db:"order_no" json:"order_no,omitempty"`
	Description  string         `db:"description" json:"description"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// Point transaction types.
const (
	TransactionTypeRecharge = "RECHARGE"
	TransactionTypeConsume  = "CONSUME"
	TransactionTypeRefund   = "REFUND"
	TransactionTypeReward   = "REWARD"
)

// RechargePackage is a purchasable points bundle. Amount is in yuan.
type RechargePackage struct {
	ID          int64           `db:"id" json:"id"`
	Name        string          `db:"name" json:"name"`
	Description string          `db:"description" json:"description"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Points      int             `db:"points" json:"points"`
	BonusPoints int             `db:"bonus_points" json:"bonus_points"`
	IsActive    bool            `db:"is_active" json:"is_active"`
	SortOrder   int             `db:"sort_order" json:"sort_order"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// AmountFen converts the package price to minor units for the gateway.
func (p *RechargePackage) AmountFen() int64 {
	return p.Amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// TotalPoints is what a settlement credits for this package.
func (p *RechargePackage) TotalPoints() int {
	return p.Points + p.BonusPoints
}

// ProcessedEvent for consumer idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
