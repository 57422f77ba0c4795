package models

import "time"

// Event types
const (
	EventTypeOrderCreated   = "RECHARGE_ORDER_CREATED"
	EventTypeOrderPaid      = "RECHARGE_ORDER_PAID"
	EventTypeOrderExpired   = "RECHARGE_ORDER_EXPIRED"
	EventTypeOrderClosed    = "RECHARGE_ORDER_CLOSED"
	EventTypePointsCredited = "POINTS_CREDITED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when a pending recharge order is created
type OrderCreatedEvent struct {
	BaseEvent
	OrderNo    string    `json:"order_no"`
	OutTradeNo string    `json:"out_trade_no"`
	UserID     int64     `json:"user_id"`
	PackageID  int64     `json:"package_id"`
	AmountFen  int64     `json:"amount_fen"`
	ExpireAt   time.Time `json:"expire_at"`
}

// OrderPaidEvent published after a settlement commits
type OrderPaidEvent struct {
	BaseEvent
	OrderNo       string    `json:"order_no"`
	OutTradeNo    string    `json:"out_trade_no"`
	UserID        int64     `json:"user_id"`
	TransactionID string    `json:"transaction_id"`
	AmountFen     int64     `json:"amount_fen"`
	Points        int       `json:"points"`
	PaidAt        time.Time `json:"paid_at"`
}

// OrderExpiredEvent published when the expiry sweep closes an order
type OrderExpiredEvent struct {
	BaseEvent
	OrderNo    string `json:"order_no"`
	OutTradeNo string `json:"out_trade_no"`
	UserID     int64  `json:"user_id"`
}

// PointsCreditedEvent published alongside OrderPaid for ledger consumers
type PointsCreditedEvent struct {
	BaseEvent
	UserID       int64  `json:"user_id"`
	Amount       int    `json:"amount"`
	BalanceAfter int    `json:"balance_after"`
	OrderNo      string `json:"order_no"`
}
