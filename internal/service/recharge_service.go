package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"recharge-service/internal/broker"
	"recharge-service/internal/models"
	"recharge-service/internal/redisclient"
	"recharge-service/internal/store"
	"recharge-service/internal/util"
	"recharge-service/internal/wechat"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gateway is the slice of the payment gateway client the service uses.
type Gateway interface {
	CreateOrder(ctx context.Context, req wechat.CreateOrderRequest) (*wechat.CreateOrderResult, error)
	QueryOrder(ctx context.Context, outTradeNo string) (*wechat.OrderSnapshot, error)
	CloseOrder(ctx context.Context, outTradeNo string) error
}

const (
	orderNoPrefix    = "PAY"
	outTradeNoPrefix = "REC"

	// maxCreateAttempts bounds the merchant-order-number collision retry.
	maxCreateAttempts = 3

	pendingStatusTTL  = 15 * time.Second
	terminalStatusTTL = 24 * time.Hour
)

// RechargeService owns order creation and the status read path.
type RechargeService struct {
	store    *store.Store
	redis    *redisclient.Client
	gateway  Gateway
	events   *broker.EventPublisher
	orderTTL time.Duration
	logger   *zap.Logger
}

// NewRechargeService creates a new recharge service
func NewRechargeService(
	st *store.Store,
	redis *redisclient.Client,
	gateway Gateway,
	events *broker.EventPublisher,
	orderTTL time.Duration,
) *RechargeService {
	return &RechargeService{
		store:    st,
		redis:    redis,
		gateway:  gateway,
		events:   events,
		orderTTL: orderTTL,
		logger:   util.GetLogger(),
	}
}

// CreateRechargeOrderResponse is returned to the HTTP layer.
type CreateRechargeOrderResponse struct {
	OrderNo    string          `json:"order_no"`
	OutTradeNo string          `json:"out_trade_no"`
	Amount     decimal.Decimal `json:"amount"`
	Points     int             `json:"points"`
	CodeURL    string          `json:"code_url"`
	ExpireAt   time.Time       `json:"expire_at"`
}

// orderAttach travels through the gateway and comes back in notifications.
type orderAttach struct {
	OrderNo   string `json:"orderNo"`
	UserID    int64  `json:"userId"`
	PackageID int64  `json:"packageId"`
}

// CreateRechargeOrder creates a PENDING order and obtains a QR payload
// from the gateway. A gateway failure marks the order FAILED and is
// surfaced to the caller; no substitute payload is ever fabricated.
func (s *RechargeService) CreateRechargeOrder(ctx context.Context, userID, packageID int64, clientIP string) (*CreateRechargeOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "RechargeService.CreateRechargeOrder")
	defer span.End()

	exists, err := s.store.UserExists(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check user: %w", err)
	}
	if !exists {
		util.RechargeOrdersFailedTotal.WithLabelValues("user_not_found").Inc()
		return nil, store.ErrUserNotFound
	}

	pkg, err := s.store.GetPackageByID(ctx, packageID)
	if err != nil {
		if errors.Is(err, store.ErrPackageNotFound) {
			util.RechargeOrdersFailedTotal.WithLabelValues("package_not_found").Inc()
		}
		return nil, err
	}

	order, err := s.createPendingOrder(ctx, userID, pkg)
	if err != nil {
		util.RechargeOrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, err
	}

	util.RechargeOrdersCreatedTotal.Inc()
	s.logger.Info("Recharge order created",
		zap.String("order_no", order.OrderNo),
		zap.String("out_trade_no", order.OutTradeNo),
		zap.Int64("user_id", userID))

	attach, _ := json.Marshal(orderAttach{OrderNo: order.OrderNo, UserID: userID, PackageID: packageID})

	result, err := s.gateway.CreateOrder(ctx, wechat.CreateOrderRequest{
		OutTradeNo: order.OutTradeNo,
		TotalFee:   order.AmountFen,
		Body:       fmt.Sprintf("%s - %d points", pkg.Name, pkg.TotalPoints()),
		Attach:     string(attach),
		ClientIP:   clientIP,
		TimeExpire: order.ExpireAt,
	})
	if err != nil {
		util.RechargeOrdersFailedTotal.WithLabelValues("gateway_error").Inc()
		s.logger.Error("Gateway create order failed",
			zap.String("out_trade_no", order.OutTradeNo),
			zap.Error(err))

		// Only a definitive rejection marks the order FAILED. A timeout
		// or garbled response leaves the gateway-side outcome unknown,
		// so the order stays PENDING for a requery or the expiry sweep
		// to resolve.
		if definiteCreateFailure(err) {
			if _, terr := s.store.TransitionToTerminal(ctx, order.OutTradeNo, models.OrderStatusFailed, err.Error()); terr != nil {
				s.logger.Error("Failed to mark order failed", zap.Error(terr))
			}
			if s.redis != nil {
				if cerr := s.redis.InvalidateOrderStatus(ctx, order.OrderNo); cerr != nil {
					s.logger.Warn("Failed to invalidate order status cache", zap.Error(cerr))
				}
			}
		}
		return nil, fmt.Errorf("gateway create order failed: %w", err)
	}

	if err := s.store.SetOrderCodeURL(ctx, order.OrderNo, result.CodeURL); err != nil {
		s.logger.Error("Failed to store QR payload", zap.Error(err))
	}

	if s.events != nil {
		event := &models.OrderCreatedEvent{
			BaseEvent:  newBaseEvent(models.EventTypeOrderCreated),
			OrderNo:    order.OrderNo,
			OutTradeNo: order.OutTradeNo,
			UserID:     userID,
			PackageID:  packageID,
			AmountFen:  order.AmountFen,
			ExpireAt:   order.ExpireAt,
		}
		if err := s.events.PublishOrderCreated(ctx, event); err != nil {
			s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
		}
	}

	if s.redis != nil {
		if err := s.redis.SetOrderStatus(ctx, order.OrderNo, models.OrderStatusPending, pendingStatusTTL); err != nil {
			s.logger.Warn("Failed to cache order status", zap.Error(err))
		}
	}

	return &CreateRechargeOrderResponse{
		OrderNo:    order.OrderNo,
		OutTradeNo: order.OutTradeNo,
		Amount:     pkg.Amount,
		Points:     pkg.TotalPoints(),
		CodeURL:    result.CodeURL,
		ExpireAt:   order.ExpireAt,
	}, nil
}

// createPendingOrder persists the order, regenerating the merchant order
// number if the unique constraint reports a collision.
func (s *RechargeService) createPendingOrder(ctx context.Context, userID int64, pkg *models.RechargePackage) (*models.Order, error) {
	var lastErr error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		order := &models.Order{
			OrderNo:       generateOrderNo(),
			OutTradeNo:    generateOutTradeNo(),
			UserID:        userID,
			PackageID:     pkg.ID,
			AmountFen:     pkg.AmountFen(),
			Points:        pkg.Points,
			BonusPoints:   pkg.BonusPoints,
			PaymentMethod: models.PaymentMethodWechat,
			Status:        models.OrderStatusPending,
			ExpireAt:      time.Now().Add(s.orderTTL),
		}

		err := s.store.CreateOrder(ctx, order)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, store.ErrDuplicateOutTradeNo) {
			return nil, fmt.Errorf("failed to create order: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to create order after %d attempts: %w", maxCreateAttempts, lastErr)
}

// OrderStatusView is what end users see: local status only, never raw
// provider codes or signatures.
type OrderStatusView struct {
	OrderNo  string          `json:"order_no"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Points   int             `json:"points"`
	CodeURL  string          `json:"code_url,omitempty"`
	ExpireAt time.Time       `json:"expire_at"`
	PaidAt   *time.Time      `json:"paid_at,omitempty"`
}

// GetOrderStatus reports an order's current status. A PENDING order past
// its expiry flips to EXPIRED on read; an unexpired PENDING order is
// refreshed from the gateway unless a recent cached status exists.
func (s *RechargeService) GetOrderStatus(ctx context.Context, orderNo string) (*OrderStatusView, error) {
	ctx, span := util.StartSpan(ctx, "RechargeService.GetOrderStatus")
	defer span.End()

	order, err := s.store.GetOrderByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}

	if order.Status == models.OrderStatusPending {
		order, err = s.refreshPendingOrder(ctx, order)
		if err != nil {
			return nil, err
		}
	}

	return orderView(order), nil
}

// refreshPendingOrder applies lazy expiry and syncs a still-pending
// order's state from the gateway.
func (s *RechargeService) refreshPendingOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if time.Now().After(order.ExpireAt) {
		updated, err := s.store.TransitionToTerminal(ctx, order.OutTradeNo, models.OrderStatusExpired, "order expired")
		if err != nil {
			// A concurrent settlement may have won the race; re-read.
			if errors.Is(err, store.ErrInvalidTransition) {
				return s.store.GetOrderByOutTradeNo(ctx, order.OutTradeNo)
			}
			return nil, err
		}
		util.RechargeOrdersExpiredTotal.Inc()
		s.cacheStatus(ctx, updated.OrderNo, updated.Status)
		return updated, nil
	}

	if s.redis != nil {
		cached, err := s.redis.GetOrderStatus(ctx, order.OrderNo)
		if err == nil && cached == models.OrderStatusPending {
			// Recently confirmed pending at the gateway; skip the query.
			return order, nil
		}
	}

	snap, err := s.gateway.QueryOrder(ctx, order.OutTradeNo)
	if err != nil {
		s.logger.Warn("Gateway query failed, serving local status",
			zap.String("out_trade_no", order.OutTradeNo),
			zap.Error(err))
		return order, nil
	}

	switch snap.Status() {
	case models.OrderStatusPaid:
		result, err := s.store.SettlePayment(ctx, order.OutTradeNo, snap.TransactionID, paidTime(snap))
		if err != nil {
			return nil, fmt.Errorf("query-driven settlement failed: %w", err)
		}
		if result.Credited {
			util.RechargeOrdersPaidTotal.Inc()
			util.PointsCreditedTotal.Add(float64(result.Points))
			s.logger.Info("Order settled from gateway query",
				zap.String("order_no", order.OrderNo),
				zap.Int("points", result.Points))
		}
		s.cacheStatus(ctx, order.OrderNo, models.OrderStatusPaid)
		return result.Order, nil

	case models.OrderStatusClosed, models.OrderStatusFailed:
		updated, err := s.store.TransitionToTerminal(ctx, order.OutTradeNo, snap.Status(), snap.TradeStateDesc)
		if err != nil {
			return nil, err
		}
		s.cacheStatus(ctx, updated.OrderNo, updated.Status)
		return updated, nil

	default:
		s.cacheStatus(ctx, order.OrderNo, models.OrderStatusPending)
		return order, nil
	}
}

// ListPackages returns the purchasable package catalog.
func (s *RechargeService) ListPackages(ctx context.Context) ([]models.RechargePackage, error) {
	return s.store.GetActivePackages(ctx)
}

// GetUserBalance returns a user's current point balance.
func (s *RechargeService) GetUserBalance(ctx context.Context, userID int64) (int, error) {
	return s.store.GetUserPoints(ctx, userID)
}

// ConsumePoints debits a user's balance for a usage charge and returns
// the remaining balance.
func (s *RechargeService) ConsumePoints(ctx context.Context, userID int64, amount int, description, modelName, questionType string) (int, error) {
	ctx, span := util.StartSpan(ctx, "RechargeService.ConsumePoints")
	defer span.End()

	balance, err := s.store.Debit(ctx, userID, amount, description, modelName, questionType)
	if err != nil {
		return 0, err
	}

	s.logger.Info("Points consumed",
		zap.Int64("user_id", userID),
		zap.Int("amount", amount),
		zap.Int("balance_after", balance))
	return balance, nil
}

// GetTransactions returns a user's recent ledger entries, newest first.
func (s *RechargeService) GetTransactions(ctx context.Context, userID int64, limit int) ([]models.PointTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.GetTransactionsByUserID(ctx, userID, limit)
}

// GetUserOrders returns a user's recharge order history.
func (s *RechargeService) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return s.store.GetOrdersByUserID(ctx, userID)
}

// AwardPoints credits promotional points outside the payment flow and
// returns the new balance.
func (s *RechargeService) AwardPoints(ctx context.Context, userID int64, amount int, description string) (int, error) {
	balance, err := s.store.Credit(ctx, userID, amount, models.TransactionTypeReward, description, "")
	if err != nil {
		return 0, err
	}

	util.PointsCreditedTotal.Add(float64(amount))
	s.logger.Info("Points awarded",
		zap.Int64("user_id", userID),
		zap.Int("amount", amount),
		zap.Int("balance_after", balance))
	return balance, nil
}

func (s *RechargeService) cacheStatus(ctx context.Context, orderNo, status string) {
	if s.redis == nil {
		return
	}
	ttl := pendingStatusTTL
	if models.IsTerminalStatus(status) {
		ttl = terminalStatusTTL
	}
	if err := s.redis.SetOrderStatus(ctx, orderNo, status, ttl); err != nil {
		s.logger.Warn("Failed to cache order status", zap.Error(err))
	}
}

func orderView(order *models.Order) *OrderStatusView {
	view := &OrderStatusView{
		OrderNo:  order.OrderNo,
		Status:   order.Status,
		Amount:   decimal.New(order.AmountFen, -2),
		Points:   order.Points + order.BonusPoints,
		ExpireAt: order.ExpireAt,
	}
	if order.Status == models.OrderStatusPending && order.CodeURL.Valid {
		view.CodeURL = order.CodeURL.String
	}
	if order.PaidAt.Valid {
		t := order.PaidAt.Time
		view.PaidAt = &t
	}
	return view
}

// definiteCreateFailure reports whether a create-order error is a
// definitive gateway rejection. Transport failures, garbled responses,
// signature mismatches and transient SYSTEMERROR replies all leave the
// gateway-side outcome unknown and must not push the order terminal.
func definiteCreateFailure(err error) bool {
	var gwErr *wechat.GatewayError
	if !errors.As(err, &gwErr) {
		return false
	}
	return gwErr.Kind == wechat.KindBusiness && !gwErr.Retryable()
}

func paidTime(snap *wechat.OrderSnapshot) time.Time {
	if !snap.TimeEnd.IsZero() {
		return snap.TimeEnd
	}
	return time.Now()
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

func generateOrderNo() string {
	return fmt.Sprintf("%s%d%04d", orderNoPrefix, time.Now().UnixMilli(), rand.Intn(10000))
}

func generateOutTradeNo() string {
	return fmt.Sprintf("%s%d%04d", outTradeNoPrefix, time.Now().UnixMilli(), rand.Intn(10000))
}
