package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"recharge-service/internal/models"
	"recharge-service/internal/redisclient"
	"recharge-service/internal/store"
	"recharge-service/internal/util"
	"recharge-service/internal/wechat"

	"go.uber.org/zap"
)

// orderLedger is the slice of the store the reconciler needs.
type orderLedger interface {
	GetOrderByOutTradeNo(ctx context.Context, outTradeNo string) (*models.Order, error)
	SettlePayment(ctx context.Context, outTradeNo, transactionID string, paidAt time.Time) (*store.SettlementResult, error)
	TransitionToTerminal(ctx context.Context, outTradeNo, status, reason string) (*models.Order, error)
}

// eventSink decouples the reconciler from the kafka producer.
type eventSink interface {
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishPointsCredited(ctx context.Context, event *models.PointsCreditedEvent) error
}

const notifySeenTTL = 48 * time.Hour

// NotifyService reconciles asynchronous payment notifications against
// the local ledger. Processing is idempotent: the gateway retries
// notifications until it receives a success acknowledgement, and a
// replayed notification must never credit points twice.
type NotifyService struct {
	ledger   orderLedger
	redis    *redisclient.Client
	events   eventSink
	apiKey   string
	signType wechat.SignType
	logger   *zap.Logger
}

// NewNotifyService creates a new notification reconciler
func NewNotifyService(ledger orderLedger, redis *redisclient.Client, events eventSink, apiKey string, signType wechat.SignType) *NotifyService {
	return &NotifyService{
		ledger:   ledger,
		redis:    redis,
		events:   events,
		apiKey:   apiKey,
		signType: signType,
		logger:   util.GetLogger(),
	}
}

// HandleNotify processes one raw notification body and returns the XML
// acknowledgement to send back. A success ack tells the gateway to stop
// retrying, so it is only returned once the notification has been fully
// applied (or recognized as a duplicate); any ambiguity yields a fail
// ack so the gateway delivers the notification again.
func (s *NotifyService) HandleNotify(ctx context.Context, body []byte) string {
	ctx, span := util.StartSpan(ctx, "NotifyService.HandleNotify")
	defer span.End()

	util.NotifyReceivedTotal.Inc()

	params, err := wechat.Decode(string(body))
	if err != nil {
		util.NotifyRejectedTotal.WithLabelValues("malformed").Inc()
		s.logger.Warn("Malformed notification body", zap.Error(err))
		return wechat.AckFail("invalid body")
	}

	// A communication-level failure carries no payment facts and no
	// signature; acknowledge it so the gateway stops resending.
	if params["return_code"] != wechat.ReturnCodeSuccess {
		s.logger.Warn("Notification with failed return_code",
			zap.String("return_msg", params["return_msg"]))
		return wechat.AckSuccess()
	}

	ok, err := wechat.Verify(params, s.apiKey, s.signType)
	if err != nil || !ok {
		util.NotifyRejectedTotal.WithLabelValues("bad_signature").Inc()
		s.logger.Warn("Notification signature verification failed",
			zap.String("out_trade_no", params["out_trade_no"]))
		return wechat.AckFail("signature verification failed")
	}

	outTradeNo := params["out_trade_no"]
	if outTradeNo == "" {
		util.NotifyRejectedTotal.WithLabelValues("missing_fields").Inc()
		return wechat.AckFail("missing out_trade_no")
	}

	if params["result_code"] != wechat.ResultCodeSuccess {
		return s.handleFailedPayment(ctx, outTradeNo, params)
	}

	transactionID := params["transaction_id"]

	if s.redis != nil {
		seen, err := s.redis.NotifySeen(ctx, outTradeNo, transactionID)
		if err == nil && seen {
			util.NotifyDuplicateTotal.Inc()
			return wechat.AckSuccess()
		}
	}

	order, err := s.ledger.GetOrderByOutTradeNo(ctx, outTradeNo)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			util.NotifyRejectedTotal.WithLabelValues("unknown_order").Inc()
			s.logger.Warn("Notification for unknown order",
				zap.String("out_trade_no", outTradeNo))
			return wechat.AckFail("order not found")
		}
		s.logger.Error("Failed to load order for notification", zap.Error(err))
		return wechat.AckFail("internal error")
	}

	totalFee, err := strconv.ParseInt(params["total_fee"], 10, 64)
	if err != nil || totalFee != order.AmountFen {
		util.NotifyRejectedTotal.WithLabelValues("amount_mismatch").Inc()
		s.logger.Error("Notification amount mismatch",
			zap.String("out_trade_no", outTradeNo),
			zap.String("notified_fee", params["total_fee"]),
			zap.Int64("expected_fee", order.AmountFen))
		return wechat.AckFail("amount mismatch")
	}

	paidAt, err := wechat.ParseTime(params["time_end"])
	if err != nil {
		paidAt = time.Now()
	}

	result, err := s.ledger.SettlePayment(ctx, outTradeNo, transactionID, paidAt)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Late notification for an order already expired or closed
			// locally. Refuse the ack; the discrepancy needs operator
			// attention, not a silent credit.
			util.NotifyRejectedTotal.WithLabelValues("invalid_transition").Inc()
			s.logger.Error("Notification for order in terminal state",
				zap.String("out_trade_no", outTradeNo),
				zap.String("status", order.Status))
			return wechat.AckFail("order not payable")
		}
		s.logger.Error("Settlement failed", zap.String("out_trade_no", outTradeNo), zap.Error(err))
		return wechat.AckFail("settlement failed")
	}

	if !result.Credited {
		util.NotifyDuplicateTotal.Inc()
		s.logger.Info("Duplicate notification for settled order",
			zap.String("out_trade_no", outTradeNo))
		return wechat.AckSuccess()
	}

	util.RechargeOrdersPaidTotal.Inc()
	util.PointsCreditedTotal.Add(float64(result.Points))
	s.logger.Info("Payment settled",
		zap.String("order_no", result.Order.OrderNo),
		zap.String("out_trade_no", outTradeNo),
		zap.String("transaction_id", transactionID),
		zap.Int("points", result.Points),
		zap.Int("balance_after", result.BalanceAfter))

	s.afterSettlement(ctx, result, transactionID, paidAt)

	return wechat.AckSuccess()
}

// handleFailedPayment records a business-level payment failure. The
// order may already be terminal; either way the notification is
// acknowledged since retrying cannot change the outcome.
func (s *NotifyService) handleFailedPayment(ctx context.Context, outTradeNo string, params wechat.Params) string {
	errCode := params["err_code"]
	s.logger.Warn("Payment failed notification",
		zap.String("out_trade_no", outTradeNo),
		zap.String("err_code", errCode),
		zap.String("err_code_des", params["err_code_des"]))

	reason := params["err_code_des"]
	if reason == "" {
		reason = errCode
	}
	if _, err := s.ledger.TransitionToTerminal(ctx, outTradeNo, models.OrderStatusFailed, reason); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) && !errors.Is(err, store.ErrOrderNotFound) {
			s.logger.Error("Failed to mark order failed", zap.Error(err))
		}
	} else {
		util.RechargeOrdersFailedTotal.WithLabelValues("payment_failed").Inc()
	}
	return wechat.AckSuccess()
}

// afterSettlement performs best-effort side work outside the settlement
// transaction: event publication and cache updates. Failures here are
// logged, never surfaced, since the credit has already committed.
func (s *NotifyService) afterSettlement(ctx context.Context, result *store.SettlementResult, transactionID string, paidAt time.Time) {
	order := result.Order

	if s.redis != nil {
		if err := s.redis.MarkNotifySeen(ctx, order.OutTradeNo, transactionID, notifySeenTTL); err != nil {
			s.logger.Warn("Failed to mark notification seen", zap.Error(err))
		}
		if err := s.redis.SetOrderStatus(ctx, order.OrderNo, models.OrderStatusPaid, terminalStatusTTL); err != nil {
			s.logger.Warn("Failed to cache order status", zap.Error(err))
		}
	}

	if s.events == nil {
		return
	}
	paidEvent := &models.OrderPaidEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderPaid),
		OrderNo:       order.OrderNo,
		OutTradeNo:    order.OutTradeNo,
		UserID:        order.UserID,
		TransactionID: transactionID,
		AmountFen:     order.AmountFen,
		Points:        result.Points,
		PaidAt:        paidAt,
	}
	if err := s.events.PublishOrderPaid(ctx, paidEvent); err != nil {
		s.logger.Error("Failed to publish OrderPaid event", zap.Error(err))
	}
	creditEvent := &models.PointsCreditedEvent{
		BaseEvent:    newBaseEvent(models.EventTypePointsCredited),
		UserID:       order.UserID,
		Amount:       result.Points,
		BalanceAfter: result.BalanceAfter,
		OrderNo:      order.OrderNo,
	}
	if err := s.events.PublishPointsCredited(ctx, creditEvent); err != nil {
		s.logger.Error("Failed to publish PointsCredited event", zap.Error(err))
	}
}
