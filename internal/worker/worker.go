package worker

import (
	"context"
	"time"

	"recharge-service/internal/broker"
	"recharge-service/internal/models"
	"recharge-service/internal/redisclient"
	"recharge-service/internal/service"
	"recharge-service/internal/store"
	"recharge-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	expirySweepLockKey = "expiry-sweep"
	expirySweepBatch   = 100
)

// ExpiryWorker periodically sweeps PENDING orders past their expiry,
// marks them EXPIRED, and asks the gateway to close them so a late
// scan cannot still be paid.
type ExpiryWorker struct {
	store    *store.Store
	redis    *redisclient.Client
	gateway  service.Gateway
	events   *broker.EventPublisher
	interval time.Duration
	logger   *zap.Logger
}

// NewExpiryWorker creates a new expiry worker
func NewExpiryWorker(
	st *store.Store,
	redis *redisclient.Client,
	gateway service.Gateway,
	events *broker.EventPublisher,
	interval time.Duration,
) *ExpiryWorker {
	return &ExpiryWorker{
		store:    st,
		redis:    redis,
		gateway:  gateway,
		events:   events,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (w *ExpiryWorker) Start(ctx context.Context) {
	w.logger.Info("Expiry worker started", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Expiry worker stopping")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep expires one batch of overdue orders. A redis lock keeps
// multiple instances from sweeping the same batch concurrently; the
// forward-only transition makes a missed lock harmless anyway.
func (w *ExpiryWorker) sweep(ctx context.Context) {
	if w.redis != nil {
		acquired, err := w.redis.AcquireLock(ctx, expirySweepLockKey, w.interval)
		if err != nil {
			w.logger.Warn("Failed to acquire sweep lock", zap.Error(err))
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := w.redis.ReleaseLock(ctx, expirySweepLockKey); err != nil {
				w.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	orders, err := w.store.ListExpiredPending(ctx, time.Now(), expirySweepBatch)
	if err != nil {
		w.logger.Error("Failed to list expired orders", zap.Error(err))
		return
	}

	for _, order := range orders {
		w.expireOrder(ctx, order)
	}

	if len(orders) > 0 {
		w.logger.Info("Expiry sweep completed", zap.Int("expired", len(orders)))
	}
}

func (w *ExpiryWorker) expireOrder(ctx context.Context, order models.Order) {
	updated, err := w.store.TransitionToTerminal(ctx, order.OutTradeNo, models.OrderStatusExpired, "order expired")
	if err != nil {
		// A notification won the race and settled the order.
		w.logger.Info("Skipping expiry, order already terminal",
			zap.String("order_no", order.OrderNo),
			zap.Error(err))
		return
	}
	util.RechargeOrdersExpiredTotal.Inc()

	// Best effort: a failed close just means the gateway closes the
	// trade itself after its own timeout.
	if w.gateway != nil {
		if err := w.gateway.CloseOrder(ctx, order.OutTradeNo); err != nil {
			w.logger.Warn("Failed to close order at gateway",
				zap.String("out_trade_no", order.OutTradeNo),
				zap.Error(err))
		}
	}

	if w.redis != nil {
		if err := w.redis.SetOrderStatus(ctx, updated.OrderNo, updated.Status, 24*time.Hour); err != nil {
			w.logger.Warn("Failed to cache order status", zap.Error(err))
		}
	}

	if w.events != nil {
		event := &models.OrderExpiredEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderExpired,
				Timestamp: time.Now(),
			},
			OrderNo:    order.OrderNo,
			OutTradeNo: order.OutTradeNo,
			UserID:     order.UserID,
		}
		if err := w.events.PublishOrderExpired(ctx, event); err != nil {
			w.logger.Error("Failed to publish OrderExpired event", zap.Error(err))
		}
	}
}

// SettlementWorker consumes order lifecycle events and keeps the redis
// status cache warm for downstream readers. Events are deduplicated
// through the processed_events table so a redelivered message is a
// no-op.
type SettlementWorker struct {
	store    *store.Store
	redis    *redisclient.Client
	consumer *broker.Consumer
	logger   *zap.Logger
}

// NewSettlementWorker creates a new settlement worker
func NewSettlementWorker(st *store.Store, redis *redisclient.Client, consumer *broker.Consumer) *SettlementWorker {
	return &SettlementWorker{
		store:    st,
		redis:    redis,
		consumer: consumer,
		logger:   util.GetLogger(),
	}
}

// Start consumes events until the context is cancelled.
func (w *SettlementWorker) Start(ctx context.Context) error {
	handler := broker.NewEventHandler()
	handler.OnOrderPaid(w.handleOrderPaid)
	handler.OnOrderExpired(w.handleOrderExpired)

	w.logger.Info("Settlement worker started")
	return w.consumer.StartConsuming(ctx, handler.HandleMessage)
}

func (w *SettlementWorker) handleOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	start := time.Now()
	defer func() {
		util.SettlementLatency.Observe(time.Since(start).Seconds())
	}()

	processed, err := w.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	if w.redis != nil {
		if err := w.redis.SetOrderStatus(ctx, event.OrderNo, models.OrderStatusPaid, 24*time.Hour); err != nil {
			w.logger.Warn("Failed to warm status cache", zap.Error(err))
		}
	}

	w.logger.Info("Order paid event processed",
		zap.String("event_id", event.EventID),
		zap.String("order_no", event.OrderNo),
		zap.Int("points", event.Points))

	return w.store.MarkEventProcessed(ctx, event.EventID, event.EventType)
}

func (w *SettlementWorker) handleOrderExpired(ctx context.Context, event *models.OrderExpiredEvent) error {
	processed, err := w.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	if w.redis != nil {
		if err := w.redis.SetOrderStatus(ctx, event.OrderNo, models.OrderStatusExpired, 24*time.Hour); err != nil {
			w.logger.Warn("Failed to warm status cache", zap.Error(err))
		}
	}

	return w.store.MarkEventProcessed(ctx, event.EventID, event.EventType)
}
