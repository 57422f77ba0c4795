package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"recharge-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher handles publishing recharge domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderNo), event)
}

// PublishOrderPaid publishes OrderPaid event
func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderNo), event)
}

// PublishOrderExpired publishes OrderExpired event
func (ep *EventPublisher) PublishOrderExpired(ctx context.Context, event *models.OrderExpiredEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderNo), event)
}

// PublishPointsCredited publishes PointsCredited event
func (ep *EventPublisher) PublishPointsCredited(ctx context.Context, event *models.PointsCreditedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderNo), event)
}

func orderKey(orderNo string) string {
	return fmt.Sprintf("order-%s", orderNo)
}

// EventHandler routes consumed events to registered handlers
type EventHandler struct {
	onOrderPaid    func(context.Context, *models.OrderPaidEvent) error
	onOrderExpired func(context.Context, *models.OrderExpiredEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnOrderPaid registers a handler for OrderPaid events
func (eh *EventHandler) OnOrderPaid(handler func(context.Context, *models.OrderPaidEvent) error) {
	eh.onOrderPaid = handler
}

// OnOrderExpired registers a handler for OrderExpired events
func (eh *EventHandler) OnOrderExpired(handler func(context.Context, *models.OrderExpiredEvent) error) {
	eh.onOrderExpired = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeOrderPaid:
		if eh.onOrderPaid != nil {
			var event models.OrderPaidEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderPaid event: %w", err)
			}
			return eh.onOrderPaid(ctx, &event)
		}

	case models.EventTypeOrderExpired:
		if eh.onOrderExpired != nil {
			var event models.OrderExpiredEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderExpired event: %w", err)
			}
			return eh.onOrderExpired(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
