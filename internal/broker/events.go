package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"openbooking/internal/models"
	"openbooking/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes order change notifications. It satisfies
// engine.Notifier.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// OrderChanged publishes an OrderChangedEvent keyed by client and order.
func (ep *EventPublisher) OrderChanged(ctx context.Context, event *models.OrderChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.ClientID, event.OrderID), event)
}

func orderKey(clientID, orderID string) string {
	return fmt.Sprintf("%s/%s", clientID, orderID)
}

// EventHandler handles incoming events
type EventHandler struct {
	onSellerAction func(context.Context, *models.SellerActionEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnSellerAction registers a handler for SellerAction events
func (eh *EventHandler) OnSellerAction(handler func(context.Context, *models.SellerActionEvent) error) {
	eh.onSellerAction = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	logger := util.GetLogger()
	logger.Debug("Handling event", zap.String("type", baseEvent.EventType), zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeSellerAction:
		if eh.onSellerAction != nil {
			var event models.SellerActionEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal SellerAction event: %w", err)
			}
			if !event.Action.Valid() {
				return fmt.Errorf("unknown seller action %q", event.Action)
			}
			return eh.onSellerAction(ctx, &event)
		}

	default:
		logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
