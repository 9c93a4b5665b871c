package models

import "time"

// Event types
const (
	EventTypeOrderBooked      = "ORDER_BOOKED"
	EventTypeOrderProposed    = "ORDER_PROPOSED"
	EventTypeOrderUpdated     = "ORDER_UPDATED"
	EventTypeOrderCancelled   = "ORDER_CANCELLED"
	EventTypeOrderDeleted     = "ORDER_DELETED"
	EventTypeProposalUpdated  = "ORDER_PROPOSAL_UPDATED"
	EventTypeSellerAction     = "SELLER_ACTION"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderChangedEvent is published after an order mutation commits, so brokers
// know to re-read the orders feed
type OrderChangedEvent struct {
	BaseEvent
	ClientID  string    `json:"client_id"`
	OrderID   string    `json:"order_id"`
	OrderType OrderType `json:"order_type"`
	Stage     FlowStage `json:"stage"`
}

// SellerActionEvent is consumed from the seller back office
type SellerActionEvent struct {
	BaseEvent
	ClientID string       `json:"client_id"`
	OrderID  string       `json:"order_id"`
	Action   SellerAction `json:"action"`
}
