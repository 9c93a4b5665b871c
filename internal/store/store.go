// Package store defines the contracts between the booking engine and the
// backends that own opportunities and orders.
//
// Writes made for a checkout stage happen inside an OrderTransaction. Every
// transactional write either fully succeeds or returns an error leaving no
// partial state once the transaction is rolled back; domain failures are
// *bookingerr.Error values and may also be attached to the affected items.
package store

import (
	"context"
	"encoding/json"
	"time"

	"openbooking/internal/models"
	"openbooking/internal/rpde"
)

// FlowContext identifies the order a stage operates on.
type FlowContext struct {
	ClientID     string
	SellerID     string
	OrderUUID    string
	OrderType    models.OrderType
	Stage        models.FlowStage
	Now          time.Time
	LeaseExpires time.Time
}

// OpportunityStore reads one kind of opportunity.
type OpportunityStore interface {
	Kind() models.OpportunityKind

	// GetOrderItems fills in the opportunity, offer, seller and detail
	// requirements of each item, attaching item errors for opportunities that
	// are unknown, expired, not bookable with the offer, or without enough
	// remaining capacity. Capacity held by the flow's own order is not counted
	// against it.
	GetOrderItems(ctx context.Context, flow FlowContext, items []*models.OrderItem) error

	// FeedSource publishes the opportunities as an RPDE feed.
	FeedSource() rpde.Source
	FeedOrdering() rpde.Ordering
}

// OpportunityTransaction writes capacity holds for one kind of opportunity.
// Each call re-checks capacity and fails with OpportunityIsFull, attached to
// every item that cannot be satisfied, without holding anything.
type OpportunityTransaction interface {
	// LeaseOrderItems creates or extends the order's lease holds until
	// flow.LeaseExpires, replacing any holds it had before.
	LeaseOrderItems(ctx context.Context, flow FlowContext, items []*models.OrderItem) error
	// BookOrderItems converts the items into confirmed bookings.
	BookOrderItems(ctx context.Context, flow FlowContext, items []*models.OrderItem) error
	// ProposeOrderItems holds capacity for items awaiting seller approval.
	ProposeOrderItems(ctx context.Context, flow FlowContext, items []*models.OrderItem) error
}

// OrderTransaction is a unit of work for one checkout stage.
type OrderTransaction interface {
	// Opportunities returns the writer for a kind, or an internal error when
	// the backend does not handle it.
	Opportunities(kind models.OpportunityKind) (OpportunityTransaction, error)

	// CreateLease stores the quote carrying the lease.
	CreateLease(ctx context.Context, flow FlowContext, quote *models.Order) error
	// CreateOrder stores a booked order and releases its lease. An order id
	// that was used before, even if since deleted, is rejected.
	CreateOrder(ctx context.Context, flow FlowContext, order *models.Order) error
	// CreateOrderProposal stores a proposal awaiting seller approval.
	CreateOrderProposal(ctx context.Context, flow FlowContext, proposal *models.Order) error
	// CreateOrderFromOrderProposal books a seller-accepted proposal whose
	// current version is version.
	CreateOrderFromOrderProposal(ctx context.Context, flow FlowContext, version string) (*models.Order, error)
	// CustomerCancelOrderItems cancels the given items of a booked order.
	// Either every item is cancelled or none is.
	CustomerCancelOrderItems(ctx context.Context, flow FlowContext, itemIDs []string) (*models.Order, error)
	// RejectOrderProposal records the customer's rejection of a proposal.
	RejectOrderProposal(ctx context.Context, flow FlowContext) (*models.Order, error)

	Commit() error
	Rollback() error
}

// OrderRenderer produces the feed payload for an order.
type OrderRenderer func(order *models.Order) (json.RawMessage, error)

// OrderStore owns orders, quotes and their capacity holds.
type OrderStore interface {
	// Opportunities returns the reader for a kind, or an internal error when
	// the backend does not handle it.
	Opportunities(kind models.OpportunityKind) (OpportunityStore, error)

	// BeginOrderTransaction opens a transaction for stage. Read-only stages
	// get a nil transaction.
	BeginOrderTransaction(ctx context.Context, stage models.FlowStage) (OrderTransaction, error)

	// GetOrder returns an order or proposal, or UnknownOrder.
	GetOrder(ctx context.Context, clientID, uuid string) (*models.Order, error)
	// DeleteOrder deletes an order and its proposal, reporting whether it existed.
	DeleteOrder(ctx context.Context, flow FlowContext) (bool, error)
	// DeleteLease deletes a quote and releases its holds, reporting whether it existed.
	DeleteLease(ctx context.Context, flow FlowContext) (bool, error)
	// ReleaseExpiredLeases drops leases that expired before now.
	ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error)

	// OrdersFeedSource publishes a client's orders or proposals. The query
	// scope is the client id.
	OrdersFeedSource(orderType models.OrderType, render OrderRenderer) rpde.Source

	TestInterface
}

// TestInterface is the hooks used by test suites to set up and drive scenarios.
type TestInterface interface {
	InsertTestOpportunity(ctx context.Context, opportunity *models.Opportunity) error
	DeleteTestDataset(ctx context.Context, datasetID string) (int, error)
	ApplySellerAction(ctx context.Context, clientID, uuid string, action models.SellerAction, now time.Time) (*models.Order, error)
}
