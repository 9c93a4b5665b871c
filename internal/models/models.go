package models

import (
	"github.com/shopspring/decimal"
)

func init() {
	// Prices are JSON numbers on the wire.
	decimal.MarshalJSONWithoutQuotes = true
}

// OrderType identifies which of the three order kinds an order id refers to
type OrderType string

const (
	OrderTypeQuote    OrderType = "OrderQuote"
	OrderTypeProposal OrderType = "OrderProposal"
	OrderTypeOrder    OrderType = "Order"
)

// FlowStage names the checkout stage a request targets
type FlowStage string

const (
	StageC1     FlowStage = "C1"
	StageC2     FlowStage = "C2"
	StageP      FlowStage = "P"
	StageB      FlowStage = "B"
	StageUpdate FlowStage = "Update"
	StageCancel FlowStage = "Cancel"
	StageDelete FlowStage = "Delete"
)

// ReadOnly reports whether the stage never opens a store transaction.
func (s FlowStage) ReadOnly() bool {
	return s == StageC1
}

// OrderItemStatus is the booking status of a single order item
type OrderItemStatus string

const (
	OrderItemStatusNone              OrderItemStatus = ""
	OrderItemStatusConfirmed         OrderItemStatus = "https://openactive.io/OrderItemConfirmed"
	OrderItemStatusCustomerCancelled OrderItemStatus = "https://openactive.io/CustomerCancelled"
	OrderItemStatusSellerCancelled   OrderItemStatus = "https://openactive.io/SellerCancelled"
	OrderItemStatusAttended          OrderItemStatus = "https://openactive.io/AttendeeAttended"
	OrderItemStatusAbsent            OrderItemStatus = "https://openactive.io/AttendeeAbsent"
)

// Cancelled reports whether the status is a terminal cancellation.
func (s OrderItemStatus) Cancelled() bool {
	return s == OrderItemStatusCustomerCancelled || s == OrderItemStatusSellerCancelled
}

// CanTransition reports whether an item may move from one status to another.
// Cancelled items are never resurrected.
func CanTransition(from, to OrderItemStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case OrderItemStatusNone:
		return to == OrderItemStatusConfirmed
	case OrderItemStatusConfirmed:
		return to != OrderItemStatusNone
	case OrderItemStatusAttended, OrderItemStatusAbsent:
		return to == OrderItemStatusAttended || to == OrderItemStatusAbsent
	default:
		return false
	}
}

// ProposalStatus is the approval status of an OrderProposal
type ProposalStatus string

const (
	ProposalStatusNone             ProposalStatus = ""
	ProposalAwaitingSellerApproval ProposalStatus = "https://openactive.io/AwaitingSellerConfirmation"
	ProposalSellerAccepted         ProposalStatus = "https://openactive.io/SellerAccepted"
	ProposalSellerRejected         ProposalStatus = "https://openactive.io/SellerRejected"
	ProposalCustomerRejected       ProposalStatus = "https://openactive.io/CustomerRejected"
)

// FeedVisibility controls how an order appears in an orders feed
type FeedVisibility string

const (
	VisibilityNone     FeedVisibility = "None"
	VisibilityVisible  FeedVisibility = "Visible"
	VisibilityArchived FeedVisibility = "Archived"
)

// PrepaymentRequirement says whether payment is taken at booking time
type PrepaymentRequirement string

const (
	PrepaymentNone        PrepaymentRequirement = ""
	PrepaymentRequired    PrepaymentRequirement = "https://openactive.io/Required"
	PrepaymentOptional    PrepaymentRequirement = "https://openactive.io/Optional"
	PrepaymentUnavailable PrepaymentRequirement = "https://openactive.io/Unavailable"
)

// TaxMode selects whether offer prices include tax
type TaxMode string

const (
	TaxModeGross TaxMode = "https://openactive.io/TaxGross"
	TaxModeNet   TaxMode = "https://openactive.io/TaxNet"
)

// Relationship is the tax relationship between seller and customer
type Relationship string

const (
	BusinessToConsumer Relationship = "B2C"
	BusinessToBusiness Relationship = "B2B"
)

// SellerAction is an out-of-band change made by the seller, or simulated by the test interface
type SellerAction string

const (
	ActionSellerAcceptProposal SellerAction = "test:SellerAcceptOrderProposalSimulateAction"
	ActionSellerRejectProposal SellerAction = "test:SellerRejectOrderProposalSimulateAction"
	ActionSellerCancellation   SellerAction = "test:SellerRequestedCancellationSimulateAction"
	ActionAttendeeAttended     SellerAction = "test:AttendeeAttendedSimulateAction"
	ActionAttendeeAbsent       SellerAction = "test:AttendeeAbsentSimulateAction"
)

// Valid reports whether the action is known.
func (a SellerAction) Valid() bool {
	switch a {
	case ActionSellerAcceptProposal, ActionSellerRejectProposal, ActionSellerCancellation,
		ActionAttendeeAttended, ActionAttendeeAbsent:
		return true
	}
	return false
}

// PriceSpecification is a total price with currency
type PriceSpecification struct {
	Type          string                `json:"@type"`
	Price         decimal.Decimal       `json:"price"`
	PriceCurrency string                `json:"priceCurrency"`
	Prepayment    PrepaymentRequirement `json:"openBookingPrepayment,omitempty"`
}

// TaxChargeSpecification is a named tax amount at a given rate
type TaxChargeSpecification struct {
	Type          string          `json:"@type"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	PriceCurrency string          `json:"priceCurrency"`
	Rate          decimal.Decimal `json:"rate"`
	Identifier    string          `json:"identifier,omitempty"`
}

// Payment carries the broker's payment reference
type Payment struct {
	Type       string `json:"@type"`
	Identifier string `json:"identifier,omitempty"`
	Name       string `json:"name,omitempty"`
	AccountID  string `json:"accountId,omitempty"`
}

// Lease is a time-bounded soft hold on capacity for an OrderQuote
type Lease struct {
	Type         string    `json:"@type"`
	LeaseExpires TimeStamp `json:"leaseExpires"`
}
