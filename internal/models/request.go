package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// OrderRequest is the body of every checkout request
type OrderRequest struct {
	Context              string              `json:"@context,omitempty"`
	Type                 OrderType           `json:"@type"`
	Seller               string              `json:"seller"`
	Customer             *Person             `json:"customer,omitempty"`
	OrderedItems         []OrderItemRequest  `json:"orderedItem"`
	TotalPaymentDue      *PriceSpecification `json:"totalPaymentDue,omitempty"`
	Payment              *Payment            `json:"payment,omitempty"`
	OrderProposalVersion string              `json:"orderProposalVersion,omitempty"`
	OrderProposalStatus  ProposalStatus      `json:"orderProposalStatus,omitempty"`
}

// OrderItemRequest is an order item as submitted by the broker
type OrderItemRequest struct {
	Type                        string          `json:"@type"`
	ID                          string          `json:"@id,omitempty"`
	Position                    *int            `json:"position,omitempty"`
	OrderedItem                 string          `json:"orderedItem,omitempty"`
	AcceptedOffer               string          `json:"acceptedOffer,omitempty"`
	OrderItemStatus             OrderItemStatus `json:"orderItemStatus,omitempty"`
	Attendee                    *Person         `json:"attendee,omitempty"`
	OrderItemIntakeFormResponse []PropertyValue `json:"orderItemIntakeFormResponse,omitempty"`
}

// ParseOrderRequest decodes a request body. Properties the engine does not
// read (broker, brokerRole, identifier and the like) are ignored; trailing
// data after the object is not.
func ParseOrderRequest(body string) (*OrderRequest, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	var req OrderRequest
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode order request: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("failed to decode order request: unexpected data after the object")
	}
	return &req, nil
}

// PositionOr returns the item position, defaulting to its index.
func (r OrderItemRequest) PositionOr(index int) int {
	if r.Position != nil {
		return *r.Position
	}
	return index
}
