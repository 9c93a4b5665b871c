package models

import (
	"encoding/json"
	"time"

	"openbooking/internal/bookingerr"

	"github.com/shopspring/decimal"
)

// TimeStamp is a UTC time rendered as RFC 3339.
type TimeStamp struct {
	time.Time
}

// NewTimeStamp wraps t in UTC.
func NewTimeStamp(t time.Time) TimeStamp {
	return TimeStamp{Time: t.UTC()}
}

func (t TimeStamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

func (t *TimeStamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	t.Time = parsed.UTC()
	return nil
}

// Person is a customer or an attendee. Organizations use Name and Email only.
type Person struct {
	Type       string `json:"@type"`
	Email      string `json:"email,omitempty"`
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
	Telephone  string `json:"telephone,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Relationship derives the tax relationship from the customer type.
func (p *Person) Relationship() Relationship {
	if p != nil && p.Type == "Organization" {
		return BusinessToBusiness
	}
	return BusinessToConsumer
}

// Field returns the value of a named attendee property.
func (p *Person) Field(name string) string {
	if p == nil {
		return ""
	}
	switch name {
	case "email":
		return p.Email
	case "givenName":
		return p.GivenName
	case "familyName":
		return p.FamilyName
	case "telephone":
		return p.Telephone
	case "name":
		return p.Name
	}
	return ""
}

// FormField is a question in an order item intake form
type FormField struct {
	Type          string   `json:"@type"`
	ID            string   `json:"@id"`
	Name          string   `json:"name,omitempty"`
	ValueRequired bool     `json:"valueRequired,omitempty"`
	ValueOption   []string `json:"valueOption,omitempty"`
}

// Intake form field types
const (
	FormShortAnswer = "ShortAnswerFormSpecification"
	FormParagraph   = "ParagraphFormSpecification"
	FormDropdown    = "DropdownFormSpecification"
	FormBoolean     = "BooleanFormSpecification"
	FormFileUpload  = "FileUploadFormSpecification"
)

// PropertyValue is a single intake form response
type PropertyValue struct {
	Type       string          `json:"@type"`
	PropertyID string          `json:"propertyID"`
	Value      json.RawMessage `json:"value,omitempty"`
}

// Offer is the priced offer accepted for an order item
type Offer struct {
	Type                                string                 `json:"@type"`
	ID                                  string                 `json:"@id"`
	Name                                string                 `json:"name,omitempty"`
	Price                               decimal.Decimal        `json:"price"`
	PriceCurrency                       string                 `json:"priceCurrency"`
	Prepayment                          *PrepaymentRequirement `json:"openBookingPrepayment,omitempty"`
	OpenBookingFlowRequirement          []string               `json:"openBookingFlowRequirement,omitempty"`
	AllowCustomerCancellationFullRefund bool                   `json:"allowCustomerCancellationFullRefund,omitempty"`
	TaxRate                             decimal.Decimal        `json:"-"`
}

// FlowRequirementApproval marks offers that must go through the proposal flow.
const FlowRequirementApproval = "https://openactive.io/OpenBookingApproval"

// RequiresApproval reports whether the offer is only bookable via an OrderProposal.
func (o *Offer) RequiresApproval() bool {
	if o == nil {
		return false
	}
	for _, r := range o.OpenBookingFlowRequirement {
		if r == FlowRequirementApproval {
			return true
		}
	}
	return false
}

// OpportunitySummary is the opportunity as embedded in an order item
type OpportunitySummary struct {
	Type      string     `json:"@type"`
	ID        string     `json:"@id"`
	Name      string     `json:"name,omitempty"`
	StartDate *TimeStamp `json:"startDate,omitempty"`
}

// OrderItemError is an error attached to one order item
type OrderItemError struct {
	Type        string `json:"@type"`
	Description string `json:"description,omitempty"`
}

// OrderItem is one booked, proposed or quoted opportunity/offer pair
type OrderItem struct {
	Type                        string                   `json:"@type"`
	ID                          string                   `json:"@id,omitempty"`
	Position                    int                      `json:"position"`
	OrderItemStatus             OrderItemStatus          `json:"orderItemStatus,omitempty"`
	OrderedItem                 *OpportunitySummary      `json:"orderedItem"`
	AcceptedOffer               *Offer                   `json:"acceptedOffer"`
	UnitTaxSpecification        []TaxChargeSpecification `json:"unitTaxSpecification,omitempty"`
	Attendee                    *Person                  `json:"attendee,omitempty"`
	AttendeeDetailsRequired     []string                 `json:"attendeeDetailsRequired,omitempty"`
	OrderItemIntakeForm         []FormField              `json:"orderItemIntakeForm,omitempty"`
	OrderItemIntakeFormResponse []PropertyValue          `json:"orderItemIntakeFormResponse,omitempty"`
	Errors                      []OrderItemError         `json:"error,omitempty"`

	Kind     OpportunityKind `json:"-"`
	SellerID string          `json:"-"`
}

// AddError attaches a domain error to the item.
func (i *OrderItem) AddError(code bookingerr.Code, description string) {
	i.Errors = append(i.Errors, OrderItemError{Type: code.TypeName(), Description: description})
}

// HasErrors reports whether any error is attached.
func (i *OrderItem) HasErrors() bool {
	return len(i.Errors) > 0
}

// HasError reports whether an error with the given code is attached.
func (i *OrderItem) HasError(code bookingerr.Code) bool {
	for _, e := range i.Errors {
		if e.Type == code.TypeName() {
			return true
		}
	}
	return false
}

// Order is an OrderQuote, OrderProposal or Order
type Order struct {
	Type                   OrderType                `json:"@type"`
	ID                     string                   `json:"@id,omitempty"`
	Identifier             string                   `json:"identifier,omitempty"`
	Seller                 string                   `json:"seller,omitempty"`
	Customer               *Person                  `json:"customer,omitempty"`
	OrderedItems           []*OrderItem             `json:"orderedItem"`
	TotalPaymentDue        *PriceSpecification      `json:"totalPaymentDue,omitempty"`
	TotalPaymentTax        []TaxChargeSpecification `json:"totalPaymentTax,omitempty"`
	TaxCalculationExcluded bool                     `json:"taxCalculationExcluded,omitempty"`
	Payment                *Payment                 `json:"payment,omitempty"`
	OrderRequiresApproval  bool                     `json:"orderRequiresApproval,omitempty"`
	OrderProposalVersion   string                   `json:"orderProposalVersion,omitempty"`
	OrderProposalStatus    ProposalStatus           `json:"orderProposalStatus,omitempty"`
	Lease                  *Lease                   `json:"lease,omitempty"`

	UUID               string         `json:"-"`
	ClientID           string         `json:"-"`
	Stage              FlowStage      `json:"-"`
	Modified           int64          `json:"-"`
	ProposalModified   int64          `json:"-"`
	Visibility         FeedVisibility `json:"-"`
	ProposalVisibility FeedVisibility `json:"-"`
	Deleted            bool           `json:"-"`
}

// HasItemErrors reports whether any order item carries an error.
func (o *Order) HasItemErrors() bool {
	for _, item := range o.OrderedItems {
		if item.HasErrors() {
			return true
		}
	}
	return false
}

// Item returns the order item with the given id.
func (o *Order) Item(id string) *OrderItem {
	for _, item := range o.OrderedItems {
		if item.ID == id {
			return item
		}
	}
	return nil
}

// Clone returns a deep copy via JSON plus the unexported-to-JSON state.
func (o *Order) Clone() *Order {
	b, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}
	var c Order
	if err := json.Unmarshal(b, &c); err != nil {
		panic(err)
	}
	c.UUID = o.UUID
	c.ClientID = o.ClientID
	c.Stage = o.Stage
	c.Modified = o.Modified
	c.ProposalModified = o.ProposalModified
	c.Visibility = o.Visibility
	c.ProposalVisibility = o.ProposalVisibility
	c.Deleted = o.Deleted
	for i, item := range o.OrderedItems {
		c.OrderedItems[i].Kind = item.Kind
		c.OrderedItems[i].SellerID = item.SellerID
		if item.AcceptedOffer != nil {
			c.OrderedItems[i].AcceptedOffer.TaxRate = item.AcceptedOffer.TaxRate
		}
	}
	return &c
}
