package models

// OpportunityKind is the shape of a bookable opportunity id
type OpportunityKind string

const (
	KindScheduledSession OpportunityKind = "ScheduledSession"
	KindSlot             OpportunityKind = "Slot"
)

// Opportunity is a bookable, capacity-limited entity owned by a seller
type Opportunity struct {
	Type                    OpportunityKind `json:"@type"`
	ID                      string          `json:"@id"`
	Name                    string          `json:"name"`
	StartDate               *TimeStamp      `json:"startDate,omitempty"`
	SellerID                string          `json:"organizer"`
	Capacity                int             `json:"maximumAttendeeCapacity"`
	RemainingCapacity       int             `json:"remainingAttendeeCapacity"`
	Offers                  []*Offer        `json:"offer"`
	AttendeeDetailsRequired []string        `json:"-"`
	IntakeForm              []FormField     `json:"-"`
	TestDatasetID           string          `json:"-"`
	Modified                int64           `json:"-"`
	Deleted                 bool            `json:"-"`
}

// Offer returns the offer with the given id.
func (o *Opportunity) Offer(id string) *Offer {
	for _, offer := range o.Offers {
		if offer.ID == id {
			return offer
		}
	}
	return nil
}

// Summary returns the embedded form used inside order items.
func (o *Opportunity) Summary() *OpportunitySummary {
	return &OpportunitySummary{
		Type:      string(o.Type),
		ID:        o.ID,
		Name:      o.Name,
		StartDate: o.StartDate,
	}
}
