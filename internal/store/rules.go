package store

import (
	"time"

	"openbooking/internal/bookingerr"
	"openbooking/internal/models"
)

// NextModified returns a feed timestamp strictly after last.
func NextModified(now time.Time, last int64) int64 {
	ms := now.UnixMilli()
	if ms <= last {
		return last + 1
	}
	return ms
}

// AcceptProposal checks that a stored proposal can be booked at version and
// turns it into an order in place.
func AcceptProposal(order *models.Order, version string) error {
	if order == nil || order.Deleted || order.ProposalVisibility == models.VisibilityNone {
		return bookingerr.New(bookingerr.CodeOrderProposalNotFound, "no order proposal with this id")
	}
	if order.Type == models.OrderTypeOrder {
		return bookingerr.New(bookingerr.CodeOrderAlreadyExists, "the order proposal has already been booked")
	}
	if order.OrderProposalVersion != version {
		return bookingerr.New(bookingerr.CodeOrderProposalVersionStale, "orderProposalVersion does not match the current version")
	}
	if order.OrderProposalStatus != models.ProposalSellerAccepted {
		return bookingerr.New(bookingerr.CodeOrderProposalNotAccepted, "the order proposal has not been accepted by the seller")
	}
	order.Type = models.OrderTypeOrder
	order.Visibility = models.VisibilityVisible
	for _, item := range order.OrderedItems {
		item.OrderItemStatus = models.OrderItemStatusConfirmed
	}
	return nil
}

// RejectProposal records a customer rejection. It returns the items whose
// capacity is released.
func RejectProposal(order *models.Order) ([]string, error) {
	if order == nil || order.Deleted || order.ProposalVisibility == models.VisibilityNone {
		return nil, bookingerr.New(bookingerr.CodeOrderProposalNotFound, "no order proposal with this id")
	}
	switch order.OrderProposalStatus {
	case models.ProposalCustomerRejected:
		return nil, nil
	case models.ProposalAwaitingSellerApproval, models.ProposalSellerAccepted:
	default:
		return nil, bookingerr.New(bookingerr.CodeCancellationNotPermitted, "the order proposal can no longer be rejected")
	}
	if order.Type == models.OrderTypeOrder {
		return nil, bookingerr.New(bookingerr.CodeCancellationNotPermitted, "the order proposal has already been booked")
	}
	order.OrderProposalStatus = models.ProposalCustomerRejected
	return itemIDs(order.OrderedItems), nil
}

// CancelItems applies a customer cancellation to the listed items. Nothing is
// changed unless every item may be cancelled. It returns the items whose
// capacity is released.
func CancelItems(order *models.Order, ids []string) ([]string, error) {
	if order == nil || order.Deleted || order.Type != models.OrderTypeOrder {
		return nil, bookingerr.New(bookingerr.CodeUnknownOrder, "no order with this id")
	}
	targets := make([]*models.OrderItem, 0, len(ids))
	for _, id := range ids {
		item := order.Item(id)
		if item == nil {
			return nil, bookingerr.Newf(bookingerr.CodeUnknownOrderItem, "order item %s is not part of this order", id)
		}
		if item.OrderItemStatus == models.OrderItemStatusCustomerCancelled {
			continue
		}
		if !models.CanTransition(item.OrderItemStatus, models.OrderItemStatusCustomerCancelled) {
			return nil, bookingerr.Newf(bookingerr.CodeCancellationNotPermitted, "order item %s cannot be cancelled", id)
		}
		if item.AcceptedOffer == nil || !item.AcceptedOffer.AllowCustomerCancellationFullRefund {
			return nil, bookingerr.Newf(bookingerr.CodeCancellationNotPermitted, "the offer for order item %s does not allow cancellation", id)
		}
		targets = append(targets, item)
	}
	released := make([]string, 0, len(targets))
	for _, item := range targets {
		item.OrderItemStatus = models.OrderItemStatusCustomerCancelled
		released = append(released, item.ID)
	}
	return released, nil
}

// SellerAction applies a seller action to an order or proposal. It returns the
// items whose capacity is released and whether the proposal feed changed.
func SellerAction(order *models.Order, action models.SellerAction) (released []string, proposalChanged bool, err error) {
	if order == nil || order.Deleted {
		return nil, false, bookingerr.New(bookingerr.CodeUnknownOrder, "no order with this id")
	}

	switch action {
	case models.ActionSellerAcceptProposal, models.ActionSellerRejectProposal:
		if order.Type != models.OrderTypeProposal || order.OrderProposalStatus != models.ProposalAwaitingSellerApproval {
			return nil, false, bookingerr.New(bookingerr.CodeOrderProposalNotFound, "no order proposal awaiting seller confirmation")
		}
		if action == models.ActionSellerAcceptProposal {
			order.OrderProposalStatus = models.ProposalSellerAccepted
			return nil, true, nil
		}
		order.OrderProposalStatus = models.ProposalSellerRejected
		return itemIDs(order.OrderedItems), true, nil

	case models.ActionSellerCancellation:
		if order.Type != models.OrderTypeOrder {
			return nil, false, bookingerr.New(bookingerr.CodeUnknownOrder, "no order with this id")
		}
		for _, item := range order.OrderedItems {
			if item.OrderItemStatus == models.OrderItemStatusConfirmed {
				item.OrderItemStatus = models.OrderItemStatusSellerCancelled
				released = append(released, item.ID)
			}
		}
		return released, false, nil

	case models.ActionAttendeeAttended, models.ActionAttendeeAbsent:
		if order.Type != models.OrderTypeOrder {
			return nil, false, bookingerr.New(bookingerr.CodeUnknownOrder, "no order with this id")
		}
		to := models.OrderItemStatusAttended
		if action == models.ActionAttendeeAbsent {
			to = models.OrderItemStatusAbsent
		}
		for _, item := range order.OrderedItems {
			if !item.OrderItemStatus.Cancelled() && models.CanTransition(item.OrderItemStatus, to) {
				item.OrderItemStatus = to
			}
		}
		return nil, false, nil
	}
	return nil, false, bookingerr.Newf(bookingerr.CodeUnknownTestAction, "unknown action %s", action)
}

// Archive hides a deleted order from both feeds as tombstones.
func Archive(order *models.Order, modified int64) {
	order.Deleted = true
	if order.Visibility != models.VisibilityNone {
		order.Visibility = models.VisibilityArchived
		order.Modified = modified
	}
	if order.ProposalVisibility != models.VisibilityNone {
		order.ProposalVisibility = models.VisibilityArchived
		order.ProposalModified = modified
	}
}

func itemIDs(items []*models.OrderItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}

// Hold is the reason capacity is allocated to an order item.
type Hold string

const (
	HoldLease    Hold = "lease"
	HoldProposal Hold = "proposal"
	HoldBooking  Hold = "booking"
)

// AssignCapacity attaches OpportunityIsFull to the items that exceed the
// capacity available to them, in item order. Items already carrying errors
// consume nothing. It reports whether any item was rejected.
func AssignCapacity(items []*models.OrderItem, available map[string]int) bool {
	used := make(map[string]int)
	full := false
	for _, item := range items {
		if item.HasErrors() || item.OrderedItem == nil {
			continue
		}
		id := item.OrderedItem.ID
		if used[id] >= available[id] {
			item.AddError(bookingerr.CodeOpportunityIsFull, "there is not enough remaining capacity for this item")
			full = true
			continue
		}
		used[id]++
	}
	return full
}

// ErrFull is the domain error returned by writes that ran out of capacity.
func ErrFull() error {
	return bookingerr.New(bookingerr.CodeOpportunityIsFull, "one or more opportunities do not have enough remaining capacity")
}

// OpportunityIDs returns the distinct opportunities referenced by items.
func OpportunityIDs(items []*models.OrderItem) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, item := range items {
		if item.OrderedItem == nil || seen[item.OrderedItem.ID] {
			continue
		}
		seen[item.OrderedItem.ID] = true
		ids = append(ids, item.OrderedItem.ID)
	}
	return ids
}

// FillItem copies an opportunity's details into an order item, attaching an
// item error when the pair cannot be booked. A stored opportunity of another
// kind than the one its id resolved to is an internal error.
func FillItem(item *models.OrderItem, opp *models.Opportunity, kind models.OpportunityKind, now time.Time) error {
	if opp == nil || opp.Deleted {
		item.AddError(bookingerr.CodeOpportunityNotFound, "the opportunity does not exist")
		return nil
	}
	if opp.Type != kind {
		return bookingerr.Internal(bookingerr.InternalIDTemplateMismatch,
			"opportunity %s is stored as %s but its id resolves to %s", opp.ID, opp.Type, kind)
	}
	offerID := ""
	if item.AcceptedOffer != nil {
		offerID = item.AcceptedOffer.ID
	}
	offer := opp.Offer(offerID)
	if offer == nil {
		item.AddError(bookingerr.CodeOpportunityOfferPairNotBookable, "the offer does not belong to the opportunity")
		return nil
	}

	accepted := *offer
	item.OrderedItem = opp.Summary()
	item.AcceptedOffer = &accepted
	item.SellerID = opp.SellerID
	item.Kind = kind
	item.AttendeeDetailsRequired = opp.AttendeeDetailsRequired
	item.OrderItemIntakeForm = opp.IntakeForm

	if opp.StartDate != nil && opp.StartDate.Before(now) {
		item.AddError(bookingerr.CodeOpportunityHasExpired, "the opportunity has already started")
	}
	return nil
}

// ItemsError returns the domain error for a write whose items no longer
// validate: OpportunityIsFull when capacity ran out, otherwise
// UnableToProcessOrderItem. It returns nil when no item has errors.
func ItemsError(items []*models.OrderItem) error {
	failed := false
	for _, item := range items {
		if item.HasError(bookingerr.CodeOpportunityIsFull) {
			return ErrFull()
		}
		failed = failed || item.HasErrors()
	}
	if failed {
		return bookingerr.New(bookingerr.CodeUnableToProcessOrderItem, "one or more order items can no longer be booked")
	}
	return nil
}
