package memstore

import (
	"context"
	"errors"

	"openbooking/internal/bookingerr"
	"openbooking/internal/models"
	"openbooking/internal/store"
)

var errTxDone = errors.New("transaction already finished")

type tx struct {
	s        *Store
	snapshot state
	done     bool
}

func (t *tx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.s.st = t.snapshot
	t.s.mu.Unlock()
	return nil
}

func (t *tx) Opportunities(kind models.OpportunityKind) (store.OpportunityTransaction, error) {
	if _, ok := t.s.kinds[kind]; !ok {
		return nil, bookingerr.Internal(bookingerr.InternalIDTemplateMismatch, "no opportunity store for %s", kind)
	}
	return &opportunityTx{tx: t, kind: kind}, nil
}

func (t *tx) CreateLease(_ context.Context, flow store.FlowContext, quote *models.Order) error {
	stored := quote.Clone()
	stored.UUID = flow.OrderUUID
	stored.ClientID = flow.ClientID
	t.s.st.quotes[keyOf(flow)] = stored
	return nil
}

func (t *tx) create(flow store.FlowContext, order *models.Order) (*models.Order, error) {
	key := keyOf(flow)
	if _, exists := t.s.st.orders[key]; exists {
		return nil, bookingerr.New(bookingerr.CodeOrderAlreadyExists, "an order with this id already exists")
	}
	stored := order.Clone()
	stored.UUID = flow.OrderUUID
	stored.ClientID = flow.ClientID
	stored.Stage = flow.Stage
	stored.Lease = nil
	stored.Visibility = models.VisibilityNone
	stored.ProposalVisibility = models.VisibilityNone

	delete(t.s.st.quotes, key)
	t.s.touch(t.s.release(key, func(a allocation) bool { return a.hold == store.HoldLease })...)
	t.s.st.orders[key] = stored
	return stored, nil
}

func (t *tx) CreateOrder(_ context.Context, flow store.FlowContext, order *models.Order) error {
	stored, err := t.create(flow, order)
	if err != nil {
		return err
	}
	stored.Type = models.OrderTypeOrder
	stored.Visibility = models.VisibilityVisible
	stored.Modified = t.s.next()
	return nil
}

func (t *tx) CreateOrderProposal(_ context.Context, flow store.FlowContext, proposal *models.Order) error {
	stored, err := t.create(flow, proposal)
	if err != nil {
		return err
	}
	stored.Type = models.OrderTypeProposal
	stored.ProposalVisibility = models.VisibilityVisible
	stored.ProposalModified = t.s.next()
	return nil
}

func (t *tx) CreateOrderFromOrderProposal(_ context.Context, flow store.FlowContext, version string) (*models.Order, error) {
	key := keyOf(flow)
	o := t.s.st.orders[key]
	if o == nil {
		return nil, bookingerr.New(bookingerr.CodeOrderProposalNotFound, "no order proposal with this id")
	}
	if err := store.AcceptProposal(o, version); err != nil {
		return nil, err
	}
	o.Stage = flow.Stage
	o.Modified = t.s.next()
	for i, a := range t.s.st.allocations {
		if a.order == key && a.hold == store.HoldProposal {
			t.s.st.allocations[i].hold = store.HoldBooking
		}
	}
	return o.Clone(), nil
}

func (t *tx) CustomerCancelOrderItems(_ context.Context, flow store.FlowContext, itemIDs []string) (*models.Order, error) {
	key := keyOf(flow)
	o := t.s.st.orders[key]
	released, err := store.CancelItems(o, itemIDs)
	if err != nil {
		return nil, err
	}
	if len(released) > 0 {
		o.Modified = t.s.next()
		t.s.touch(t.s.release(key, func(a allocation) bool { return containsID(released, a.itemID) })...)
	}
	return o.Clone(), nil
}

func (t *tx) RejectOrderProposal(_ context.Context, flow store.FlowContext) (*models.Order, error) {
	key := keyOf(flow)
	o := t.s.st.orders[key]
	released, err := store.RejectProposal(o)
	if err != nil {
		return nil, err
	}
	if released != nil {
		o.ProposalModified = t.s.next()
		t.s.touch(t.s.release(key, func(a allocation) bool { return containsID(released, a.itemID) })...)
	}
	return o.Clone(), nil
}

type opportunityTx struct {
	tx   *tx
	kind models.OpportunityKind
}

// hold re-validates the items against current capacity, excluding the
// order's own holds, and replaces those holds with new ones.
func (o *opportunityTx) hold(flow store.FlowContext, items []*models.OrderItem, hold store.Hold) error {
	s := o.tx.s
	key := keyOf(flow)
	if err := s.fillItems(o.kind, flow, items); err != nil {
		return err
	}
	if err := store.ItemsError(items); err != nil {
		return err
	}

	targets := store.OpportunityIDs(items)
	affected := s.release(key, func(a allocation) bool {
		return a.hold == store.HoldLease && containsID(targets, a.opportunityID)
	})
	for _, item := range items {
		a := allocation{
			opportunityID: item.OrderedItem.ID,
			order:         key,
			itemID:        item.ID,
			hold:          hold,
		}
		if hold == store.HoldLease {
			a.expires = flow.LeaseExpires
		}
		s.st.allocations = append(s.st.allocations, a)
	}
	s.touch(append(affected, targets...)...)
	return nil
}

func (o *opportunityTx) LeaseOrderItems(_ context.Context, flow store.FlowContext, items []*models.OrderItem) error {
	return o.hold(flow, items, store.HoldLease)
}

func (o *opportunityTx) BookOrderItems(_ context.Context, flow store.FlowContext, items []*models.OrderItem) error {
	return o.hold(flow, items, store.HoldBooking)
}

func (o *opportunityTx) ProposeOrderItems(_ context.Context, flow store.FlowContext, items []*models.OrderItem) error {
	return o.hold(flow, items, store.HoldProposal)
}
