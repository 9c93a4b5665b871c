// Package memstore is an in-process backend for tests and local development.
// A transaction holds the store's lock from begin to commit and rolls back by
// restoring the snapshot taken when it began.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"openbooking/internal/bookingerr"
	"openbooking/internal/clock"
	"openbooking/internal/models"
	"openbooking/internal/rpde"
	"openbooking/internal/store"
)

type orderKey struct {
	clientID string
	uuid     string
}

type allocation struct {
	opportunityID string
	order         orderKey
	itemID        string
	hold          store.Hold
	expires       time.Time
}

func (a allocation) live(now time.Time) bool {
	return a.hold != store.HoldLease || now.Before(a.expires)
}

type feedEntry struct {
	opportunity  models.Opportunity
	changeNumber int64
}

type state struct {
	opportunities map[string]*feedEntry
	orders        map[orderKey]*models.Order
	quotes        map[orderKey]*models.Order
	allocations   []allocation
	lastModified  int64
	changeNumber  int64
}

func (st *state) clone() state {
	c := state{
		opportunities: make(map[string]*feedEntry, len(st.opportunities)),
		orders:        make(map[orderKey]*models.Order, len(st.orders)),
		quotes:        make(map[orderKey]*models.Order, len(st.quotes)),
		allocations:   append([]allocation(nil), st.allocations...),
		lastModified:  st.lastModified,
		changeNumber:  st.changeNumber,
	}
	for k, v := range st.opportunities {
		e := *v
		c.opportunities[k] = &e
	}
	for k, v := range st.orders {
		c.orders[k] = v.Clone()
	}
	for k, v := range st.quotes {
		c.quotes[k] = v.Clone()
	}
	return c
}

// Store keeps opportunities and orders in memory.
type Store struct {
	mu    sync.Mutex
	st    state
	kinds map[models.OpportunityKind]rpde.Ordering
	clock clock.Clock
}

var _ store.OrderStore = (*Store)(nil)

// New creates a store handling scheduled sessions, ordered by (modified, id),
// and slots, ordered by change number.
func New(clk clock.Clock) *Store {
	return &Store{
		st: state{
			opportunities: make(map[string]*feedEntry),
			orders:        make(map[orderKey]*models.Order),
			quotes:        make(map[orderKey]*models.Order),
		},
		kinds: map[models.OpportunityKind]rpde.Ordering{
			models.KindScheduledSession: rpde.OrderingModifiedID,
			models.KindSlot:             rpde.OrderingChangeNumber,
		},
		clock: clk,
	}
}

func keyOf(flow store.FlowContext) orderKey {
	return orderKey{clientID: flow.ClientID, uuid: flow.OrderUUID}
}

func (s *Store) next() int64 {
	s.st.lastModified = store.NextModified(s.clock.Now(), s.st.lastModified)
	return s.st.lastModified
}

// touch brings an opportunity's remaining capacity up to date and republishes
// it when it changed.
func (s *Store) touch(ids ...string) {
	now := s.clock.Now()
	for _, id := range ids {
		e, ok := s.st.opportunities[id]
		if !ok || e.opportunity.Deleted {
			continue
		}
		remaining := e.opportunity.Capacity - s.used(id, orderKey{}, now)
		if remaining < 0 {
			remaining = 0
		}
		if remaining == e.opportunity.RemainingCapacity {
			continue
		}
		e.opportunity.RemainingCapacity = remaining
		s.publish(e)
	}
}

func (s *Store) publish(e *feedEntry) {
	e.opportunity.Modified = s.next()
	s.st.changeNumber++
	e.changeNumber = s.st.changeNumber
}

// used counts live allocations of an opportunity not held by except.
func (s *Store) used(opportunityID string, except orderKey, now time.Time) int {
	n := 0
	for _, a := range s.st.allocations {
		if a.opportunityID == opportunityID && a.order != except && a.live(now) {
			n++
		}
	}
	return n
}

// release drops the order's allocations for which drop returns true and
// returns the opportunities affected.
func (s *Store) release(order orderKey, drop func(allocation) bool) []string {
	var affected []string
	kept := s.st.allocations[:0]
	for _, a := range s.st.allocations {
		if a.order == order && drop(a) {
			affected = append(affected, a.opportunityID)
			continue
		}
		kept = append(kept, a)
	}
	s.st.allocations = kept
	return affected
}

func (s *Store) Opportunities(kind models.OpportunityKind) (store.OpportunityStore, error) {
	ordering, ok := s.kinds[kind]
	if !ok {
		return nil, bookingerr.Internal(bookingerr.InternalIDTemplateMismatch, "no opportunity store for %s", kind)
	}
	return &opportunities{s: s, kind: kind, ordering: ordering}, nil
}

func (s *Store) BeginOrderTransaction(_ context.Context, stage models.FlowStage) (store.OrderTransaction, error) {
	if stage.ReadOnly() {
		return nil, nil
	}
	s.mu.Lock()
	return &tx{s: s, snapshot: s.st.clone()}, nil
}

func (s *Store) GetOrder(_ context.Context, clientID, uuid string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.st.orders[orderKey{clientID, uuid}]
	if !ok || o.Deleted {
		return nil, bookingerr.New(bookingerr.CodeUnknownOrder, "no order with this id")
	}
	return o.Clone(), nil
}

func (s *Store) DeleteOrder(_ context.Context, flow store.FlowContext) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(flow)
	delete(s.st.quotes, key)
	affected := s.release(key, func(allocation) bool { return true })
	defer s.touch(affected...)

	o, ok := s.st.orders[key]
	if !ok || o.Deleted {
		return false, nil
	}
	store.Archive(o, s.next())
	return true, nil
}

func (s *Store) DeleteLease(_ context.Context, flow store.FlowContext) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(flow)
	_, existed := s.st.quotes[key]
	delete(s.st.quotes, key)
	s.touch(s.release(key, func(a allocation) bool { return a.hold == store.HoldLease })...)
	return existed, nil
}

func (s *Store) ReleaseExpiredLeases(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected []string
	kept := s.st.allocations[:0]
	for _, a := range s.st.allocations {
		if !a.live(now) {
			affected = append(affected, a.opportunityID)
			continue
		}
		kept = append(kept, a)
	}
	s.st.allocations = kept
	s.touch(affected...)
	return len(affected), nil
}

func (s *Store) OrdersFeedSource(orderType models.OrderType, render store.OrderRenderer) rpde.Source {
	return rpde.SourceFunc(func(_ context.Context, q rpde.Query) ([]rpde.Item, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		byUUID := make(map[string]*models.Order)
		var items []rpde.Item
		for key, o := range s.st.orders {
			if key.clientID != q.Scope {
				continue
			}
			visibility, modified := o.Visibility, o.Modified
			if orderType == models.OrderTypeProposal {
				visibility, modified = o.ProposalVisibility, o.ProposalModified
			}
			item, ok := rpde.ItemForVisibility(key.uuid, string(orderType), modified, visibility, nil)
			if !ok {
				continue
			}
			byUUID[key.uuid] = o
			items = append(items, item)
		}

		page := rpde.Select(items, rpde.OrderingModifiedID, q)
		for i := range page {
			if page[i].State != rpde.StateUpdated {
				continue
			}
			data, err := render(byUUID[page[i].ID].Clone())
			if err != nil {
				return nil, fmt.Errorf("failed to render order %s: %w", page[i].ID, err)
			}
			page[i].Data = data
		}
		return page, nil
	})
}

func (s *Store) InsertTestOpportunity(_ context.Context, opp *models.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.kinds[opp.Type]; !ok {
		return bookingerr.Newf(bookingerr.CodeInvalidAPIRequest, "opportunity type %s is not supported", opp.Type)
	}
	e, ok := s.st.opportunities[opp.ID]
	if ok && e.opportunity.Deleted {
		return bookingerr.Newf(bookingerr.CodeInvalidAPIRequest, "opportunity %s was deleted and cannot be reused", opp.ID)
	}
	if !ok {
		e = &feedEntry{}
		s.st.opportunities[opp.ID] = e
	}
	e.opportunity = *opp
	e.opportunity.Deleted = false
	remaining := opp.Capacity - s.used(opp.ID, orderKey{}, s.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	e.opportunity.RemainingCapacity = remaining
	s.publish(e)
	return nil
}

func (s *Store) DeleteTestDataset(_ context.Context, datasetID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.st.opportunities {
		if e.opportunity.TestDatasetID != datasetID || e.opportunity.Deleted {
			continue
		}
		e.opportunity.Deleted = true
		s.publish(e)
		n++
	}
	return n, nil
}

func (s *Store) ApplySellerAction(_ context.Context, clientID, uuid string, action models.SellerAction, _ time.Time) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orderKey{clientID, uuid}
	o := s.st.orders[key]
	if o == nil {
		return nil, bookingerr.New(bookingerr.CodeUnknownOrder, "no order with this id")
	}
	updated := o.Clone()
	released, proposalChanged, err := store.SellerAction(updated, action)
	if err != nil {
		return nil, err
	}
	if proposalChanged {
		updated.ProposalModified = s.next()
	} else {
		updated.Modified = s.next()
	}
	s.st.orders[key] = updated
	s.touch(s.release(key, func(a allocation) bool { return containsID(released, a.itemID) })...)
	return updated.Clone(), nil
}

// Opportunity returns a stored opportunity, including tombstoned ones.
func (s *Store) Opportunity(id string) (*models.Opportunity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.opportunities[id]
	if !ok {
		return nil, false
	}
	opp := e.opportunity
	return &opp, true
}

// Bookings counts the live booking holds on an opportunity.
func (s *Store) Bookings(opportunityID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.st.allocations {
		if a.opportunityID == opportunityID && a.hold == store.HoldBooking {
			n++
		}
	}
	return n
}

type opportunities struct {
	s        *Store
	kind     models.OpportunityKind
	ordering rpde.Ordering
}

func (o *opportunities) Kind() models.OpportunityKind { return o.kind }

func (o *opportunities) FeedOrdering() rpde.Ordering { return o.ordering }

func (o *opportunities) GetOrderItems(_ context.Context, flow store.FlowContext, items []*models.OrderItem) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	return o.s.fillItems(o.kind, flow, items)
}

func (s *Store) fillItems(kind models.OpportunityKind, flow store.FlowContext, items []*models.OrderItem) error {
	now := flow.Now
	available := make(map[string]int)
	for _, item := range items {
		if item.OrderedItem == nil {
			item.AddError(bookingerr.CodeOpportunityOfferPairNotBookable, "orderedItem is required")
			continue
		}
		var opp *models.Opportunity
		if e, ok := s.st.opportunities[item.OrderedItem.ID]; ok {
			opp = &e.opportunity
		}
		if err := store.FillItem(item, opp, kind, now); err != nil {
			return err
		}
		if opp != nil {
			available[opp.ID] = opp.Capacity - s.used(opp.ID, keyOf(flow), now)
		}
	}
	store.AssignCapacity(items, available)
	return nil
}

func (o *opportunities) FeedSource() rpde.Source {
	return rpde.SourceFunc(func(_ context.Context, q rpde.Query) ([]rpde.Item, error) {
		o.s.mu.Lock()
		defer o.s.mu.Unlock()

		var items []rpde.Item
		for _, e := range o.s.st.opportunities {
			if e.opportunity.Type != o.kind {
				continue
			}
			var data json.RawMessage
			if !e.opportunity.Deleted {
				b, err := json.Marshal(e.opportunity)
				if err != nil {
					return nil, fmt.Errorf("failed to encode opportunity %s: %w", e.opportunity.ID, err)
				}
				data = b
			}
			item := rpde.NewItem(e.opportunity.ID, string(o.kind), e.opportunity.Modified, e.opportunity.Deleted, data)
			item.ChangeNumber = e.changeNumber
			items = append(items, item)
		}
		return rpde.Select(items, o.ordering, q), nil
	})
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
