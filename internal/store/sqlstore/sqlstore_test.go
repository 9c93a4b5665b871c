package sqlstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"openbooking/internal/bookingerr"
	"openbooking/internal/clock"
	"openbooking/internal/models"
	"openbooking/internal/rpde"
	"openbooking/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	base   = "https://example.com/api"
	seller = "https://example.com/api/sellers/1"
)

var start = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(start)
	s, err := New(DriverSQLite, ":memory:", clk)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func (s *Store) opportunity(t *testing.T, id string) *models.Opportunity {
	t.Helper()
	row, err := s.loadOpportunity(context.Background(), s.db, id, false)
	require.NoError(t, err)
	require.NotNil(t, row)
	opp, err := row.decode()
	require.NoError(t, err)
	return opp
}

func (s *Store) bookings(t *testing.T, opportunityID string) int {
	t.Helper()
	var n int
	err := s.db.Get(&n, s.db.Rebind("SELECT COUNT(*) FROM allocations WHERE opportunity_id = ? AND hold = ?"),
		opportunityID, string(store.HoldBooking))
	require.NoError(t, err)
	return n
}

func session(id string, capacity int) *models.Opportunity {
	oppID := base + "/scheduled-sessions/" + id
	startDate := models.NewTimeStamp(start.Add(48 * time.Hour))
	return &models.Opportunity{
		Type:      models.KindScheduledSession,
		ID:        oppID,
		Name:      "Session " + id,
		StartDate: &startDate,
		SellerID:  seller,
		Capacity:  capacity,
		Offers: []*models.Offer{{
			Type:                                "Offer",
			ID:                                  oppID + "#/offers/standard",
			Price:                               decimal.RequireFromString("10.00"),
			PriceCurrency:                       "GBP",
			AllowCustomerCancellationFullRefund: true,
		}},
		TestDatasetID: "dataset",
	}
}

func orderItem(opp *models.Opportunity, id string) *models.OrderItem {
	return &models.OrderItem{
		Type:          "OrderItem",
		ID:            id,
		OrderedItem:   &models.OpportunitySummary{ID: opp.ID},
		AcceptedOffer: &models.Offer{ID: opp.Offers[0].ID},
	}
}

func flow(uuid string, stage models.FlowStage, now time.Time) store.FlowContext {
	return store.FlowContext{
		ClientID:     "client",
		SellerID:     seller,
		OrderUUID:    uuid,
		OrderType:    models.OrderTypeOrder,
		Stage:        stage,
		Now:          now,
		LeaseExpires: now.Add(15 * time.Minute),
	}
}

func book(t *testing.T, s *Store, f store.FlowContext, items ...*models.OrderItem) error {
	t.Helper()
	ctx := context.Background()
	tx, err := s.BeginOrderTransaction(ctx, models.StageB)
	require.NoError(t, err)
	opps, err := tx.Opportunities(models.KindScheduledSession)
	require.NoError(t, err)

	if err := opps.BookOrderItems(ctx, f, items); err != nil {
		require.NoError(t, tx.Rollback())
		return err
	}
	for _, item := range items {
		item.OrderItemStatus = models.OrderItemStatusConfirmed
	}
	if err := tx.CreateOrder(ctx, f, &models.Order{Type: models.OrderTypeOrder, OrderedItems: items}); err != nil {
		require.NoError(t, tx.Rollback())
		return err
	}
	return tx.Commit()
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New("mysql", "", clock.NewSystem())
	assert.Error(t, err)
}

func TestSchemaIsReapplicable(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.migrate(context.Background()))
}

func TestOpportunityDetailsSurviveStorage(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	opp := session("s1", 3)
	opp.AttendeeDetailsRequired = []string{"email"}
	opp.IntakeForm = []models.FormField{{Type: models.FormShortAnswer, ID: "q1", ValueRequired: true}}
	opp.Offers[0].TaxRate = decimal.RequireFromString("0.2")
	require.NoError(t, s.InsertTestOpportunity(ctx, opp))

	stored := s.opportunity(t, opp.ID)
	assert.Equal(t, []string{"email"}, stored.AttendeeDetailsRequired)
	assert.Equal(t, "q1", stored.IntakeForm[0].ID)
	assert.Equal(t, "0.2", stored.Offers[0].TaxRate.String())
	assert.Equal(t, 3, stored.RemainingCapacity)
	assert.Equal(t, "dataset", stored.TestDatasetID)
}

func TestReadOnlyStageHasNoTransaction(t *testing.T) {
	s, _ := newStore(t)
	tx, err := s.BeginOrderTransaction(context.Background(), models.StageC1)
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func TestUnknownKindIsInternal(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Opportunities("Event")
	ie, ok := bookingerr.AsInternal(err)
	require.True(t, ok)
	assert.Equal(t, bookingerr.InternalIDTemplateMismatch, ie.Code)
}

func TestGetOrderItemsPopulatesAndFlagsErrors(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	opp := session("s1", 1)
	require.NoError(t, s.InsertTestOpportunity(ctx, opp))

	good := orderItem(opp, "a")
	full := orderItem(opp, "b")
	badOffer := orderItem(opp, "c")
	badOffer.AcceptedOffer.ID = opp.ID + "#/offers/missing"
	missing := &models.OrderItem{
		OrderedItem:   &models.OpportunitySummary{ID: base + "/scheduled-sessions/none"},
		AcceptedOffer: &models.Offer{ID: base + "/scheduled-sessions/none#/offers/standard"},
	}

	sessions, err := s.Opportunities(models.KindScheduledSession)
	require.NoError(t, err)
	items := []*models.OrderItem{good, full, badOffer, missing}
	require.NoError(t, sessions.GetOrderItems(ctx, flow("o1", models.StageC2, start), items))

	assert.False(t, good.HasErrors())
	assert.Equal(t, "Session s1", good.OrderedItem.Name)
	assert.Equal(t, "10", good.AcceptedOffer.Price.String())
	assert.Equal(t, seller, good.SellerID)
	assert.True(t, full.HasError(bookingerr.CodeOpportunityIsFull))
	assert.True(t, badOffer.HasError(bookingerr.CodeOpportunityOfferPairNotBookable))
	assert.True(t, missing.HasError(bookingerr.CodeOpportunityNotFound))
}

func TestExpiredOpportunity(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	opp := session("s1", 5)
	require.NoError(t, s.InsertTestOpportunity(ctx, opp))
	clk.Advance(72 * time.Hour)

	item := orderItem(opp, "a")
	sessions, _ := s.Opportunities(models.KindScheduledSession)
	require.NoError(t, sessions.GetOrderItems(ctx, flow("o1", models.StageC2, clk.Now()), []*models.OrderItem{item}))
	assert.True(t, item.HasError(bookingerr.CodeOpportunityHasExpired))
}

func TestLeaseHoldsCapacityUntilExpiry(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	opp := session("s1", 1)
	require.NoError(t, s.InsertTestOpportunity(ctx, opp))

	lease := func(uuid string) error {
		tx, err := s.BeginOrderTransaction(ctx, models.StageC2)
		require.NoError(t, err)
		opps, err := tx.Opportunities(models.KindScheduledSession)
		require.NoError(t, err)
		f := flow(uuid, models.StageC2, clk.Now())
		if err := opps.LeaseOrderItems(ctx, f, []*models.OrderItem{orderItem(opp, uuid+"-1")}); err != nil {
			require.NoError(t, tx.Rollback())
			return err
		}
		require.NoError(t, tx.CreateLease(ctx, f, &models.Order{Type: models.OrderTypeQuote}))
		return tx.Commit()
	}

	require.NoError(t, lease("a"))
	require.NoError(t, lease("a"), "re-leasing extends the order's own lease")
	assert.ErrorIs(t, lease("b"), bookingerr.New(bookingerr.CodeOpportunityIsFull, ""))

	stored := s.opportunity(t, opp.ID)
	assert.Equal(t, 0, stored.RemainingCapacity)

	clk.Advance(20 * time.Minute)
	n, err := s.ReleaseExpiredLeases(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, lease("b"))
}

func TestBookingIsAllOrNothing(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	opp := session("s1", 1)
	require.NoError(t, s.InsertTestOpportunity(ctx, opp))

	err := book(t, s, flow("o1", models.StageB, start), orderItem(opp, "a"), orderItem(opp, "b"))
	assert.ErrorIs(t, err, bookingerr.New(bookingerr.CodeOpportunityIsFull, ""))
	assert.Equal(t, 0, s.bookings(t, opp.ID))

	_, err = s.GetOrder(ctx, "client", "o1")
	assert.ErrorIs(t, err, bookingerr.New(bookingerr.CodeUnknownOrder, ""))

	require.NoError(t, book(t, s, flow("o1", models.StageB, start), orderItem(opp, "a")))
	assert.Equal(t, 1, s.bookings(t, opp.ID))

	err = book(t, s, flow("o1", models.StageB, start), orderItem(opp, "a"))
	assert.ErrorIs(t, err, bookingerr.New(bookingerr.CodeOrderAlreadyExists, ""))
}

func TestCustomerCancellationReleasesCapacity(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	opp := session("s1", 1)
	require.NoError(t, s.InsertTestOpportunity(ctx, opp))
	f := flow("o1", models.StageB, start)
	require.NoError(t, book(t, s, f, orderItem(opp, "a")))

	tx, err := s.BeginOrderTransaction(ctx, models.StageUpdate)
	require.NoError(t, err)
	_, err = tx.CustomerCancelOrderItems(ctx, f, []string{"unknown"})
	assert.ErrorIs(t, err, bookingerr.New(bookingerr.CodeUnknownOrderItem, ""))
	require.NoError(t, tx.Rollback())

	tx, err = s.BeginOrderTransaction(ctx, models.StageUpdate)
	require.NoError(t, err)
	order, err := tx.CustomerCancelOrderItems(ctx, f, []string{"a"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, models.OrderItemStatusCustomerCancelled, order.OrderedItems[0].OrderItemStatus)
	assert.Equal(t, 0, s.bookings(t, opp.ID))
	require.NoError(t, book(t, s, flow("o2", models.StageB, start), orderItem(opp, "b")))
}

func TestProposalFlow(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	opp := session("s1", 1)
	require.NoError(t, s.InsertTestOpportunity(ctx, opp))
	f := flow("p1", models.StageP, start)

	tx, err := s.BeginOrderTransaction(ctx, models.StageP)
	require.NoError(t, err)
	opps, _ := tx.Opportunities(models.KindScheduledSession)
	require.NoError(t, opps.ProposeOrderItems(ctx, f, []*models.OrderItem{orderItem(opp, "a")}))
	require.NoError(t, tx.CreateOrderProposal(ctx, f, &models.Order{
		Type:                 models.OrderTypeProposal,
		OrderedItems:         []*models.OrderItem{orderItem(opp, "a")},
		OrderProposalVersion: "v1",
		OrderProposalStatus:  models.ProposalAwaitingSellerApproval,
	}))
	require.NoError(t, tx.Commit())

	accept := func(version string) error {
		tx, err := s.BeginOrderTransaction(ctx, models.StageB)
		require.NoError(t, err)
		if _, err := tx.CreateOrderFromOrderProposal(ctx, flow("p1", models.StageB, start), version); err != nil {
			require.NoError(t, tx.Rollback())
			return err
		}
		return tx.Commit()
	}

	assert.ErrorIs(t, accept("v1"), bookingerr.New(bookingerr.CodeOrderProposalNotAccepted, ""))

	_, err = s.ApplySellerAction(ctx, "client", "p1", models.ActionSellerAcceptProposal, start)
	require.NoError(t, err)

	assert.ErrorIs(t, accept("v0"), bookingerr.New(bookingerr.CodeOrderProposalVersionStale, ""))
	require.NoError(t, accept("v1"))
	assert.Equal(t, 1, s.bookings(t, opp.ID))

	order, err := s.GetOrder(ctx, "client", "p1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderTypeOrder, order.Type)
	assert.Equal(t, models.OrderItemStatusConfirmed, order.OrderedItems[0].OrderItemStatus)
}

func TestDeleteOrderReportsExistence(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	opp := session("s1", 1)
	require.NoError(t, s.InsertTestOpportunity(ctx, opp))
	f := flow("o1", models.StageB, start)
	require.NoError(t, book(t, s, f, orderItem(opp, "a")))

	existed, err := s.DeleteOrder(ctx, f)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, 0, s.bookings(t, opp.ID))

	existed, err = s.DeleteOrder(ctx, f)
	require.NoError(t, err)
	assert.False(t, existed)

	err = book(t, s, f, orderItem(opp, "a"))
	assert.ErrorIs(t, err, bookingerr.New(bookingerr.CodeOrderAlreadyExists, ""), "deleted order ids are never reused")
}

func renderOrder(o *models.Order) (json.RawMessage, error) {
	return json.Marshal(o)
}

func TestOrdersFeedIsScopedAndTombstoned(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	opp := session("s1", 5)
	require.NoError(t, s.InsertTestOpportunity(ctx, opp))
	require.NoError(t, book(t, s, flow("o1", models.StageB, start), orderItem(opp, "a")))
	other := flow("o2", models.StageB, start)
	other.ClientID = "other"
	require.NoError(t, book(t, s, other, orderItem(opp, "b")))

	feed, err := rpde.NewFeed("orders", rpde.OrderingModifiedID,
		s.OrdersFeedSource(models.OrderTypeOrder, renderOrder), rpde.DefaultSettings(), clk)
	require.NoError(t, err)
	clk.Advance(time.Minute)

	page, err := feed.Page(ctx, base+"/orders-rpde", "client", rpde.Cursor{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Len())
	assert.Equal(t, "o1", page.Items[0].ID)
	assert.NotNil(t, page.Items[0].Data)

	_, err = s.DeleteOrder(ctx, flow("o1", models.StageDelete, clk.Now()))
	require.NoError(t, err)
	clk.Advance(time.Minute)

	page, err = feed.Page(ctx, base+"/orders-rpde", "client", rpde.Cursor{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Len())
	assert.Equal(t, rpde.StateDeleted, page.Items[0].State)
	assert.Nil(t, page.Items[0].Data)
}

func TestOpportunityTombstonesArePermanent(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	opp := session("s1", 5)
	require.NoError(t, s.InsertTestOpportunity(ctx, opp))

	n, err := s.DeleteTestDataset(ctx, "dataset")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = s.InsertTestOpportunity(ctx, session("s1", 5))
	assert.ErrorIs(t, err, bookingerr.New(bookingerr.CodeInvalidAPIRequest, ""))

	sessions, _ := s.Opportunities(models.KindScheduledSession)
	feed, err := rpde.NewFeed("sessions", sessions.FeedOrdering(), sessions.FeedSource(), rpde.DefaultSettings(), clk)
	require.NoError(t, err)
	clk.Advance(time.Minute)

	page, err := feed.Page(ctx, base+"/feeds/sessions", "", rpde.Cursor{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Len())
	assert.Equal(t, rpde.StateDeleted, page.Items[0].State)
	assert.Nil(t, page.Items[0].Data)
}

func TestSlotFeedUsesChangeNumbers(t *testing.T) {
	s, clk := newStore(t)
	ctx := context.Background()
	slot := session("x", 1)
	slot.Type = models.KindSlot
	slot.ID = base + "/facility-uses/f/slots/1"
	require.NoError(t, s.InsertTestOpportunity(ctx, slot))
	require.NoError(t, s.InsertTestOpportunity(ctx, slot))

	slots, err := s.Opportunities(models.KindSlot)
	require.NoError(t, err)
	assert.Equal(t, rpde.OrderingChangeNumber, slots.FeedOrdering())

	feed, err := rpde.NewFeed("slots", slots.FeedOrdering(), slots.FeedSource(), rpde.DefaultSettings(), clk)
	require.NoError(t, err)
	clk.Advance(time.Minute)

	page, err := feed.Page(ctx, base+"/feeds/slots", "", rpde.Cursor{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Len())
	assert.Equal(t, int64(2), page.Items[0].Modified)
}
