package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderItemStatus
		want     bool
	}{
		{OrderItemStatusNone, OrderItemStatusConfirmed, true},
		{OrderItemStatusConfirmed, OrderItemStatusCustomerCancelled, true},
		{OrderItemStatusConfirmed, OrderItemStatusAttended, true},
		{OrderItemStatusAttended, OrderItemStatusAbsent, true},
		{OrderItemStatusCustomerCancelled, OrderItemStatusConfirmed, false},
		{OrderItemStatusSellerCancelled, OrderItemStatusAttended, false},
		{OrderItemStatusCustomerCancelled, OrderItemStatusCustomerCancelled, true},
		{OrderItemStatusConfirmed, OrderItemStatusNone, false},
		{OrderItemStatusAttended, OrderItemStatusCustomerCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%q -> %q", tt.from, tt.to)
	}
}

func TestPersonRelationship(t *testing.T) {
	var nobody *Person
	assert.Equal(t, BusinessToConsumer, nobody.Relationship())
	assert.Equal(t, BusinessToConsumer, (&Person{Type: "Person"}).Relationship())
	assert.Equal(t, BusinessToBusiness, (&Person{Type: "Organization"}).Relationship())
}

func TestPriceMarshalsAsNumber(t *testing.T) {
	b, err := json.Marshal(PriceSpecification{Type: "PriceSpecification", Price: decimal.RequireFromString("5.00"), PriceCurrency: "GBP"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"@type":"PriceSpecification","price":5,"priceCurrency":"GBP"}`, string(b))
}

func TestOrderCloneKeepsHiddenState(t *testing.T) {
	o := &Order{
		Type:       OrderTypeOrder,
		ClientID:   "client-1",
		Modified:   42,
		Visibility: VisibilityVisible,
		OrderedItems: []*OrderItem{{
			Type:          "OrderItem",
			Kind:          KindSlot,
			SellerID:      "seller-1",
			AcceptedOffer: &Offer{Type: "Offer", ID: "offer", Price: decimal.NewFromInt(10), TaxRate: decimal.RequireFromString("0.2")},
		}},
	}

	c := o.Clone()
	c.OrderedItems[0].OrderItemStatus = OrderItemStatusConfirmed

	assert.Equal(t, "client-1", c.ClientID)
	assert.Equal(t, int64(42), c.Modified)
	assert.Equal(t, KindSlot, c.OrderedItems[0].Kind)
	assert.True(t, c.OrderedItems[0].AcceptedOffer.TaxRate.Equal(decimal.RequireFromString("0.2")))
	assert.Equal(t, OrderItemStatusNone, o.OrderedItems[0].OrderItemStatus)
}

func TestResponseCacheControl(t *testing.T) {
	age := 8 * time.Second
	r := &Response{StatusCode: 200, CacheControlMaxAge: &age}
	assert.True(t, r.IsSuccess())
	assert.Equal(t, "public, max-age=8", r.CacheControl())
	assert.Equal(t, "", (&Response{StatusCode: 409}).CacheControl())
	assert.False(t, (&Response{StatusCode: 409}).IsSuccess())
}

func TestParseOrderRequestIgnoresBrokerProperties(t *testing.T) {
	req, err := ParseOrderRequest(`{"@type":"Order","seller":"s","broker":{"@type":"Organization","name":"B"},"brokerRole":"https://openactive.io/AgentBroker","identifier":"ref-1","orderedItem":[{"@type":"OrderItem","orderedItem":"a","acceptedOffer":"b","orderItemStatus":"https://openactive.io/OrderItemConfirmed","bookedBy":"x"}]}`)
	require.NoError(t, err)
	assert.Equal(t, OrderTypeOrder, req.Type)
	assert.Equal(t, "s", req.Seller)
	require.Len(t, req.OrderedItems, 1)
	assert.Equal(t, "a", req.OrderedItems[0].OrderedItem)

	_, err = ParseOrderRequest(`{"@type":"Order","seller":"s"} {"@type":"Order"}`)
	assert.Error(t, err)
	_, err = ParseOrderRequest(`{"@type":"Order",`)
	assert.Error(t, err)
	_, err = ParseOrderRequest(`{"@type":"Order","seller":42}`)
	assert.Error(t, err)

	req, err = ParseOrderRequest(`{"@type":"Order","seller":"s","orderedItem":[{"@type":"OrderItem","orderedItem":"a","acceptedOffer":"b"}]}`)
	require.NoError(t, err)
	assert.Equal(t, 0, req.OrderedItems[0].PositionOr(0))
}
