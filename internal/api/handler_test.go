package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"openbooking/internal/clock"
	"openbooking/internal/engine"
	"openbooking/internal/idempotency"
	"openbooking/internal/idtemplate"
	"openbooking/internal/models"
	"openbooking/internal/store/memstore"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	base   = "https://example.com/api"
	seller = base + "/sellers/1"
)

type server struct {
	router *gin.Engine
	clock  *clock.Manual
}

func newServer(t *testing.T, limiter *ClientLimiter) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	ids, err := idtemplate.Default(base)
	require.NoError(t, err)
	e, err := engine.New(engine.DefaultConfig(base), memstore.New(clk), ids,
		idempotency.NewMemoryCache(time.Hour, clk), engine.WithClock(clk), engine.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	router := gin.New()
	NewHandler(e, limiter, zap.NewNop()).SetupRoutes(router)
	return &server{router: router, clock: clk}
}

func (s *server) do(method, path, client, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if client != "" {
		req.Header.Set(HeaderClientID, client)
		req.Header.Set(HeaderSellerID, seller)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) addSession(t *testing.T, id, currency string) {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"@type":                   "ScheduledSession",
		"@id":                     base + "/scheduled-sessions/" + id,
		"startDate":               "2025-03-05T09:00:00Z",
		"organizer":               seller,
		"maximumAttendeeCapacity": 2,
		"offer": []any{map[string]any{
			"@type":         "Offer",
			"@id":           base + "/scheduled-sessions/" + id + "#/offers/standard",
			"price":         5,
			"priceCurrency": currency,
		}},
	})
	require.NoError(t, err)
	w := s.do(http.MethodPost, "/api/test-interface/datasets/ds/opportunities", "", string(b))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func orderJSON(t *testing.T, orderType string, total int, ids ...string) string {
	t.Helper()
	var items []any
	for _, id := range ids {
		items = append(items, map[string]any{
			"@type":         "OrderItem",
			"orderedItem":   base + "/scheduled-sessions/" + id,
			"acceptedOffer": base + "/scheduled-sessions/" + id + "#/offers/standard",
		})
	}
	b, err := json.Marshal(map[string]any{
		"@type":           orderType,
		"seller":          seller,
		"customer":        map[string]any{"@type": "Person", "email": "ada@example.com", "givenName": "Ada", "familyName": "Lovelace"},
		"orderedItem":     items,
		"totalPaymentDue": map[string]any{"@type": "PriceSpecification", "price": total, "priceCurrency": "GBP"},
		"payment":         map[string]any{"@type": "Payment", "identifier": "pay-1"},
	})
	require.NoError(t, err)
	return string(b)
}

func typeOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Type string `json:"@type"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Type
}

func TestHealth(t *testing.T) {
	s := newServer(t, nil)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/ready", "", "").Code)
}

func TestBookingRoutesRequireClient(t *testing.T) {
	s := newServer(t, nil)
	w := s.do(http.MethodPut, "/api/order-quote-templates/q1", "", "{}")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidAPIRequestError", typeOf(t, w))
}

func TestCheckoutLifecycle(t *testing.T) {
	s := newServer(t, nil)
	s.addSession(t, "s1", "GBP")

	w := s.do(http.MethodPut, "/api/order-quotes/o1", "c1", orderJSON(t, "OrderQuote", 5, "s1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"leaseExpires":"2025-03-01T09:15:00Z"`)

	w = s.do(http.MethodPut, "/api/order-quotes/o2", "c1", `{"@type":"OrderQuote",`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidAPIRequestError", typeOf(t, w))

	w = s.do(http.MethodPut, "/api/orders/o1", "c1", orderJSON(t, "Order", 5, "s1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, models.ContentTypeBooking, w.Header().Get("Content-Type"))
	assert.Equal(t, "Order", typeOf(t, w))

	w = s.do(http.MethodGet, "/api/orders/o1", "c1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/orders/o1", "c2", "").Code)

	w = s.do(http.MethodDelete, "/api/orders/o1", "c1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
	w = s.do(http.MethodDelete, "/api/orders/o1", "c1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UnknownOrderError", typeOf(t, w))
}

func TestFeedsSetCacheControl(t *testing.T) {
	s := newServer(t, nil)
	s.addSession(t, "s1", "GBP")
	s.clock.Advance(time.Minute)

	w := s.do(http.MethodGet, "/api/feeds/scheduled-sessions", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public, max-age=3600", w.Header().Get("Cache-Control"))

	w = s.do(http.MethodGet, "/api/feeds/scheduled-sessions?afterId=x", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/feeds/nope", "", "").Code)

	w = s.do(http.MethodGet, "/api/orders-rpde", "c1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public, max-age=8", w.Header().Get("Cache-Control"))
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	s := newServer(t, nil)
	s.addSession(t, "s1", "GBP")
	s.addSession(t, "s2", "EUR")

	w := s.do(http.MethodPut, "/api/orders/o1", "c1", orderJSON(t, "Order", 10, "s1", "s2"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "InternalCurrencyMismatch", typeOf(t, w))
	assert.NotContains(t, w.Body.String(), "EUR")
}

func TestRateLimitPerClient(t *testing.T) {
	s := newServer(t, NewClientLimiter(1))

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/orders/o1", "c1", "").Code)
	w := s.do(http.MethodGet, "/api/orders/o1", "c1", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/orders/o1", "c2", "").Code)
}

func TestNewClientLimiterDisabled(t *testing.T) {
	l := NewClientLimiter(0)
	assert.Nil(t, l)
	assert.Equal(t, 0, l.Sweep())
	assert.Equal(t, 0, l.Len())
}

func TestClientLimiterSweepsIdleClients(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewClientLimiter(2)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("c1"))
	assert.True(t, l.Allow("c1"))
	assert.False(t, l.Allow("c1"))
	now = now.Add(30 * time.Second)
	assert.True(t, l.Allow("c2"))
	require.Equal(t, 2, l.Len())

	now = now.Add(40 * time.Second)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())

	assert.True(t, l.Allow("c1"))
	assert.True(t, l.Allow("c1"))
	assert.Equal(t, 2, l.Len())
}
