// Package engine sequences the open booking checkout stages over an
// OrderStore. Mutating operations are serialized per order and replayed from
// the idempotency cache when retried with the same body.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"openbooking/internal/bookingerr"
	"openbooking/internal/calc"
	"openbooking/internal/clock"
	"openbooking/internal/idempotency"
	"openbooking/internal/idtemplate"
	"openbooking/internal/lock"
	"openbooking/internal/models"
	"openbooking/internal/rpde"
	"openbooking/internal/store"
	"openbooking/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds engine settings.
type Config struct {
	// BaseURL prefixes every order, feed and opportunity id, e.g. https://example.com/api
	BaseURL        string
	LockTimeout    time.Duration
	LeaseTTL       time.Duration
	LeasingEnabled bool
	Tax            calc.Settings
	Feed           rpde.Settings
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		LockTimeout:    30 * time.Second,
		LeaseTTL:       15 * time.Minute,
		LeasingEnabled: true,
		Tax:            calc.DefaultSettings(),
		Feed:           rpde.DefaultSettings(),
	}
}

// Notifier is told about committed order changes. Delivery is best effort.
type Notifier interface {
	OrderChanged(ctx context.Context, event *models.OrderChangedEvent) error
}

type Engine struct {
	cfg        Config
	store      store.OrderStore
	ids        *idtemplate.Registry
	calc       *calc.Calculator
	locks      *lock.Keyed
	cache      idempotency.Cache
	feeds      *rpde.Registry
	orderFeeds map[models.OrderType]*rpde.Feed
	notifier   Notifier
	clock      clock.Clock
	logger     *zap.Logger
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine and registers an open data feed for every opportunity
// kind in ids. Every kind must be served by st.
func New(cfg Config, st store.OrderStore, ids *idtemplate.Registry, cache idempotency.Cache, opts ...Option) (*Engine, error) {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	e := &Engine{
		cfg:        cfg,
		store:      st,
		ids:        ids,
		calc:       calc.NewCalculator(cfg.Tax),
		locks:      lock.NewKeyed(),
		cache:      cache,
		feeds:      rpde.NewRegistry(),
		orderFeeds: make(map[models.OrderType]*rpde.Feed),
		clock:      clock.NewSystem(),
		logger:     util.GetLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, kind := range ids.Kinds() {
		opps, err := st.Opportunities(kind)
		if err != nil {
			return nil, err
		}
		feed, err := rpde.NewFeed(FeedName(kind), opps.FeedOrdering(), opps.FeedSource(), cfg.Feed, e.clock)
		if err != nil {
			return nil, err
		}
		if err := e.feeds.Add(feed); err != nil {
			return nil, err
		}
	}
	for _, orderType := range []models.OrderType{models.OrderTypeOrder, models.OrderTypeProposal} {
		feed, err := rpde.NewFeed(string(orderType), rpde.OrderingModifiedID,
			st.OrdersFeedSource(orderType, e.renderer(orderType)), cfg.Feed, e.clock)
		if err != nil {
			return nil, err
		}
		e.orderFeeds[orderType] = feed
	}
	return e, nil
}

// FeedName is the path segment of the open data feed for kind.
func FeedName(kind models.OpportunityKind) string {
	switch kind {
	case models.KindScheduledSession:
		return "scheduled-sessions"
	case models.KindSlot:
		return "slots"
	}
	return strings.ToLower(string(kind))
}

// Store returns the backing store.
func (e *Engine) Store() store.OrderStore {
	return e.store
}

// request identifies the order a call targets.
type request struct {
	clientID  string
	sellerID  string
	uuid      string
	orderType models.OrderType
	stage     models.FlowStage
	body      string
}

func (r request) flow(now time.Time, leaseTTL time.Duration) store.FlowContext {
	return store.FlowContext{
		ClientID:     r.clientID,
		SellerID:     r.sellerID,
		OrderUUID:    r.uuid,
		OrderType:    r.orderType,
		Stage:        r.stage,
		Now:          now,
		LeaseExpires: now.Add(leaseTTL),
	}
}

func lockKey(clientID, uuid string) string {
	return clientID + "\x00" + uuid
}

// acquire takes the order's lock, waiting at most LockTimeout.
func (e *Engine) acquire(ctx context.Context, clientID, uuid string) (lock.Release, error) {
	lctx := ctx
	if e.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, e.cfg.LockTimeout)
		defer cancel()
	}

	start := time.Now()
	release, err := e.locks.Acquire(lctx, lockKey(clientID, uuid))
	util.LockWaitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		util.LockTimeoutsTotal.Inc()
		return nil, bookingerr.Wrap(bookingerr.CodeCancelled, "the request was cancelled while waiting for another request on this order", err)
	}
	return release, nil
}

type operation func(ctx context.Context) (*models.Response, error)

// mutate runs op under the order's lock. Successful responses are cached and
// replayed for identical retries without taking the lock.
func (e *Engine) mutate(ctx context.Context, r request, cacheable bool, op operation) (*models.Response, error) {
	start := time.Now()
	defer func() {
		util.CheckoutLatency.WithLabelValues(string(r.stage)).Observe(time.Since(start).Seconds())
	}()
	logger := e.logger.With(util.OrderFields(r.clientID, r.uuid, string(r.stage))...)

	var key idempotency.Key
	if cacheable {
		var err error
		key, err = idempotency.NewKey(r.clientID, r.uuid, r.orderType, r.stage, r.body)
		if err != nil {
			return e.result(r, nil, bookingerr.Wrap(bookingerr.CodeInvalidAPIRequest, "the request body is not valid JSON", err))
		}
		if resp, ok := e.cached(ctx, logger, key); ok {
			util.IdempotentReplaysTotal.WithLabelValues(string(r.stage)).Inc()
			logger.Info("Replaying cached response")
			return resp, nil
		}
	}

	release, err := e.acquire(ctx, r.clientID, r.uuid)
	if err != nil {
		logger.Warn("Order lock not acquired", zap.Error(err))
		return e.result(r, nil, err)
	}
	defer release()

	if cacheable {
		if resp, ok := e.cached(ctx, logger, key); ok {
			util.IdempotentReplaysTotal.WithLabelValues(string(r.stage)).Inc()
			logger.Info("Replaying response stored while waiting for the lock")
			return resp, nil
		}
	}

	resp, err := op(ctx)
	if resp, err = e.result(r, resp, err); err != nil {
		return nil, err
	}
	if cacheable && resp.IsSuccess() {
		if err := e.cache.Put(ctx, key, resp); err != nil {
			logger.Error("Failed to store idempotent response", zap.Error(err))
		}
	}
	return resp, nil
}

func (e *Engine) cached(ctx context.Context, logger *zap.Logger, key idempotency.Key) (*models.Response, bool) {
	resp, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		logger.Warn("Idempotency cache unavailable", zap.Error(err))
		return nil, false
	}
	return resp, ok
}

// result turns the outcome of an operation into a response. Domain errors
// become error responses; internal errors are returned as errors.
func (e *Engine) result(r request, resp *models.Response, err error) (*models.Response, error) {
	stage := string(r.stage)
	if err == nil {
		outcome := "success"
		if !resp.IsSuccess() {
			outcome = "rejected"
		}
		util.CheckoutRequestsTotal.WithLabelValues(stage, outcome).Inc()
		return resp, nil
	}

	if de, ok := bookingerr.AsDomain(err); ok {
		util.CheckoutRequestsTotal.WithLabelValues(stage, "rejected").Inc()
		e.logger.Info("Request rejected", append(util.OrderFields(r.clientID, r.uuid, stage), zap.String("code", string(de.Code)))...)
		return errorResponse(de), nil
	}

	code := string(bookingerr.InternalUnexpected)
	if ie, ok := bookingerr.AsInternal(err); ok {
		code = string(ie.Code)
	}
	util.CheckoutRequestsTotal.WithLabelValues(stage, "error").Inc()
	util.InternalErrorsTotal.WithLabelValues(code).Inc()
	e.logger.Error("Request failed", append(util.OrderFields(r.clientID, r.uuid, stage), zap.Error(err))...)
	return nil, err
}

func errorResponse(de *bookingerr.Error) *models.Response {
	return &models.Response{
		StatusCode:  de.StatusCode(),
		ContentType: models.ContentTypeBooking,
		Body:        string(de.Body()),
	}
}

// rollback aborts tx, keeping err as the result.
func (e *Engine) rollback(tx store.OrderTransaction, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		e.logger.Error("Failed to roll back transaction", zap.Error(rbErr))
	}
	return err
}

func (e *Engine) notify(ctx context.Context, r request, orderType models.OrderType, eventType string) {
	if e.notifier == nil {
		return
	}
	event := &models.OrderChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: e.clock.Now(),
		},
		ClientID:  r.clientID,
		OrderID:   r.uuid,
		OrderType: orderType,
		Stage:     r.stage,
	}
	if err := e.notifier.OrderChanged(ctx, event); err != nil {
		e.logger.Warn("Failed to publish order change", append(util.OrderFields(r.clientID, r.uuid, string(r.stage)), zap.Error(err))...)
	}
}

// OrderURL returns the id of an order of the given type.
func (e *Engine) OrderURL(orderType models.OrderType, uuid string) string {
	switch orderType {
	case models.OrderTypeQuote:
		return fmt.Sprintf("%s/order-quotes/%s", e.cfg.BaseURL, uuid)
	case models.OrderTypeProposal:
		return fmt.Sprintf("%s/order-proposals/%s", e.cfg.BaseURL, uuid)
	}
	return fmt.Sprintf("%s/orders/%s", e.cfg.BaseURL, uuid)
}

// orderUUID extracts the uuid from an order or proposal id.
func (e *Engine) orderUUID(id string) (string, bool) {
	for _, orderType := range []models.OrderType{models.OrderTypeOrder, models.OrderTypeProposal} {
		prefix := e.OrderURL(orderType, "")
		if strings.HasPrefix(id, prefix) {
			rest := strings.TrimPrefix(id, prefix)
			if rest != "" && !strings.ContainsAny(rest, "/#?") {
				return rest, true
			}
		}
	}
	return "", false
}

// document is an order as rendered on the wire.
type document struct {
	Context string `json:"@context"`
	*models.Order
}

const openActiveContext = "https://openactive.io/"

// render shapes order as orderType: setting its type and id.
func (e *Engine) render(order *models.Order, orderType models.OrderType) *document {
	order.Type = orderType
	order.ID = e.OrderURL(orderType, order.UUID)
	if order.UUID != "" {
		order.Identifier = order.UUID
	}
	if orderType != models.OrderTypeQuote {
		order.Lease = nil
	}
	return &document{Context: openActiveContext, Order: order}
}

func (e *Engine) respond(status int, order *models.Order, orderType models.OrderType) (*models.Response, error) {
	return models.JSONResponse(status, models.ContentTypeBooking, e.render(order, orderType))
}

func (e *Engine) renderer(orderType models.OrderType) store.OrderRenderer {
	return func(order *models.Order) (json.RawMessage, error) {
		resp, err := e.respond(http.StatusOK, order, orderType)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(resp.Body), nil
	}
}
