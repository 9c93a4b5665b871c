package engine

import (
	"context"
	"fmt"
	"net/url"

	"openbooking/internal/bookingerr"
	"openbooking/internal/models"
	"openbooking/internal/rpde"
	"openbooking/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// FeedNames lists the registered open data feeds.
func (e *Engine) FeedNames() []string {
	names := make([]string, 0, len(e.ids.Kinds()))
	for _, kind := range e.ids.Kinds() {
		names = append(names, FeedName(kind))
	}
	return names
}

// FeedURL returns the url of an open data feed page without a cursor.
func (e *Engine) FeedURL(feedName string) string {
	return fmt.Sprintf("%s/feeds/%s", e.cfg.BaseURL, feedName)
}

func (e *Engine) ordersFeedURL(orderType models.OrderType) string {
	if orderType == models.OrderTypeProposal {
		return e.cfg.BaseURL + "/order-proposals-rpde"
	}
	return e.cfg.BaseURL + "/orders-rpde"
}

// GetOpenDataFeedPage returns a page of the named opportunity feed. The query
// carries the afterTimestamp/afterId or afterChangeNumber cursor.
func (e *Engine) GetOpenDataFeedPage(ctx context.Context, feedName string, query url.Values) (*models.Response, error) {
	ctx, span := util.StartSpan(ctx, "Engine.GetOpenDataFeedPage", attribute.String("feed.name", feedName))
	defer span.End()

	feed, err := e.feeds.Get(feedName)
	if err != nil {
		return e.feedResult(feedName, nil, err)
	}
	return e.page(ctx, feed, e.FeedURL(feedName), "", query)
}

// GetOrdersFeedPage returns a page of the client's orders feed.
func (e *Engine) GetOrdersFeedPage(ctx context.Context, clientID string, query url.Values) (*models.Response, error) {
	return e.ordersPage(ctx, models.OrderTypeOrder, clientID, query)
}

// GetOrderProposalsFeedPage returns a page of the client's order proposals feed.
func (e *Engine) GetOrderProposalsFeedPage(ctx context.Context, clientID string, query url.Values) (*models.Response, error) {
	return e.ordersPage(ctx, models.OrderTypeProposal, clientID, query)
}

func (e *Engine) ordersPage(ctx context.Context, orderType models.OrderType, clientID string, query url.Values) (*models.Response, error) {
	ctx, span := util.StartSpan(ctx, "Engine.GetOrdersFeedPage",
		attribute.String("feed.name", string(orderType)), attribute.String("client.id", clientID))
	defer span.End()

	return e.page(ctx, e.orderFeeds[orderType], e.ordersFeedURL(orderType), clientID, query)
}

func (e *Engine) page(ctx context.Context, feed *rpde.Feed, pageURL, scope string, query url.Values) (*models.Response, error) {
	cursor, err := rpde.ParseCursorQuery(feed.Ordering(), query)
	if err != nil {
		return e.feedResult(feed.Name(), nil, err)
	}
	page, err := feed.Page(ctx, pageURL, scope, cursor)
	if err != nil {
		return e.feedResult(feed.Name(), nil, err)
	}
	util.FeedPageItems.WithLabelValues(feed.Name()).Observe(float64(page.Len()))
	resp, err := page.Response()
	return e.feedResult(feed.Name(), resp, err)
}

func (e *Engine) feedResult(feedName string, resp *models.Response, err error) (*models.Response, error) {
	if err == nil {
		return resp, nil
	}
	if de, ok := bookingerr.AsDomain(err); ok {
		return errorResponse(de), nil
	}
	code := string(bookingerr.InternalUnexpected)
	if ie, ok := bookingerr.AsInternal(err); ok {
		code = string(ie.Code)
	}
	util.InternalErrorsTotal.WithLabelValues(code).Inc()
	e.logger.Error("Feed page failed", zap.String("feed", feedName), zap.Error(err))
	return nil, err
}
