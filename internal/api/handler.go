package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"openbooking/internal/bookingerr"
	"openbooking/internal/engine"
	"openbooking/internal/models"
	"openbooking/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	HeaderClientID = "X-OpenActive-Test-Client-Id"
	HeaderSellerID = "X-OpenActive-Test-Seller-Id"
)

// Handler contains HTTP handlers
type Handler struct {
	engine  *engine.Engine
	limiter *ClientLimiter
	logger  *zap.Logger
}

// NewHandler creates a new HTTP handler. A nil limiter disables rate limiting.
func NewHandler(e *engine.Engine, limiter *ClientLimiter, logger *zap.Logger) *Handler {
	return &Handler{
		engine:  e,
		limiter: limiter,
		logger:  logger,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.GET("/feeds/:feedName", h.openDataFeed)

	booking := api.Group("", h.requireClient, rateLimitMiddleware(h.limiter))
	{
		booking.PUT("/order-quote-templates/:uuid", h.checkout(h.engine.ProcessCheckpoint1))
		booking.PUT("/order-quotes/:uuid", h.checkout(h.engine.ProcessCheckpoint2))
		booking.DELETE("/order-quotes/:uuid", h.remove(h.engine.DeleteOrderQuote))

		booking.PUT("/orders/:uuid", h.checkout(h.engine.ProcessOrderCreationB))
		booking.PATCH("/orders/:uuid", h.checkout(h.engine.ProcessOrderUpdate))
		booking.DELETE("/orders/:uuid", h.remove(h.engine.DeleteOrder))
		booking.GET("/orders/:uuid", h.orderStatus)

		booking.PUT("/order-proposals/:uuid", h.checkout(h.engine.ProcessOrderProposalCreationP))
		booking.PATCH("/order-proposals/:uuid", h.checkout(h.engine.ProcessOrderProposalUpdate))

		booking.GET("/orders-rpde", h.ordersFeed(h.engine.GetOrdersFeedPage))
		booking.GET("/order-proposals-rpde", h.ordersFeed(h.engine.GetOrderProposalsFeedPage))

		booking.POST("/test-interface/actions", h.testAction)
	}

	test := api.Group("/test-interface")
	{
		test.POST("/datasets/:dataset/opportunities", h.insertTestOpportunity)
		test.DELETE("/datasets/:dataset", h.deleteTestDataset)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
		"feeds":  h.engine.FeedNames(),
	})
}

// requireClient rejects booking requests that carry no client identity.
func (h *Handler) requireClient(c *gin.Context) {
	if c.GetHeader(HeaderClientID) == "" {
		writeError(c, bookingerr.Newf(bookingerr.CodeInvalidAPIRequest, "the %s header is required", HeaderClientID))
		c.Abort()
		return
	}
	c.Next()
}

type checkoutFunc func(ctx context.Context, clientID, sellerID, orderID, body string) (*models.Response, error)

type removeFunc func(ctx context.Context, clientID, sellerID, orderID string) (*models.Response, error)

type feedFunc func(ctx context.Context, clientID string, query url.Values) (*models.Response, error)

func (h *Handler) checkout(fn checkoutFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			writeError(c, bookingerr.Wrap(bookingerr.CodeInvalidAPIRequest, "failed to read request body", err))
			return
		}
		resp, err := fn(c.Request.Context(), c.GetHeader(HeaderClientID), c.GetHeader(HeaderSellerID), c.Param("uuid"), string(body))
		h.write(c, resp, err)
	}
}

func (h *Handler) remove(fn removeFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := fn(c.Request.Context(), c.GetHeader(HeaderClientID), c.GetHeader(HeaderSellerID), c.Param("uuid"))
		h.write(c, resp, err)
	}
}

func (h *Handler) orderStatus(c *gin.Context) {
	resp, err := h.engine.GetOrderStatus(c.Request.Context(), c.GetHeader(HeaderClientID), c.Param("uuid"))
	h.write(c, resp, err)
}

func (h *Handler) ordersFeed(fn feedFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := fn(c.Request.Context(), c.GetHeader(HeaderClientID), c.Request.URL.Query())
		h.write(c, resp, err)
	}
}

func (h *Handler) openDataFeed(c *gin.Context) {
	resp, err := h.engine.GetOpenDataFeedPage(c.Request.Context(), c.Param("feedName"), c.Request.URL.Query())
	h.write(c, resp, err)
}

func (h *Handler) insertTestOpportunity(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeError(c, bookingerr.Wrap(bookingerr.CodeInvalidAPIRequest, "failed to read request body", err))
		return
	}
	resp, err := h.engine.InsertTestOpportunity(c.Request.Context(), c.Param("dataset"), string(body))
	h.write(c, resp, err)
}

func (h *Handler) deleteTestDataset(c *gin.Context) {
	resp, err := h.engine.DeleteTestDataset(c.Request.Context(), c.Param("dataset"))
	h.write(c, resp, err)
}

func (h *Handler) testAction(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeError(c, bookingerr.Wrap(bookingerr.CodeInvalidAPIRequest, "failed to read request body", err))
		return
	}
	resp, err := h.engine.TriggerTestAction(c.Request.Context(), c.GetHeader(HeaderClientID), string(body))
	h.write(c, resp, err)
}

// write renders an engine response. Engine errors are internal and are never
// shown to the client beyond their class.
func (h *Handler) write(c *gin.Context, resp *models.Response, err error) {
	if err != nil {
		code := bookingerr.InternalUnexpected
		if ie, ok := bookingerr.AsInternal(err); ok {
			code = ie.Code
		}
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"@context":    "https://openactive.io/",
			"@type":       string(code),
			"description": "an internal error occurred",
		})
		return
	}
	if cc := resp.CacheControl(); cc != "" {
		c.Header("Cache-Control", cc)
	}
	if resp.Body == "" {
		c.Status(resp.StatusCode)
		return
	}
	c.Data(resp.StatusCode, resp.ContentType, []byte(resp.Body))
}

func writeError(c *gin.Context, de *bookingerr.Error) {
	c.Data(de.StatusCode(), models.ContentTypeBooking, de.Body())
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
