package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openbooking_checkout_requests_total",
		Help: "Total number of checkout requests by stage and outcome",
	}, []string{"stage", "outcome"})

	CheckoutLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openbooking_checkout_latency_seconds",
		Help:    "Latency of checkout operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	IdempotentReplaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openbooking_idempotent_replays_total",
		Help: "Total number of requests answered from the idempotency cache",
	}, []string{"stage"})

	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "openbooking_order_lock_wait_seconds",
		Help:    "Time spent waiting for the per-order lock",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})

	LockTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openbooking_order_lock_timeouts_total",
		Help: "Total number of requests abandoned while waiting for the per-order lock",
	})

	InternalErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openbooking_internal_errors_total",
		Help: "Total number of internal errors by code",
	}, []string{"code"})

	FeedPageItems = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openbooking_feed_page_items",
		Help:    "Number of items returned per feed page",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500},
	}, []string{"feed"})

	LeasesReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openbooking_leases_reaped_total",
		Help: "Total number of expired leases released by the reaper",
	})

	SellerActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openbooking_seller_actions_total",
		Help: "Total number of seller actions applied",
	}, []string{"action", "outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
