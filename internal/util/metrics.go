package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RechargeOrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recharge_orders_created_total",
		Help: "Total number of recharge orders created",
	})

	RechargeOrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recharge_orders_failed_total",
		Help: "Total number of recharge orders that failed to create",
	}, []string{"reason"})

	RechargeOrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recharge_orders_paid_total",
		Help: "Total number of recharge orders settled as paid",
	})

	RechargeOrdersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recharge_orders_expired_total",
		Help: "Total number of recharge orders expired unpaid",
	})

	PointsCreditedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "points_credited_total",
		Help: "Total points credited through recharge settlements",
	})

	NotifyReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_notify_received_total",
		Help: "Total number of gateway payment notifications received",
	})

	NotifyRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_notify_rejected_total",
		Help: "Total number of gateway notifications rejected",
	}, []string{"reason"})

	NotifyDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_notify_duplicate_total",
		Help: "Total number of duplicate notifications short-circuited",
	})

	GatewayRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wechat_gateway_request_latency_seconds",
		Help:    "Latency of WeChat Pay gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	GatewayRequestsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wechat_gateway_requests_failed_total",
		Help: "Total number of failed WeChat Pay gateway calls",
	}, []string{"path", "reason"})

	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_latency_seconds",
		Help:    "Latency of the paid-transition plus credit transaction",
		Buckets: prometheus.DefBuckets,
	})

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
