// Package metrics provides Prometheus instrumentation for the fraud engine.
package metrics

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraud_detection"

var (
	// TransactionsTotal counts scored transactions by level and decision.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Total transactions scored by risk level and fraud decision.",
		},
		[]string{"risk_level", "is_fraud"},
	)

	// ProcessingDuration observes end-to-end scoring latency.
	ProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_time_seconds",
			Help:      "Time spent scoring a single transaction.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// ProcessingErrorsTotal counts failed transactions by error kind.
	ProcessingErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_errors_total",
			Help:      "Transactions that could not be scored, by error kind.",
		},
		[]string{"kind"},
	)

	// RuleFlagsTotal counts raised rule flags.
	RuleFlagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_flags_total",
			Help:      "Rule flags raised by the rule engine.",
		},
		[]string{"flag"},
	)

	// StoreFallbacksTotal counts startups that fell back to the memory store.
	StoreFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_fallbacks_total",
			Help:      "Times the profile store fell back to the in-memory backend.",
		},
	)

	// WorkerMessagesTotal counts consumed queue messages by source and outcome.
	WorkerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_messages_total",
			Help:      "Queue messages handled by workers.",
		},
		[]string{"source", "outcome"},
	)

	// AlertsPublishedTotal counts fraud alerts emitted downstream.
	AlertsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_published_total",
			Help:      "Fraud alerts published by result.",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		TransactionsTotal,
		ProcessingDuration,
		ProcessingErrorsTotal,
		RuleFlagsTotal,
		StoreFallbacksTotal,
		WorkerMessagesTotal,
		AlertsPublishedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// ObserveScore records one scored transaction.
func ObserveScore(riskLevel string, isFraud bool, flags []string, seconds float64) {
	TransactionsTotal.WithLabelValues(riskLevel, strconv.FormatBool(isFraud)).Inc()
	ProcessingDuration.Observe(seconds)
	for _, f := range flags {
		RuleFlagsTotal.WithLabelValues(f).Inc()
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
