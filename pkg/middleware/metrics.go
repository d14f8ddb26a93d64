package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	capturedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webstat_capture_requests_total",
		Help: "Number of requests seen by the capture middleware by outcome",
	}, []string{"result"})
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webstat_capture_breaker_state",
		Help: "State of the store write breaker: 0 closed, 1 half-open, 2 open",
	})
	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webstat_ratelimit_rejected_total",
		Help: "Number of requests rejected by the rate limiter",
	}, []string{"limiter"})
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webstat_http_request_duration_seconds",
		Help:    "Time spent serving requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "code"})
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webstat_response_cache_lookups_total",
		Help: "Number of response cache lookups by result",
	}, []string{"result"})
	visitorsLastDay = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webstat_visitors_last_day_approx",
		Help: "Approximate number of distinct identities seen in the last 24 hours",
	})
	visitorsLastHour = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webstat_visitors_last_hour_approx",
		Help: "Approximate number of distinct identities seen in the last hour",
	})
)
