package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webstat_upstream_latency_seconds",
		Help:    "Time spent proxying requests to the upstream application",
		Buckets: prometheus.DefBuckets,
	})
	upstreamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webstat_upstream_errors_total",
		Help: "Number of requests the upstream application failed to answer",
	})
)
