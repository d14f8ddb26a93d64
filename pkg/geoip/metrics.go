package geoip

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webstat_geoip_cache_lookups_total",
		Help: "Number of geoip cache lookups",
	}, []string{"result"})
	resolutionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webstat_geoip_resolution_errors_total",
		Help: "Number of failed country lookups",
	})
)
