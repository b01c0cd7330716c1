package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	routeWorking   = "working"
	routeNew       = "new"
	routeRejected  = "rejected"
	routeDuplicate = "duplicate"
	routeLate      = "late"
)

var (
	eventsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustfeed_feed_events_total",
		Help: "Events delivered to feed pipelines by destination",
	}, []string{"destination"})

	feedsMounted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustfeed_feed_mounted",
		Help: "Feed pipelines currently mounted",
	})

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trustfeed_feed_cache_evictions_total",
		Help: "Working sets evicted from the feed cache",
	})
)
