package socialgraph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recalcDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustfeed_graph_recalc_duration_seconds",
		Help:    "Duration of follow distance recomputation",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5},
	})

	reachableUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustfeed_graph_reachable_users",
		Help: "Actors within the follow distance horizon after the last recomputation",
	})

	listsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustfeed_graph_lists_total",
		Help: "Follow and mute lists offered to the graph by result",
	}, []string{"kind", "result"})

	usersRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trustfeed_graph_removed_users_total",
		Help: "Actors garbage-collected as muted but not followed",
	})
)
