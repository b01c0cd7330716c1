package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultDelivered = "delivered"
	resultDuplicate = "duplicate"
	resultInvalid   = "invalid"
	resultLate      = "late"
)

var (
	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustfeed_relay_events_total",
		Help: "Events received from relays by outcome",
	}, []string{"result"})

	relaysConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustfeed_relay_connected",
		Help: "Number of connected relays",
	})

	subscriptionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustfeed_relay_subscriptions_open",
		Help: "Number of open relay subscriptions",
	})
)
