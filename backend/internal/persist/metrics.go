package persist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustfeed_persist_writes_total",
		Help: "Durable writes by key and result",
	}, []string{"key", "result"})

	writeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trustfeed_persist_last_write_bytes",
		Help: "Size of the last successful write per key",
	}, []string{"key"})

	importsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustfeed_persist_imports_total",
		Help: "Snapshot file imports by result",
	}, []string{"result"})
)
