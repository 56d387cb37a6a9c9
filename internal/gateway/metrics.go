package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	gwTransfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightbay",
		Subsystem: "gateway",
		Name:      "transfers_total",
		Help:      "Total transfer attempts by outcome.",
	}, []string{"outcome"}) // "success", "unavailable", "rejected", "rejected_by_network"

	gwTransferLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "freightbay",
		Subsystem: "gateway",
		Name:      "transfer_latency_seconds",
		Help:      "Payment network transfer call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	gwEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightbay",
		Subsystem: "gateway",
		Name:      "events_parsed_total",
		Help:      "Inbound payment network events by normalized kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		gwTransfers,
		gwTransferLatency,
		gwEvents,
	)
}
