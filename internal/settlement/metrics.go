package settlement

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	completionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightbay",
		Subsystem: "settlement",
		Name:      "completions_total",
		Help:      "Contract completion attempts by result.",
	}, []string{"result"})

	payoutsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightbay",
		Subsystem: "settlement",
		Name:      "payouts_created_total",
		Help:      "Payouts created on completion by type.",
	}, []string{"type"})

	transfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightbay",
		Subsystem: "settlement",
		Name:      "transfers_total",
		Help:      "Payout transfer attempts by outcome.",
	}, []string{"outcome"}) // "transferred", "failed", "deferred", "skipped"

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "freightbay",
		Subsystem: "settlement",
		Name:      "operation_duration_seconds",
		Help:      "Settlement operation duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		completionsTotal,
		payoutsCreated,
		transfersTotal,
		opDuration,
	)
}

// observeOp returns a function that records the operation's duration.
func observeOp(op string) func() {
	start := time.Now()
	return func() {
		opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
