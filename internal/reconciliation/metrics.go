package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightbay",
		Subsystem: "reconciliation",
		Name:      "events_total",
		Help:      "Payment network events handled, by kind and result.",
	}, []string{"kind", "result"})

	handleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "freightbay",
		Subsystem: "reconciliation",
		Name:      "event_duration_seconds",
		Help:      "Time to apply one payment network event.",
		Buckets:   prometheus.DefBuckets,
	})

	stuckPayouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "freightbay",
		Subsystem: "reconciliation",
		Name:      "stuck_payouts",
		Help:      "Payouts left transferring past the threshold in the last monitor run.",
	})

	staleCredits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "freightbay",
		Subsystem: "reconciliation",
		Name:      "unconfirmed_credits",
		Help:      "Wallet credits still processing past the threshold in the last monitor run.",
	})

	monitorDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "freightbay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of stuck-transfer monitor runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	monitorErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freightbay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total stuck-transfer monitor errors.",
	})
)

func init() {
	prometheus.MustRegister(
		eventsTotal,
		handleDuration,
		stuckPayouts,
		staleCredits,
		monitorDuration,
		monitorErrors,
	)
}
