package ledger

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// transitionsTotal counts wallet transaction state changes as computed.
// A transition replayed by a retried database transaction counts again.
var transitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "freightbay",
		Subsystem: "ledger",
		Name:      "transitions_total",
		Help:      "Wallet transaction transitions by operation and outcome.",
	},
	[]string{"op", "outcome"},
)

func init() {
	prometheus.MustRegister(transitionsTotal)
}

// recordTransition labels err as applied, noop (already in the target
// state) or rejected.
func recordTransition(op string, changed bool, err error) {
	outcome := "applied"
	switch {
	case errors.Is(err, ErrAlreadyProcessed), err == nil && !changed:
		outcome = "noop"
	case err != nil:
		outcome = "rejected"
	}
	transitionsTotal.WithLabelValues(op, outcome).Inc()
}
