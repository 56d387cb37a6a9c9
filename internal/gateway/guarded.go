package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/freightbay/freightbay/internal/circuitbreaker"
)

// BreakerKey is the circuit breaker key guarding transfers.
const BreakerKey = "transfers"

// Guarded wraps a Gateway with a circuit breaker on transfers. While the
// breaker is open, Transfer fails fast with ErrUnavailable.
type Guarded struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
}

// NewGuarded wraps next with breaker.
func NewGuarded(next Gateway, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

func (g *Guarded) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if !g.breaker.Allow(BreakerKey) {
		gwTransfers.WithLabelValues("rejected").Inc()
		return nil, ErrUnavailable
	}

	start := time.Now()
	res, err := g.next.Transfer(ctx, req)
	gwTransferLatency.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		g.breaker.RecordSuccess(BreakerKey)
		gwTransfers.WithLabelValues("success").Inc()
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		g.breaker.RecordFailure(BreakerKey)
		gwTransfers.WithLabelValues("unavailable").Inc()
	default:
		// The network answered; only the request was bad.
		g.breaker.RecordSuccess(BreakerKey)
		gwTransfers.WithLabelValues("rejected_by_network").Inc()
	}
	return res, err
}

func (g *Guarded) GetOrCreateAccountLink(ctx context.Context, userID, existingRef string) (*AccountLink, error) {
	return g.next.GetOrCreateAccountLink(ctx, userID, existingRef)
}

func (g *Guarded) ParseEvent(payload []byte, signature string) (*Event, error) {
	evt, err := g.next.ParseEvent(payload, signature)
	if err != nil {
		gwEvents.WithLabelValues("invalid").Inc()
		return nil, err
	}
	gwEvents.WithLabelValues(string(evt.Kind)).Inc()
	return evt, nil
}

// State returns the transfer breaker state.
func (g *Guarded) State() circuitbreaker.State {
	return g.breaker.State(BreakerKey)
}
