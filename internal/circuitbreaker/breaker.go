// Package circuitbreaker stops calls to a failing dependency until it has
// had time to recover. Each key moves closed → open → half-open → closed.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Calls flow through
	StateOpen                  // Calls are rejected
	StateHalfOpen              // One probe call in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightbay",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	cbState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "freightbay",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current breaker state by key (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})

	cbRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightbay",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls rejected without reaching the dependency, by key.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(cbStateTransitions, cbState, cbRejected)
}

type entry struct {
	state      State
	failures   int
	openedAt   time.Time
	probeSince time.Time
}

// Breaker tracks consecutive failures per key. After threshold failures the
// key opens for cooldown, then admits a single probe. A probe that never
// reports back is abandoned after another cooldown.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	listeners []func(key string, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// OnTransition registers a callback run synchronously after each state
// change, outside the breaker lock.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Allow reports whether a call for key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	e := b.entry(key)
	now := b.now()

	var from State
	allowed, changed := true, false
	switch e.state {
	case StateOpen:
		if now.Sub(e.openedAt) < b.cooldown {
			allowed = false
			break
		}
		from, changed = e.state, true
		e.state = StateHalfOpen
		e.probeSince = now
	case StateHalfOpen:
		if now.Sub(e.probeSince) < b.cooldown {
			allowed = false
			break
		}
		// Abandoned probe: admit another.
		e.probeSince = now
	}
	b.mu.Unlock()

	if !allowed {
		cbRejected.WithLabelValues(key).Inc()
	}
	if changed {
		b.notify(key, from, StateHalfOpen)
	}
	return allowed
}

// RecordSuccess resets the failure streak and closes a half-open key.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	e := b.entry(key)
	e.failures = 0
	from := e.state
	e.state = StateClosed
	b.mu.Unlock()

	if from != StateClosed {
		b.notify(key, from, StateClosed)
	}
}

// RecordFailure extends the failure streak. A failed probe reopens the key
// immediately; a closed key opens once the streak reaches the threshold.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	e := b.entry(key)
	e.failures++
	from := e.state
	open := from == StateHalfOpen || (from == StateClosed && e.failures >= b.threshold)
	if open {
		e.state = StateOpen
		e.openedAt = b.now()
	}
	b.mu.Unlock()

	if open {
		b.notify(key, from, StateOpen)
	}
}

// State returns the current state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// OpenUntil returns when an open key will next admit a probe. The zero time
// means calls are currently admitted.
func (b *Breaker) OpenUntil(key string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok || e.state != StateOpen {
		return time.Time{}
	}
	until := e.openedAt.Add(b.cooldown)
	if !b.now().Before(until) {
		return time.Time{}
	}
	return until
}

// entry returns the state for key, creating it closed. Caller holds b.mu.
func (b *Breaker) entry(key string) *entry {
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	return e
}

func (b *Breaker) notify(key string, from, to State) {
	cbStateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	cbState.WithLabelValues(key).Set(float64(to))

	b.mu.Lock()
	listeners := append([]func(string, State, State){}, b.listeners...)
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(key, from, to)
	}
}
