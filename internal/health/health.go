// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/freightbay/freightbay/internal/circuitbreaker"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	check    Checker
	critical bool
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: 2 * time.Second}
}

// Register adds a checker whose failure makes the service unready.
func (r *Registry) Register(name string, check Checker) {
	r.add(name, check, true)
}

// RegisterDegraded adds a checker that is reported but never fails readiness.
func (r *Registry) RegisterDegraded(name string, check Checker) {
	r.add(name, check, false)
}

func (r *Registry) add(name string, check Checker, critical bool) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check, critical: critical})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health plus individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := nc.check(ctx)
			s.Name = nc.name
			s.Critical = nc.critical
			statuses[i] = s
		}()
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if s.Critical && !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Database checks that the store answers ping.
func Database(ping func(context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// BreakerReader is satisfied by *circuitbreaker.Breaker.
type BreakerReader interface {
	State(key string) circuitbreaker.State
	OpenUntil(key string) time.Time
}

// Breaker reports a circuit breaker key as unhealthy while it is open.
func Breaker(b BreakerReader, key string) Checker {
	return func(context.Context) Status {
		state := b.State(key)
		switch state {
		case circuitbreaker.StateOpen:
			detail := "open"
			if until := b.OpenUntil(key); !until.IsZero() {
				detail = fmt.Sprintf("open until %s", until.UTC().Format(time.RFC3339))
			}
			return Status{Healthy: false, Detail: detail}
		default:
			return Status{Healthy: true, Detail: state.String()}
		}
	}
}
