package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer runs the stuck-transfer monitor once at start and then on every
// interval, keeping the latest report for health checks.
type Timer struct {
	monitor  *Monitor
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	last     atomic.Pointer[Report]
}

// NewTimer creates a new monitor timer.
func NewTimer(monitor *Monitor, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		monitor:  monitor,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastReport returns the most recent successful report, or nil before the
// first run completes.
func (t *Timer) LastReport() *Report {
	return t.last.Load()
}

// Start runs the monitor loop until ctx is done or Stop is called. It
// blocks; call it in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.RunOnce(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.RunOnce(ctx)
		}
	}
}

// Stop ends the loop. It is safe to call more than once and before Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// RunOnce performs a single monitor pass. A panic in the monitor is logged
// and does not end the loop.
func (t *Timer) RunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in stuck-transfer monitor", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.monitor.Check(ctx)
	if err != nil {
		t.logger.Warn("stuck-transfer monitor run failed", "error", err)
		return
	}
	t.last.Store(report)
	if n := len(report.StuckPayouts) + len(report.UnconfirmedCredits); n > 0 {
		t.logger.Warn("unresolved transfers found",
			"stuckPayouts", len(report.StuckPayouts),
			"unconfirmedCredits", len(report.UnconfirmedCredits),
			"olderThan", report.Before.Format(time.RFC3339))
	}
}
