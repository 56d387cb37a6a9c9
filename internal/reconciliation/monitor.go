package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/freightbay/freightbay/internal/settlement"
)

// Report is the result of one monitor run.
type Report struct {
	StuckPayouts       []string  `json:"stuckPayouts"`
	UnconfirmedCredits []string  `json:"unconfirmedCredits"`
	Before             time.Time `json:"before"`
}

// Monitor finds transfers that never resolved: payouts still transferring
// and wallet credits still processing after a threshold. It only reports;
// retries stay with the explicit deferred-transfer path.
type Monitor struct {
	store     settlement.Store
	threshold time.Duration
	limit     int
	now       func() time.Time
	logger    *slog.Logger
}

// NewMonitor creates a monitor that flags records older than threshold.
func NewMonitor(store settlement.Store, threshold time.Duration, logger *slog.Logger) *Monitor {
	if threshold <= 0 {
		threshold = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{store: store, threshold: threshold, limit: 500, now: time.Now, logger: logger}
}

// Check runs one pass and updates the gauges.
func (m *Monitor) Check(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { monitorDuration.Observe(time.Since(start).Seconds()) }()

	before := m.now().Add(-m.threshold)
	stuck, err := m.store.ListStuckPayouts(ctx, before, m.limit)
	if err != nil {
		monitorErrors.Inc()
		return nil, fmt.Errorf("list stuck payouts: %w", err)
	}
	credits, err := m.store.ListProcessingWalletTransactions(ctx, before, m.limit)
	if err != nil {
		monitorErrors.Inc()
		return nil, fmt.Errorf("list processing credits: %w", err)
	}

	report := &Report{
		StuckPayouts:       make([]string, 0, len(stuck)),
		UnconfirmedCredits: make([]string, 0, len(credits)),
		Before:             before,
	}
	for _, p := range stuck {
		report.StuckPayouts = append(report.StuckPayouts, p.ID)
		m.logger.Warn("payout stuck transferring",
			"payoutId", p.ID, "userId", p.UserID, "attempts", p.Attempts, "lastAttemptAt", p.LastAttemptAt)
	}
	for _, t := range credits {
		report.UnconfirmedCredits = append(report.UnconfirmedCredits, t.ID)
		m.logger.Warn("credit awaiting transfer confirmation",
			"walletTxId", t.ID, "payoutId", t.PayoutID, "transferRef", t.ExternalRef, "createdAt", t.CreatedAt)
	}

	stuckPayouts.Set(float64(len(stuck)))
	staleCredits.Set(float64(len(credits)))
	return report, nil
}
