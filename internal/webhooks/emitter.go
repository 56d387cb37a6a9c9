package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/freightbay/freightbay/internal/idgen"
	"github.com/freightbay/freightbay/internal/ledger"
	"github.com/freightbay/freightbay/internal/payouts"
	"github.com/freightbay/freightbay/internal/settlement"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightbay",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightbay",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})

	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightbay",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by outcome after retries.",
	}, []string{"outcome"})

	deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "freightbay",
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent delivering one event to one subscription, retries included.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	subscriptionsDisabled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freightbay",
		Subsystem: "webhook",
		Name:      "subscriptions_disabled_total",
		Help:      "Subscriptions deactivated after repeated delivery failures.",
	})
)

func init() {
	prometheus.MustRegister(
		webhookEmitTotal,
		webhookEmitErrors,
		deliveriesTotal,
		deliveryDuration,
		subscriptionsDisabled,
	)
}

// Emitter turns settlement notifications into webhook events.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(ctx context.Context, userID string, eventType EventType, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := e.d.DispatchToUser(ctx, userID, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "userId", userID, "error", err)
	}
}

func payoutData(p *payouts.Payout) map[string]any {
	data := map[string]any{
		"payoutId":   p.ID,
		"contractId": p.ContractID,
		"type":       string(p.Type),
		"amount":     p.Amount,
		"status":     string(p.Status),
		"attempts":   p.Attempts,
	}
	if p.TransferRef != "" {
		data["transferRef"] = p.TransferRef
	}
	if p.FailureReason != "" {
		data["failureReason"] = p.FailureReason
	}
	return data
}

// PayoutTransferred emits payout.transferred to the payee.
func (e *Emitter) PayoutTransferred(ctx context.Context, p *payouts.Payout) {
	e.emit(ctx, p.UserID, EventPayoutTransferred, payoutData(p))
}

// PayoutCredited emits payout.credited with the new wallet balance.
func (e *Emitter) PayoutCredited(ctx context.Context, p *payouts.Payout, w *ledger.Wallet) {
	data := payoutData(p)
	if w != nil {
		data["walletBalance"] = w.AvailableBalance
	}
	e.emit(ctx, p.UserID, EventPayoutCredited, data)
}

// PayoutFailed emits payout.failed.
func (e *Emitter) PayoutFailed(ctx context.Context, p *payouts.Payout) {
	e.emit(ctx, p.UserID, EventPayoutFailed, payoutData(p))
}

var _ settlement.Notifier = (*Emitter)(nil)
