// Package reconciliation applies the payment network's notifications to the
// settlement ledger and watches for transfers that never resolved.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/freightbay/freightbay/internal/escrow"
	"github.com/freightbay/freightbay/internal/gateway"
	"github.com/freightbay/freightbay/internal/idgen"
	"github.com/freightbay/freightbay/internal/ledger"
	"github.com/freightbay/freightbay/internal/logging"
	"github.com/freightbay/freightbay/internal/payouts"
	"github.com/freightbay/freightbay/internal/settlement"
	"github.com/freightbay/freightbay/internal/traces"
)

// Result labels what an event did to the ledger.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultUnmatched Result = "unmatched"
	ResultMismatch  Result = "mismatch"
	ResultIgnored   Result = "ignored"
	ResultNotReady  Result = "not_ready"
	ResultError     Result = "error"
)

// Reconciler credits wallets when the network confirms a transfer and
// unwinds payouts it rejects. Every mutation is compare-and-swap, so
// duplicate and out-of-order deliveries are safe.
type Reconciler struct {
	store      settlement.Store
	service    *settlement.Service
	notifier   settlement.Notifier
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewReconciler creates a reconciler over the settlement store. service
// handles account and funding events.
func NewReconciler(store settlement.Store, service *settlement.Service) *Reconciler {
	return &Reconciler{
		store:      store,
		service:    service,
		notifier:   settlement.NopNotifier{},
		staleAfter: service.StaleTransferAfter(),
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// WithNotifier sets the payout notification sink.
func (r *Reconciler) WithNotifier(n settlement.Notifier) *Reconciler {
	if n != nil {
		r.notifier = n
	}
	return r
}

// WithLogger sets a structured logger.
func (r *Reconciler) WithLogger(l *slog.Logger) *Reconciler {
	r.logger = l
	return r
}

// WithClock overrides the time source.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

func (r *Reconciler) log(ctx context.Context) *slog.Logger {
	if logging.RequestID(ctx) != "" {
		return logging.L(ctx)
	}
	return r.logger
}

// Handle applies one verified event. It returns settlement.ErrNotReady when
// the event refers to a transfer whose outcome is still being recorded; the
// caller should ask the network to redeliver.
func (r *Reconciler) Handle(ctx context.Context, evt *gateway.Event) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.Handle",
		traces.EventKind(string(evt.Kind)), traces.TransferRef(evt.TransferRef))
	defer span.End()
	start := time.Now()

	var res Result
	var err error
	switch evt.Kind {
	case gateway.EventTransferSucceeded:
		res, err = r.transferSucceeded(ctx, evt)
	case gateway.EventTransferFailed:
		res, err = r.transferFailed(ctx, evt)
	case gateway.EventPayoutPaid:
		r.log(ctx).Info("payout reached bank account",
			"eventId", evt.ID, "accountRef", evt.AccountRef, "ref", evt.TransferRef, "amount", evt.Amount)
		res = ResultApplied
	case gateway.EventPayoutFailed:
		// Funds went back to the connected account's balance; the
		// participant must fix their bank details with the network.
		r.log(ctx).Warn("payout to bank account failed",
			"eventId", evt.ID, "accountRef", evt.AccountRef, "ref", evt.TransferRef,
			"amount", evt.Amount, "reason", evt.FailureReason)
		res = ResultApplied
	case gateway.EventAccountUpdated:
		res, err = r.accountUpdated(ctx, evt)
	case gateway.EventFundingSucceeded:
		res, err = r.fundingSucceeded(ctx, evt)
	default:
		res = ResultIgnored
	}

	if err != nil {
		res = ResultError
		if errors.Is(err, settlement.ErrNotReady) {
			res = ResultNotReady
		}
		traces.Fail(span, err)
	}
	eventsTotal.WithLabelValues(string(evt.Kind), string(res)).Inc()
	handleDuration.Observe(time.Since(start).Seconds())
	return res, err
}

// findPayout locates the payout an event refers to, first by transfer
// reference and then by the payout id the transfer carried as metadata.
func findPayout(ctx context.Context, tx settlement.Tx, evt *gateway.Event) (*payouts.Payout, error) {
	p, err := tx.GetPayoutByTransferRef(ctx, evt.TransferRef)
	if err == nil || !errors.Is(err, payouts.ErrPayoutNotFound) {
		return p, err
	}
	id := evt.Metadata[gateway.MetaPayoutID]
	if id == "" {
		return nil, payouts.ErrPayoutNotFound
	}
	return tx.GetPayoutForUpdate(ctx, id)
}

func (r *Reconciler) stale(p *payouts.Payout, now time.Time) bool {
	return p.LastAttemptAt == nil || now.Sub(*p.LastAttemptAt) >= r.staleAfter
}

func (r *Reconciler) transferSucceeded(ctx context.Context, evt *gateway.Event) (Result, error) {
	var (
		res      Result
		credited *payouts.Payout
		wallet   *ledger.Wallet
	)
	err := r.store.WithTx(ctx, func(tx settlement.Tx) error {
		credited, wallet = nil, nil
		p, err := findPayout(ctx, tx, evt)
		if errors.Is(err, payouts.ErrPayoutNotFound) {
			res = ResultUnmatched
			return nil
		}
		if err != nil {
			return err
		}

		now := r.now()
		switch p.Status {
		case payouts.StatusTransferring:
			if !r.stale(p, now) {
				return fmt.Errorf("%w: payout %s transfer still being recorded", settlement.ErrNotReady, p.ID)
			}
			if err := r.adopt(ctx, tx, p, evt.TransferRef, now); err != nil {
				return err
			}
		case payouts.StatusFailed:
			if p.TransferRef == evt.TransferRef {
				// Confirmation delivered after the transfer's own failure.
				res = ResultDuplicate
				return nil
			}
			if err := r.adopt(ctx, tx, p, evt.TransferRef, now); err != nil {
				return err
			}
		case payouts.StatusTransferred:
		default:
			res = ResultMismatch
			return nil
		}

		if p.TransferRef != evt.TransferRef {
			// A second transfer for a payout that already has one.
			res = ResultMismatch
			return nil
		}

		wtx, err := tx.GetWalletTransactionForUpdate(ctx, p.WalletTransactionID)
		if err != nil {
			return fmt.Errorf("credit for payout %s: %w", p.ID, err)
		}
		w, err := tx.GetWalletForUpdate(ctx, wtx.WalletID)
		if err != nil {
			return err
		}
		if err := ledger.Settle(w, wtx, now); err != nil {
			if errors.Is(err, ledger.ErrAlreadyProcessed) {
				res = ResultDuplicate
				return nil
			}
			return err
		}
		if err := tx.UpdateWalletTransaction(ctx, wtx, ledger.TxProcessing); err != nil {
			return err
		}
		if err := tx.UpdateWalletBalance(ctx, w); err != nil {
			return err
		}
		res = ResultApplied
		credited, wallet = p, w
		return nil
	})
	if err != nil {
		return ResultError, err
	}

	switch res {
	case ResultApplied:
		r.log(ctx).Info("payout credited",
			"payoutId", credited.ID, "userId", credited.UserID,
			"amount", credited.Amount, "transferRef", evt.TransferRef, "balance", wallet.AvailableBalance)
		r.notifier.PayoutCredited(ctx, credited, wallet)
	case ResultUnmatched:
		r.log(ctx).Warn("transfer confirmation matches no payout", "eventId", evt.ID, "transferRef", evt.TransferRef)
	case ResultMismatch:
		r.log(ctx).Error("CRITICAL: transfer confirmation conflicts with recorded payout",
			"eventId", evt.ID, "transferRef", evt.TransferRef, "payoutId", evt.Metadata[gateway.MetaPayoutID])
	}
	return res, nil
}

// adopt records a confirmed transfer on a payout whose own attempt never
// recorded it, creating the processing credit that is settled right after.
func (r *Reconciler) adopt(ctx context.Context, tx settlement.Tx, p *payouts.Payout, ref string, now time.Time) error {
	from := p.Status
	w, err := tx.GetOrCreateWallet(ctx, p.UserID)
	if err != nil {
		return err
	}
	wtx, err := ledger.NewPayoutCredit(idgen.WithPrefix("wtx_"), w.ID, p.ID, p.Amount, ref, now)
	if err != nil {
		return err
	}
	if err := tx.CreateWalletTransaction(ctx, wtx); err != nil {
		return err
	}
	if err := p.Adopt(ref, wtx.ID, now); err != nil {
		return err
	}
	if err := tx.UpdatePayout(ctx, p, from); err != nil {
		return err
	}
	r.log(ctx).Warn("adopted unrecorded transfer", "payoutId", p.ID, "from", string(from), "transferRef", ref)
	return nil
}

func (r *Reconciler) transferFailed(ctx context.Context, evt *gateway.Event) (Result, error) {
	var res Result
	var failed *payouts.Payout
	err := r.store.WithTx(ctx, func(tx settlement.Tx) error {
		failed = nil
		p, err := findPayout(ctx, tx, evt)
		if errors.Is(err, payouts.ErrPayoutNotFound) {
			res = ResultUnmatched
			return nil
		}
		if err != nil {
			return err
		}

		now := r.now()
		switch p.Status {
		case payouts.StatusFailed:
			if !p.OutcomeUnknown {
				res = ResultDuplicate
				return nil
			}
			// The network settled an attempt we could not; the next retry
			// is a new attempt.
		case payouts.StatusTransferring:
			if !r.stale(p, now) {
				return fmt.Errorf("%w: payout %s transfer still being recorded", settlement.ErrNotReady, p.ID)
			}
		case payouts.StatusTransferred:
			if p.TransferRef != evt.TransferRef {
				res = ResultMismatch
				return nil
			}
		default:
			res = ResultMismatch
			return nil
		}

		if p.WalletTransactionID != "" {
			wtx, err := tx.GetWalletTransactionForUpdate(ctx, p.WalletTransactionID)
			if err != nil {
				return err
			}
			if wtx.Status == ledger.TxProcessed {
				// Already credited; a reversal needs an operator.
				res = ResultMismatch
				return nil
			}
			changed, err := ledger.Fail(wtx, now)
			if err != nil {
				return err
			}
			if changed {
				if err := tx.UpdateWalletTransaction(ctx, wtx, ledger.TxProcessing); err != nil {
					return err
				}
			}
		}

		from := p.Status
		reason := evt.FailureReason
		if reason == "" {
			reason = gateway.ReasonUnknown
		}
		if _, err := p.MarkFailed(reason, now); err != nil {
			return err
		}
		if err := tx.UpdatePayout(ctx, p, from); err != nil {
			return err
		}
		res = ResultApplied
		failed = p
		return nil
	})
	if err != nil {
		return ResultError, err
	}

	switch res {
	case ResultApplied:
		r.log(ctx).Warn("transfer failed after acceptance",
			"payoutId", failed.ID, "userId", failed.UserID, "transferRef", evt.TransferRef, "reason", failed.FailureReason)
		r.notifier.PayoutFailed(ctx, failed)
	case ResultUnmatched:
		r.log(ctx).Warn("transfer failure matches no payout", "eventId", evt.ID, "transferRef", evt.TransferRef)
	case ResultMismatch:
		r.log(ctx).Error("CRITICAL: transfer failure conflicts with recorded payout",
			"eventId", evt.ID, "transferRef", evt.TransferRef, "payoutId", evt.Metadata[gateway.MetaPayoutID])
	}
	return res, nil
}

func (r *Reconciler) accountUpdated(ctx context.Context, evt *gateway.Event) (Result, error) {
	_, err := r.service.ApplyAccountUpdate(ctx, evt.AccountRef, evt.PayoutsEnabled)
	if errors.Is(err, settlement.ErrNotFound) {
		r.log(ctx).Info("account update for unknown account", "accountRef", evt.AccountRef)
		return ResultUnmatched, nil
	}
	if err != nil {
		return ResultError, err
	}
	return ResultApplied, nil
}

func (r *Reconciler) fundingSucceeded(ctx context.Context, evt *gateway.Event) (Result, error) {
	_, err := r.service.FundEscrow(ctx, evt.JobID, evt.FundingRef, evt.Amount)
	switch {
	case errors.Is(err, settlement.ErrNotFound):
		r.log(ctx).Warn("funding for unknown job", "jobId", evt.JobID, "fundingRef", evt.FundingRef)
		return ResultUnmatched, nil
	case errors.Is(err, settlement.ErrFundingMismatch):
		r.log(ctx).Error("CRITICAL: funded amount does not match escrow",
			"jobId", evt.JobID, "fundingRef", evt.FundingRef, "amount", evt.Amount, "error", err)
		return ResultMismatch, nil
	case errors.Is(err, escrow.ErrInvalidStatus):
		// Escrow already released; the confirmation is late.
		return ResultDuplicate, nil
	case err != nil:
		return ResultError, err
	}
	return ResultApplied, nil
}
