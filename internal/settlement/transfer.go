package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/freightbay/freightbay/internal/gateway"
	"github.com/freightbay/freightbay/internal/idgen"
	"github.com/freightbay/freightbay/internal/ledger"
	"github.com/freightbay/freightbay/internal/payouts"
	"github.com/freightbay/freightbay/internal/traces"
)

// Outcome is the result of one transfer attempt.
type Outcome string

const (
	OutcomeTransferred Outcome = "transferred" // Network accepted; credit awaits confirmation
	OutcomeFailed      Outcome = "failed"      // Attempt failed; payout retryable
	OutcomeDeferred    Outcome = "deferred"    // No usable account link; payout stays pending
	OutcomeSkipped     Outcome = "skipped"     // Not transferable right now
)

// TransferOutcome reports what happened to a payout.
type TransferOutcome struct {
	Payout  *payouts.Payout `json:"payout"`
	Outcome Outcome         `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
}

// BatchResult summarizes TransferPendingPayoutsForUser.
type BatchResult struct {
	Transferred int               `json:"transferred"`
	Failed      int               `json:"failed"`
	Deferred    int               `json:"deferred"`
	Payouts     []*payouts.Payout `json:"payouts"`
}

// TransferPayout attempts to move one payout to its recipient's external
// account. Gateway failures are reported in the outcome; only store
// failures are returned as errors.
//
// The payout is claimed (transferring) and committed before the gateway is
// called, and the gateway's answer is recorded in a second transaction.
// A successful answer also creates the processing credit that the
// reconciler later settles.
func (s *Service) TransferPayout(ctx context.Context, payoutID string) (*TransferOutcome, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.TransferPayout", traces.PayoutID(payoutID))
	defer span.End()
	done := observeOp("transfer")
	defer done()

	p, err := s.store.GetPayout(ctx, payoutID)
	if err != nil {
		if errors.Is(err, payouts.ErrPayoutNotFound) {
			return nil, fmt.Errorf("%w: payout %s", ErrNotFound, payoutID)
		}
		return nil, err
	}

	link, err := s.store.GetAccountLink(ctx, p.UserID)
	if err != nil && !errors.Is(err, payouts.ErrLinkNotFound) {
		return nil, err
	}
	if !link.CanReceive() {
		transfersTotal.WithLabelValues(string(OutcomeDeferred)).Inc()
		return &TransferOutcome{Payout: p, Outcome: OutcomeDeferred}, nil
	}

	// Phase 1: claim.
	var claimed *payouts.Payout
	err = s.store.WithTx(ctx, func(tx Tx) error {
		claimed = nil
		cur, err := tx.GetPayoutForUpdate(ctx, payoutID)
		if err != nil {
			return err
		}
		now := s.now()
		if !cur.Transferable(now, s.staleAfter) {
			p = cur
			return nil
		}
		from := cur.Status
		if err := cur.BeginTransfer(now, s.staleAfter); err != nil {
			return err
		}
		if err := tx.UpdatePayout(ctx, cur, from); err != nil {
			return err
		}
		claimed = cur
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim payout %s: %w", payoutID, err)
	}
	if claimed == nil {
		transfersTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
		return &TransferOutcome{Payout: p, Outcome: OutcomeSkipped}, nil
	}

	res, gwErr := s.gateway.Transfer(ctx, gateway.TransferRequest{
		Destination:    link.AccountRef,
		Amount:         claimed.Amount,
		Currency:       s.currency,
		IdempotencyKey: claimed.IdempotencyKey(),
		Metadata: map[string]string{
			gateway.MetaContractID: claimed.ContractID,
			gateway.MetaPayoutID:   claimed.ID,
			gateway.MetaUserID:     claimed.UserID,
		},
	})

	// Phase 2: record the answer.
	if gwErr != nil {
		return s.recordFailure(ctx, claimed, gwErr)
	}
	return s.recordSuccess(ctx, claimed, res.Ref)
}

func (s *Service) recordSuccess(ctx context.Context, claimed *payouts.Payout, ref string) (*TransferOutcome, error) {
	var out *TransferOutcome
	err := s.store.WithTx(ctx, func(tx Tx) error {
		out = nil
		cur, err := tx.GetPayoutForUpdate(ctx, claimed.ID)
		if err != nil {
			return err
		}
		if cur.Status != payouts.StatusTransferring || cur.Attempts != claimed.Attempts {
			// The reconciler or a newer attempt already recorded an outcome.
			out = &TransferOutcome{Payout: cur, Outcome: outcomeFor(cur)}
			return nil
		}

		now := s.now()
		w, err := tx.GetOrCreateWallet(ctx, cur.UserID)
		if err != nil {
			return err
		}
		wtx, err := ledger.NewPayoutCredit(idgen.WithPrefix("wtx_"), w.ID, cur.ID, cur.Amount, ref, now)
		if err != nil {
			return err
		}
		if err := tx.CreateWalletTransaction(ctx, wtx); err != nil {
			return err
		}
		if err := cur.MarkTransferred(ref, wtx.ID, now); err != nil {
			return err
		}
		if err := tx.UpdatePayout(ctx, cur, payouts.StatusTransferring); err != nil {
			return err
		}
		out = &TransferOutcome{Payout: cur, Outcome: OutcomeTransferred}
		return nil
	})
	if err != nil {
		// The network holds the transfer; the payout stays transferring
		// until it goes stale or the confirmation adopts it.
		s.log(ctx).Error("CRITICAL: transfer accepted but not recorded",
			"payoutId", claimed.ID, "transferRef", ref, "error", err)
		return nil, fmt.Errorf("record transfer %s: %w", ref, err)
	}

	transfersTotal.WithLabelValues(string(out.Outcome)).Inc()
	if out.Outcome == OutcomeTransferred {
		s.log(ctx).Info("payout transferred",
			"payoutId", out.Payout.ID, "userId", out.Payout.UserID,
			"amount", out.Payout.Amount, "transferRef", ref)
		s.notifier.PayoutTransferred(ctx, out.Payout)
	}
	return out, nil
}

func (s *Service) recordFailure(ctx context.Context, claimed *payouts.Payout, gwErr error) (*TransferOutcome, error) {
	reason := gateway.FailureReason(gwErr)
	var out *TransferOutcome
	err := s.store.WithTx(ctx, func(tx Tx) error {
		out = nil
		cur, err := tx.GetPayoutForUpdate(ctx, claimed.ID)
		if err != nil {
			return err
		}
		if cur.Status != payouts.StatusTransferring || cur.Attempts != claimed.Attempts {
			out = &TransferOutcome{Payout: cur, Outcome: outcomeFor(cur)}
			return nil
		}
		if gateway.OutcomeUnknown(gwErr) {
			err = cur.MarkOutcomeUnknown(reason, s.now())
		} else {
			_, err = cur.MarkFailed(reason, s.now())
		}
		if err != nil {
			return err
		}
		if err := tx.UpdatePayout(ctx, cur, payouts.StatusTransferring); err != nil {
			return err
		}
		out = &TransferOutcome{Payout: cur, Outcome: OutcomeFailed, Reason: reason}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record transfer failure for %s: %w", claimed.ID, err)
	}

	transfersTotal.WithLabelValues(string(out.Outcome)).Inc()
	if out.Outcome == OutcomeFailed {
		s.log(ctx).Warn("payout transfer failed",
			"payoutId", claimed.ID, "userId", claimed.UserID,
			"attempt", claimed.Attempts, "reason", reason, "outcomeUnknown", out.Payout.OutcomeUnknown, "error", gwErr)
		s.notifier.PayoutFailed(ctx, out.Payout)
	}
	return out, nil
}

func outcomeFor(p *payouts.Payout) Outcome {
	switch p.Status {
	case payouts.StatusTransferred:
		return OutcomeTransferred
	case payouts.StatusFailed:
		return OutcomeFailed
	default:
		return OutcomeSkipped
	}
}

// TransferPendingPayoutsForUser retries every payout owed to userID that is
// pending, failed, or stuck transferring. Each payout is attempted
// independently; one failure does not stop the rest.
func (s *Service) TransferPendingPayoutsForUser(ctx context.Context, userID string) (*BatchResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.TransferPendingPayoutsForUser", traces.UserID(userID))
	defer span.End()

	candidates, err := s.store.ListPayoutsByUser(ctx, userID,
		[]payouts.Status{payouts.StatusPending, payouts.StatusFailed, payouts.StatusTransferring}, 0)
	if err != nil {
		return nil, err
	}

	now := s.now()
	result := &BatchResult{Payouts: []*payouts.Payout{}}
	for _, p := range candidates {
		if !p.Transferable(now, s.staleAfter) {
			continue
		}
		out, err := s.TransferPayout(ctx, p.ID)
		if err != nil {
			s.log(ctx).Warn("deferred transfer failed", "payoutId", p.ID, "userId", userID, "error", err)
			result.Failed++
			result.Payouts = append(result.Payouts, p)
			continue
		}
		switch out.Outcome {
		case OutcomeTransferred:
			result.Transferred++
		case OutcomeFailed:
			result.Failed++
		case OutcomeDeferred:
			result.Deferred++
		default:
			continue
		}
		result.Payouts = append(result.Payouts, out.Payout)
	}

	s.log(ctx).Info("pending payouts processed", "userId", userID,
		"transferred", result.Transferred, "failed", result.Failed, "deferred", result.Deferred)
	return result, nil
}
