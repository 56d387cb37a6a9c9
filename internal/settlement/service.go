// Package settlement completes contract hierarchies and pays out the
// escrow behind them.
//
// Flow:
//  1. Owner completes the root contract → hierarchy resolved, earnings computed
//  2. One transaction: contracts completed, payouts created, escrow released, job completed
//  3. After commit: each payout with a payouts-enabled account is transferred
//  4. Payment network confirms → reconciler credits the wallet exactly once
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/freightbay/freightbay/internal/contracts"
	"github.com/freightbay/freightbay/internal/escrow"
	"github.com/freightbay/freightbay/internal/gateway"
	"github.com/freightbay/freightbay/internal/idgen"
	"github.com/freightbay/freightbay/internal/ledger"
	"github.com/freightbay/freightbay/internal/logging"
	"github.com/freightbay/freightbay/internal/payouts"
	"github.com/freightbay/freightbay/internal/traces"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("not authorized for this contract")
	ErrNotRoot          = fmt.Errorf("%w: only a root contract can be completed", ErrForbidden)
	ErrAlreadyCompleted = errors.New("contract already completed")
	ErrNotReady         = errors.New("not ready")
	ErrConservation     = errors.New("payouts exceed escrow amount")
	ErrInvalidRequest   = errors.New("invalid request")
)

// DefaultStaleTransferAfter is how long a transferring payout may go
// without a recorded outcome before it can be claimed again.
const DefaultStaleTransferAfter = 10 * time.Minute

// Notifier is told about payout milestones. Implementations must not block;
// failures are theirs to log.
type Notifier interface {
	PayoutTransferred(ctx context.Context, p *payouts.Payout)
	PayoutCredited(ctx context.Context, p *payouts.Payout, w *ledger.Wallet)
	PayoutFailed(ctx context.Context, p *payouts.Payout)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) PayoutTransferred(context.Context, *payouts.Payout) {}

func (NopNotifier) PayoutCredited(context.Context, *payouts.Payout, *ledger.Wallet) {}

func (NopNotifier) PayoutFailed(context.Context, *payouts.Payout) {}

// CompletionResult is returned by CompleteContract.
type CompletionResult struct {
	Contract    *contracts.Contract `json:"contract"`
	Payouts     []*payouts.Payout   `json:"payouts"`
	MainEarning string              `json:"mainEarning"`
	Refund      string              `json:"refund"`
}

// Service implements settlement business logic.
type Service struct {
	store      Store
	gateway    gateway.Gateway
	notifier   Notifier
	calc       contracts.Calculator
	currency   string
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	locks      keyedLocks // serializes completion of one contract in-process
}

// keyedLocks hands out one mutex per key. An entry lives only while some
// caller holds or waits on it.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

// lock blocks until key is free and returns the matching unlock.
func (l *keyedLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[string]*keyedLock)
	}
	e, ok := l.entries[key]
	if !ok {
		e = &keyedLock{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.Lock()
	return func() {
		e.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}

func (l *keyedLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// NewService creates a new settlement service.
func NewService(store Store, gw gateway.Gateway) *Service {
	return &Service{
		store:      store,
		gateway:    gw,
		notifier:   NopNotifier{},
		currency:   "usd",
		staleAfter: DefaultStaleTransferAfter,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// WithNotifier sets the payout notification sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithCurrency sets the transfer currency.
func (s *Service) WithCurrency(currency string) *Service {
	if currency != "" {
		s.currency = currency
	}
	return s
}

// WithStaleTransferAfter sets when an unfinished transfer may be retried.
func (s *Service) WithStaleTransferAfter(d time.Duration) *Service {
	if d > 0 {
		s.staleAfter = d
	}
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// StaleTransferAfter reports the configured stale threshold.
func (s *Service) StaleTransferAfter() time.Duration {
	return s.staleAfter
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	if logging.RequestID(ctx) != "" || logging.UserID(ctx) != "" {
		return logging.L(ctx)
	}
	return s.logger
}

// CompleteContract settles the hierarchy under a root contract. Only the
// contract's owner may complete it, and only once its escrow is held and
// work has started. Transfers are attempted after commit and never cause
// the completion to fail.
func (s *Service) CompleteContract(ctx context.Context, contractID, userID string) (*CompletionResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.CompleteContract",
		traces.ContractID(contractID), traces.UserID(userID))
	defer span.End()
	done := observeOp("complete")
	defer done()

	unlock := s.locks.lock(contractID)
	defer unlock()

	var result *CompletionResult
	err := s.store.WithTx(ctx, func(tx Tx) error {
		result = nil

		root, err := tx.GetContractForUpdate(ctx, contractID)
		if err != nil {
			if errors.Is(err, contracts.ErrContractNotFound) {
				return fmt.Errorf("%w: contract %s", ErrNotFound, contractID)
			}
			return err
		}
		if !root.IsRoot() {
			return ErrNotRoot
		}
		if root.HiredByUserID != userID {
			return ErrForbidden
		}
		if root.IsTerminal() {
			return ErrAlreadyCompleted
		}

		esc, err := tx.GetEscrowByJobForUpdate(ctx, root.JobID)
		if err != nil {
			if errors.Is(err, escrow.ErrEscrowNotFound) {
				return fmt.Errorf("%w: no escrow for job %s", ErrNotReady, root.JobID)
			}
			return err
		}
		if esc.Status != escrow.StatusHeld {
			return fmt.Errorf("%w: escrow is %s", ErrNotReady, esc.Status)
		}
		if root.Status != contracts.StatusActive {
			return fmt.Errorf("%w: contract is %s", ErrNotReady, root.Status)
		}

		descendants, err := contracts.NewResolver(tx).Descendants(ctx, root.ID)
		if err != nil {
			return err
		}
		all := append([]*contracts.Contract{root}, descendants...)

		splits := make(map[string][]*contracts.SubContract, len(all))
		for _, c := range all {
			subs, err := tx.ListSubContracts(ctx, c.ID)
			if err != nil {
				return err
			}
			splits[c.ID] = subs
		}

		plan, err := s.calc.Build(root, descendants, splits, esc.Amount)
		if err != nil {
			if errors.Is(err, contracts.ErrOverAllocated) {
				return fmt.Errorf("%w: %v", ErrConservation, err)
			}
			return err
		}

		now := s.now()
		for _, c := range all {
			from := c.Status
			if from == contracts.StatusCompleted {
				continue
			}
			c.Status = contracts.StatusCompleted
			c.EndedAt = &now
			c.UpdatedAt = now
			if err := tx.UpdateContractStatus(ctx, c, from); err != nil {
				if c.ID == root.ID && errors.Is(err, ErrStale) {
					return ErrAlreadyCompleted
				}
				return fmt.Errorf("complete contract %s: %w", c.ID, err)
			}
		}

		created := make([]*payouts.Payout, 0, len(plan.Lines))
		for _, line := range plan.Lines {
			p := &payouts.Payout{
				ID:         idgen.WithPrefix("pay_"),
				ContractID: line.ContractID,
				UserID:     line.UserID,
				Type:       payouts.Type(line.Kind),
				Amount:     line.Amount,
				Status:     payouts.StatusPending,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.CreatePayout(ctx, p); err != nil {
				return fmt.Errorf("create payout for contract %s: %w", line.ContractID, err)
			}
			created = append(created, p)
		}

		if err := esc.Release(now); err != nil {
			return err
		}
		if err := tx.UpdateEscrow(ctx, esc, escrow.StatusHeld); err != nil {
			return fmt.Errorf("release escrow: %w", err)
		}
		if err := tx.MarkJobCompleted(ctx, root.JobID, now); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}

		result = &CompletionResult{
			Contract:    root,
			Payouts:     created,
			MainEarning: plan.MainEarning,
			Refund:      plan.Refund,
		}
		return nil
	})
	if err != nil {
		completionsTotal.WithLabelValues(completionLabel(err)).Inc()
		traces.Fail(span, err)
		return nil, err
	}

	completionsTotal.WithLabelValues("completed").Inc()
	for _, p := range result.Payouts {
		payoutsCreated.WithLabelValues(string(p.Type)).Inc()
	}
	s.log(ctx).Info("contract completed",
		"contractId", contractID, "payouts", len(result.Payouts),
		"mainEarning", result.MainEarning, "refund", result.Refund)

	for i, p := range result.Payouts {
		out, err := s.TransferPayout(ctx, p.ID)
		if err != nil {
			s.log(ctx).Warn("post-completion transfer failed",
				"contractId", contractID, "payoutId", p.ID, "error", err)
			continue
		}
		result.Payouts[i] = out.Payout
	}
	return result, nil
}

func completionLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrConservation):
		return "conservation"
	default:
		return "error"
	}
}
