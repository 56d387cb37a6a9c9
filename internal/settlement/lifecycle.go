package settlement

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/freightbay/freightbay/internal/contracts"
	"github.com/freightbay/freightbay/internal/escrow"
	"github.com/freightbay/freightbay/internal/gateway"
	"github.com/freightbay/freightbay/internal/idgen"
	"github.com/freightbay/freightbay/internal/ledger"
	"github.com/freightbay/freightbay/internal/money"
	"github.com/freightbay/freightbay/internal/payouts"
)

var ErrFundingMismatch = errors.New("funded amount does not match escrow")

// AwardRequest hires a carrier for a job. The escrow amount may exceed the
// contract amount; the difference is refunded to the shipper on completion.
type AwardRequest struct {
	JobID        string `json:"jobId"`
	HiredUserID  string `json:"hiredUserId" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
	EscrowAmount string `json:"escrowAmount"`
}

// ResellRequest passes part of a contract to another participant.
type ResellRequest struct {
	HiredUserID string `json:"hiredUserId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
}

// Award creates the job, its root contract and a pending escrow. The
// escrow is held once the payment network confirms the shipper's charge.
func (s *Service) Award(ctx context.Context, shipperID string, req AwardRequest) (*contracts.Contract, *escrow.Escrow, error) {
	amount, err := money.Normalize(req.Amount)
	if err != nil || !money.IsPositive(amount) {
		return nil, nil, fmt.Errorf("%w: amount %q", ErrInvalidRequest, req.Amount)
	}
	escrowAmount := amount
	if req.EscrowAmount != "" {
		escrowAmount, err = money.Normalize(req.EscrowAmount)
		if err != nil || money.MustParse(escrowAmount).Cmp(money.MustParse(amount)) < 0 {
			return nil, nil, fmt.Errorf("%w: escrow amount %q below contract amount", ErrInvalidRequest, req.EscrowAmount)
		}
	}
	if req.HiredUserID == "" || req.HiredUserID == shipperID {
		return nil, nil, fmt.Errorf("%w: hired user", ErrInvalidRequest)
	}

	now := s.now()
	jobID := req.JobID
	if jobID == "" {
		jobID = idgen.WithPrefix("job_")
	}
	job := &Job{ID: jobID, ShipperID: shipperID, Status: JobInProgress, CreatedAt: now, UpdatedAt: now}
	c := &contracts.Contract{
		ID:            idgen.WithPrefix("ctr_"),
		JobID:         jobID,
		HiredByUserID: shipperID,
		HiredUserID:   req.HiredUserID,
		Amount:        amount,
		Status:        contracts.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e := &escrow.Escrow{
		ID:        idgen.WithPrefix("esc_"),
		JobID:     jobID,
		Amount:    escrowAmount,
		Status:    escrow.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.GetEscrowByJobForUpdate(ctx, jobID); err == nil {
			return fmt.Errorf("%w: job %s already awarded", ErrInvalidRequest, jobID)
		} else if !errors.Is(err, escrow.ErrEscrowNotFound) {
			return err
		}
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		if err := tx.CreateContract(ctx, c); err != nil {
			return err
		}
		return tx.CreateEscrow(ctx, e)
	})
	if err != nil {
		return nil, nil, err
	}
	s.log(ctx).Info("contract awarded", "contractId", c.ID, "jobId", jobID, "amount", amount, "escrow", escrowAmount)
	return c, e, nil
}

// Start moves a contract from pending to active. Only the party that hired
// on the contract may start it.
func (s *Service) Start(ctx context.Context, contractID, userID string) (*contracts.Contract, error) {
	var out *contracts.Contract
	err := s.store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.GetContractForUpdate(ctx, contractID)
		if err != nil {
			return notFound(err, "contract", contractID)
		}
		if c.HiredByUserID != userID {
			return ErrForbidden
		}
		switch c.Status {
		case contracts.StatusActive:
			out = c
			return nil
		case contracts.StatusPending, contracts.StatusOnHold:
		default:
			return fmt.Errorf("%w: contract is %s", ErrAlreadyCompleted, c.Status)
		}
		from := c.Status
		now := s.now()
		c.Status = contracts.StatusActive
		if c.StartedAt == nil {
			c.StartedAt = &now
		}
		c.UpdatedAt = now
		if err := tx.UpdateContractStatus(ctx, c, from); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Resell carves part of a contract out to another participant. The caller
// must be the contract's hired user. The new child contract's amount equals
// the split, and all splits under a contract stay within its amount.
func (s *Service) Resell(ctx context.Context, contractID, userID string, req ResellRequest) (*contracts.Contract, *contracts.SubContract, error) {
	split, err := money.Normalize(req.Amount)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: amount %q", ErrInvalidRequest, req.Amount)
	}
	if req.HiredUserID == "" || req.HiredUserID == userID {
		return nil, nil, fmt.Errorf("%w: cannot resell to yourself", ErrInvalidRequest)
	}

	var child *contracts.Contract
	var sub *contracts.SubContract
	err = s.store.WithTx(ctx, func(tx Tx) error {
		parent, err := tx.GetContractForUpdate(ctx, contractID)
		if err != nil {
			return notFound(err, "contract", contractID)
		}
		if parent.HiredUserID != userID {
			return ErrForbidden
		}
		if parent.IsTerminal() {
			return ErrAlreadyCompleted
		}

		ancestors, err := contracts.Ancestors(ctx, parent.ID, tx.GetContractForUpdate)
		if err != nil {
			return err
		}
		for _, id := range append([]string{parent.ID}, ancestors...) {
			a, err := tx.GetContractForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if a.HiredByUserID == req.HiredUserID {
				return fmt.Errorf("%w: %s already takes part in this hierarchy", contracts.ErrCycle, req.HiredUserID)
			}
		}

		existing, err := tx.ListSubContracts(ctx, parent.ID)
		if err != nil {
			return err
		}
		if err := contracts.CheckSplit(parent, existing, split); err != nil {
			return err
		}

		now := s.now()
		child = &contracts.Contract{
			ID:               idgen.WithPrefix("ctr_"),
			ParentContractID: parent.ID,
			JobID:            parent.JobID,
			HiredByUserID:    userID,
			HiredUserID:      req.HiredUserID,
			Amount:           split,
			Status:           contracts.StatusPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		sub = &contracts.SubContract{
			ID:             idgen.WithPrefix("sub_"),
			RootContractID: parent.ID,
			ContractID:     child.ID,
			SplitAmount:    split,
			CreatedAt:      now,
		}
		if err := tx.CreateContract(ctx, child); err != nil {
			return err
		}
		return tx.CreateSubContract(ctx, sub)
	})
	if err != nil {
		return nil, nil, err
	}
	s.log(ctx).Info("contract resold", "contractId", contractID, "childId", child.ID, "split", split)
	return child, sub, nil
}

// FundEscrow marks the escrow for a job as held. Duplicate confirmations
// are no-ops. amount, when given, must match the escrow amount.
func (s *Service) FundEscrow(ctx context.Context, jobID, fundingRef, amount string) (*escrow.Escrow, error) {
	var out *escrow.Escrow
	err := s.store.WithTx(ctx, func(tx Tx) error {
		e, err := tx.GetEscrowByJobForUpdate(ctx, jobID)
		if err != nil {
			return notFound(err, "escrow for job", jobID)
		}
		if amount != "" {
			got, ok := money.Parse(amount)
			if !ok || got.Cmp(money.MustParse(e.Amount)) != 0 {
				return fmt.Errorf("%w: got %s, escrow %s", ErrFundingMismatch, amount, e.Amount)
			}
		}
		from := e.Status
		changed, err := e.Hold(fundingRef, s.now())
		if err != nil {
			return err
		}
		if changed {
			if err := tx.UpdateEscrow(ctx, e, from); err != nil {
				return err
			}
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LinkPayoutAccount returns the user's onboarding link on the payment
// network, creating the connected account on first use. When the account
// can already receive payouts, owed payouts are transferred right away.
func (s *Service) LinkPayoutAccount(ctx context.Context, userID string) (*gateway.AccountLink, error) {
	existingRef := ""
	if cur, err := s.store.GetAccountLink(ctx, userID); err == nil {
		existingRef = cur.AccountRef
	} else if !errors.Is(err, payouts.ErrLinkNotFound) {
		return nil, err
	}

	gl, err := s.gateway.GetOrCreateAccountLink(ctx, userID, existingRef)
	if err != nil {
		return nil, err
	}

	became, err := s.saveLink(ctx, userID, gl.AccountRef, gl.PayoutsEnabled)
	if err != nil {
		return nil, err
	}
	if became {
		if _, err := s.TransferPendingPayoutsForUser(ctx, userID); err != nil {
			s.log(ctx).Warn("deferred transfers after linking failed", "userId", userID, "error", err)
		}
	}
	return gl, nil
}

// ApplyAccountUpdate records the payment network's view of a connected
// account and runs deferred transfers when payouts became enabled.
// Unknown accounts return ErrNotFound.
func (s *Service) ApplyAccountUpdate(ctx context.Context, accountRef string, payoutsEnabled bool) (*payouts.AccountLink, error) {
	var link *payouts.AccountLink
	var became bool
	err := s.store.WithTx(ctx, func(tx Tx) error {
		l, err := tx.GetAccountLinkByRef(ctx, accountRef)
		if err != nil {
			return notFound(err, "account", accountRef)
		}
		became = payoutsEnabled && !l.CanReceive()
		l.PayoutsEnabled = payoutsEnabled
		l.Active = true
		l.UpdatedAt = s.now()
		if err := tx.UpsertAccountLink(ctx, l); err != nil {
			return err
		}
		link = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	if became {
		if _, err := s.TransferPendingPayoutsForUser(ctx, link.UserID); err != nil {
			s.log(ctx).Warn("deferred transfers after account update failed", "userId", link.UserID, "error", err)
		}
	}
	return link, nil
}

func (s *Service) saveLink(ctx context.Context, userID, accountRef string, payoutsEnabled bool) (became bool, err error) {
	err = s.store.WithTx(ctx, func(tx Tx) error {
		now := s.now()
		l, err := tx.GetAccountLink(ctx, userID)
		switch {
		case errors.Is(err, payouts.ErrLinkNotFound):
			l = &payouts.AccountLink{UserID: userID, CreatedAt: now}
		case err != nil:
			return err
		}
		became = payoutsEnabled && !l.CanReceive()
		l.AccountRef = accountRef
		l.Active = true
		l.PayoutsEnabled = payoutsEnabled
		l.UpdatedAt = now
		return tx.UpsertAccountLink(ctx, l)
	})
	return became, err
}

// ContractPayouts lists the payouts of a contract. The caller must be a
// party to the contract or one of the payees.
func (s *Service) ContractPayouts(ctx context.Context, contractID, userID string) ([]*payouts.Payout, error) {
	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, notFound(err, "contract", contractID)
	}
	list, err := s.store.ListPayoutsByContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.HiredByUserID == userID || c.HiredUserID == userID {
		return list, nil
	}
	if slices.ContainsFunc(list, func(p *payouts.Payout) bool { return p.UserID == userID }) {
		return list, nil
	}
	return nil, ErrForbidden
}

// UserPayouts lists payouts owed to a user, optionally filtered by status.
func (s *Service) UserPayouts(ctx context.Context, userID string, status payouts.Status, limit int) ([]*payouts.Payout, error) {
	var statuses []payouts.Status
	if status != "" {
		statuses = []payouts.Status{status}
	}
	return s.store.ListPayoutsByUser(ctx, userID, statuses, limit)
}

// Wallet returns the user's wallet and its most recent transactions. A user
// who was never credited gets an empty wallet.
func (s *Service) Wallet(ctx context.Context, userID string, limit int) (*ledger.Wallet, []*ledger.Transaction, error) {
	w, err := s.store.GetWalletByUser(ctx, userID)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return ledger.NewWallet("", userID, s.now()), []*ledger.Transaction{}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	txs, err := s.store.ListWalletTransactions(ctx, w.ID, limit)
	if err != nil {
		return nil, nil, err
	}
	return w, txs, nil
}

// notFound wraps store not-found errors in ErrNotFound.
func notFound(err error, what, id string) error {
	switch {
	case errors.Is(err, contracts.ErrContractNotFound),
		errors.Is(err, escrow.ErrEscrowNotFound),
		errors.Is(err, payouts.ErrPayoutNotFound),
		errors.Is(err, payouts.ErrLinkNotFound),
		errors.Is(err, ledger.ErrWalletNotFound),
		errors.Is(err, ErrJobNotFound):
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return err
}
