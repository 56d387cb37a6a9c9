package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freightbay/freightbay/internal/circuitbreaker"
	"github.com/freightbay/freightbay/internal/contracts"
	"github.com/freightbay/freightbay/internal/escrow"
	"github.com/freightbay/freightbay/internal/gateway"
	"github.com/freightbay/freightbay/internal/ledger"
	"github.com/freightbay/freightbay/internal/payouts"
)

type recordingNotifier struct {
	mu          sync.Mutex
	transferred []string
	credited    []string
	failed      []string
}

func (n *recordingNotifier) PayoutTransferred(_ context.Context, p *payouts.Payout) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transferred = append(n.transferred, p.ID)
}

func (n *recordingNotifier) PayoutCredited(_ context.Context, p *payouts.Payout, _ *ledger.Wallet) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.credited = append(n.credited, p.ID)
}

func (n *recordingNotifier) PayoutFailed(_ context.Context, p *payouts.Payout) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, p.ID)
}

type fixture struct {
	ctx      context.Context
	store    Store
	gw       *gateway.Fake
	notifier *recordingNotifier
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	gw := gateway.NewFake("")
	n := &recordingNotifier{}
	return &fixture{
		ctx:      context.Background(),
		store:    store,
		gw:       gw,
		notifier: n,
		svc:      NewService(store, gw).WithNotifier(n),
	}
}

// award creates a funded, started root contract.
func (f *fixture) award(t *testing.T, shipper, hired, amount, escrowAmount string) *contracts.Contract {
	t.Helper()
	c, _, err := f.svc.Award(f.ctx, shipper, AwardRequest{HiredUserID: hired, Amount: amount, EscrowAmount: escrowAmount})
	require.NoError(t, err)
	_, err = f.svc.FundEscrow(f.ctx, c.JobID, "pi_"+c.ID, "")
	require.NoError(t, err)
	c, err = f.svc.Start(f.ctx, c.ID, shipper)
	require.NoError(t, err)
	return c
}

func (f *fixture) link(t *testing.T, userID string, enabled bool) {
	t.Helper()
	err := f.store.WithTx(f.ctx, func(tx Tx) error {
		now := time.Now()
		return tx.UpsertAccountLink(f.ctx, &payouts.AccountLink{
			UserID: userID, AccountRef: "acct_" + userID, Active: true, PayoutsEnabled: enabled,
			CreatedAt: now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)
}

func amountsByUser(ps []*payouts.Payout) map[string]string {
	out := make(map[string]string, len(ps))
	for _, p := range ps {
		out[p.UserID+"/"+string(p.Type)] = p.Amount
	}
	return out
}

func TestCompleteContract_SplitDeduction(t *testing.T) {
	f := newFixture(t)
	root := f.award(t, "shipper", "u1", "1000", "")
	child, _, err := f.svc.Resell(f.ctx, root.ID, "u1", ResellRequest{HiredUserID: "u2", Amount: "300"})
	require.NoError(t, err)
	f.link(t, "u1", true)
	f.link(t, "u2", true)

	res, err := f.svc.CompleteContract(f.ctx, root.ID, "shipper")
	require.NoError(t, err)

	assert.Equal(t, "700.00", res.MainEarning)
	assert.Equal(t, "0.00", res.Refund)
	assert.Equal(t, map[string]string{"u1/earning": "700.00", "u2/earning": "300.00"}, amountsByUser(res.Payouts))
	for _, p := range res.Payouts {
		assert.Equal(t, payouts.StatusTransferred, p.Status)
		assert.NotEmpty(t, p.TransferRef)
		assert.NotEmpty(t, p.WalletTransactionID)
	}

	got, err := f.store.GetContract(f.ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, got.Status)
	assert.NotNil(t, got.EndedAt)

	esc, err := f.store.GetEscrowByJob(f.ctx, root.JobID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, esc.Status)

	job, err := f.store.GetJob(f.ctx, root.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)

	// Balance waits for the network's confirmation.
	w, txs, err := f.svc.Wallet(f.ctx, "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, "0.00", w.AvailableBalance)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxProcessing, txs[0].Status)
	assert.Equal(t, "700.00", txs[0].Amount)

	assert.Len(t, f.notifier.transferred, 2)
}

func TestCompleteContract_ScenarioAB(t *testing.T) {
	f := newFixture(t)
	root := f.award(t, "shipper", "u1", "1000", "1000")
	_, _, err := f.svc.Resell(f.ctx, root.ID, "u1", ResellRequest{HiredUserID: "u2", Amount: "200"})
	require.NoError(t, err)

	res, err := f.svc.CompleteContract(f.ctx, root.ID, "shipper")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"u1/earning": "800.00", "u2/earning": "200.00"}, amountsByUser(res.Payouts))
	assert.Equal(t, "0.00", res.Refund)
}

func TestCompleteContract_RefundsEscrowSurplus(t *testing.T) {
	f := newFixture(t)
	root := f.award(t, "shipper", "u1", "400", "500")

	res, err := f.svc.CompleteContract(f.ctx, root.ID, "shipper")
	require.NoError(t, err)

	assert.Equal(t, "400.00", res.MainEarning)
	assert.Equal(t, "100.00", res.Refund)
	assert.Equal(t, map[string]string{"u1/earning": "400.00", "shipper/refund": "100.00"}, amountsByUser(res.Payouts))
}

func TestCompleteContract_Preconditions(t *testing.T) {
	f := newFixture(t)
	root := f.award(t, "shipper", "u1", "1000", "")
	child, _, err := f.svc.Resell(f.ctx, root.ID, "u1", ResellRequest{HiredUserID: "u2", Amount: "100"})
	require.NoError(t, err)

	unfunded, _, err := f.svc.Award(f.ctx, "shipper", AwardRequest{HiredUserID: "u3", Amount: "50"})
	require.NoError(t, err)
	_, err = f.svc.Start(f.ctx, unfunded.ID, "shipper")
	require.NoError(t, err)

	unstarted, _, err := f.svc.Award(f.ctx, "shipper", AwardRequest{HiredUserID: "u4", Amount: "50"})
	require.NoError(t, err)
	_, err = f.svc.FundEscrow(f.ctx, unstarted.JobID, "pi_x", "")
	require.NoError(t, err)

	tests := []struct {
		name       string
		contractID string
		userID     string
		wantErr    error
	}{
		{"missing", "ctr_missing", "shipper", ErrNotFound},
		{"child contract", child.ID, "u1", ErrNotRoot},
		{"not owner", root.ID, "u1", ErrForbidden},
		{"escrow not held", unfunded.ID, "shipper", ErrNotReady},
		{"not started", unstarted.ID, "shipper", ErrNotReady},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CompleteContract(f.ctx, tc.contractID, tc.userID)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	assert.ErrorIs(t, ErrNotRoot, ErrForbidden)

	// Rejections leave no trace.
	list, err := f.store.ListPayoutsByContract(f.ctx, root.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	esc, err := f.store.GetEscrowByJob(f.ctx, root.JobID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, esc.Status)
}

func TestCompleteContract_AtMostOnce(t *testing.T) {
	f := newFixture(t)
	root := f.award(t, "shipper", "u1", "1000", "")
	_, _, err := f.svc.Resell(f.ctx, root.ID, "u1", ResellRequest{HiredUserID: "u2", Amount: "250"})
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.CompleteContract(f.ctx, root.ID, "shipper")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyCompleted)
	}
	assert.Equal(t, 1, succeeded)

	list, err := f.store.ListPayoutsByContract(f.ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = f.svc.CompleteContract(f.ctx, root.ID, "shipper")
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	_, err = f.svc.CompleteContract(f.ctx, "ctr_missing", "shipper")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.svc.locks.len(), "completion locks must not outlive their callers")
}

func TestKeyedLocks(t *testing.T) {
	var l keyedLocks

	unlockA := l.lock("a")
	unlockB := l.lock("b")
	assert.Equal(t, 2, l.len())

	acquired := make(chan struct{})
	go func() {
		unlock := l.lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	<-acquired
	unlockB()
	assert.Eventually(t, func() bool { return l.len() == 0 }, time.Second, time.Millisecond)
}

func TestCompleteContract_ConservationViolation(t *testing.T) {
	f := newFixture(t)
	root := f.award(t, "shipper", "u1", "1000", "")

	// A child whose amount exceeds its recorded split.
	err := f.store.WithTx(f.ctx, func(tx Tx) error {
		now := time.Now()
		if err := tx.CreateContract(f.ctx, &contracts.Contract{
			ID: "ctr_bad", ParentContractID: root.ID, JobID: root.JobID,
			HiredByUserID: "u1", HiredUserID: "u2", Amount: "900.00",
			Status: contracts.StatusActive, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return tx.CreateSubContract(f.ctx, &contracts.SubContract{
			ID: "sub_bad", RootContractID: root.ID, ContractID: "ctr_bad", SplitAmount: "300.00", CreatedAt: now,
		})
	})
	require.NoError(t, err)

	_, err = f.svc.CompleteContract(f.ctx, root.ID, "shipper")
	assert.ErrorIs(t, err, ErrConservation)

	got, err := f.store.GetContract(f.ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusActive, got.Status)
	esc, err := f.store.GetEscrowByJob(f.ctx, root.JobID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, esc.Status)
}

func TestCompleteContract_UndeliverableButEarned(t *testing.T) {
	f := newFixture(t)
	root := f.award(t, "shipper", "u1", "1000", "")
	_, _, err := f.svc.Resell(f.ctx, root.ID, "u1", ResellRequest{HiredUserID: "u2", Amount: "300"})
	require.NoError(t, err)
	f.link(t, "u1", true)
	// u2 has no payout account.

	res, err := f.svc.CompleteContract(f.ctx, root.ID, "shipper")
	require.NoError(t, err)

	byUser := map[string]*payouts.Payout{}
	for _, p := range res.Payouts {
		byUser[p.UserID] = p
	}
	assert.Equal(t, payouts.StatusTransferred, byUser["u1"].Status)
	assert.Equal(t, payouts.StatusPending, byUser["u2"].Status)
	assert.Zero(t, byUser["u2"].Attempts)

	_, err = f.store.GetWalletByUser(f.ctx, "u2")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)

	// Onboarding later releases the deferred payout.
	f.gw.EnableOnCreate = true
	link, err := f.svc.LinkPayoutAccount(f.ctx, "u2")
	require.NoError(t, err)
	assert.True(t, link.PayoutsEnabled)

	p, err := f.store.GetPayout(f.ctx, byUser["u2"].ID)
	require.NoError(t, err)
	assert.Equal(t, payouts.StatusTransferred, p.Status)
}

func TestCompleteContract_TransferFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	root := f.award(t, "shipper", "u1", "1000", "")
	f.link(t, "u1", true)
	f.gw.FailNext(1, &gateway.TransferError{Code: "account_invalid", Permanent: true, Err: errors.New("no such destination")})

	res, err := f.svc.CompleteContract(f.ctx, root.ID, "shipper")
	require.NoError(t, err)
	require.Len(t, res.Payouts, 1)
	p := res.Payouts[0]
	assert.Equal(t, payouts.StatusFailed, p.Status)
	assert.Equal(t, "account_invalid", p.FailureReason)
	assert.Equal(t, []string{p.ID}, f.notifier.failed)

	_, err = f.store.GetWalletByUser(f.ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound, "failed transfer must not touch the wallet")

	batch, err := f.svc.TransferPendingPayoutsForUser(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Transferred)
	require.Len(t, batch.Payouts, 1)
	assert.Equal(t, 2, batch.Payouts[0].Attempts)

	reqs := f.gw.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, p.ID+"-1", reqs[0].IdempotencyKey)
	assert.Equal(t, p.ID+"-2", reqs[1].IdempotencyKey)
	assert.Equal(t, p.ID, reqs[1].Metadata[gateway.MetaPayoutID])
}

func TestTransferPendingPayoutsForUser_LostResponseNeverPaysTwice(t *testing.T) {
	f := newFixture(t)
	root := f.award(t, "shipper", "u1", "500", "")
	f.link(t, "u1", true)
	f.gw.LoseNext(1)

	res, err := f.svc.CompleteContract(f.ctx, root.ID, "shipper")
	require.NoError(t, err)
	require.Len(t, res.Payouts, 1)
	p := res.Payouts[0]
	assert.Equal(t, payouts.StatusFailed, p.Status)
	assert.Equal(t, gateway.ReasonUnavailable, p.FailureReason)
	assert.True(t, p.OutcomeUnknown)
	assert.Equal(t, 1, f.gw.Transfers())

	batch, err := f.svc.TransferPendingPayoutsForUser(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Transferred)
	require.Len(t, batch.Payouts, 1)
	assert.Equal(t, 1, batch.Payouts[0].Attempts)
	assert.Equal(t, "tr_fake_1", batch.Payouts[0].TransferRef)

	assert.Equal(t, 1, f.gw.Transfers(), "retry must not create a second transfer")
	reqs := f.gw.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, p.ID+"-1", reqs[0].IdempotencyKey)
	assert.Equal(t, p.ID+"-1", reqs[1].IdempotencyKey)

	w, err := f.store.GetWalletByUser(f.ctx, "u1")
	require.NoError(t, err)
	txs, err := f.store.ListWalletTransactions(f.ctx, w.ID, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestTransferPayout_BreakerOpen(t *testing.T) {
	store := NewMemoryStore()
	fake := gateway.NewFake("")
	breaker := circuitbreaker.New(1, time.Hour)
	breaker.RecordFailure("transfers")
	svc := NewService(store, gateway.NewGuarded(fake, breaker))
	f := &fixture{ctx: context.Background(), store: store, gw: fake, svc: svc}

	root := f.award(t, "shipper", "u1", "10", "")
	f.link(t, "u1", true)

	res, err := svc.CompleteContract(f.ctx, root.ID, "shipper")
	require.NoError(t, err)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, payouts.StatusFailed, res.Payouts[0].Status)
	assert.Equal(t, gateway.ReasonUnavailable, res.Payouts[0].FailureReason)
	assert.Empty(t, fake.Requests())
}

func TestTransferPendingPayoutsForUser_StaleTransfer(t *testing.T) {
	f := newFixture(t)
	root := f.award(t, "shipper", "u1", "100", "")

	_, err := f.svc.CompleteContract(f.ctx, root.ID, "shipper")
	require.NoError(t, err)
	list, err := f.store.ListPayoutsByUser(f.ctx, "u1", nil, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	payoutID := list[0].ID

	// Simulate a crash between the gateway call and recording its answer.
	claimedAt := time.Now().Add(-time.Hour)
	err = f.store.WithTx(f.ctx, func(tx Tx) error {
		p, err := tx.GetPayoutForUpdate(f.ctx, payoutID)
		if err != nil {
			return err
		}
		if err := p.BeginTransfer(claimedAt, 0); err != nil {
			return err
		}
		return tx.UpdatePayout(f.ctx, p, payouts.StatusPending)
	})
	require.NoError(t, err)
	f.link(t, "u1", true)

	// Fresh enough: left alone.
	f.svc.WithStaleTransferAfter(2 * time.Hour)
	batch, err := f.svc.TransferPendingPayoutsForUser(f.ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, batch.Transferred)
	assert.Empty(t, f.gw.Requests())

	f.svc.WithStaleTransferAfter(10 * time.Minute)
	batch, err = f.svc.TransferPendingPayoutsForUser(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Transferred)

	reqs := f.gw.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, payoutID+"-1", reqs[0].IdempotencyKey)
}

func TestTransferPendingPayoutsForUser_NoLink(t *testing.T) {
	f := newFixture(t)
	root := f.award(t, "shipper", "u1", "100", "")
	_, err := f.svc.CompleteContract(f.ctx, root.ID, "shipper")
	require.NoError(t, err)

	batch, err := f.svc.TransferPendingPayoutsForUser(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Deferred)
	assert.Zero(t, batch.Transferred)
	assert.Empty(t, f.gw.Requests())
}

func TestTransferPayout_SkipsTransferred(t *testing.T) {
	f := newFixture(t)
	root := f.award(t, "shipper", "u1", "100", "")
	f.link(t, "u1", true)
	res, err := f.svc.CompleteContract(f.ctx, root.ID, "shipper")
	require.NoError(t, err)

	out, err := f.svc.TransferPayout(f.ctx, res.Payouts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out.Outcome)
	assert.Len(t, f.gw.Requests(), 1)

	_, err = f.svc.TransferPayout(f.ctx, "pay_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResell_Validation(t *testing.T) {
	f := newFixture(t)
	root := f.award(t, "shipper", "u1", "1000", "")
	child, sub, err := f.svc.Resell(f.ctx, root.ID, "u1", ResellRequest{HiredUserID: "u2", Amount: "600"})
	require.NoError(t, err)
	assert.Equal(t, "600.00", child.Amount)
	assert.Equal(t, root.ID, sub.RootContractID)
	assert.Equal(t, child.ID, sub.ContractID)
	assert.Equal(t, contracts.StatusPending, child.Status)

	_, _, err = f.svc.Resell(f.ctx, root.ID, "u1", ResellRequest{HiredUserID: "u3", Amount: "400.01"})
	assert.ErrorIs(t, err, contracts.ErrSplitExceeds)

	_, _, err = f.svc.Resell(f.ctx, root.ID, "u2", ResellRequest{HiredUserID: "u3", Amount: "10"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, _, err = f.svc.Resell(f.ctx, root.ID, "u1", ResellRequest{HiredUserID: "u1", Amount: "10"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = f.svc.Resell(f.ctx, child.ID, "u2", ResellRequest{HiredUserID: "u1", Amount: "10"})
	assert.ErrorIs(t, err, contracts.ErrCycle)

	_, _, err = f.svc.Resell(f.ctx, child.ID, "u2", ResellRequest{HiredUserID: "shipper", Amount: "10"})
	assert.ErrorIs(t, err, contracts.ErrCycle)

	_, _, err = f.svc.Resell(f.ctx, root.ID, "u1", ResellRequest{HiredUserID: "u3", Amount: "0"})
	assert.ErrorIs(t, err, contracts.ErrInvalidAmount)
}

func TestStart(t *testing.T) {
	f := newFixture(t)
	c, _, err := f.svc.Award(f.ctx, "shipper", AwardRequest{HiredUserID: "u1", Amount: "10"})
	require.NoError(t, err)

	_, err = f.svc.Start(f.ctx, c.ID, "u1")
	assert.ErrorIs(t, err, ErrForbidden)

	started, err := f.svc.Start(f.ctx, c.ID, "shipper")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusActive, started.Status)
	require.NotNil(t, started.StartedAt)

	again, err := f.svc.Start(f.ctx, c.ID, "shipper")
	require.NoError(t, err)
	assert.Equal(t, *started.StartedAt, *again.StartedAt)
}

func TestFundEscrow(t *testing.T) {
	f := newFixture(t)
	c, e, err := f.svc.Award(f.ctx, "shipper", AwardRequest{HiredUserID: "u1", Amount: "10", EscrowAmount: "12.50"})
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusPending, e.Status)

	_, err = f.svc.FundEscrow(f.ctx, c.JobID, "pi_1", "10.00")
	assert.ErrorIs(t, err, ErrFundingMismatch)

	held, err := f.svc.FundEscrow(f.ctx, c.JobID, "pi_1", "12.50")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, held.Status)

	again, err := f.svc.FundEscrow(f.ctx, c.JobID, "pi_1", "12.50")
	require.NoError(t, err)
	assert.Equal(t, held.HeldAt, again.HeldAt)

	_, err = f.svc.FundEscrow(f.ctx, "job_missing", "pi_2", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAward_Validation(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Award(f.ctx, "shipper", AwardRequest{HiredUserID: "u1", Amount: "-1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, _, err = f.svc.Award(f.ctx, "shipper", AwardRequest{HiredUserID: "u1", Amount: "10", EscrowAmount: "5"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, _, err = f.svc.Award(f.ctx, "shipper", AwardRequest{HiredUserID: "shipper", Amount: "10"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = f.svc.Award(f.ctx, "shipper", AwardRequest{JobID: "job_1", HiredUserID: "u1", Amount: "10"})
	require.NoError(t, err)
	_, _, err = f.svc.Award(f.ctx, "shipper", AwardRequest{JobID: "job_1", HiredUserID: "u2", Amount: "10"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestContractPayouts_Access(t *testing.T) {
	f := newFixture(t)
	root := f.award(t, "shipper", "u1", "100", "")
	_, err := f.svc.CompleteContract(f.ctx, root.ID, "shipper")
	require.NoError(t, err)

	list, err := f.svc.ContractPayouts(f.ctx, root.ID, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = f.svc.ContractPayouts(f.ctx, root.ID, "stranger")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.ContractPayouts(f.ctx, "ctr_missing", "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyAccountUpdate(t *testing.T) {
	f := newFixture(t)
	root := f.award(t, "shipper", "u1", "100", "")
	f.link(t, "u1", false)
	res, err := f.svc.CompleteContract(f.ctx, root.ID, "shipper")
	require.NoError(t, err)
	assert.Equal(t, payouts.StatusPending, res.Payouts[0].Status)

	link, err := f.svc.ApplyAccountUpdate(f.ctx, "acct_u1", true)
	require.NoError(t, err)
	assert.True(t, link.PayoutsEnabled)

	p, err := f.store.GetPayout(f.ctx, res.Payouts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, payouts.StatusTransferred, p.Status)

	_, err = f.svc.ApplyAccountUpdate(f.ctx, "acct_unknown", true)
	assert.ErrorIs(t, err, ErrNotFound)
}
