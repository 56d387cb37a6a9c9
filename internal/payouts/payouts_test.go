package payouts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginTransfer_FromPending(t *testing.T) {
	now := time.Now()
	p := &Payout{ID: "pay_1", Status: StatusPending}

	require.NoError(t, p.BeginTransfer(now, time.Minute))
	assert.Equal(t, StatusTransferring, p.Status)
	assert.Equal(t, 1, p.Attempts)
	assert.Equal(t, "pay_1-1", p.IdempotencyKey())

	// A fresh in-flight attempt cannot be claimed again.
	err := p.BeginTransfer(now.Add(time.Second), time.Minute)
	assert.ErrorIs(t, err, ErrNotTransferable)
	assert.Equal(t, 1, p.Attempts)
}

func TestBeginTransfer_StaleTransferring(t *testing.T) {
	then := time.Now().Add(-time.Hour)
	p := &Payout{ID: "pay_1", Status: StatusTransferring, Attempts: 1, LastAttemptAt: &then}

	require.NoError(t, p.BeginTransfer(time.Now(), 10*time.Minute))
	assert.Equal(t, StatusTransferring, p.Status)
	assert.Equal(t, 1, p.Attempts)
	assert.Equal(t, "pay_1-1", p.IdempotencyKey(), "stale retry must reuse the unrecorded attempt's key")
}

func TestBeginTransfer_AfterFailure(t *testing.T) {
	p := &Payout{ID: "pay_1", Status: StatusFailed, Attempts: 1, FailureReason: "account_invalid"}

	require.NoError(t, p.BeginTransfer(time.Now(), time.Minute))
	assert.Empty(t, p.FailureReason)
	assert.Equal(t, 2, p.Attempts)
	assert.Equal(t, "pay_1-2", p.IdempotencyKey())
}

func TestBeginTransfer_AfterUnknownOutcome(t *testing.T) {
	now := time.Now()
	p := &Payout{ID: "pay_1", Status: StatusPending}
	require.NoError(t, p.BeginTransfer(now, time.Minute))

	require.NoError(t, p.MarkOutcomeUnknown("gateway_unavailable", now))
	assert.Equal(t, StatusFailed, p.Status)
	assert.True(t, p.OutcomeUnknown)

	require.NoError(t, p.BeginTransfer(now, time.Minute))
	assert.Equal(t, 1, p.Attempts)
	assert.Equal(t, "pay_1-1", p.IdempotencyKey(), "retry must reuse the key of the call that may have succeeded")
	assert.False(t, p.OutcomeUnknown)

	// A definite rejection of the resumed attempt moves on to a new key.
	changed, err := p.MarkFailed("account_invalid", now)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, p.BeginTransfer(now, time.Minute))
	assert.Equal(t, "pay_1-2", p.IdempotencyKey())
}

func TestMarkOutcomeUnknown_OnlyFromTransferring(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusTransferred, StatusFailed} {
		err := (&Payout{Status: from}).MarkOutcomeUnknown("gateway_unavailable", time.Now())
		assert.ErrorIs(t, err, ErrInvalidTransition, string(from))
	}
}

func TestBeginTransfer_Transferred(t *testing.T) {
	p := &Payout{Status: StatusTransferred}
	assert.ErrorIs(t, p.BeginTransfer(time.Now(), 0), ErrNotTransferable)
}

func TestMarkTransferred(t *testing.T) {
	now := time.Now()
	p := &Payout{Status: StatusTransferring}

	require.NoError(t, p.MarkTransferred("tr_1", "wtx_1", now))
	assert.Equal(t, StatusTransferred, p.Status)
	assert.Equal(t, "tr_1", p.TransferRef)
	assert.Equal(t, "wtx_1", p.WalletTransactionID)
	require.NotNil(t, p.TransferredAt)

	assert.ErrorIs(t, (&Payout{Status: StatusPending}).MarkTransferred("tr", "w", now), ErrInvalidTransition)
}

func TestAdopt(t *testing.T) {
	now := time.Now()
	for _, from := range []Status{StatusTransferring, StatusFailed} {
		p := &Payout{Status: from, FailureReason: "gateway_unavailable", OutcomeUnknown: from == StatusFailed}
		require.NoError(t, p.Adopt("tr_9", "wtx_9", now))
		assert.Equal(t, StatusTransferred, p.Status)
		assert.Equal(t, "tr_9", p.TransferRef)
		assert.Empty(t, p.FailureReason)
		assert.False(t, p.OutcomeUnknown)
	}

	for _, from := range []Status{StatusPending, StatusTransferred} {
		assert.ErrorIs(t, (&Payout{Status: from}).Adopt("tr", "w", now), ErrInvalidTransition)
	}
}

func TestMarkFailed(t *testing.T) {
	p := &Payout{Status: StatusTransferred}

	changed, err := p.MarkFailed("account_closed", time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "account_closed", p.FailureReason)

	changed, err = p.MarkFailed("again", time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "account_closed", p.FailureReason)

	_, err = (&Payout{Status: StatusPending}).MarkFailed("x", time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// A later rejection settles an unknown outcome.
	p = &Payout{Status: StatusFailed, FailureReason: "gateway_unavailable", OutcomeUnknown: true}
	changed, err = p.MarkFailed("transfer_failed", time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, p.OutcomeUnknown)
	assert.Equal(t, "transfer_failed", p.FailureReason)
}

func TestAccountLink_CanReceive(t *testing.T) {
	var nilLink *AccountLink
	assert.False(t, nilLink.CanReceive())
	assert.False(t, (&AccountLink{AccountRef: "acct_1", Active: true}).CanReceive())
	assert.False(t, (&AccountLink{AccountRef: "acct_1", PayoutsEnabled: true}).CanReceive())
	assert.True(t, (&AccountLink{AccountRef: "acct_1", Active: true, PayoutsEnabled: true}).CanReceive())
}
