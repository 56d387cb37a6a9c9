package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPayoutCredit(t *testing.T) {
	tx, err := NewPayoutCredit("wtx_1", "wal_1", "pay_1", "700", "tr_1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, TxCredit, tx.Type)
	assert.Equal(t, TxProcessing, tx.Status)
	assert.Equal(t, "700.00", tx.Amount)
	assert.Equal(t, "pay_1", tx.PayoutID)

	_, err = NewPayoutCredit("wtx_2", "wal_1", "pay_1", "0", "tr_1", time.Now())
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSettle_CreditsOnce(t *testing.T) {
	now := time.Now()
	w := NewWallet("wal_1", "u1", now)
	w.AvailableBalance = "10.50"
	tx, err := NewPayoutCredit("wtx_1", "wal_1", "pay_1", "700.00", "tr_1", now)
	require.NoError(t, err)

	require.NoError(t, Settle(w, tx, now))
	assert.Equal(t, "710.50", w.AvailableBalance)
	assert.Equal(t, TxProcessed, tx.Status)

	// Redelivered confirmation.
	err = Settle(w, tx, now)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, "710.50", w.AvailableBalance)
}

func TestSettle_RejectsFailed(t *testing.T) {
	w := NewWallet("wal_1", "u1", time.Now())
	tx := &Transaction{ID: "wtx_1", WalletID: "wal_1", Type: TxCredit, Amount: "5.00", Status: TxFailed}

	assert.ErrorIs(t, Settle(w, tx, time.Now()), ErrInvalidStatus)
	assert.Equal(t, "0.00", w.AvailableBalance)
}

func TestSettle_WrongWallet(t *testing.T) {
	w := NewWallet("wal_1", "u1", time.Now())
	tx := &Transaction{ID: "wtx_1", WalletID: "wal_2", Type: TxCredit, Amount: "5.00", Status: TxProcessing}

	assert.ErrorIs(t, Settle(w, tx, time.Now()), ErrWalletMismatch)
}

func TestFail(t *testing.T) {
	tx := &Transaction{Status: TxProcessing}

	changed, err := Fail(tx, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, TxFailed, tx.Status)

	changed, err = Fail(tx, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = Fail(&Transaction{Status: TxProcessed}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
