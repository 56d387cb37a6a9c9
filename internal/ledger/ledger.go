// Package ledger tracks user wallets on the platform.
//
// Flow:
//  1. A payout transfer succeeds → credit WalletTransaction created as processing
//  2. The payment network confirms → transaction processed, wallet credited
//  3. The payment network reports failure → transaction failed, balance untouched
//
// A wallet balance never moves without the WalletTransaction that explains it
// changing status in the same step.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/freightbay/freightbay/internal/money"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("wallet transaction not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAlreadyProcessed    = errors.New("wallet transaction already processed")
	ErrInvalidStatus       = errors.New("invalid wallet transaction status for this operation")
	ErrWalletMismatch      = errors.New("wallet transaction belongs to another wallet")
)

// TxType is what a wallet transaction does to the balance.
type TxType string

const (
	TxCredit     TxType = "credit"
	TxDebit      TxType = "debit"
	TxHold       TxType = "hold"
	TxRelease    TxType = "release"
	TxWithdrawal TxType = "withdrawal"
)

// TxStatus is the settlement state of a wallet transaction.
type TxStatus string

const (
	TxProcessing TxStatus = "processing" // Awaiting external confirmation
	TxProcessed  TxStatus = "processed"  // Applied to the balance
	TxFailed     TxStatus = "failed"     // Never applied
	TxCancelled  TxStatus = "cancelled"
)

// Wallet is a user's balance on the platform.
type Wallet struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	AvailableBalance string    `json:"availableBalance"`
	OnHold           string    `json:"onHold"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Transaction is a single movement against a wallet.
type Transaction struct {
	ID          string    `json:"id"`
	WalletID    string    `json:"walletId"`
	Type        TxType    `json:"type"`
	Amount      string    `json:"amount"`
	Status      TxStatus  `json:"status"`
	ExternalRef string    `json:"externalRef,omitempty"` // payment network transfer id
	PayoutID    string    `json:"payoutId,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewWallet returns an empty wallet for a user.
func NewWallet(id, userID string, now time.Time) *Wallet {
	return &Wallet{
		ID:               id,
		UserID:           userID,
		AvailableBalance: "0.00",
		OnHold:           "0.00",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// NewPayoutCredit builds the processing credit that records a transfer
// which the payment network has accepted but not yet confirmed.
func NewPayoutCredit(id, walletID, payoutID, amount, externalRef string, now time.Time) (*Transaction, error) {
	norm, err := money.Normalize(amount)
	if err != nil || !money.IsPositive(norm) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return &Transaction{
		ID:          id,
		WalletID:    walletID,
		Type:        TxCredit,
		Amount:      norm,
		Status:      TxProcessing,
		ExternalRef: externalRef,
		PayoutID:    payoutID,
		Description: "contract payout",
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Settle moves a processing credit to processed and adds its amount to the
// wallet. Both values are mutated in place and must be persisted together.
// A transaction that is already processed returns ErrAlreadyProcessed and
// leaves the wallet untouched.
func Settle(w *Wallet, tx *Transaction, now time.Time) (err error) {
	defer func() { recordTransition("settle", err == nil, err) }()

	if tx.WalletID != w.ID {
		return ErrWalletMismatch
	}
	switch tx.Status {
	case TxProcessing:
	case TxProcessed:
		return ErrAlreadyProcessed
	default:
		return fmt.Errorf("%w: cannot settle %s transaction", ErrInvalidStatus, tx.Status)
	}
	if tx.Type != TxCredit {
		return fmt.Errorf("%w: cannot settle %s transaction", ErrInvalidStatus, tx.Type)
	}

	amount, ok := money.Parse(tx.Amount)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, tx.Amount)
	}
	balance, ok := money.Parse(w.AvailableBalance)
	if !ok {
		return fmt.Errorf("%w: wallet %s balance %q", ErrInvalidAmount, w.ID, w.AvailableBalance)
	}

	w.AvailableBalance = money.Format(new(big.Int).Add(balance, amount))
	w.UpdatedAt = now
	tx.Status = TxProcessed
	tx.UpdatedAt = now
	return nil
}

// Fail marks a processing transaction as failed. The wallet is never touched.
// Failing an already failed transaction is a no-op.
func Fail(tx *Transaction, now time.Time) (changed bool, err error) {
	defer func() { recordTransition("fail", changed, err) }()

	switch tx.Status {
	case TxProcessing:
		tx.Status = TxFailed
		tx.UpdatedAt = now
		return true, nil
	case TxFailed:
		return false, nil
	default:
		return false, fmt.Errorf("%w: cannot fail %s transaction", ErrInvalidStatus, tx.Status)
	}
}
