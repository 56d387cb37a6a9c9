// Package payouts models the money owed to a participant once a contract
// hierarchy is settled, and the link to the external account it is paid to.
package payouts

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPayoutNotFound    = errors.New("payout not found")
	ErrNotTransferable   = errors.New("payout is not in a transferable state")
	ErrInvalidTransition = errors.New("invalid payout status transition")
	ErrLinkNotFound      = errors.New("payout account link not found")
)

// Type distinguishes earnings from escrow refunds.
type Type string

const (
	TypeEarning Type = "earning"
	TypeRefund  Type = "refund"
)

// Status is the transfer state of a payout.
type Status string

const (
	StatusPending      Status = "pending"      // Owed, no transfer attempted
	StatusTransferring Status = "transferring" // Gateway call in flight
	StatusTransferred  Status = "transferred"  // Accepted by the payment network
	StatusFailed       Status = "failed"       // Last attempt failed; retryable
)

// Payout is one amount owed to one user for one contract.
type Payout struct {
	ID                  string     `json:"id"`
	ContractID          string     `json:"contractId"`
	UserID              string     `json:"userId"`
	Type                Type       `json:"type"`
	Amount              string     `json:"amount"`
	Status              Status     `json:"status"`
	TransferRef         string     `json:"transferRef,omitempty"`
	WalletTransactionID string     `json:"walletTransactionId,omitempty"`
	FailureReason       string     `json:"failureReason,omitempty"`
	OutcomeUnknown      bool       `json:"outcomeUnknown,omitempty"` // last attempt may have reached the network
	Attempts            int        `json:"attempts"`
	LastAttemptAt       *time.Time `json:"lastAttemptAt,omitempty"`
	TransferredAt       *time.Time `json:"transferredAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Transferable reports whether a new transfer attempt may start. A payout
// stuck in transferring for longer than staleAfter is considered abandoned.
func (p *Payout) Transferable(now time.Time, staleAfter time.Duration) bool {
	switch p.Status {
	case StatusPending, StatusFailed:
		return true
	case StatusTransferring:
		return p.LastAttemptAt == nil || now.Sub(*p.LastAttemptAt) >= staleAfter
	}
	return false
}

// BeginTransfer claims the payout for a transfer attempt. Reclaiming a stale
// transferring payout, or one whose last attempt ended without a definite
// answer, keeps the attempt number so the retry reuses the idempotency key
// of the call that may already have moved money.
func (p *Payout) BeginTransfer(now time.Time, staleAfter time.Duration) error {
	if !p.Transferable(now, staleAfter) {
		return fmt.Errorf("%w: %s", ErrNotTransferable, p.Status)
	}
	if !p.resumesAttempt() {
		p.Attempts++
	}
	p.Status = StatusTransferring
	p.LastAttemptAt = &now
	p.FailureReason = ""
	p.OutcomeUnknown = false
	p.UpdatedAt = now
	return nil
}

func (p *Payout) resumesAttempt() bool {
	if p.Attempts == 0 {
		return false
	}
	return p.Status == StatusTransferring || (p.Status == StatusFailed && p.OutcomeUnknown)
}

// IdempotencyKey identifies the current attempt to the payment network.
// Retrying the same attempt reuses the key; a new attempt gets a new one.
func (p *Payout) IdempotencyKey() string {
	return fmt.Sprintf("%s-%d", p.ID, p.Attempts)
}

// MarkTransferred records the network's acceptance of the current attempt.
func (p *Payout) MarkTransferred(ref, walletTxID string, now time.Time) error {
	if p.Status != StatusTransferring {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusTransferred)
	}
	p.Status = StatusTransferred
	p.TransferRef = ref
	p.WalletTransactionID = walletTxID
	p.TransferredAt = &now
	p.UpdatedAt = now
	return nil
}

// Adopt records a transfer the network confirmed but no attempt recorded:
// the payout is either stuck transferring or was marked failed after an
// ambiguous gateway error.
func (p *Payout) Adopt(ref, walletTxID string, now time.Time) error {
	switch p.Status {
	case StatusTransferring, StatusFailed:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusTransferred)
	}
	p.Status = StatusTransferring
	p.FailureReason = ""
	p.OutcomeUnknown = false
	return p.MarkTransferred(ref, walletTxID, now)
}

// MarkFailed records a definite rejection: an attempt the network refused
// or a transfer it later reversed. The next attempt uses a new idempotency
// key. Failing an already failed payout is a no-op unless it settles an
// unknown outcome.
func (p *Payout) MarkFailed(reason string, now time.Time) (changed bool, err error) {
	switch p.Status {
	case StatusTransferring, StatusTransferred:
		p.Status = StatusFailed
		p.FailureReason = reason
		p.OutcomeUnknown = false
		p.UpdatedAt = now
		return true, nil
	case StatusFailed:
		if !p.OutcomeUnknown {
			return false, nil
		}
		p.FailureReason = reason
		p.OutcomeUnknown = false
		p.UpdatedAt = now
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusFailed)
	}
}

// MarkOutcomeUnknown records an attempt that ended without a definite
// answer, such as a timeout or a lost response. The network may still have
// made the transfer, so the next attempt resumes this one.
func (p *Payout) MarkOutcomeUnknown(reason string, now time.Time) error {
	if p.Status != StatusTransferring {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusFailed)
	}
	p.Status = StatusFailed
	p.FailureReason = reason
	p.OutcomeUnknown = true
	p.UpdatedAt = now
	return nil
}

// AccountLink connects a user to their account on the payment network.
type AccountLink struct {
	UserID         string    `json:"userId"`
	AccountRef     string    `json:"accountRef"`
	Active         bool      `json:"active"`
	PayoutsEnabled bool      `json:"payoutsEnabled"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// CanReceive reports whether transfers to this link can be attempted now.
func (l *AccountLink) CanReceive() bool {
	return l != nil && l.Active && l.PayoutsEnabled && l.AccountRef != ""
}
