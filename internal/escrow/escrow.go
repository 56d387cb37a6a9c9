// Package escrow models the funds a shipper locks against a job.
//
// Flow:
//  1. Job accepted → escrow row created as pending
//  2. Payment network confirms the charge → held
//  3. Root contract completed → released into contract payouts
package escrow

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrInvalidStatus   = errors.New("invalid escrow status for this operation")
	ErrAlreadyReleased = errors.New("escrow already released")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending  Status = "pending"  // Created, funding not yet confirmed
	StatusHeld     Status = "held"     // Funds captured and locked
	StatusReleased Status = "released" // Paid out on completion
)

// Escrow is the amount held for a single job.
type Escrow struct {
	ID         string     `json:"id"`
	JobID      string     `json:"jobId"`
	Amount     string     `json:"amount"`
	Status     Status     `json:"status"`
	FundingRef string     `json:"fundingRef,omitempty"`
	HeldAt     *time.Time `json:"heldAt,omitempty"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow can no longer change.
func (e *Escrow) IsTerminal() bool {
	return e.Status == StatusReleased
}

// Hold marks funding as confirmed. Holding an already held escrow with the
// same reference is a no-op, so duplicate funding events are harmless.
func (e *Escrow) Hold(fundingRef string, at time.Time) (changed bool, err error) {
	switch e.Status {
	case StatusPending:
		e.Status = StatusHeld
		e.FundingRef = fundingRef
		e.HeldAt = &at
		e.UpdatedAt = at
		return true, nil
	case StatusHeld:
		return false, nil
	default:
		return false, fmt.Errorf("%w: cannot hold %s escrow", ErrInvalidStatus, e.Status)
	}
}

// Release hands the held funds over to settlement. An escrow is released
// at most once.
func (e *Escrow) Release(at time.Time) error {
	switch e.Status {
	case StatusHeld:
		e.Status = StatusReleased
		e.ReleasedAt = &at
		e.UpdatedAt = at
		return nil
	case StatusReleased:
		return ErrAlreadyReleased
	default:
		return fmt.Errorf("%w: cannot release %s escrow", ErrInvalidStatus, e.Status)
	}
}
