// Package gateway moves money to participants' accounts on the external
// payment network and turns its asynchronous notifications into events the
// reconciler understands.
//
// The payment network is a capability behind the Gateway interface:
// StripeGateway talks to Stripe Connect, Fake is a deterministic in-process
// double, and Guarded wraps either one in a circuit breaker.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnavailable      = errors.New("payment gateway unavailable")
	ErrInvalidRequest   = errors.New("invalid transfer request")
)

// Failure reasons recorded on payouts when the cause is not a network
// error code.
const (
	ReasonUnavailable = "gateway_unavailable"
	ReasonUnknown     = "transfer_error"
)

// Metadata keys attached to every transfer so confirmations can be matched
// back to the payout even before its transfer reference is stored.
const (
	MetaContractID = "contract_id"
	MetaPayoutID   = "payout_id"
	MetaUserID     = "user_id"
	MetaJobID      = "job_id"
)

// TransferRequest asks the network to move Amount to Destination.
type TransferRequest struct {
	Destination    string            // connected account reference
	Amount         string            // decimal string, 2 fractional digits
	Currency       string            // ISO code, lower case
	IdempotencyKey string            // same key, same transfer
	Metadata       map[string]string // MetaContractID, MetaPayoutID, MetaUserID
}

// TransferResult is the network's acceptance of a transfer.
type TransferResult struct {
	Ref string `json:"ref"`
}

// AccountLink is a participant's account on the network plus the URL they
// must visit to finish onboarding.
type AccountLink struct {
	AccountRef     string `json:"accountRef"`
	OnboardingURL  string `json:"onboardingUrl,omitempty"`
	PayoutsEnabled bool   `json:"payoutsEnabled"`
}

// EventKind is the normalized type of an inbound notification.
type EventKind string

const (
	EventTransferSucceeded EventKind = "transfer.succeeded"
	EventTransferFailed    EventKind = "transfer.failed"
	EventPayoutPaid        EventKind = "payout.paid"
	EventPayoutFailed      EventKind = "payout.failed"
	EventAccountUpdated    EventKind = "account.updated"
	EventFundingSucceeded  EventKind = "funding.succeeded"
	EventIgnored           EventKind = "ignored"
)

// Event is a verified, normalized notification from the network.
type Event struct {
	ID            string            `json:"id"`
	Kind          EventKind         `json:"kind"`
	RawType       string            `json:"rawType"`
	TransferRef   string            `json:"transferRef,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	// account.updated
	AccountRef     string `json:"accountRef,omitempty"`
	PayoutsEnabled bool   `json:"payoutsEnabled,omitempty"`

	// funding.succeeded
	FundingRef string `json:"fundingRef,omitempty"`
	JobID      string `json:"jobId,omitempty"`
	Amount     string `json:"amount,omitempty"`
}

// Gateway is the external transfer capability.
type Gateway interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	GetOrCreateAccountLink(ctx context.Context, userID, existingRef string) (*AccountLink, error)
	ParseEvent(payload []byte, signature string) (*Event, error)
}

// TransferError is a rejection reported by the payment network.
type TransferError struct {
	Code      string // network error code, e.g. "balance_insufficient"
	Permanent bool   // retrying the same request cannot succeed
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer rejected (%s): %v", e.Code, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// FailureReason maps a transfer error to the reason stored on the payout.
func FailureReason(err error) string {
	var te *TransferError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnavailable):
		return ReasonUnavailable
	case errors.As(err, &te) && te.Code != "":
		return te.Code
	default:
		return ReasonUnknown
	}
}

// OutcomeUnknown reports whether a failed transfer call may still have
// moved money. Only a rejection the network answered with, or a request
// refused before it was sent, is definite.
func OutcomeUnknown(err error) bool {
	var te *TransferError
	switch {
	case err == nil:
		return false
	case errors.As(err, &te), errors.Is(err, ErrInvalidRequest):
		return false
	default:
		return true
	}
}

// IsPermanent reports whether err will recur on retry.
func IsPermanent(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Permanent
}

func validate(req TransferRequest) error {
	if req.Destination == "" {
		return fmt.Errorf("%w: missing destination", ErrInvalidRequest)
	}
	if req.IdempotencyKey == "" {
		return fmt.Errorf("%w: missing idempotency key", ErrInvalidRequest)
	}
	return nil
}
