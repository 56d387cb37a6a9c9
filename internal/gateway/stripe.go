package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/freightbay/freightbay/internal/money"
)

// StripeConfig holds Stripe Connect credentials and onboarding URLs.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	RefreshURL    string
	ReturnURL     string
}

// StripeGateway implements Gateway on Stripe Connect transfers to Express
// accounts.
type StripeGateway struct {
	sc  *client.API
	cfg StripeConfig
}

// NewStripeGateway creates a gateway using the given secret key.
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	if cfg.Currency == "" {
		cfg.Currency = string(stripe.CurrencyUSD)
	}
	sc := &client.API{}
	sc.Init(cfg.SecretKey, nil)
	return &StripeGateway{sc: sc, cfg: cfg}
}

// Transfer creates a Stripe transfer from the platform balance to the
// destination connected account.
func (g *StripeGateway) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	cents, err := money.MinorUnits(req.Amount)
	if err != nil || cents <= 0 {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidRequest, req.Amount)
	}
	currency := req.Currency
	if currency == "" {
		currency = g.cfg.Currency
	}

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(cents),
		Currency:    stripe.String(strings.ToLower(currency)),
		Destination: stripe.String(req.Destination),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	t, err := g.sc.Transfers.New(params)
	if err != nil {
		return nil, classify(err)
	}
	return &TransferResult{Ref: t.ID}, nil
}

// GetOrCreateAccountLink returns an onboarding link for the user's Express
// account, creating the account when existingRef is empty.
func (g *StripeGateway) GetOrCreateAccountLink(ctx context.Context, userID, existingRef string) (*AccountLink, error) {
	var acct *stripe.Account
	var err error

	if existingRef != "" {
		params := &stripe.AccountParams{}
		params.Context = ctx
		acct, err = g.sc.Accounts.GetByID(existingRef, params)
	} else {
		params := &stripe.AccountParams{
			Type: stripe.String(string(stripe.AccountTypeExpress)),
			Capabilities: &stripe.AccountCapabilitiesParams{
				Transfers: &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
			},
		}
		params.Context = ctx
		params.SetIdempotencyKey("acct-" + userID)
		params.AddMetadata(MetaUserID, userID)
		acct, err = g.sc.Accounts.New(params)
	}
	if err != nil {
		return nil, classify(err)
	}

	link := &AccountLink{AccountRef: acct.ID, PayoutsEnabled: acct.PayoutsEnabled}
	if acct.PayoutsEnabled {
		return link, nil
	}

	lp := &stripe.AccountLinkParams{
		Account:    stripe.String(acct.ID),
		RefreshURL: stripe.String(g.cfg.RefreshURL),
		ReturnURL:  stripe.String(g.cfg.ReturnURL),
		Type:       stripe.String("account_onboarding"),
	}
	lp.Context = ctx
	al, err := g.sc.AccountLinks.New(lp)
	if err != nil {
		return nil, classify(err)
	}
	link.OnboardingURL = al.URL
	return link, nil
}

// ParseEvent verifies the Stripe-Signature header and normalizes the event.
func (g *StripeGateway) ParseEvent(payload []byte, signature string) (*Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, g.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return normalize(evt)
}

// normalize maps Stripe event types onto EventKind. Types the settlement
// engine does not act on come back as EventIgnored rather than an error.
func normalize(evt stripe.Event) (*Event, error) {
	out := &Event{ID: evt.ID, RawType: string(evt.Type), Kind: EventIgnored}
	if evt.Data == nil {
		return out, nil
	}

	switch evt.Type {
	case "transfer.created", "transfer.paid", "transfer.reversed", "transfer.failed":
		var t stripe.Transfer
		if err := json.Unmarshal(evt.Data.Raw, &t); err != nil {
			return nil, fmt.Errorf("decode transfer: %w", err)
		}
		out.TransferRef = t.ID
		out.Metadata = t.Metadata
		out.Amount = money.Format(big.NewInt(t.Amount))
		switch {
		case evt.Type == "transfer.failed":
			out.Kind = EventTransferFailed
			out.FailureReason = "transfer_failed"
		case evt.Type == "transfer.reversed" || t.Reversed:
			out.Kind = EventTransferFailed
			out.FailureReason = "transfer_reversed"
		default:
			out.Kind = EventTransferSucceeded
		}

	case "payout.paid", "payout.failed":
		var p stripe.Payout
		if err := json.Unmarshal(evt.Data.Raw, &p); err != nil {
			return nil, fmt.Errorf("decode payout: %w", err)
		}
		out.TransferRef = p.ID
		out.Metadata = p.Metadata
		out.AccountRef = evt.Account
		out.Amount = money.Format(big.NewInt(p.Amount))
		if evt.Type == "payout.paid" {
			out.Kind = EventPayoutPaid
		} else {
			out.Kind = EventPayoutFailed
			out.FailureReason = string(p.FailureCode)
		}

	case "account.updated":
		var a stripe.Account
		if err := json.Unmarshal(evt.Data.Raw, &a); err != nil {
			return nil, fmt.Errorf("decode account: %w", err)
		}
		out.Kind = EventAccountUpdated
		out.AccountRef = a.ID
		out.PayoutsEnabled = a.PayoutsEnabled
		out.Metadata = a.Metadata

	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.FundingRef = pi.ID
		out.Metadata = pi.Metadata
		out.Amount = money.Format(big.NewInt(pi.Amount))
		if jobID := pi.Metadata[MetaJobID]; jobID != "" {
			out.Kind = EventFundingSucceeded
			out.JobID = jobID
		}
	}
	return out, nil
}

// classify converts a Stripe client error into a TransferError, or
// ErrUnavailable when Stripe could not be reached or answered 5xx/429.
func classify(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if se.HTTPStatusCode >= http.StatusInternalServerError || se.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	code := string(se.Code)
	if code == "" {
		code = string(se.Type)
	}
	return &TransferError{
		Code:      code,
		Permanent: se.Code != stripe.ErrorCodeBalanceInsufficient,
		Err:       err,
	}
}
