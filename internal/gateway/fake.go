package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// Fake is a deterministic in-process Gateway for tests and development.
// Transfers with the same idempotency key return the same reference.
type Fake struct {
	mu        sync.Mutex
	secret    string
	seq       int
	byKey     map[string]*TransferResult
	requests  []TransferRequest
	links     map[string]*AccountLink
	failErr   error
	failTimes int
	loseTimes int

	// EnableOnCreate makes new accounts payouts-enabled immediately.
	EnableOnCreate bool
}

// NewFake creates a fake gateway. Events must be signed with secret when it
// is non-empty.
func NewFake(secret string) *Fake {
	return &Fake{
		secret: secret,
		byKey:  make(map[string]*TransferResult),
		links:  make(map[string]*AccountLink),
	}
}

// FailNext makes the next n transfers fail with err.
func (f *Fake) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTimes = n
	f.failErr = err
}

// LoseNext makes the next n transfers go through on the network while the
// caller sees ErrUnavailable, as when the response is lost in transit.
func (f *Fake) LoseNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loseTimes = n
}

// Transfers returns how many distinct transfers the network has made.
func (f *Fake) Transfers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byKey)
}

// Requests returns every transfer request received, including failed ones.
func (f *Fake) Requests() []TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TransferRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *Fake) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.failTimes > 0 {
		f.failTimes--
		return nil, f.failErr
	}
	if res, ok := f.byKey[req.IdempotencyKey]; ok {
		cp := *res
		return &cp, nil
	}
	f.seq++
	res := &TransferResult{Ref: fmt.Sprintf("tr_fake_%d", f.seq)}
	f.byKey[req.IdempotencyKey] = res
	if f.loseTimes > 0 {
		f.loseTimes--
		return nil, fmt.Errorf("%w: response lost", ErrUnavailable)
	}
	cp := *res
	return &cp, nil
}

func (f *Fake) GetOrCreateAccountLink(_ context.Context, userID, existingRef string) (*AccountLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ref := existingRef
	if ref == "" {
		ref = "acct_fake_" + userID
	}
	link, ok := f.links[ref]
	if !ok {
		link = &AccountLink{AccountRef: ref, PayoutsEnabled: f.EnableOnCreate}
		f.links[ref] = link
	}
	cp := *link
	if !cp.PayoutsEnabled {
		cp.OnboardingURL = "https://connect.example.test/onboard/" + ref
	}
	return &cp, nil
}

// ParseEvent decodes a JSON-encoded Event. The signature is the hex
// HMAC-SHA256 of the payload under the fake's secret.
func (f *Fake) ParseEvent(payload []byte, signature string) (*Event, error) {
	if f.secret != "" && !hmac.Equal([]byte(signature), []byte(f.Sign(payload))) {
		return nil, ErrInvalidSignature
	}
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if evt.Kind == "" {
		evt.Kind = EventIgnored
	}
	return &evt, nil
}

// Sign returns the signature ParseEvent expects for payload.
func (f *Fake) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(f.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
