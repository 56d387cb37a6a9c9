// Package webhooks delivers payout notifications to URLs registered by users.
//
// A user subscribes a URL to one or more event types:
//   - payout.transferred: the payment network accepted a transfer
//   - payout.credited: the transfer was confirmed and the wallet credited
//   - payout.failed: a transfer attempt or confirmation failed
//
// Deliveries are signed with the subscription secret and sent
// asynchronously. A subscription that keeps failing is deactivated.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/freightbay/freightbay/internal/retry"
	"github.com/freightbay/freightbay/internal/security"
)

var (
	ErrSubscriptionNotFound = errors.New("webhook subscription not found")
	ErrInvalidEvent         = errors.New("unknown webhook event type")
)

// EventType represents the type of webhook event
type EventType string

const (
	EventPayoutTransferred EventType = "payout.transferred"
	EventPayoutCredited    EventType = "payout.credited"
	EventPayoutFailed      EventType = "payout.failed"
)

// AllEvents lists every event type a subscription may ask for.
var AllEvents = []EventType{EventPayoutTransferred, EventPayoutCredited, EventPayoutFailed}

// ParseEvents validates raw event names. An empty list subscribes to all.
func ParseEvents(raw []string) ([]EventType, error) {
	if len(raw) == 0 {
		return slices.Clone(AllEvents), nil
	}
	out := make([]EventType, 0, len(raw))
	for _, r := range raw {
		et := EventType(r)
		if !slices.Contains(AllEvents, et) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, r)
		}
		if !slices.Contains(out, et) {
			out = append(out, et)
		}
	}
	return out, nil
}

// Headers set on every delivery.
const (
	HeaderEvent     = "X-Freightbay-Event"
	HeaderDelivery  = "X-Freightbay-Delivery"
	HeaderTimestamp = "X-Freightbay-Timestamp"
	HeaderSignature = "X-Freightbay-Signature"
)

// Event represents a webhook event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"userId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription should receive the event type.
func (s *Subscription) Wants(et EventType) bool {
	return s.Active && slices.Contains(s.Events, et)
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	// Delete removes a subscription owned by userID.
	Delete(ctx context.Context, id, userID string) error

	// RecordSuccess clears the failure streak.
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure extends the failure streak and deactivates the
	// subscription once it reaches disableAfter. Returns whether the
	// subscription is still active.
	RecordFailure(ctx context.Context, id, msg string, disableAfter int) (bool, error)
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<payload>".
func Sign(secret string, timestamp int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret string, timestamp int64, payload []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(Sign(secret, timestamp, payload))
	return hmac.Equal(got, want)
}

const (
	defaultMaxAttempts  = 3
	defaultBaseDelay    = 500 * time.Millisecond
	maxRetryDelay       = 5 * time.Second
	defaultDisableAfter = 10
	sendTimeout         = 30 * time.Second
)

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	logger       *slog.Logger
	checkURL     func(string) error
	maxAttempts  int
	baseDelay    time.Duration
	disableAfter int
	now          func() time.Time
	wg           sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:       logger,
		checkURL:     security.ValidateEndpointURL,
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		disableAfter: defaultDisableAfter,
		now:          time.Now,
	}
}

// WithRetry sets the per-delivery attempt budget and initial backoff.
func (d *Dispatcher) WithRetry(maxAttempts int, baseDelay time.Duration) *Dispatcher {
	d.maxAttempts = maxAttempts
	d.baseDelay = baseDelay
	return d
}

// WithDisableAfter sets how many failed deliveries in a row deactivate a
// subscription.
func (d *Dispatcher) WithDisableAfter(n int) *Dispatcher {
	d.disableAfter = n
	return d
}

// WithURLCheck replaces the endpoint check run before every delivery.
func (d *Dispatcher) WithURLCheck(fn func(string) error) *Dispatcher {
	d.checkURL = fn
	return d
}

// WithHTTPClient replaces the HTTP client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// DispatchToUser sends an event to every active subscription of userID
// that asked for its type. Deliveries run in the background.
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, event *Event) (int, error) {
	subs, err := d.store.ListByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to get subscriptions: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	sent := 0
	for _, sub := range subs {
		if !sub.Wants(event.Type) {
			continue
		}
		sent++
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()
			d.deliver(sendCtx, sub, event, payload)
		}(sub)
	}
	return sent, nil
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) {
	start := time.Now()
	policy := retry.Policy{Attempts: d.maxAttempts, BaseDelay: d.baseDelay, MaxDelay: maxRetryDelay}
	err := policy.Do(ctx, func(int) error {
		return d.send(ctx, sub, event, payload)
	})
	deliveryDuration.Observe(time.Since(start).Seconds())

	log := d.logger.With("webhookId", sub.ID, "event", string(event.Type), "deliveryId", event.ID)
	if err == nil {
		deliveriesTotal.WithLabelValues("delivered").Inc()
		if rerr := d.store.RecordSuccess(ctx, sub.ID, d.now()); rerr != nil {
			log.Warn("webhook success not recorded", "error", rerr)
		}
		return
	}

	deliveriesTotal.WithLabelValues("failed").Inc()
	active, rerr := d.store.RecordFailure(ctx, sub.ID, truncate(err.Error(), 500), d.disableAfter)
	if rerr != nil {
		log.Warn("webhook failure not recorded", "error", rerr)
		return
	}
	if !active {
		subscriptionsDisabled.Inc()
		log.Warn("webhook subscription disabled after repeated failures", "error", err)
		return
	}
	log.Info("webhook delivery failed", "error", err)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	// Resolved addresses can change between subscription and delivery.
	if err := d.checkURL(sub.URL); err != nil {
		return retry.Permanent(fmt.Errorf("endpoint rejected: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	ts := d.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func clone(s *Subscription) *Subscription {
	c := *s
	c.Events = slices.Clone(s.Events)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return clone(sub), nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			result = append(result, clone(sub))
		}
	}
	slices.SortFunc(result, func(a, b *Subscription) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) Delete(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.UserID != userID {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) RecordSuccess(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.LastSuccess = &at
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	return nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, id, msg string, disableAfter int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return false, ErrSubscriptionNotFound
	}
	sub.LastError = msg
	sub.ConsecutiveFailures++
	if disableAfter > 0 && sub.ConsecutiveFailures >= disableAfter {
		sub.Active = false
	}
	return sub.Active, nil
}

var _ Store = (*MemoryStore)(nil)
