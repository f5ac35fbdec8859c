package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmehra2102/payment-core/internal/payment/domain"
	"github.com/dmehra2102/payment-core/pkg/circuitbreaker"
	"github.com/dmehra2102/payment-core/pkg/metrics"
	"github.com/dmehra2102/payment-core/pkg/outbox"
	"github.com/dmehra2102/payment-core/pkg/ratelimit"
	"github.com/dmehra2102/payment-core/pkg/signature"
)

const testSecret = "whsec_test"

type memPayments struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	rows    map[string]domain.PaymentTransaction
	outbox  []outbox.Entry
	retries []domain.RetryAttempt

	// beforeApply runs once, just before the next conditional write is checked.
	beforeApply func(rows map[string]domain.PaymentTransaction)
}

func newMemPayments(clock clockwork.Clock) *memPayments {
	return &memPayments{clock: clock, rows: make(map[string]domain.PaymentTransaction)}
}

func (m *memPayments) put(p domain.PaymentTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.ID] = p
}

func (m *memPayments) row(id string) domain.PaymentTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

func (m *memPayments) entries() []outbox.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]outbox.Entry(nil), m.outbox...)
}

func (m *memPayments) Get(_ context.Context, id string) (domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return domain.PaymentTransaction{}, domain.ErrPaymentNotFound
	}
	return p, nil
}

func (m *memPayments) GetByProviderPaymentID(_ context.Context, provider, providerPaymentID string) (domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.Provider == provider && p.ProviderPaymentID == providerPaymentID {
			return p, nil
		}
	}
	return domain.PaymentTransaction{}, domain.ErrPaymentNotFound
}

func (m *memPayments) hook() {
	if m.beforeApply != nil {
		fn := m.beforeApply
		m.beforeApply = nil
		fn(m.rows)
	}
}

func (m *memPayments) ApplyTransition(_ context.Context, p domain.PaymentTransaction, to domain.State, event *outbox.Entry) (domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook()

	cur, ok := m.rows[p.ID]
	if !ok {
		return p, domain.ErrPaymentNotFound
	}
	if cur.State != p.State {
		return p, domain.ErrConcurrentUpdate
	}
	cur.State = to
	cur.UpdatedAt = m.clock.Now()
	m.rows[p.ID] = cur
	m.appendLocked(event)
	return cur, nil
}

func (m *memPayments) appendLocked(e *outbox.Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = m.clock.Now()
	m.outbox = append(m.outbox, *e)
}

func (m *memPayments) ListStale(_ context.Context, state domain.State, olderThan time.Time, limit int) ([]domain.PaymentTransaction, error) {
	return m.list(func(p domain.PaymentTransaction) bool {
		return p.State == state && p.UpdatedAt.Before(olderThan)
	}, limit), nil
}

func (m *memPayments) ListRetryable(_ context.Context, maxAttempts int, olderThan time.Time, limit int) ([]domain.PaymentTransaction, error) {
	return m.list(func(p domain.PaymentTransaction) bool {
		return p.State == domain.StateFailed && p.RetryCount < maxAttempts && p.UpdatedAt.Before(olderThan)
	}, limit), nil
}

func (m *memPayments) list(keep func(domain.PaymentTransaction) bool, limit int) []domain.PaymentTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentTransaction
	for _, p := range m.rows {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memPayments) RecordRetry(_ context.Context, p domain.PaymentTransaction, attempt domain.RetryAttempt, to *domain.State, event *outbox.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook()

	cur := m.rows[p.ID]
	if cur.State != domain.StateFailed || cur.RetryCount != p.RetryCount {
		return domain.ErrConcurrentUpdate
	}
	m.retries = append(m.retries, attempt)
	cur.RetryCount++
	cur.UpdatedAt = m.clock.Now()
	if to != nil {
		cur.State = *to
		m.appendLocked(event)
	}
	m.rows[p.ID] = cur
	return nil
}

type memInbox struct {
	mu    sync.Mutex
	clock clockwork.Clock
	rows  map[string]*domain.WebhookEvent
	keys  map[string]string
}

func newMemInbox(clock clockwork.Clock) *memInbox {
	return &memInbox{clock: clock, rows: make(map[string]*domain.WebhookEvent), keys: make(map[string]string)}
}

func (m *memInbox) InsertIfAbsent(_ context.Context, e *domain.WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := e.Provider + "|" + e.EventID
	if id, ok := m.keys[key]; ok {
		*e = *m.rows[id]
		return false, nil
	}
	e.CreatedAt = m.clock.Now()
	row := *e
	m.rows[e.ID] = &row
	m.keys[key] = e.ID
	return true, nil
}

func (m *memInbox) Get(_ context.Context, id string) (domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return domain.WebhookEvent{}, domain.ErrWebhookNotFound
	}
	return *e, nil
}

func (m *memInbox) byEventID(provider, eventID string) domain.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[m.keys[provider+"|"+eventID]]
}

func (m *memInbox) MarkProcessed(_ context.Context, id string, status domain.WebhookStatus, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.rows[id]
	now := m.clock.Now()
	e.Processed, e.ProcessedAt, e.Status, e.LastError = true, &now, status, note
	return nil
}

func (m *memInbox) MarkFailed(_ context.Context, id string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.rows[id]
	e.RetryCount++
	e.Status, e.LastError = domain.WebhookFailed, lastErr
	return nil
}

func (m *memInbox) ListPending(_ context.Context, maxRetries, limit int) ([]domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WebhookEvent
	for _, e := range m.rows {
		if !e.Processed && e.RetryCount < maxRetries {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var errProviderDown = errors.New("provider returned 503")

type fakeClient struct {
	mu        sync.Mutex
	statuses  map[string]domain.ProviderStatus
	confirmed map[string]domain.ProviderStatus
	failFor   map[string]error
	events    []domain.ProviderEvent
	calls     map[string]int
	block     bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		statuses:  make(map[string]domain.ProviderStatus),
		confirmed: make(map[string]domain.ProviderStatus),
		failFor:   make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (c *fakeClient) record(op, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
	return c.failFor[id]
}

func (c *fakeClient) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *fakeClient) Retrieve(ctx context.Context, id string) (domain.ProviderPayment, error) {
	if err := c.record(OpRetrieve, id); err != nil {
		return domain.ProviderPayment{}, err
	}
	if c.block {
		<-ctx.Done()
		return domain.ProviderPayment{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ProviderPayment{ID: id, Status: c.statuses[id]}, nil
}

func (c *fakeClient) Confirm(_ context.Context, id string) (domain.ProviderPayment, error) {
	if err := c.record(OpConfirm, id); err != nil {
		return domain.ProviderPayment{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[id] = c.confirmed[id]
	return domain.ProviderPayment{ID: id, Status: c.confirmed[id]}, nil
}

func (c *fakeClient) ListEvents(_ context.Context, since time.Time) ([]domain.ProviderEvent, error) {
	if err := c.record(OpListEvents, ""); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.ProviderEvent
	for _, ev := range c.events {
		if !ev.CreatedAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

type harness struct {
	log      *slog.Logger
	clock    *clockwork.FakeClock
	payments *memPayments
	inbox    *memInbox
	client   *fakeClient
	breakers *circuitbreaker.Registry
	gateway  *Gateway
	metrics  *metrics.Metrics
	webhooks *Inbox
	signer   *signature.HMAC
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:   clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		client:  newFakeClient(),
		metrics: metrics.New(prometheus.NewRegistry()),
		signer:  signature.NewHMAC(testSecret),
	}
	h.payments = newMemPayments(h.clock)
	h.inbox = newMemInbox(h.clock)

	settings := circuitbreaker.Settings{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		IsFailure:        CountsAgainstCircuit,
	}
	h.breakers = circuitbreaker.NewRegistry(h.log, h.clock, settings)
	h.limitCalls(1000)

	verifiers := map[string]signature.Verifier{"stripe": h.signer}
	h.webhooks = NewInbox(h.log, h.clock, h.inbox, h.payments, verifiers, h.metrics, InboxConfig{MaxRetries: 3, BatchSize: 10})
	return h
}

// seed stores a payment last touched age ago.
func (h *harness) seed(id, providerPaymentID string, state domain.State, age time.Duration, retries int) domain.PaymentTransaction {
	p := domain.PaymentTransaction{
		ID:                id,
		TenantID:          "tenant_1",
		Provider:          "stripe",
		ProviderPaymentID: providerPaymentID,
		AmountCents:       4200,
		Currency:          "usd",
		State:             state,
		RetryCount:        retries,
		CreatedAt:         h.clock.Now().Add(-age),
		UpdatedAt:         h.clock.Now().Add(-age),
	}
	h.payments.put(p)
	return p
}

// tripBreaker opens the stripe circuit.
func (h *harness) tripBreaker() {
	b := h.breakers.Get("stripe")
	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return errProviderDown })
	}
}

// limitCalls rebuilds the gateway so each provider key admits n calls per second.
func (h *harness) limitCalls(n int) {
	limiter := ratelimit.New(h.log, ratelimit.NewMemoryStore(), h.clock, nil, ratelimit.Limit{Max: n, Window: time.Second})
	h.gateway = NewGateway(h.log,
		map[string]ProviderClient{"stripe": h.client},
		map[string]time.Duration{"stripe": 50 * time.Millisecond},
		h.breakers, limiter)
}
