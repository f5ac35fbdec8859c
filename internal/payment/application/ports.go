package application

import (
	"context"
	"time"

	"github.com/dmehra2102/payment-core/internal/payment/domain"
	"github.com/dmehra2102/payment-core/pkg/outbox"
)

type PaymentRepository interface {
	Get(ctx context.Context, id string) (domain.PaymentTransaction, error)
	GetByProviderPaymentID(ctx context.Context, provider, providerPaymentID string) (domain.PaymentTransaction, error)

	// ApplyTransition moves p to state `to` only if the stored row is still in
	// p.State, and appends event to the outbox in the same transaction.
	// It returns domain.ErrConcurrentUpdate when the row has moved on.
	ApplyTransition(ctx context.Context, p domain.PaymentTransaction, to domain.State, event *outbox.Entry) (domain.PaymentTransaction, error)

	// ListStale returns payments in state whose updated_at is before olderThan, oldest first.
	ListStale(ctx context.Context, state domain.State, olderThan time.Time, limit int) ([]domain.PaymentTransaction, error)

	// ListRetryable returns FAILED payments with retry_count below maxAttempts
	// and updated_at before olderThan, oldest first.
	ListRetryable(ctx context.Context, maxAttempts int, olderThan time.Time, limit int) ([]domain.PaymentTransaction, error)

	// RecordRetry stores attempt and bumps retry_count, conditional on p still
	// being FAILED with p.RetryCount. When to is set the payment also moves
	// there and event is appended, all in one transaction.
	RecordRetry(ctx context.Context, p domain.PaymentTransaction, attempt domain.RetryAttempt, to *domain.State, event *outbox.Entry) error
}

type InboxRepository interface {
	// InsertIfAbsent stores e keyed by (provider, event id). created is false
	// when the pair was already recorded; e is then filled from the stored row.
	InsertIfAbsent(ctx context.Context, e *domain.WebhookEvent) (created bool, err error)
	Get(ctx context.Context, id string) (domain.WebhookEvent, error)
	MarkProcessed(ctx context.Context, id string, status domain.WebhookStatus, note string) error
	// MarkFailed keeps the row unprocessed and increments retry_count.
	MarkFailed(ctx context.Context, id string, lastErr string) error
	ListPending(ctx context.Context, maxRetries, limit int) ([]domain.WebhookEvent, error)
}

// ProviderClient is one payment provider's API.
type ProviderClient interface {
	Retrieve(ctx context.Context, providerPaymentID string) (domain.ProviderPayment, error)
	Confirm(ctx context.Context, providerPaymentID string) (domain.ProviderPayment, error)
	ListEvents(ctx context.Context, since time.Time) ([]domain.ProviderEvent, error)
}

// Provider is what the jobs call; the gateway adds protection around a ProviderClient.
type Provider interface {
	Retrieve(ctx context.Context, provider, tenant, providerPaymentID string) (domain.ProviderPayment, error)
	Confirm(ctx context.Context, provider, tenant, providerPaymentID string) (domain.ProviderPayment, error)
	ListEvents(ctx context.Context, provider string, since time.Time) ([]domain.ProviderEvent, error)
}
