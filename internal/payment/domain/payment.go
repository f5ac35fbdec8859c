package domain

import (
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StatePending        State = "PENDING"
	StateProcessing     State = "PROCESSING"
	StateRequiresAction State = "REQUIRES_ACTION"
	StateCompleted      State = "COMPLETED"
	StateFailed         State = "FAILED"
	StateCancelled      State = "CANCELLED"
)

// PaymentTransaction is one purchase's payment attempt at a provider.
type PaymentTransaction struct {
	ID                string
	TenantID          string
	Provider          string
	ProviderPaymentID string
	AmountCents       int64
	Currency          string
	State             State
	RetryCount        int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func NewPaymentTransaction(tenantID, provider string, amountCents int64, currency string) PaymentTransaction {
	now := time.Now().UTC()
	return PaymentTransaction{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Provider:    provider,
		AmountCents: amountCents,
		Currency:    currency,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (p PaymentTransaction) HasProviderPayment() bool {
	return p.ProviderPaymentID != ""
}
