package domain

import (
	"strings"
	"time"
)

const AggregatePayment = "payment"

type Cause string

const (
	CauseWebhook        Cause = "webhook"
	CauseReconciliation Cause = "reconciliation"
	CauseRetry          Cause = "retry"
)

// StateChanged is the outbox payload written with every committed transition.
type StateChanged struct {
	PaymentID         string    `json:"payment_id"`
	TenantID          string    `json:"tenant_id"`
	Provider          string    `json:"provider"`
	ProviderPaymentID string    `json:"provider_payment_id,omitempty"`
	From              State     `json:"from"`
	To                State     `json:"to"`
	AmountCents       int64     `json:"amount_cents"`
	Currency          string    `json:"currency"`
	Cause             Cause     `json:"cause"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// EventType names the outbox event after the state the payment moved into,
// e.g. payment.completed.
func EventType(to State) string {
	return AggregatePayment + "." + strings.ToLower(string(to))
}

func NewStateChanged(p PaymentTransaction, to State, cause Cause, at time.Time) StateChanged {
	return StateChanged{
		PaymentID:         p.ID,
		TenantID:          p.TenantID,
		Provider:          p.Provider,
		ProviderPaymentID: p.ProviderPaymentID,
		From:              p.State,
		To:                to,
		AmountCents:       p.AmountCents,
		Currency:          p.Currency,
		Cause:             cause,
		OccurredAt:        at.UTC(),
	}
}
