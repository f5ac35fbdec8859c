package domain

import (
	"encoding/json"
	"time"
)

type ProviderStatus string

const (
	ProviderSucceeded             ProviderStatus = "succeeded"
	ProviderCanceled              ProviderStatus = "canceled"
	ProviderProcessing            ProviderStatus = "processing"
	ProviderRequiresPaymentMethod ProviderStatus = "requires_payment_method"
	ProviderRequiresConfirmation  ProviderStatus = "requires_confirmation"
	ProviderRequiresAction        ProviderStatus = "requires_action"
)

// ProviderPayment is the provider's view of one payment.
type ProviderPayment struct {
	ID     string
	Status ProviderStatus
}

// ProviderEvent is one entry of the provider's event log.
type ProviderEvent struct {
	ID        string
	Type      string
	CreatedAt time.Time
	Payload   json.RawMessage
}
