package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "pending"
	WebhookProcessed WebhookStatus = "processed"
	WebhookIgnored   WebhookStatus = "ignored"
	WebhookFailed    WebhookStatus = "failed"
)

// Event types the inbox acts on. Anything else is recorded and ignored.
const (
	EventPaymentSucceeded      = "payment_intent.succeeded"
	EventPaymentFailed         = "payment_intent.payment_failed"
	EventPaymentCanceled       = "payment_intent.canceled"
	EventPaymentProcessing     = "payment_intent.processing"
	EventPaymentRequiresAction = "payment_intent.requires_action"
	EventPaymentCreated        = "payment_intent.created"
)

// WebhookEvent is one inbox row. (Provider, EventID) is unique.
type WebhookEvent struct {
	ID          string
	EventID     string
	Provider    string
	EventType   string
	Payload     []byte
	Processed   bool
	ProcessedAt *time.Time
	RetryCount  int
	Status      WebhookStatus
	LastError   string
	CreatedAt   time.Time
}

// FallbackEventID derives a stable id for notifications that carry none.
func FallbackEventID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "hash:" + hex.EncodeToString(sum[:])
}

// ImpliedStatus is the provider status an event type stands for when the
// payload does not say.
func ImpliedStatus(eventType string) (ProviderStatus, bool) {
	switch eventType {
	case EventPaymentSucceeded:
		return ProviderSucceeded, true
	case EventPaymentCanceled:
		return ProviderCanceled, true
	case EventPaymentProcessing:
		return ProviderProcessing, true
	case EventPaymentRequiresAction:
		return ProviderRequiresAction, true
	case EventPaymentCreated:
		return ProviderRequiresPaymentMethod, true
	}
	return "", false
}
