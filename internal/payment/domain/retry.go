package domain

import "time"

type RetryStatus string

const (
	RetrySuccess        RetryStatus = "success"
	RetryFailed         RetryStatus = "failed"
	RetryRequiresAction RetryStatus = "requires_action"
)

// RetryAttempt is the append-only audit row for one retry.
type RetryAttempt struct {
	PaymentID     string
	AttemptNumber int
	Status        RetryStatus
	ErrorMessage  string
	CreatedAt     time.Time
}

// RetryOutcome classifies the provider status seen at the end of a retry.
func RetryOutcome(status ProviderStatus) RetryStatus {
	switch status {
	case ProviderSucceeded:
		return RetrySuccess
	case ProviderRequiresAction, ProviderRequiresConfirmation, ProviderProcessing:
		return RetryRequiresAction
	default:
		return RetryFailed
	}
}
