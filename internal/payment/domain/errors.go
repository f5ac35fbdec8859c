package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrDuplicateEvent   = errors.New("webhook event already recorded")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrWebhookNotFound  = errors.New("webhook not found")
	// ErrConcurrentUpdate means the row changed under a conditional write.
	ErrConcurrentUpdate = errors.New("payment changed concurrently")
)

type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ValidationError marks a webhook payload that can never be processed.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return "invalid webhook payload: " + e.Reason + ": " + e.Err.Error()
	}
	return "invalid webhook payload: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }
