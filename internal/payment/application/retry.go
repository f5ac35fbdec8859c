package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/payment-core/internal/payment/domain"
	"github.com/dmehra2102/payment-core/pkg/circuitbreaker"
	"github.com/dmehra2102/payment-core/pkg/metrics"
	"github.com/dmehra2102/payment-core/pkg/outbox"
	"github.com/dmehra2102/payment-core/pkg/ratelimit"
)

type RetryConfig struct {
	CoolDown    time.Duration
	MaxAttempts int
	BatchSize   int
}

type RetryReport struct {
	Selected       int
	Succeeded      int
	RequiresAction int
	Failed         int
	Skipped        int
}

// Retrier pushes FAILED payments forward through the provider within a
// bounded number of attempts.
type Retrier struct {
	log      *slog.Logger
	clock    clockwork.Clock
	payments PaymentRepository
	provider Provider
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	cfg      RetryConfig
}

func NewRetrier(log *slog.Logger, clock clockwork.Clock, payments PaymentRepository, provider Provider, m *metrics.Metrics, cfg RetryConfig) *Retrier {
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Retrier{
		log:      log,
		clock:    clock,
		payments: payments,
		provider: provider,
		metrics:  m,
		tracer:   otel.Tracer("retry"),
		cfg:      cfg,
	}
}

func (r *Retrier) Run(ctx context.Context) (RetryReport, error) {
	ctx, span := r.tracer.Start(ctx, "RetryFailedPayments")
	defer span.End()

	var report RetryReport
	cutoff := r.clock.Now().Add(-r.cfg.CoolDown)
	batch, err := r.payments.ListRetryable(ctx, r.cfg.MaxAttempts, cutoff, r.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list retryable payments: %w", err)
	}
	report.Selected = len(batch)

	for _, p := range batch {
		if !p.HasProviderPayment() {
			r.log.Debug("payment has no provider id, nothing to retry", "payment_id", p.ID)
			report.Skipped++
			continue
		}
		status, err := r.retryOne(ctx, p)
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			r.log.Warn("provider circuit open, skipping retry", "payment_id", p.ID, "provider", p.Provider)
			report.Skipped++
			continue
		case errors.Is(err, ratelimit.ErrLimitExceeded):
			r.log.Warn("provider rate limited, skipping retry", "payment_id", p.ID, "provider", p.Provider)
			report.Skipped++
			continue
		case errors.Is(err, context.Canceled):
			return report, err
		case errors.Is(err, domain.ErrConcurrentUpdate):
			r.log.Info("payment changed during retry, skipping", "payment_id", p.ID)
			report.Skipped++
			continue
		case err != nil:
			return report, err
		}
		r.metrics.RetryAttempts.WithLabelValues(string(status)).Inc()
		switch status {
		case domain.RetrySuccess:
			report.Succeeded++
		case domain.RetryRequiresAction:
			report.RequiresAction++
		default:
			report.Failed++
		}
	}

	if report.Selected > 0 {
		r.log.Info("retry run finished", "selected", report.Selected, "succeeded", report.Succeeded,
			"requires_action", report.RequiresAction, "failed", report.Failed, "skipped", report.Skipped)
	}
	return report, nil
}

// retryOne returns an error only when nothing could be recorded.
func (r *Retrier) retryOne(ctx context.Context, p domain.PaymentTransaction) (domain.RetryStatus, error) {
	remote, callErr := r.provider.Retrieve(ctx, p.Provider, p.TenantID, p.ProviderPaymentID)
	if callErr == nil && remote.Status == domain.ProviderRequiresConfirmation {
		remote, callErr = r.provider.Confirm(ctx, p.Provider, p.TenantID, p.ProviderPaymentID)
	}
	if !countsAsAttempt(callErr) {
		return "", callErr
	}

	attempt := domain.RetryAttempt{
		PaymentID:     p.ID,
		AttemptNumber: p.RetryCount + 1,
		Status:        domain.RetryFailed,
		CreatedAt:     r.clock.Now().UTC(),
	}
	if callErr != nil {
		r.log.Warn("payment retry failed", "payment_id", p.ID, "attempt", attempt.AttemptNumber, "err", callErr)
		attempt.ErrorMessage = callErr.Error()
	} else {
		attempt.Status = domain.RetryOutcome(remote.Status)
	}

	var to *domain.State
	var event *outbox.Entry
	if callErr == nil {
		target, ok := domain.MapProviderStatus(remote.Status)
		if ok {
			next, err := domain.Transition(p.State, target)
			if err == nil && next != p.State {
				to = &next
				if event, err = stateChangedEntry(ctx, p, next, domain.CauseRetry, r.clock); err != nil {
					return "", err
				}
			}
		}
	}

	if err := r.payments.RecordRetry(ctx, p, attempt, to, event); err != nil {
		return "", err
	}
	if to != nil {
		r.metrics.Transitions.WithLabelValues(string(*to), string(domain.CauseRetry)).Inc()
		r.log.Info("payment state changed", "payment_id", p.ID, "from", p.State, "to", *to, "cause", domain.CauseRetry)
	}
	return attempt.Status, nil
}

// countsAsAttempt reports whether a provider call result spends retry budget.
// Local refusals and an open circuit never reached the provider.
func countsAsAttempt(err error) bool {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen),
		errors.Is(err, ratelimit.ErrLimitExceeded),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
