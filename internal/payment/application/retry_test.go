package application

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/payment-core/internal/payment/domain"
	"github.com/dmehra2102/payment-core/pkg/circuitbreaker"
	"github.com/dmehra2102/payment-core/pkg/ratelimit"
)

func (h *harness) retrier(batch int) *Retrier {
	return NewRetrier(h.log, h.clock, h.payments, h.gateway, h.metrics, RetryConfig{
		CoolDown:    5 * time.Minute,
		MaxAttempts: 3,
		BatchSize:   batch,
	})
}

func TestRetry_ExhaustedPaymentIsNeverSelected(t *testing.T) {
	h := newHarness(t)
	h.seed("pay_1", "pi_1", domain.StateFailed, time.Hour, 3)
	h.client.statuses["pi_1"] = domain.ProviderSucceeded

	report, err := h.retrier(10).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.Selected)
	assert.Zero(t, h.client.count(OpRetrieve))
	assert.Equal(t, domain.StateFailed, h.payments.row("pay_1").State)
}

func TestRetry_ConfirmsAndCompletes(t *testing.T) {
	h := newHarness(t)
	h.seed("pay_1", "pi_1", domain.StateFailed, time.Hour, 1)
	h.client.statuses["pi_1"] = domain.ProviderRequiresConfirmation
	h.client.confirmed["pi_1"] = domain.ProviderSucceeded

	report, err := h.retrier(10).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, h.client.count(OpConfirm))

	p := h.payments.row("pay_1")
	assert.Equal(t, domain.StateCompleted, p.State)
	assert.Equal(t, 2, p.RetryCount)

	require.Len(t, h.payments.retries, 1)
	attempt := h.payments.retries[0]
	assert.Equal(t, 2, attempt.AttemptNumber)
	assert.Equal(t, domain.RetrySuccess, attempt.Status)
	assert.Empty(t, attempt.ErrorMessage)

	entries := h.payments.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "payment.completed", entries[0].EventType)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RetryAttempts.WithLabelValues("success")))
}

func TestRetry_ProviderErrorRecordedAndBatchContinues(t *testing.T) {
	h := newHarness(t)
	h.seed("pay_bad", "pi_bad", domain.StateFailed, 2*time.Hour, 0)
	h.seed("pay_ok", "pi_ok", domain.StateFailed, time.Hour, 0)
	h.client.failFor["pi_bad"] = errProviderDown
	h.client.statuses["pi_ok"] = domain.ProviderRequiresAction

	report, err := h.retrier(10).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.RequiresAction)

	bad := h.payments.row("pay_bad")
	assert.Equal(t, domain.StateFailed, bad.State)
	assert.Equal(t, 1, bad.RetryCount)
	require.Len(t, h.payments.retries, 2)
	assert.Equal(t, domain.RetryFailed, h.payments.retries[0].Status)
	assert.Contains(t, h.payments.retries[0].ErrorMessage, "503")

	ok := h.payments.row("pay_ok")
	assert.Equal(t, domain.StateRequiresAction, ok.State)
	assert.Equal(t, 1, ok.RetryCount)
	assert.Len(t, h.payments.entries(), 1)
}

func TestRetry_CoolDownAndMissingProviderID(t *testing.T) {
	h := newHarness(t)
	h.seed("pay_recent", "pi_recent", domain.StateFailed, time.Minute, 0)
	h.seed("pay_noid", "", domain.StateFailed, time.Hour, 0)

	report, err := h.retrier(10).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Selected)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, h.client.count(OpRetrieve))
	assert.Zero(t, h.payments.row("pay_noid").RetryCount)
}

func TestRetry_BatchIsOldestFirst(t *testing.T) {
	h := newHarness(t)
	h.seed("pay_a", "pi_a", domain.StateFailed, 3*time.Hour, 0)
	h.seed("pay_b", "pi_b", domain.StateFailed, 2*time.Hour, 0)
	h.seed("pay_c", "pi_c", domain.StateFailed, time.Hour, 0)
	for _, id := range []string{"pi_a", "pi_b", "pi_c"} {
		h.client.statuses[id] = domain.ProviderRequiresPaymentMethod
	}

	report, err := h.retrier(2).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Selected)
	assert.Equal(t, 1, h.payments.row("pay_a").RetryCount)
	assert.Equal(t, 1, h.payments.row("pay_b").RetryCount)
	assert.Zero(t, h.payments.row("pay_c").RetryCount)
	assert.Empty(t, h.payments.entries())
}

func TestRetry_OpenCircuitRecordsNothing(t *testing.T) {
	h := newHarness(t)
	h.seed("pay_1", "pi_1", domain.StateFailed, time.Hour, 0)
	h.tripBreaker()

	report, err := h.retrier(10).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, h.payments.retries)
	assert.Zero(t, h.payments.row("pay_1").RetryCount)
}

func TestRetry_ProviderCancellationIsApplied(t *testing.T) {
	h := newHarness(t)
	h.seed("pay_1", "pi_1", domain.StateFailed, time.Hour, 0)
	h.client.statuses["pi_1"] = domain.ProviderCanceled

	report, err := h.retrier(10).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	p := h.payments.row("pay_1")
	assert.Equal(t, domain.StateCancelled, p.State)
	assert.Equal(t, 1, p.RetryCount)

	require.Len(t, h.payments.retries, 1)
	assert.Equal(t, domain.RetryFailed, h.payments.retries[0].Status)

	entries := h.payments.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "payment.cancelled", entries[0].EventType)

	// CANCELLED is terminal, so the next run has nothing to select.
	h.clock.Advance(time.Hour)
	report, err = h.retrier(10).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Selected)
}

func TestRetry_CancelledWhileRateLimitedSpendsNoAttempt(t *testing.T) {
	h := newHarness(t)
	h.limitCalls(1)
	h.seed("pay_a", "pi_a", domain.StateFailed, 2*time.Hour, 0)
	h.seed("pay_b", "pi_b", domain.StateFailed, time.Hour, 0)
	h.client.statuses["pi_a"] = domain.ProviderRequiresPaymentMethod
	h.client.statuses["pi_b"] = domain.ProviderRequiresPaymentMethod

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	var report RetryReport
	go func() {
		var err error
		report, err = h.retrier(10).Run(ctx)
		done <- err
	}()

	// pay_b waits for the limiter window; stop the run there.
	h.clock.BlockUntil(1)
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retry run did not stop")
	}
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, report.Failed)
	require.Len(t, h.payments.retries, 1)
	assert.Equal(t, "pay_a", h.payments.retries[0].PaymentID)
	assert.Zero(t, h.payments.row("pay_b").RetryCount)
	assert.Equal(t, 1, h.client.count(OpRetrieve))
	assert.Equal(t, circuitbreaker.StateClosed, h.breakers.Get("stripe").State())
}

func TestCountsAsAttempt(t *testing.T) {
	limited := &ratelimit.LimitExceededError{Key: ratelimit.Key{Provider: "stripe", Tenant: "tenant_1", Operation: OpRetrieve}}
	open := &circuitbreaker.OpenError{Name: "stripe"}

	assert.True(t, countsAsAttempt(nil))
	assert.True(t, countsAsAttempt(errProviderDown))
	assert.True(t, countsAsAttempt(context.DeadlineExceeded))
	assert.False(t, countsAsAttempt(fmt.Errorf("stripe retrieve: %w", limited)))
	assert.False(t, countsAsAttempt(fmt.Errorf("stripe retrieve: %w", open)))
	assert.False(t, countsAsAttempt(context.Canceled))
}

func TestRetry_ConcurrentChangeIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.seed("pay_1", "pi_1", domain.StateFailed, time.Hour, 0)
	h.client.statuses["pi_1"] = domain.ProviderSucceeded
	h.payments.beforeApply = func(rows map[string]domain.PaymentTransaction) {
		p := rows["pay_1"]
		p.RetryCount = 1
		rows["pay_1"] = p
	}

	report, err := h.retrier(10).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, h.payments.retries)
	assert.Equal(t, domain.StateFailed, h.payments.row("pay_1").State)
}
