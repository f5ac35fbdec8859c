package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"

	"github.com/dmehra2102/payment-core/internal/payment/domain"
	"github.com/dmehra2102/payment-core/pkg/metrics"
	"github.com/dmehra2102/payment-core/pkg/outbox"
	"github.com/dmehra2102/payment-core/pkg/tracing"
)

const maxTransitionAttempts = 3

// transitioner is the single write path for payment state. It always derives
// the next state from the stored row, so concurrent callers converge.
type transitioner struct {
	log      *slog.Logger
	payments PaymentRepository
	metrics  *metrics.Metrics
	clock    clockwork.Clock
}

// apply moves p towards target. changed is false when the state machine made
// it a no-op. A row updated underneath us is reloaded and re-evaluated.
func (t *transitioner) apply(ctx context.Context, p domain.PaymentTransaction, target domain.State, cause domain.Cause) (domain.PaymentTransaction, bool, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		next, err := domain.Transition(p.State, target)
		if err != nil {
			return p, false, err
		}
		if next == p.State {
			return p, false, nil
		}

		event, err := stateChangedEntry(ctx, p, next, cause, t.clock)
		if err != nil {
			return p, false, err
		}
		updated, err := t.payments.ApplyTransition(ctx, p, next, event)
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			t.log.Debug("payment changed concurrently, reloading", "payment_id", p.ID, "attempt", attempt+1)
			reloaded, err := t.payments.Get(ctx, p.ID)
			if err != nil {
				return p, false, err
			}
			p = reloaded
			continue
		}
		if err != nil {
			return p, false, err
		}

		t.log.Info("payment state changed", "payment_id", p.ID, "from", p.State, "to", next, "cause", cause)
		t.metrics.Transitions.WithLabelValues(string(next), string(cause)).Inc()
		return updated, true, nil
	}
	return p, false, fmt.Errorf("payment %s: %w", p.ID, domain.ErrConcurrentUpdate)
}

func stateChangedEntry(ctx context.Context, p domain.PaymentTransaction, to domain.State, cause domain.Cause, clock clockwork.Clock) (*outbox.Entry, error) {
	payload, err := json.Marshal(domain.NewStateChanged(p, to, cause, clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("encode state change: %w", err)
	}
	return &outbox.Entry{
		AggregateID:   p.ID,
		AggregateType: domain.AggregatePayment,
		EventType:     domain.EventType(to),
		Payload:       payload,
		Traceparent:   tracing.Traceparent(ctx),
	}, nil
}
