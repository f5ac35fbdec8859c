package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/payment-core/internal/payment/domain"
	"github.com/dmehra2102/payment-core/pkg/metrics"
	"github.com/dmehra2102/payment-core/pkg/signature"
)

// envelope is the part of a provider notification the inbox reads.
type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type" validate:"required"`
	Created int64  `json:"created"`
	Data    struct {
		Object paymentObject `json:"object"`
	} `json:"data" validate:"-"`
}

// paymentObject is checked only for payment_intent events.
type paymentObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type InboxConfig struct {
	MaxRetries int
	BatchSize  int
}

// Inbox records provider notifications once and applies them to payments.
type Inbox struct {
	log       *slog.Logger
	inbox     InboxRepository
	payments  PaymentRepository
	verifiers map[string]signature.Verifier
	states    *transitioner
	metrics   *metrics.Metrics
	validate  *validator.Validate
	tracer    trace.Tracer
	cfg       InboxConfig
}

func NewInbox(log *slog.Logger, clock clockwork.Clock, inbox InboxRepository, payments PaymentRepository, verifiers map[string]signature.Verifier, m *metrics.Metrics, cfg InboxConfig) *Inbox {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Inbox{
		log:       log,
		inbox:     inbox,
		payments:  payments,
		verifiers: verifiers,
		states:    &transitioner{log: log, payments: payments, metrics: m, clock: clock},
		metrics:   m,
		validate:  validator.New(),
		tracer:    otel.Tracer("webhook-inbox"),
		cfg:       cfg,
	}
}

// Receive verifies and durably records one notification. A redelivery of an
// already recorded event is not an error; created reports which case it was.
// A payload that cannot be read is recorded as ignored and returned as a
// *domain.ValidationError.
func (in *Inbox) Receive(ctx context.Context, provider string, payload []byte, sig string) (domain.WebhookEvent, bool, error) {
	verifier, ok := in.verifiers[provider]
	if !ok {
		return domain.WebhookEvent{}, false, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if err := verifier.Verify(payload, sig); err != nil {
		in.log.Warn("webhook signature rejected", "provider", provider, "err", err)
		return domain.WebhookEvent{}, false, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}

	e := domain.WebhookEvent{
		ID:       uuid.NewString(),
		Provider: provider,
		Payload:  payload,
		Status:   domain.WebhookPending,
	}
	env, verr := in.decode(payload)
	e.EventID = env.ID
	e.EventType = env.Type
	if e.EventID == "" {
		e.EventID = domain.FallbackEventID(payload)
	}
	if verr != nil && e.EventType == "" {
		e.EventType = "unknown"
	}
	if verr != nil {
		e.Processed = true
		e.Status = domain.WebhookIgnored
		e.LastError = verr.Error()
	}

	created, err := in.inbox.InsertIfAbsent(ctx, &e)
	if err != nil {
		return domain.WebhookEvent{}, false, fmt.Errorf("record webhook %s: %w", e.EventID, err)
	}
	if created {
		in.metrics.WebhooksReceived.WithLabelValues(provider).Inc()
	} else {
		in.log.Info("duplicate webhook ignored", "provider", provider, "event_id", e.EventID)
		in.metrics.WebhooksDuplicate.WithLabelValues(provider).Inc()
	}
	if verr != nil && created {
		in.log.Warn("invalid webhook payload recorded as ignored", "provider", provider, "event_id", e.EventID, "err", verr)
		return e, created, verr
	}
	return e, created, nil
}

// Process applies one recorded notification. Processing an already processed
// row does nothing. Failures leave the row eligible for ProcessPending.
func (in *Inbox) Process(ctx context.Context, webhookID string) error {
	e, err := in.inbox.Get(ctx, webhookID)
	if err != nil {
		return err
	}
	if e.Processed {
		return nil
	}

	ctx, span := in.tracer.Start(ctx, "ProcessWebhook", trace.WithAttributes(
		attribute.String("provider", e.Provider),
		attribute.String("event_id", e.EventID),
		attribute.String("event_type", e.EventType),
	))
	defer span.End()

	status, note, err := in.handle(ctx, e)
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		in.log.Warn("webhook payload invalid, not retrying", "webhook_id", e.ID, "event_id", e.EventID, "err", err)
		status, note = domain.WebhookIgnored, err.Error()
	case err != nil:
		span.RecordError(err)
		in.log.Error("webhook processing failed", "webhook_id", e.ID, "event_id", e.EventID, "retry_count", e.RetryCount, "err", err)
		in.metrics.WebhooksFailed.WithLabelValues(e.Provider).Inc()
		if markErr := in.inbox.MarkFailed(ctx, e.ID, err.Error()); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}

	if err := in.inbox.MarkProcessed(ctx, e.ID, status, note); err != nil {
		return fmt.Errorf("mark webhook %s processed: %w", e.ID, err)
	}
	in.metrics.WebhooksProcessed.WithLabelValues(e.Provider, string(status)).Inc()
	return nil
}

// ProcessPending retries unprocessed rows still under the retry budget and
// returns how many were processed. Individual failures do not stop the sweep.
func (in *Inbox) ProcessPending(ctx context.Context) (int, error) {
	pending, err := in.inbox.ListPending(ctx, in.cfg.MaxRetries, in.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending webhooks: %w", err)
	}
	done := 0
	for _, e := range pending {
		if err := in.Process(ctx, e.ID); err != nil {
			continue
		}
		done++
	}
	if len(pending) > 0 {
		in.log.Info("pending webhooks swept", "found", len(pending), "processed", done)
	}
	return done, nil
}

// handle returns the final row status for e.
func (in *Inbox) handle(ctx context.Context, e domain.WebhookEvent) (domain.WebhookStatus, string, error) {
	env, err := in.decode(e.Payload)
	if err != nil {
		return "", "", err
	}
	if !strings.HasPrefix(env.Type, "payment_intent.") {
		in.log.Info("unhandled webhook type", "event_type", env.Type, "event_id", e.EventID)
		return domain.WebhookIgnored, "unhandled event type", nil
	}

	var target domain.State
	switch env.Type {
	case domain.EventPaymentFailed:
		target = domain.StateFailed
	default:
		status := domain.ProviderStatus(env.Data.Object.Status)
		if status == "" {
			implied, ok := domain.ImpliedStatus(env.Type)
			if !ok {
				in.log.Info("unhandled webhook type", "event_type", env.Type, "event_id", e.EventID)
				return domain.WebhookIgnored, "unhandled event type", nil
			}
			status = implied
		}
		mapped, ok := domain.MapProviderStatus(status)
		if !ok {
			in.log.Warn("unrecognized provider status, leaving payment unchanged", "status", status, "event_id", e.EventID)
			return domain.WebhookProcessed, "unrecognized status " + string(status), nil
		}
		target = mapped
	}

	if err := in.validate.Var(env.Data.Object.ID, "required"); err != nil {
		return "", "", &domain.ValidationError{Reason: "missing payment object id", Err: err}
	}
	p, err := in.payments.GetByProviderPaymentID(ctx, e.Provider, env.Data.Object.ID)
	if err != nil {
		return "", "", fmt.Errorf("load payment %s: %w", env.Data.Object.ID, err)
	}

	_, _, err = in.states.apply(ctx, p, target, domain.CauseWebhook)
	var ite *domain.InvalidTransitionError
	if errors.As(err, &ite) {
		in.log.Warn("webhook transition rejected", "payment_id", p.ID, "from", ite.From, "to", ite.To, "event_id", e.EventID)
		return domain.WebhookIgnored, err.Error(), nil
	}
	if err != nil {
		return "", "", err
	}
	return domain.WebhookProcessed, "", nil
}

func (in *Inbox) decode(payload []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, &domain.ValidationError{Reason: "malformed json", Err: err}
	}
	if err := in.validate.Struct(env); err != nil {
		return env, &domain.ValidationError{Reason: "missing event type", Err: err}
	}
	return env, nil
}
