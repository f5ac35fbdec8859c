package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/payment-core/internal/payment/domain"
	"github.com/dmehra2102/payment-core/pkg/circuitbreaker"
	"github.com/dmehra2102/payment-core/pkg/metrics"
)

type ReconciliationConfig struct {
	StalenessWindow time.Duration
	LookbackWindow  time.Duration
	BatchSize       int
	Providers       []string
}

// ReconcileReport summarises one run.
type ReconcileReport struct {
	Checked    int
	Corrected  int
	Skipped    int
	Failed     int
	Backfilled int
}

// Reconciler re-derives payment state from the provider: it heals payments
// stuck in PROCESSING and backfills notifications that never arrived.
type Reconciler struct {
	log      *slog.Logger
	clock    clockwork.Clock
	payments PaymentRepository
	inbox    InboxRepository
	process  func(ctx context.Context, webhookID string) error
	provider Provider
	states   *transitioner
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	cfg      ReconciliationConfig
}

func NewReconciler(log *slog.Logger, clock clockwork.Clock, payments PaymentRepository, inbox *Inbox, provider Provider, m *metrics.Metrics, cfg ReconciliationConfig) *Reconciler {
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 15 * time.Minute
	}
	if cfg.LookbackWindow <= 0 {
		cfg.LookbackWindow = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		log:      log,
		clock:    clock,
		payments: payments,
		inbox:    inbox.inbox,
		process:  inbox.Process,
		provider: provider,
		states:   &transitioner{log: log, payments: payments, metrics: m, clock: clock},
		metrics:  m,
		tracer:   otel.Tracer("reconciliation"),
		cfg:      cfg,
	}
}

// Run performs both sweeps. Item failures are logged and counted; only
// storage failures abort a sweep, and the second sweep runs regardless.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	ctx, span := r.tracer.Start(ctx, "Reconcile")
	defer span.End()

	var report ReconcileReport
	stuckErr := r.sweepStuck(ctx, &report)
	if stuckErr != nil {
		r.log.Error("stuck payment sweep aborted", "err", stuckErr)
	}
	missingErr := r.sweepMissing(ctx, &report)
	if missingErr != nil {
		r.log.Error("missing webhook sweep aborted", "err", missingErr)
	}

	r.log.Info("reconciliation finished",
		"checked", report.Checked, "corrected", report.Corrected, "skipped", report.Skipped,
		"failed", report.Failed, "backfilled", report.Backfilled)
	return report, errors.Join(stuckErr, missingErr)
}

func (r *Reconciler) sweepStuck(ctx context.Context, report *ReconcileReport) error {
	cutoff := r.clock.Now().Add(-r.cfg.StalenessWindow)
	stuck, err := r.payments.ListStale(ctx, domain.StateProcessing, cutoff, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stuck payments: %w", err)
	}

	for _, p := range stuck {
		report.Checked++
		if !p.HasProviderPayment() {
			report.Skipped++
			continue
		}
		changed, err := r.reconcileOne(ctx, p)
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			r.log.Warn("provider circuit open, skipping payment", "payment_id", p.ID, "provider", p.Provider)
			report.Skipped++
		case err != nil:
			r.log.Error("reconcile payment failed", "payment_id", p.ID, "provider", p.Provider, "err", err)
			report.Failed++
		case changed:
			report.Corrected++
			r.metrics.DriftCorrections.WithLabelValues(p.Provider).Inc()
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, p domain.PaymentTransaction) (bool, error) {
	remote, err := r.provider.Retrieve(ctx, p.Provider, p.TenantID, p.ProviderPaymentID)
	if err != nil {
		return false, err
	}
	target, ok := domain.MapProviderStatus(remote.Status)
	if !ok {
		r.log.Warn("unrecognized provider status, leaving payment unchanged", "payment_id", p.ID, "status", remote.Status)
		return false, nil
	}
	if target == p.State {
		return false, nil
	}
	_, changed, err := r.states.apply(ctx, p, target, domain.CauseReconciliation)
	return changed, err
}

func (r *Reconciler) sweepMissing(ctx context.Context, report *ReconcileReport) error {
	since := r.clock.Now().Add(-r.cfg.LookbackWindow)
	for _, provider := range r.cfg.Providers {
		events, err := r.provider.ListEvents(ctx, provider, since)
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			r.log.Warn("provider circuit open, skipping event backfill", "provider", provider)
			report.Skipped++
			continue
		case err != nil:
			// one provider being down does not stop the others
			r.log.Error("list provider events failed", "provider", provider, "err", err)
			report.Failed++
			continue
		}
		for _, ev := range events {
			if err := r.backfill(ctx, provider, ev, report); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reconciler) backfill(ctx context.Context, provider string, ev domain.ProviderEvent, report *ReconcileReport) error {
	e := domain.WebhookEvent{
		ID:        uuid.NewString(),
		EventID:   ev.ID,
		Provider:  provider,
		EventType: ev.Type,
		Payload:   ev.Payload,
		Status:    domain.WebhookPending,
	}
	if e.EventID == "" {
		e.EventID = domain.FallbackEventID(ev.Payload)
	}
	created, err := r.inbox.InsertIfAbsent(ctx, &e)
	if err != nil {
		return fmt.Errorf("backfill event %s: %w", e.EventID, err)
	}
	if !created {
		return nil
	}
	report.Backfilled++
	r.metrics.BackfilledEvents.WithLabelValues(provider).Inc()
	r.log.Info("backfilled missing webhook", "provider", provider, "event_id", e.EventID, "event_type", e.EventType)

	if err := r.process(ctx, e.ID); err != nil {
		// the row stays pending for the inbox sweep
		report.Failed++
	}
	return nil
}
