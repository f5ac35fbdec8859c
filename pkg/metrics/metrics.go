package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	WebhooksReceived   *prometheus.CounterVec
	WebhooksDuplicate  *prometheus.CounterVec
	WebhooksProcessed  *prometheus.CounterVec
	WebhooksFailed     *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	DriftCorrections   *prometheus.CounterVec
	BackfilledEvents   *prometheus.CounterVec
	RetryAttempts      *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	RateLimitRejected  *prometheus.CounterVec
	OutboxDispatched   *prometheus.CounterVec
	OutboxDispatchFail *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paycore", Name: "webhooks_received_total",
			Help: "Provider notifications accepted into the inbox.",
		}, []string{"provider"}),
		WebhooksDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paycore", Name: "webhooks_duplicate_total",
			Help: "Redelivered notifications already present in the inbox.",
		}, []string{"provider"}),
		WebhooksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paycore", Name: "webhooks_processed_total",
			Help: "Inbox rows marked processed, by outcome.",
		}, []string{"provider", "outcome"}),
		WebhooksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paycore", Name: "webhooks_failed_total",
			Help: "Inbox processing attempts that failed and remain eligible for retry.",
		}, []string{"provider"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paycore", Name: "payment_transitions_total",
			Help: "Committed payment state transitions.",
		}, []string{"to", "cause"}),
		DriftCorrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paycore", Name: "reconciliation_drift_corrected_total",
			Help: "Stuck payments whose state was corrected from the provider.",
		}, []string{"provider"}),
		BackfilledEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paycore", Name: "reconciliation_backfilled_events_total",
			Help: "Provider events inserted by the missing-webhook sweep.",
		}, []string{"provider"}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paycore", Name: "retry_attempts_total",
			Help: "Payment retry attempts by result.",
		}, []string{"status"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "paycore", Name: "circuit_breaker_open",
			Help: "1 while the circuit is open, 0.5 half open, 0 closed.",
		}, []string{"circuit"}),
		RateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paycore", Name: "rate_limit_rejected_total",
			Help: "Calls refused by the rate limiter.",
		}, []string{"provider", "operation"}),
		OutboxDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paycore", Name: "outbox_dispatched_total",
			Help: "Outbox entries delivered by the relay.",
		}, []string{"event_type"}),
		OutboxDispatchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paycore", Name: "outbox_dispatch_failed_total",
			Help: "Outbox deliveries that failed and stay queued.",
		}, []string{"event_type"}),
	}
	reg.MustRegister(
		m.WebhooksReceived, m.WebhooksDuplicate, m.WebhooksProcessed, m.WebhooksFailed,
		m.Transitions, m.DriftCorrections, m.BackfilledEvents, m.RetryAttempts,
		m.BreakerState, m.RateLimitRejected, m.OutboxDispatched, m.OutboxDispatchFail,
	)
	return m
}

// BreakerStateValue maps a circuit state name to the gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 0.5
	default:
		return 0
	}
}
