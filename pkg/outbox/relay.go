package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dmehra2102/payment-core/pkg/metrics"
)

// Store claims undelivered entries. ClaimBatch locks at most one entry per
// aggregate (the oldest undelivered one), hands them to deliver in created_at
// order and marks the returned ids processed in the same transaction. It
// returns how many entries were marked.
type Store interface {
	ClaimBatch(ctx context.Context, batchSize int, deliver func(ctx context.Context, entries []Entry) []uuid.UUID) (int, error)
}

type Sender interface {
	Dispatch(ctx context.Context, e Entry) error
}

type Relay struct {
	log       *slog.Logger
	store     Store
	sender    Sender
	metrics   *metrics.Metrics
	clock     clockwork.Clock
	relayID   string
	batchSize int
	interval  time.Duration
}

func NewRelay(log *slog.Logger, clock clockwork.Clock, store Store, sender Sender, m *metrics.Metrics, relayID string, batchSize int, interval time.Duration) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Relay{
		log:       log,
		store:     store,
		sender:    sender,
		metrics:   m,
		clock:     clock,
		relayID:   relayID,
		batchSize: batchSize,
		interval:  interval,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	t := r.clock.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopping", "relay_id", r.relayID)
			return nil
		case <-t.Chan():
			// keep draining while whole batches go out
			for {
				n, err := r.RunOnce(ctx)
				if err != nil {
					r.log.Error("relay claim batch error", "relay_id", r.relayID, "err", err)
					break
				}
				if n < r.batchSize {
					break
				}
			}
		}
	}
}

// RunOnce delivers one batch and reports how many entries were delivered.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	return r.store.ClaimBatch(ctx, r.batchSize, r.deliver)
}

func (r *Relay) deliver(ctx context.Context, entries []Entry) []uuid.UUID {
	sent := make([]uuid.UUID, 0, len(entries))
	blocked := make(map[string]bool)
	for _, e := range entries {
		if blocked[e.AggregateID] {
			continue
		}
		if err := r.sender.Dispatch(ctx, e); err != nil {
			blocked[e.AggregateID] = true
			if r.metrics != nil {
				r.metrics.OutboxDispatchFail.WithLabelValues(e.EventType).Inc()
			}
			continue
		}
		if r.metrics != nil {
			r.metrics.OutboxDispatched.WithLabelValues(e.EventType).Inc()
		}
		sent = append(sent, e.ID)
	}
	return sent
}
