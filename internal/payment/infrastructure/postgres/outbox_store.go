package postgres

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/payment-core/pkg/outbox"
)

// OutboxStore feeds the relay. Only the oldest undelivered entry of each
// aggregate is eligible, and rows locked by another relay are skipped, so
// entries of one aggregate are never delivered out of order.
type OutboxStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewOutboxStore(log *slog.Logger, pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{log: log, pool: pool}
}

func (s *OutboxStore) ClaimBatch(ctx context.Context, batchSize int, deliver func(ctx context.Context, entries []outbox.Entry) []uuid.UUID) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx, `
		SELECT o.id::text, o.aggregate_id, o.aggregate_type, o.event_type, o.payload, COALESCE(o.traceparent, ''), o.created_at
		FROM outbox o
		WHERE NOT o.processed
		  AND NOT EXISTS (
			SELECT 1 FROM outbox p
			WHERE p.aggregate_id = o.aggregate_id AND NOT p.processed
			  AND (p.created_at < o.created_at OR (p.created_at = o.created_at AND p.id < o.id))
		  )
		ORDER BY o.created_at
		LIMIT $1
		FOR UPDATE OF o SKIP LOCKED`, batchSize)
	if err != nil {
		return 0, err
	}

	var entries []outbox.Entry
	for rows.Next() {
		var e outbox.Entry
		var id string
		if err := rows.Scan(&id, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload, &e.Traceparent, &e.CreatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			rows.Close()
			return 0, err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, tx.Commit(ctx)
	}

	sent := deliver(ctx, entries)
	if len(sent) > 0 {
		ids := make([]string, 0, len(sent))
		for _, id := range sent {
			ids = append(ids, id.String())
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET processed = true, processed_at = now() WHERE id = ANY($1::uuid[])`, ids); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(sent), nil
}

// Pending counts entries not yet delivered.
func (s *OutboxStore) Pending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE NOT processed`).Scan(&n)
	return n, err
}
