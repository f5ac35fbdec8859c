package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/payment-core/internal/payment/domain"
)

const webhookColumns = `webhook_id::text, event_id, provider, event_type, payload, processed, processed_at, retry_count, status, COALESCE(last_error, ''), created_at`

type InboxRepository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewInboxRepository(log *slog.Logger, pool *pgxpool.Pool) *InboxRepository {
	return &InboxRepository{log: log, pool: pool}
}

func scanWebhook(row pgx.Row) (domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	var status string
	err := row.Scan(&e.ID, &e.EventID, &e.Provider, &e.EventType, &e.Payload, &e.Processed, &e.ProcessedAt, &e.RetryCount, &status, &e.LastError, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, domain.ErrWebhookNotFound
	}
	e.Status = domain.WebhookStatus(status)
	return e, err
}

// InsertIfAbsent relies on the (provider, event_id) unique constraint, so
// concurrent deliveries of one event insert exactly one row.
func (r *InboxRepository) InsertIfAbsent(ctx context.Context, e *domain.WebhookEvent) (bool, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO webhook_inbox (webhook_id, event_id, provider, event_type, payload, processed, processed_at, status, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, CASE WHEN $6 THEN now() END, $7, NULLIF($8, ''))
		ON CONFLICT (provider, event_id) DO NOTHING
		RETURNING created_at`,
		e.ID, e.EventID, e.Provider, e.EventType, e.Payload, e.Processed, string(e.Status), e.LastError,
	).Scan(&e.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("insert webhook: %w", err)
	}

	existing, err := scanWebhook(r.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_inbox WHERE provider = $1 AND event_id = $2`,
		e.Provider, e.EventID))
	if err != nil {
		return false, err
	}
	*e = existing
	return false, nil
}

func (r *InboxRepository) Get(ctx context.Context, id string) (domain.WebhookEvent, error) {
	return scanWebhook(r.pool.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhook_inbox WHERE webhook_id = $1`, id))
}

func (r *InboxRepository) MarkProcessed(ctx context.Context, id string, status domain.WebhookStatus, note string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_inbox
		SET processed = true, processed_at = now(), status = $2, last_error = NULLIF($3, '')
		WHERE webhook_id = $1 AND NOT processed`,
		id, string(status), note)
	return err
}

func (r *InboxRepository) MarkFailed(ctx context.Context, id string, lastErr string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_inbox
		SET retry_count = retry_count + 1, status = 'failed', last_error = $2
		WHERE webhook_id = $1 AND NOT processed`,
		id, lastErr)
	return err
}

func (r *InboxRepository) ListPending(ctx context.Context, maxRetries, limit int) ([]domain.WebhookEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+webhookColumns+` FROM webhook_inbox
		WHERE NOT processed AND retry_count < $1
		ORDER BY created_at
		LIMIT $2`, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
