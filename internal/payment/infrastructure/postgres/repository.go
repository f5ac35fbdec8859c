package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/payment-core/internal/payment/domain"
	"github.com/dmehra2102/payment-core/pkg/outbox"
)

const paymentColumns = `id, tenant_id, provider, COALESCE(provider_payment_id, ''), amount_cents, currency, state, retry_count, created_at, updated_at`

type PaymentRepository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPaymentRepository(log *slog.Logger, pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{log: log, pool: pool}
}

func scanPayment(row pgx.Row) (domain.PaymentTransaction, error) {
	var p domain.PaymentTransaction
	var state string
	err := row.Scan(&p.ID, &p.TenantID, &p.Provider, &p.ProviderPaymentID, &p.AmountCents, &p.Currency, &state, &p.RetryCount, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, domain.ErrPaymentNotFound
	}
	p.State = domain.State(state)
	return p, err
}

func collectPayments(rows pgx.Rows) ([]domain.PaymentTransaction, error) {
	defer rows.Close()
	var out []domain.PaymentTransaction
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Create inserts a new payment.
func (r *PaymentRepository) Create(ctx context.Context, p domain.PaymentTransaction) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO payment_transactions (id, tenant_id, provider, provider_payment_id, amount_cents, currency, state, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)`,
		p.ID, p.TenantID, p.Provider, p.ProviderPaymentID, p.AmountCents, p.Currency, string(p.State), p.RetryCount, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *PaymentRepository) Get(ctx context.Context, id string) (domain.PaymentTransaction, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_transactions WHERE id = $1`, id))
}

func (r *PaymentRepository) GetByProviderPaymentID(ctx context.Context, provider, providerPaymentID string) (domain.PaymentTransaction, error) {
	return scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE provider = $1 AND provider_payment_id = $2`,
		provider, providerPaymentID))
}

func (r *PaymentRepository) ApplyTransition(ctx context.Context, p domain.PaymentTransaction, to domain.State, event *outbox.Entry) (domain.PaymentTransaction, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return p, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	updated, err := scanPayment(tx.QueryRow(ctx, `
		UPDATE payment_transactions SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2
		RETURNING `+paymentColumns,
		p.ID, string(p.State), string(to)))
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return p, domain.ErrConcurrentUpdate
	}
	if err != nil {
		return p, fmt.Errorf("update payment %s: %w", p.ID, err)
	}

	if err := outbox.Append(ctx, tx, event); err != nil {
		return p, err
	}
	if err := tx.Commit(ctx); err != nil {
		return p, err
	}
	return updated, nil
}

func (r *PaymentRepository) ListStale(ctx context.Context, state domain.State, olderThan time.Time, limit int) ([]domain.PaymentTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payment_transactions
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, string(state), olderThan, limit)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (r *PaymentRepository) ListRetryable(ctx context.Context, maxAttempts int, olderThan time.Time, limit int) ([]domain.PaymentTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payment_transactions
		WHERE state = 'FAILED' AND retry_count < $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, maxAttempts, olderThan, limit)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (r *PaymentRepository) RecordRetry(ctx context.Context, p domain.PaymentTransaction, attempt domain.RetryAttempt, to *domain.State, event *outbox.Entry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var next *string
	if to != nil {
		s := string(*to)
		next = &s
	}
	tag, err := tx.Exec(ctx, `
		UPDATE payment_transactions
		SET retry_count = retry_count + 1, state = COALESCE($3::text, state), updated_at = now()
		WHERE id = $1 AND state = 'FAILED' AND retry_count = $2`,
		p.ID, p.RetryCount, next)
	if err != nil {
		return fmt.Errorf("update payment %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConcurrentUpdate
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payment_retries (payment_id, attempt_number, status, error_message, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		attempt.PaymentID, attempt.AttemptNumber, string(attempt.Status), attempt.ErrorMessage, attempt.CreatedAt)
	if err != nil {
		return fmt.Errorf("record retry attempt: %w", err)
	}

	if next != nil && event != nil {
		if err := outbox.Append(ctx, tx, event); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Attempts returns the retry audit trail of one payment.
func (r *PaymentRepository) Attempts(ctx context.Context, paymentID string) ([]domain.RetryAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT payment_id, attempt_number, status, COALESCE(error_message, ''), created_at
		FROM payment_retries WHERE payment_id = $1 ORDER BY attempt_number`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RetryAttempt
	for rows.Next() {
		var a domain.RetryAttempt
		var status string
		if err := rows.Scan(&a.PaymentID, &a.AttemptNumber, &status, &a.ErrorMessage, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Status = domain.RetryStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}
