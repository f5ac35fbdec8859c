package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Querier is the subset of pgx.Tx that Append needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Append writes e inside the caller's transaction and never opens its own.
// created_at is taken at insert time, so entries for one aggregate follow the
// order in which their row locks were granted.
func Append(ctx context.Context, tx Querier, e *Entry) error {
	if e.AggregateID == "" || e.EventType == "" {
		return errors.New("outbox: aggregate id and event type are required")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (id, aggregate_id, aggregate_type, event_type, payload, traceparent, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, clock_timestamp())
		RETURNING created_at`,
		e.ID, e.AggregateID, e.AggregateType, e.EventType, e.Payload, e.Traceparent,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("outbox append %s: %w", e.EventType, err)
	}
	return nil
}
