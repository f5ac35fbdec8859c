package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Entry is one domain event queued for delivery to other services.
type Entry struct {
	ID            uuid.UUID
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       []byte
	Traceparent   string
	Processed     bool
	ProcessedAt   *time.Time
	CreatedAt     time.Time
}
