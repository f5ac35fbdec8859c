package outbox

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/dmehra2102/payment-core/pkg/tracing"
)

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Dispatcher struct {
	log      *slog.Logger
	producer Producer
	topic    string
}

func NewDispatcher(log *slog.Logger, producer Producer, topic string) *Dispatcher {
	return &Dispatcher{log: log, producer: producer, topic: topic}
}

// Dispatch publishes e keyed by aggregate id so one aggregate stays on one partition.
func (d *Dispatcher) Dispatch(ctx context.Context, e Entry) error {
	headers := []kafka.Header{
		{Key: "event_type", Value: []byte(e.EventType)},
		{Key: "aggregate_type", Value: []byte(e.AggregateType)},
		{Key: "outbox_id", Value: []byte(e.ID.String())},
	}
	headers = tracing.InjectKafkaHeaders(tracing.ContextFromTraceparent(ctx, e.Traceparent), headers)

	msg := kafka.Message{
		Topic:   d.topic,
		Key:     []byte(e.AggregateID),
		Value:   e.Payload,
		Headers: headers,
	}
	if err := d.producer.WriteMessages(ctx, msg); err != nil {
		d.log.Error("outbox dispatch failed", "outbox_id", e.ID, "err", err)
		return err
	}
	d.log.Info("outbox dispatched", "outbox_id", e.ID, "type", e.EventType, "aggregate_id", e.AggregateID)
	return nil
}
