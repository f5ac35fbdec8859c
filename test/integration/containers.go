package integration

import (
	"context"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type Env struct {
	PG     *postgres.PostgresContainer
	Kafka  *kafka.KafkaContainer
	PGURL  string
	KAddr  []string
	Cancel context.CancelFunc
}

type Option func(*options)

type options struct {
	kafka bool
}

// WithKafka also starts a single-node broker.
func WithKafka() Option {
	return func(o *options) { o.kafka = true }
}

// Setup starts postgres and, when asked, kafka. Callers own Teardown.
func Setup(ctx context.Context, opts ...Option) (*Env, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	env := &Env{Cancel: cancel}

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("paycore"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	env.PG = pgC

	env.PGURL, err = pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		env.Teardown(context.Background())
		return nil, err
	}

	if !o.kafka {
		return env, nil
	}
	kafkaC, err := kafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafka.WithClusterID("paycore-test"),
	)
	if err != nil {
		env.Teardown(context.Background())
		return nil, err
	}
	env.Kafka = kafkaC

	env.KAddr, err = kafkaC.Brokers(ctx)
	if err != nil {
		env.Teardown(context.Background())
		return nil, err
	}
	return env, nil
}

func (e *Env) Teardown(ctx context.Context) {
	e.Cancel()
	if e.Kafka != nil {
		_ = e.Kafka.Terminate(ctx)
	}
	if e.PG != nil {
		_ = e.PG.Terminate(ctx)
	}
}
