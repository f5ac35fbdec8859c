package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/dmehra2102/payment-core/internal/config"
	pg "github.com/dmehra2102/payment-core/internal/payment/infrastructure/postgres"
	"github.com/dmehra2102/payment-core/pkg/logging"
	"github.com/dmehra2102/payment-core/pkg/metrics"
	"github.com/dmehra2102/payment-core/pkg/outbox"
	"github.com/dmehra2102/payment-core/pkg/shutdown"
	"github.com/dmehra2102/payment-core/pkg/tracing"
)

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logging.New("info").Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)
	ctx, cancel := shutdown.WithSignals(context.Background(), log)
	defer cancel()

	tp, err := tracing.Init(ctx, "outbox-relay", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	defer func() { _ = writer.Close() }()

	reg := prometheus.NewRegistry()
	if cfg.Relay.MetricsAddr != "" {
		srv := &http.Server{
			Addr:        cfg.Relay.MetricsAddr,
			Handler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "err", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	host, _ := os.Hostname()
	relay := outbox.NewRelay(log, clockwork.NewRealClock(),
		pg.NewOutboxStore(log, pool),
		outbox.NewDispatcher(log, writer, cfg.OutboxTopic),
		metrics.New(reg),
		"outbox-relay-"+host, cfg.Relay.BatchSize, cfg.Relay.Interval)

	log.Info("outbox relay started", "topic", cfg.OutboxTopic, "brokers", cfg.KafkaBrokers)
	if err := relay.Run(ctx); err != nil {
		log.Error("relay stopped", "err", err)
		os.Exit(1)
	}
	log.Info("outbox relay shutdown complete")
}
