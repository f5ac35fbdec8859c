package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/dmehra2102/payment-core/internal/config"
	"github.com/dmehra2102/payment-core/internal/payment/application"
	pg "github.com/dmehra2102/payment-core/internal/payment/infrastructure/postgres"
	"github.com/dmehra2102/payment-core/internal/payment/infrastructure/provider"
	"github.com/dmehra2102/payment-core/pkg/circuitbreaker"
	"github.com/dmehra2102/payment-core/pkg/logging"
	"github.com/dmehra2102/payment-core/pkg/metrics"
	"github.com/dmehra2102/payment-core/pkg/ratelimit"
	"github.com/dmehra2102/payment-core/pkg/signature"
	"github.com/dmehra2102/payment-core/pkg/tracing"
)

// app owns every long-lived handle. close releases them in reverse order.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	clock    clockwork.Clock
	pool     *pgxpool.Pool
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	breakers   *circuitbreaker.Registry
	limiter    *ratelimit.Limiter
	gateway    *application.Gateway
	inbox      *application.Inbox
	reconciler *application.Reconciler
	retrier    *application.Retrier

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      logging.New(cfg.LogLevel),
		clock:    clockwork.NewRealClock(),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	tp, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint, a.log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = tp.Shutdown(context.Background()) })

	a.pool, err = pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	a.closers = append(a.closers, a.pool.Close)

	store, err := a.limiterStore()
	if err != nil {
		a.close()
		return nil, err
	}
	a.limiter = ratelimit.New(a.log, store, a.clock, cfg.Limits(), cfg.DefaultLimit(),
		ratelimit.WithRejectHook(func(k ratelimit.Key) {
			a.metrics.RateLimitRejected.WithLabelValues(k.Provider, k.Operation).Inc()
		}))

	a.breakers = circuitbreaker.NewRegistry(a.log, a.clock, circuitbreaker.Settings{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
		IsFailure:        application.CountsAgainstCircuit,
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			a.metrics.BreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(string(to)))
		},
	})

	clients := make(map[string]application.ProviderClient, len(cfg.Providers))
	verifiers := make(map[string]signature.Verifier, len(cfg.Providers))
	for name, p := range cfg.Providers {
		clients[name] = provider.NewClient(a.log, name, p.BaseURL, p.APIKey, &http.Client{})
		v, err := signature.New(a.log, name, p.WebhookSecret, p.AllowUnsignedWebhooks)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		verifiers[name] = v
	}
	a.gateway = application.NewGateway(a.log, clients, cfg.CallTimeouts(), a.breakers, a.limiter)

	payments := pg.NewPaymentRepository(a.log, a.pool)
	webhooks := pg.NewInboxRepository(a.log, a.pool)

	a.inbox = application.NewInbox(a.log, a.clock, webhooks, payments, verifiers, a.metrics, application.InboxConfig{
		MaxRetries: cfg.Inbox.MaxRetries,
		BatchSize:  cfg.Inbox.BatchSize,
	})
	a.reconciler = application.NewReconciler(a.log, a.clock, payments, a.inbox, a.gateway, a.metrics, application.ReconciliationConfig{
		StalenessWindow: cfg.Reconciliation.StalenessWindow,
		LookbackWindow:  cfg.Reconciliation.LookbackWindow,
		BatchSize:       cfg.Reconciliation.BatchSize,
		Providers:       cfg.ProviderNames(),
	})
	a.retrier = application.NewRetrier(a.log, a.clock, payments, a.gateway, a.metrics, application.RetryConfig{
		CoolDown:    cfg.Retry.CoolDown,
		MaxAttempts: cfg.Retry.MaxAttempts,
		BatchSize:   cfg.Retry.BatchSize,
	})
	return a, nil
}

func (a *app) limiterStore() (ratelimit.Store, error) {
	if a.cfg.RateLimit.Backend != "redis" {
		return ratelimit.NewMemoryStore(), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	a.log.Info("rate limit windows shared through redis", "addr", a.cfg.RedisAddr)
	return ratelimit.NewRedisStore(rdb, ""), nil
}
