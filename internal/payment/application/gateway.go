package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/payment-core/internal/payment/domain"
	"github.com/dmehra2102/payment-core/pkg/circuitbreaker"
	"github.com/dmehra2102/payment-core/pkg/ratelimit"
)

const (
	OpRetrieve   = "retrieve"
	OpConfirm    = "confirm"
	OpListEvents = "list_events"

	// tenant used for calls not made on behalf of a single tenant
	systemTenant = "_system"
)

var ErrUnknownProvider = errors.New("unknown provider")

// CountsAgainstCircuit is the breaker failure predicate for provider calls.
// Limiter refusals and caller cancellation say nothing about provider health.
func CountsAgainstCircuit(err error) bool {
	return !errors.Is(err, ratelimit.ErrLimitExceeded) && !errors.Is(err, context.Canceled)
}

// Gateway runs every provider call through the provider's circuit breaker,
// then the rate limiter, then a per-call timeout.
type Gateway struct {
	log      *slog.Logger
	clients  map[string]ProviderClient
	timeouts map[string]time.Duration
	breakers *circuitbreaker.Registry
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
}

func NewGateway(log *slog.Logger, clients map[string]ProviderClient, timeouts map[string]time.Duration, breakers *circuitbreaker.Registry, limiter *ratelimit.Limiter) *Gateway {
	return &Gateway{
		log:      log,
		clients:  clients,
		timeouts: timeouts,
		breakers: breakers,
		limiter:  limiter,
		tracer:   otel.Tracer("provider-gateway"),
	}
}

func (g *Gateway) Providers() []string {
	out := make([]string, 0, len(g.clients))
	for name := range g.clients {
		out = append(out, name)
	}
	return out
}

func (g *Gateway) Retrieve(ctx context.Context, provider, tenant, id string) (domain.ProviderPayment, error) {
	var out domain.ProviderPayment
	err := g.call(ctx, provider, tenant, OpRetrieve, func(ctx context.Context, c ProviderClient) error {
		var err error
		out, err = c.Retrieve(ctx, id)
		return err
	})
	return out, err
}

func (g *Gateway) Confirm(ctx context.Context, provider, tenant, id string) (domain.ProviderPayment, error) {
	var out domain.ProviderPayment
	err := g.call(ctx, provider, tenant, OpConfirm, func(ctx context.Context, c ProviderClient) error {
		var err error
		out, err = c.Confirm(ctx, id)
		return err
	})
	return out, err
}

func (g *Gateway) ListEvents(ctx context.Context, provider string, since time.Time) ([]domain.ProviderEvent, error) {
	var out []domain.ProviderEvent
	err := g.call(ctx, provider, systemTenant, OpListEvents, func(ctx context.Context, c ProviderClient) error {
		var err error
		out, err = c.ListEvents(ctx, since)
		return err
	})
	return out, err
}

func (g *Gateway) call(ctx context.Context, provider, tenant, op string, fn func(ctx context.Context, c ProviderClient) error) error {
	client, ok := g.clients[provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if tenant == "" {
		tenant = systemTenant
	}

	ctx, span := g.tracer.Start(ctx, "provider."+op, trace.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("tenant", tenant),
	))
	defer span.End()

	key := ratelimit.Key{Provider: provider, Tenant: tenant, Operation: op}
	err := g.breakers.Get(provider).Execute(ctx, func(ctx context.Context) error {
		return g.limiter.ExecuteWithRateLimit(ctx, key, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, g.timeout(provider))
			defer cancel()
			return fn(callCtx, client)
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s %s: %w", provider, op, err)
	}
	return nil
}

func (g *Gateway) timeout(provider string) time.Duration {
	if d, ok := g.timeouts[provider]; ok && d > 0 {
		return d
	}
	return 10 * time.Second
}
