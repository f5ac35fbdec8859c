package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/payment-core/internal/payment/application"
	"github.com/dmehra2102/payment-core/internal/payment/domain"
	"github.com/dmehra2102/payment-core/pkg/circuitbreaker"
	"github.com/dmehra2102/payment-core/pkg/ratelimit"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	maxWebhookBytes = 1 << 20
)

type WebhookReceiver interface {
	Receive(ctx context.Context, provider string, payload []byte, signature string) (domain.WebhookEvent, bool, error)
	Process(ctx context.Context, webhookID string) error
}

type Breakers interface {
	Stats() []circuitbreaker.Stats
	ForceReset(name string) bool
}

type Limits interface {
	Reset(ctx context.Context, key ratelimit.Key) error
	ClearAll(ctx context.Context) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	log      *slog.Logger
	inbox    WebhookReceiver
	breakers Breakers
	limits   Limits
	db       Pinger
	gatherer prometheus.Gatherer
	tracer   trace.Tracer
}

func NewHandler(log *slog.Logger, inbox WebhookReceiver, breakers Breakers, limits Limits, db Pinger, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		log:      log,
		inbox:    inbox,
		breakers: breakers,
		limits:   limits,
		db:       db,
		gatherer: gatherer,
		tracer:   otel.Tracer("payment-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/webhooks/{provider}", h.receiveWebhook)
	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/admin", func(r chi.Router) {
		r.Get("/breakers", h.listBreakers)
		r.Post("/breakers/{name}/reset", h.resetBreaker)
		r.Delete("/ratelimits", h.clearLimits)
		r.Delete("/ratelimits/{provider}/{tenant}/{operation}", h.resetLimit)
	})
	return r
}

func (h *Handler) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	ctx, span := h.tracer.Start(r.Context(), "ReceiveWebhook", trace.WithAttributes(attribute.String("provider", provider)))
	defer span.End()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	e, created, err := h.inbox.Receive(ctx, provider, payload, r.Header.Get(SignatureHeader))
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrInvalidSignature):
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	case errors.Is(err, application.ErrUnknownProvider):
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
		return
	case err != nil:
		h.log.Error("webhook not recorded", "provider", provider, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if created {
		// the row is durable; the pending sweep picks it up if this fails
		if err := h.inbox.Process(ctx, e.ID); err != nil {
			h.log.Warn("webhook processing deferred", "webhook_id", e.ID, "event_id", e.EventID, "err", err)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"webhook_id": e.ID, "event_id": e.EventID, "duplicate": !created})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.breakers.Stats())
}

func (h *Handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.breakers.ForceReset(name) {
		http.Error(w, "unknown circuit", http.StatusNotFound)
		return
	}
	h.log.Warn("circuit force reset", "circuit", name)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearLimits(w http.ResponseWriter, r *http.Request) {
	if err := h.limits.ClearAll(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.log.Warn("all rate limit windows cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resetLimit(w http.ResponseWriter, r *http.Request) {
	key := ratelimit.Key{
		Provider:  chi.URLParam(r, "provider"),
		Tenant:    chi.URLParam(r, "tenant"),
		Operation: chi.URLParam(r, "operation"),
	}
	if err := h.limits.Reset(r.Context(), key); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.log.Info("rate limit window reset", "key", key.String())
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
