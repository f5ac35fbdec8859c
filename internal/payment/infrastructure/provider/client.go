package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/dmehra2102/payment-core/internal/payment/domain"
)

// TransientError covers network failures, 5xx and 429. Worth retrying later.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: transient status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError covers the remaining 4xx responses: credentials or configuration
// that will not fix themselves.
type AuthError struct {
	Op      string
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider %s: status %d: %s", e.Op, e.Status, e.Message)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const maxEventPages = 20

// Client talks to a Stripe-style payment intents API.
type Client struct {
	log     *slog.Logger
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(log *slog.Logger, name, baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		log:     log,
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

type intentResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type eventResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
}

type eventListResponse struct {
	Data    []json.RawMessage `json:"data"`
	HasMore bool              `json:"has_more"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Retrieve(ctx context.Context, id string) (domain.ProviderPayment, error) {
	var out intentResponse
	if err := c.do(ctx, "retrieve", http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil, &out); err != nil {
		return domain.ProviderPayment{}, err
	}
	return domain.ProviderPayment{ID: out.ID, Status: domain.ProviderStatus(out.Status)}, nil
}

func (c *Client) Confirm(ctx context.Context, id string) (domain.ProviderPayment, error) {
	var out intentResponse
	if err := c.do(ctx, "confirm", http.MethodPost, "/v1/payment_intents/"+url.PathEscape(id)+"/confirm", nil, &out); err != nil {
		return domain.ProviderPayment{}, err
	}
	return domain.ProviderPayment{ID: out.ID, Status: domain.ProviderStatus(out.Status)}, nil
}

// ListEvents pages through events created at or after since. Each event's
// raw JSON is kept as the payload so it can be fed through the inbox.
func (c *Client) ListEvents(ctx context.Context, since time.Time) ([]domain.ProviderEvent, error) {
	var events []domain.ProviderEvent
	after := ""
	for page := 0; page < maxEventPages; page++ {
		q := url.Values{}
		q.Set("created[gte]", strconv.FormatInt(since.Unix(), 10))
		q.Set("limit", "100")
		if after != "" {
			q.Set("starting_after", after)
		}

		var list eventListResponse
		if err := c.do(ctx, "list_events", http.MethodGet, "/v1/events?"+q.Encode(), nil, &list); err != nil {
			return nil, err
		}
		for _, raw := range list.Data {
			var ev eventResponse
			if err := json.Unmarshal(raw, &ev); err != nil {
				return nil, fmt.Errorf("decode provider event: %w", err)
			}
			events = append(events, domain.ProviderEvent{
				ID:        ev.ID,
				Type:      ev.Type,
				CreatedAt: time.Unix(ev.Created, 0).UTC(),
				Payload:   raw,
			})
			after = ev.ID
		}
		if !list.HasMore || len(list.Data) == 0 {
			return events, nil
		}
	}
	c.log.Warn("provider event listing truncated", "provider", c.name, "pages", maxEventPages)
	return events, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{Op: op, Status: resp.StatusCode}
	case resp.StatusCode >= 400:
		var er errorResponse
		_ = json.Unmarshal(data, &er)
		c.log.Error("provider rejected request", "provider", c.name, "op", op, "status", resp.StatusCode, "message", er.Error.Message)
		return &AuthError{Op: op, Status: resp.StatusCode, Message: er.Error.Message}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("provider %s: decode response: %w", op, err)
	}
	return nil
}
