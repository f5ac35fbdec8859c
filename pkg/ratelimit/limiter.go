package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrLimitExceeded is matched by every *LimitExceededError.
var ErrLimitExceeded = errors.New("rate limit exceeded")

type LimitExceededError struct {
	Key        Key
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter)
}

func (e *LimitExceededError) Is(target error) bool { return target == ErrLimitExceeded }

// Key identifies one window: calls to one provider operation on behalf of one tenant.
type Key struct {
	Provider  string
	Tenant    string
	Operation string
}

func (k Key) String() string {
	return k.Provider + ":" + k.Tenant + ":" + k.Operation
}

type Limit struct {
	Max    int
	Window time.Duration
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Store keeps the per-key windows. Take records one call when it is admitted.
type Store interface {
	Take(ctx context.Context, key string, limit Limit, now time.Time) (Decision, error)
	Reset(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Cleanup(ctx context.Context, now time.Time) (int, error)
}

type Limiter struct {
	log    *slog.Logger
	store  Store
	clock  clockwork.Clock
	limits map[string]Limit
	def    Limit

	onReject func(key Key)
}

type Option func(*Limiter)

// WithRejectHook is called every time a key is refused.
func WithRejectHook(fn func(key Key)) Option {
	return func(l *Limiter) { l.onReject = fn }
}

// New builds a limiter. limits is keyed by provider name; providers missing from it use def.
func New(log *slog.Logger, store Store, clock clockwork.Clock, limits map[string]Limit, def Limit, opts ...Option) *Limiter {
	l := &Limiter{
		log:    log,
		store:  store,
		clock:  clock,
		limits: limits,
		def:    def,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) LimitFor(provider string) Limit {
	if lim, ok := l.limits[provider]; ok {
		return lim
	}
	return l.def
}

// CheckLimit admits or refuses one call without waiting.
func (l *Limiter) CheckLimit(ctx context.Context, key Key) (Decision, error) {
	d, err := l.store.Take(ctx, key.String(), l.LimitFor(key.Provider), l.clock.Now())
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check %s: %w", key, err)
	}
	if !d.Allowed && l.onReject != nil {
		l.onReject(key)
	}
	return d, nil
}

// ExecuteWithRateLimit runs fn once the key admits it. A refused call waits
// for the window to reset and is checked one more time.
func (l *Limiter) ExecuteWithRateLimit(ctx context.Context, key Key, fn func(ctx context.Context) error) error {
	d, err := l.CheckLimit(ctx, key)
	if err != nil {
		return err
	}
	if !d.Allowed {
		l.log.Debug("rate limited, waiting for window reset", "key", key.String(), "retry_after", d.RetryAfter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(d.RetryAfter):
		}
		d, err = l.CheckLimit(ctx, key)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return &LimitExceededError{Key: key, RetryAfter: d.RetryAfter}
		}
	}
	return fn(ctx)
}

func (l *Limiter) Reset(ctx context.Context, key Key) error {
	return l.store.Reset(ctx, key.String())
}

func (l *Limiter) ClearAll(ctx context.Context) error {
	return l.store.Clear(ctx)
}

// Cleanup purges windows that have fully expired.
func (l *Limiter) Cleanup(ctx context.Context) error {
	n, err := l.store.Cleanup(ctx, l.clock.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		l.log.Debug("rate limit windows purged", "count", n)
	}
	return nil
}
