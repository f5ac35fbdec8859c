package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is matched by every *OpenError.
var ErrOpen = errors.New("circuit open")

// OpenError is returned without invoking the wrapped call while the circuit is open.
type OpenError struct {
	Name        string
	NextAttempt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open until %s", e.Name, e.NextAttempt.Format(time.RFC3339Nano))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration

	// IsFailure decides whether an error counts against the circuit.
	// Errors it rejects are passed through without touching the counters.
	IsFailure func(err error) bool

	OnStateChange func(name string, from, to State)
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

type Stats struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	Trials      int       `json:"trials_in_flight"`
	OpenedAt    time.Time `json:"opened_at,omitempty"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

type Breaker struct {
	name  string
	cfg   Settings
	clock clockwork.Clock
	log   *slog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	trials      int
	openedAt    time.Time
	nextAttempt time.Time
}

func New(log *slog.Logger, clock clockwork.Clock, name string, cfg Settings) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		clock: clock,
		log:   log,
		state: StateClosed,
	}
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the circuit is open. An open circuit fails synchronously.
// While half open, at most SuccessThreshold trial calls are in flight; the rest
// are refused like an open circuit.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.before()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.after(err, trial)
	return err
}

func (b *Breaker) before() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.clock.Now().Before(b.nextAttempt) {
			return false, &OpenError{Name: b.name, NextAttempt: b.nextAttempt}
		}
		b.setState(StateHalfOpen)
		b.successes = 0
	}
	if b.trials >= b.cfg.SuccessThreshold {
		return false, &OpenError{Name: b.name, NextAttempt: b.nextAttempt}
	}
	b.trials++
	return true, nil
}

func (b *Breaker) after(err error, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial && b.trials > 0 {
		b.trials--
	}
	if err == nil {
		b.onSuccess()
		return
	}
	if b.cfg.IsFailure(err) {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
			b.failures = 0
			b.successes = 0
			b.openedAt = time.Time{}
			b.nextAttempt = time.Time{}
		}
	}
}

func (b *Breaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.failures++
		b.open()
	}
}

func (b *Breaker) open() {
	now := b.clock.Now()
	b.openedAt = now
	b.nextAttempt = now.Add(b.cfg.Timeout)
	b.successes = 0
	b.setState(StateOpen)
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.log.Warn("circuit state changed", "circuit", b.name, "from", from, "to", to, "failures", b.failures)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// ForceReset closes the circuit and clears all counters.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed)
	b.failures = 0
	b.successes = 0
	b.openedAt = time.Time{}
	b.nextAttempt = time.Time{}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:        b.name,
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		Trials:      b.trials,
		OpenedAt:    b.openedAt,
		NextAttempt: b.nextAttempt,
	}
}
