package circuitbreaker

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Registry hands out one Breaker per dependency key, created on first use.
type Registry struct {
	log   *slog.Logger
	clock clockwork.Clock
	cfg   Settings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(log *slog.Logger, clock clockwork.Clock, cfg Settings) *Registry {
	return &Registry{
		log:      log,
		clock:    clock,
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(r.log, r.clock, name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Lookup returns the breaker for name without creating it.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

func (r *Registry) ForceReset(name string) bool {
	b, ok := r.Lookup(name)
	if !ok {
		return false
	}
	b.ForceReset()
	return true
}

func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
