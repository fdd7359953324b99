package circuitbreaker

import (
	"sync"
)

// Registry hands out one breaker per key, created on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
	// onChange receives the key along with the transition.
	onChange func(key string, from, to State)
}

// NewRegistry creates a registry whose breakers share cfg. onChange may be nil.
func NewRegistry(cfg Config, onChange func(key string, from, to State)) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
		onChange: onChange,
	}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	cfg := r.config
	if r.onChange != nil {
		cfg.OnStateChange = func(from, to State) { r.onChange(key, from, to) }
	}
	b := New(cfg)
	r.breakers[key] = b
	return b
}

// States returns the state of every breaker by key.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	breakers := make(map[string]*Breaker, len(r.breakers))
	for k, b := range r.breakers {
		breakers[k] = b
	}
	r.mu.Unlock()

	states := make(map[string]State, len(breakers))
	for k, b := range breakers {
		states[k] = b.State()
	}
	return states
}
