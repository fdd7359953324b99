// Package circuitbreaker stops calls to a destination after repeated
// failures and probes it again after a cooldown.
//
// States:
//   - Closed: calls allowed
//   - Open: calls blocked until the cooldown elapses
//   - HalfOpen: a single probe call is in flight
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // Consecutive failures before the circuit opens (default: 5)
	Cooldown  time.Duration // Time open before a probe is allowed (default: 30s)
	// OnStateChange, if set, is called after every transition with the
	// breaker unlocked.
	OnStateChange func(from, to State)
}

// Breaker guards a single destination.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a call may be attempted. In the half-open state only
// one caller is admitted until its result is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := true
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			allowed = false
			break
		}
		b.state = HalfOpen
		b.probing = true
	case HalfOpen:
		if b.probing {
			allowed = false
		} else {
			b.probing = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.probing = false
	b.state = Closed
	b.mu.Unlock()

	b.notify(from, Closed)
}

// RecordFailure counts a failure and opens the circuit at the threshold or
// when a probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.probing = false
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
		b.openedAt = b.now()
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
