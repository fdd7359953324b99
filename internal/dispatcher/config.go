package dispatcher

import (
	"time"

	"uws/pkg/backoff"
	"uws/pkg/circuitbreaker"
)

// Config holds configuration for the lifecycle notifier.
type Config struct {
	URLs   []string          // receivers; every event is posted to each
	Key    string            // HMAC signing key, empty = unsigned
	Events []string          // event types to send, empty = all
	Source string            // CloudEvents source attribute (default: uws)
	Meta   map[string]string // copied into every event's data

	BufferSize  int           // pending deliveries (default: 1000)
	Workers     int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	MaxRetries  int           // retries after the first attempt (default: 3, negative for none)
	MaxRequeues int           // times a delivery waits out an open circuit (default: 10)
	Backoff     backoff.Policy
	Breaker     circuitbreaker.Config
}

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "uws"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = 30 * time.Second
	}
	return c
}
