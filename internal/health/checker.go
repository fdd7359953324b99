// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReadinessChecker is implemented by dependencies that must be reachable
// before the service accepts work, such as the container runtime.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// ReadinessFunc adapts a function to ReadinessChecker.
type ReadinessFunc func(ctx context.Context) error

// Ready calls f.
func (f ReadinessFunc) Ready(ctx context.Context) error { return f(ctx) }

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type check struct {
	name     string
	checker  ReadinessChecker
	critical bool
}

// Checker runs the registered readiness checks and caches the outcome
// briefly so probes do not hammer dependencies.
type Checker struct {
	timeout  time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	mu           sync.RWMutex
	checks       []check
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker with no dependencies registered.
func NewChecker() *Checker {
	return &Checker{
		timeout:  5 * time.Second,
		cacheTTL: time.Second,
		now:      time.Now,
	}
}

// Register adds a named dependency. A failing critical dependency makes the
// service unhealthy; a failing optional one only degrades it.
func (c *Checker) Register(name string, rc ReadinessChecker, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check{name: name, checker: rc, critical: critical})
	c.cachedReady = nil
}

// Liveness returns healthy while the process runs. It checks no dependency.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness checks every registered dependency concurrently.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && c.now().Sub(c.lastCheck) < c.cacheTTL {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	checks := append([]check(nil), c.checks...)
	c.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range checks {
		g.Go(func() error {
			results[i] = c.run(gctx, ch)
			return nil
		})
	}
	_ = g.Wait()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(checks))}
	for i, ch := range checks {
		res := results[i]
		if res.Status != StatusHealthy {
			if !ch.critical {
				res.Status = StatusDegraded
				if response.Status == StatusHealthy {
					response.Status = StatusDegraded
				}
			} else {
				response.Status = StatusUnhealthy
			}
		}
		response.Checks[ch.name] = res
	}
	if len(checks) == 0 {
		response.Status = StatusUnhealthy
		response.Checks["runner"] = CheckResult{Status: StatusUnhealthy, Message: "no work runner configured"}
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = c.now()
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context, ch check) CheckResult {
	if ch.checker == nil {
		return CheckResult{Status: StatusUnhealthy, Message: ch.name + " not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := ch.checker.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// IsHealthy reports whether the service can accept work. A degraded service
// still can.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// SetShuttingDown makes readiness fail immediately so no new work arrives
// while running jobs drain.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
