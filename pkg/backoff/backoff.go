// Package backoff computes retry delays.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes an exponential backoff. Zero values use defaults.
type Policy struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	// Jitter spreads each delay uniformly over [d*(1-Jitter), d]. It is
	// clamped to [0, 1].
	Jitter float64
}

func (p Policy) normalized() Policy {
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Second
	}
	p.Jitter = math.Min(math.Max(p.Jitter, 0), 1)
	return p
}

// Delay returns the wait before retry attempt n. Attempt 1 waits Initial,
// attempt 2 twice that, and so on up to Max.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial) * math.Pow(2, float64(attempt-1))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		d -= d * p.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
