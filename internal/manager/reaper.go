package manager

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"uws/internal/job"
)

// Destroyer applies the destruction policy to a job.
type Destroyer interface {
	Destroy(ctx context.Context, id string) bool
}

// Reaper destroys jobs when their destruction time is reached. It keeps one
// timer armed for the earliest tracked time.
type Reaper struct {
	now    func() time.Time
	logger *slog.Logger
	wake   chan struct{}

	mu       sync.Mutex
	expiries map[string]time.Time
}

// NewReaper creates an idle reaper. Call Start to begin destroying jobs.
func NewReaper() *Reaper {
	return &Reaper{
		now:      time.Now,
		logger:   slog.With("component", "reaper"),
		wake:     make(chan struct{}, 1),
		expiries: make(map[string]time.Time),
	}
}

// Update tracks j's destruction time. Jobs without one, and archived jobs,
// are not tracked.
func (r *Reaper) Update(j *job.Job) {
	dt := j.DestructionTime()
	r.mu.Lock()
	if dt.IsZero() || j.Phase() == job.Archived {
		delete(r.expiries, j.ID())
	} else {
		r.expiries[j.ID()] = dt
	}
	r.mu.Unlock()
	r.signal()
}

// Remove stops tracking j.
func (r *Reaper) Remove(j *job.Job) {
	r.mu.Lock()
	_, ok := r.expiries[j.ID()]
	delete(r.expiries, j.ID())
	r.mu.Unlock()
	if ok {
		r.signal()
	}
}

// Tracked returns the number of jobs awaiting destruction.
func (r *Reaper) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.expiries)
}

// Next returns the earliest tracked destruction time, zero when none.
func (r *Reaper) Next() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next time.Time
	for _, t := range r.expiries {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	return next
}

func (r *Reaper) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start runs the reaper until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context, d Destroyer) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var fire <-chan time.Time
		if next := r.Next(); !next.IsZero() {
			timer.Reset(max(next.Sub(r.now()), 0))
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-r.wake:
			timer.Stop()
		case <-fire:
			r.Reap(ctx, d)
		}
	}
}

// Reap destroys every job whose destruction time has passed. The reaper's
// lock is released before the destroyer is called.
func (r *Reaper) Reap(ctx context.Context, d Destroyer) int {
	now := r.now()
	r.mu.Lock()
	var due []string
	for id, t := range r.expiries {
		if !t.After(now) {
			due = append(due, id)
			delete(r.expiries, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(due)
	for _, id := range due {
		if ctx.Err() != nil {
			return 0
		}
		if d.Destroy(ctx, id) {
			r.logger.Debug("Destruction time reached", "jobId", id)
		}
	}
	return len(due)
}
