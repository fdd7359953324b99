// Package manager provides the default execution and destruction managers.
package manager

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"uws/internal/job"
)

// Launcher starts a queued job immediately.
type Launcher interface {
	Launch(ctx context.Context, j *job.Job) error
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	// MaxRunning bounds concurrently executing jobs; 0 means unbounded.
	MaxRunning int
	// StartRate limits job starts per second; 0 means unlimited.
	StartRate float64
	// StartBurst is the number of starts allowed at once when StartRate is set.
	StartBurst int
}

// QueueStats is a snapshot of the queue.
type QueueStats struct {
	Running int
	Waiting int
}

// Queue admits jobs in FIFO order while the number of running jobs stays
// below MaxRunning and starts stay within StartRate.
type Queue struct {
	maxRunning int
	limiter    *rate.Limiter
	logger     *slog.Logger
	onChange   func(QueueStats)

	mu       sync.Mutex
	launcher Launcher
	running  map[string]*job.Job
	waiting  []*job.Job
	retry    *time.Timer
	closed   bool
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithStatsHook is called with the new stats whenever the queue changes.
func WithStatsHook(fn func(QueueStats)) QueueOption {
	return func(q *Queue) { q.onChange = fn }
}

// WithQueueLogger sets the logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// NewQueue creates a queue. Jobs are only launched once a Launcher is bound.
func NewQueue(cfg QueueConfig, opts ...QueueOption) *Queue {
	q := &Queue{
		maxRunning: max(cfg.MaxRunning, 0),
		running:    make(map[string]*job.Job),
		onChange:   func(QueueStats) {},
	}
	if cfg.StartRate > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.StartRate), max(cfg.StartBurst, 1))
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.With("component", "queue")
	}
	return q
}

// Bind sets the launcher and starts any jobs already waiting.
func (q *Queue) Bind(l Launcher) {
	q.mu.Lock()
	q.launcher = l
	q.mu.Unlock()
	q.refresh(context.Background())
}

// Execute admits j. A job that is already executing, for instance one moved
// over from another manager, is counted as running without being launched
// again. Other jobs wait in QUEUED until a slot is free.
func (q *Queue) Execute(ctx context.Context, j *job.Job) error {
	q.mu.Lock()
	if _, ok := q.running[j.ID()]; ok || q.waitingIndexLocked(j.ID()) >= 0 {
		q.mu.Unlock()
		return nil
	}
	switch j.Phase() {
	case job.Executing, job.Suspended:
		q.running[j.ID()] = j
		q.notifyLocked()
		q.mu.Unlock()
		return nil
	case job.Pending, job.Held:
		if err := j.SetPhase(job.Queued); err != nil {
			q.mu.Unlock()
			return err
		}
	}
	q.waiting = append(q.waiting, j)
	q.notifyLocked()
	q.mu.Unlock()

	q.logger.Debug("Job queued", "jobId", j.ID())
	q.refresh(ctx)
	return nil
}

// Remove forgets j and starts the next waiting job if a slot was freed.
func (q *Queue) Remove(j *job.Job) {
	q.mu.Lock()
	_, wasRunning := q.running[j.ID()]
	delete(q.running, j.ID())
	if i := q.waitingIndexLocked(j.ID()); i >= 0 {
		q.waiting = slices.Delete(q.waiting, i, i+1)
	}
	q.notifyLocked()
	q.mu.Unlock()

	if wasRunning {
		q.refresh(context.Background())
	}
}

// Stats returns the current queue occupancy.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

// Close stops launching jobs. Waiting jobs stay queued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.retry != nil {
		q.retry.Stop()
	}
}

// refresh launches waiting jobs while capacity allows. Launches happen
// outside the lock because the launcher may call back into the queue.
func (q *Queue) refresh(ctx context.Context) {
	for {
		j, l := q.next()
		if j == nil {
			return
		}
		if err := l.Launch(ctx, j); err != nil {
			q.logger.Error("Job failed to launch", "jobId", j.ID(), "error", err)
			if ferr := j.Fail(job.ErrorSummary{Kind: job.ErrorFatal, Message: err.Error()}); ferr != nil {
				q.logger.Debug("Job not failed after launch error", "jobId", j.ID(), "error", ferr)
			}
			q.mu.Lock()
			delete(q.running, j.ID())
			q.notifyLocked()
			q.mu.Unlock()
		}
	}
}

// next pops the next launchable job and marks it running.
func (q *Queue) next() (*job.Job, Launcher) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed || q.launcher == nil || len(q.waiting) == 0 {
			return nil, nil
		}
		if q.maxRunning > 0 && len(q.running) >= q.maxRunning {
			return nil, nil
		}
		j := q.waiting[0]
		if j.Phase() != job.Queued {
			// aborted or archived while waiting
			q.waiting = q.waiting[1:]
			q.notifyLocked()
			continue
		}
		if q.limiter != nil {
			r := q.limiter.Reserve()
			if d := r.Delay(); d > 0 {
				r.Cancel()
				q.scheduleRetryLocked(d)
				return nil, nil
			}
		}
		q.waiting = q.waiting[1:]
		q.running[j.ID()] = j
		q.notifyLocked()
		return j, q.launcher
	}
}

func (q *Queue) scheduleRetryLocked(d time.Duration) {
	if q.retry != nil {
		q.retry.Stop()
	}
	q.retry = time.AfterFunc(d, func() { q.refresh(context.Background()) })
}

func (q *Queue) waitingIndexLocked(id string) int {
	return slices.IndexFunc(q.waiting, func(j *job.Job) bool { return j.ID() == id })
}

func (q *Queue) statsLocked() QueueStats {
	return QueueStats{Running: len(q.running), Waiting: len(q.waiting)}
}

func (q *Queue) notifyLocked() {
	q.onChange(q.statsLocked())
}
