package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"uws/internal/apperrors"
	"uws/internal/job"
	"uws/internal/registry"
)

// ManagerSource provides the execution manager used for admission control.
// The registry implements it.
type ManagerSource interface {
	ExecutionManager() registry.ExecutionManager
}

// AsyncConfig configures an AsyncController.
type AsyncConfig struct {
	Limits Limits
	// Grace is how long Stop and the watchdog wait for a cancelled unit.
	Grace time.Duration
}

// AsyncController starts jobs in the background and stops them on request or
// when their execution duration runs out.
type AsyncController struct {
	work   Work
	limits Limits
	grace  time.Duration
	source ManagerSource
	opts   options

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// run tracks one background execution.
type run struct {
	job       *job.Job
	unit      *unit
	deadline  time.Duration
	span      trace.Span
	watchdog  *time.Timer
	once      sync.Once
	finalized chan struct{}
	report    *Report
}

// NewAsyncController creates a controller running w. source may be nil, in
// which case admission control is skipped.
func NewAsyncController(w Work, source ManagerSource, cfg AsyncConfig, opts ...Option) *AsyncController {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &AsyncController{
		work:   w,
		limits: cfg.Limits,
		grace:  cfg.Grace,
		source: source,
		opts:   buildOptions("async", opts),
		runs:   make(map[string]*run),
	}
}

func (c *AsyncController) manager() registry.ExecutionManager {
	if c.source == nil {
		return nil
	}
	return c.source.ExecutionManager()
}

// Start begins executing j. With admission control the job is handed to the
// execution manager, which launches it when capacity allows; otherwise it is
// launched immediately. Start does not wait for the job.
func (c *AsyncController) Start(ctx context.Context, j *job.Job, useAdmission bool) error {
	if useAdmission {
		if m := c.manager(); m != nil {
			return m.Execute(ctx, j)
		}
	}
	return c.Launch(ctx, j)
}

// Launch starts j now. The job must be PENDING, HELD or QUEUED.
func (c *AsyncController) Launch(ctx context.Context, j *job.Job) error {
	switch p := j.Phase(); p {
	case job.Pending, job.Held:
		if err := j.SetPhase(job.Queued); err != nil {
			return err
		}
	case job.Queued:
	default:
		return apperrors.Conflict("job", j.ID(), fmt.Sprintf("not ready to run in phase %s", p))
	}

	requested, err := j.Params().ExecutionDuration()
	if err != nil {
		if ferr := j.Fail(job.ErrorSummary{Kind: job.ErrorFatal, Message: err.Error()}); ferr != nil {
			c.opts.logger.Warn("Job could not be failed", "jobId", j.ID(), "error", ferr)
		}
		return err
	}
	deadline := DetermineDeadline(c.limits, requested, false)

	if err := j.SetPhase(job.Executing); err != nil {
		return err
	}
	setQuote(j, deadline)

	logger := c.opts.logger.With("jobId", j.ID(), "owner", j.Owner().String())
	spanCtx, span := startSpan(ctx, c.opts.tracer, "uws.job.async", j, deadline)
	u := spawn(spanCtx, j, c.work, logger)
	r := &run{
		job:       j,
		unit:      u,
		deadline:  deadline,
		span:      span,
		finalized: make(chan struct{}),
	}
	if err := j.Attach(u); err != nil {
		u.cancelWith(errStopped)
	}

	c.mu.Lock()
	c.runs[j.ID()] = r
	c.mu.Unlock()

	if deadline > 0 {
		r.watchdog = time.AfterFunc(deadline, func() { c.expire(r) })
	}

	c.opts.sink.Emit(ctx, job.NewEvent(job.EventStarted, j))

	c.wg.Add(1)
	go c.await(r)
	return nil
}

// expire fires when a run exceeds its execution duration.
func (c *AsyncController) expire(r *run) {
	if r.unit.finished() {
		return
	}
	r.unit.cancelWith(errDeadline)
	e := job.NewEvent(job.EventTimedOut, r.job)
	e.Elapsed = r.deadline
	c.opts.sink.Emit(context.Background(), e)

	if !r.unit.wait(c.grace) {
		c.opts.logger.Error("Job did not stop after its execution duration", "jobId", r.job.ID(), "graceMs", c.grace.Milliseconds())
		c.finalize(r, true)
	}
}

func (c *AsyncController) await(r *run) {
	defer c.wg.Done()
	<-r.unit.Done()
	if r.watchdog != nil {
		r.watchdog.Stop()
	}
	if !c.finalize(r, false) {
		c.opts.logger.Warn("Job returned after it was given up on", "jobId", r.job.ID())
	}
}

// finalize records the outcome exactly once and frees the execution slot.
func (c *AsyncController) finalize(r *run, stillRunning bool) bool {
	first := false
	r.once.Do(func() {
		first = true
		logger := c.opts.logger.With("jobId", r.job.ID())
		rep := settle(r.job, r.unit, r.deadline, stillRunning, logger)
		endSpan(r.span, rep)
		r.report = rep

		if m := c.manager(); m != nil {
			m.Remove(r.job)
		}
		c.mu.Lock()
		if c.runs[r.job.ID()] == r {
			delete(c.runs, r.job.ID())
		}
		c.mu.Unlock()

		c.opts.sink.Emit(context.Background(), endedEvent(r.job, rep, false))
		close(r.finalized)
	})
	return first
}

// Stop cancels a running job, asks the work to abort and waits up to the
// grace period. It is idempotent and never fails; a unit that does not stop
// in time is logged and given up on.
func (c *AsyncController) Stop(j *job.Job) {
	c.mu.Lock()
	r := c.runs[j.ID()]
	c.mu.Unlock()

	if r == nil {
		if u := j.Unit(); u != nil {
			u.Cancel()
		}
		return
	}

	r.unit.cancelWith(errStopped)
	if a, ok := c.work.(Aborter); ok {
		ctx, cancel := context.WithTimeout(context.Background(), c.grace)
		if err := a.Abort(ctx, j); err != nil {
			c.opts.logger.Warn("Work abort failed", "jobId", j.ID(), "error", err)
		}
		cancel()
	}

	t := time.NewTimer(c.grace)
	defer t.Stop()
	select {
	case <-r.finalized:
	case <-t.C:
		c.opts.logger.Error("Job did not stop within grace period", "jobId", j.ID(), "graceMs", c.grace.Milliseconds())
		c.finalize(r, true)
	}
}

// Wait blocks until the job's current run has been finalized and returns its
// report. It returns nil immediately when the job is not running.
func (c *AsyncController) Wait(ctx context.Context, id string) (*Report, error) {
	c.mu.Lock()
	r := c.runs[id]
	c.mu.Unlock()
	if r == nil {
		return nil, nil
	}
	select {
	case <-r.finalized:
		return r.report, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Running returns the number of jobs with a live run.
func (c *AsyncController) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

// Close stops every running job and waits for the background goroutines of
// units that honoured cancellation.
func (c *AsyncController) Close(ctx context.Context) error {
	c.mu.Lock()
	runs := make([]*run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	for _, r := range runs {
		c.Stop(r.job)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
