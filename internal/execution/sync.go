package execution

import (
	"context"
	"time"

	"uws/internal/job"
)

// SyncConfig configures a SyncController.
type SyncConfig struct {
	Limits Limits
	// Grace is how long a cancelled unit is waited for before giving up.
	Grace time.Duration
	// Slots bounds concurrent synchronous runs; <= 0 means unbounded.
	Slots int
}

// SyncController runs a job to completion within a bounded time on behalf of
// a waiting caller.
type SyncController struct {
	work   Work
	limits Limits
	grace  time.Duration
	slots  *Slots
	opts   options
}

// NewSyncController creates a controller running w.
func NewSyncController(w Work, cfg SyncConfig, opts ...Option) *SyncController {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &SyncController{
		work:   w,
		limits: cfg.Limits,
		grace:  cfg.Grace,
		slots:  NewSlots(cfg.Slots),
		opts:   buildOptions("sync", opts),
	}
}

// Slots returns the controller's execution slots.
func (c *SyncController) Slots() *Slots { return c.slots }

// Run executes j and waits for it. The job moves PENDING -> QUEUED ->
// EXECUTING and ends COMPLETED, ERROR or ABORTED. At the deadline a unit that
// has not finished is cancelled and waited for a grace period; if it still
// runs, Run returns anyway with StillRunning set.
//
// A non-nil error means the job never started: no slot was free, the
// parameters were invalid or the job was not PENDING. How the execution
// itself ended is described by the report. Staged uploads are deleted on
// every path.
func (c *SyncController) Run(ctx context.Context, j *job.Job) (*Report, error) {
	logger := c.opts.logger.With("jobId", j.ID(), "owner", j.Owner().String())
	defer func() {
		if err := j.CleanupUploads(); err != nil {
			logger.Warn("Upload cleanup failed", "error", err)
		}
	}()

	release, err := c.slots.TryAcquire()
	if err != nil {
		c.opts.onReject(ctx)
		logger.Warn("Synchronous job rejected", "error", err, "slots", c.slots.Size())
		return nil, err
	}
	defer release()

	requested, err := j.Params().ExecutionDuration()
	if err != nil {
		return nil, err
	}
	deadline := DetermineDeadline(c.limits, requested, true)

	if err := j.SetPhase(job.Queued); err != nil {
		return nil, err
	}
	if err := j.SetPhase(job.Executing); err != nil {
		return nil, err
	}
	setQuote(j, deadline)

	ctx, span := startSpan(ctx, c.opts.tracer, "uws.job.sync", j, deadline)
	u := spawn(ctx, j, c.work, logger)
	if err := j.Attach(u); err != nil {
		// Archived between the transition and the attach.
		u.cancelWith(errStopped)
	}
	started := job.NewEvent(job.EventStarted, j)
	started.Sync = true
	c.opts.sink.Emit(ctx, started)

	var expired <-chan time.Time
	if deadline > 0 {
		t := time.NewTimer(deadline)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-u.Done():
	case <-expired:
		if !u.finished() {
			u.cancelWith(errDeadline)
			timedOut := job.NewEvent(job.EventTimedOut, j)
			timedOut.Elapsed = deadline
			timedOut.Sync = true
			c.opts.sink.Emit(ctx, timedOut)
		}
	case <-ctx.Done():
		if !u.finished() {
			u.cancelWith(errCaller)
		}
	}

	stillRunning := !u.wait(c.grace)
	if stillRunning {
		logger.Error("Job did not stop after cancellation", "graceMs", c.grace.Milliseconds())
	}

	rep := settle(j, u, deadline, stillRunning, logger)
	endSpan(span, rep)
	c.opts.sink.Emit(context.WithoutCancel(ctx), endedEvent(j, rep, true))
	return rep, nil
}
