package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"uws/internal/apperrors"
	"uws/internal/job"
)

// Cancellation causes set by the controllers.
var (
	errDeadline = errors.New("execution duration exceeded")
	errStopped  = errors.New("execution stopped")
	errCaller   = errors.New("caller went away")
)

// unit is a goroutine running one job's work.
type unit struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	steps  *StepTimer

	// set before done is closed
	result job.Result
	err    error
}

// spawn starts w for j. The unit's context is derived from parent but is not
// cancelled with it; only the unit's own cancellation reaches the work.
func spawn(parent context.Context, j *job.Job, w Work, logger *slog.Logger) *unit {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	u := &unit{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		steps:  NewStepTimer(),
	}
	go func() {
		defer close(u.done)
		defer u.steps.End()
		defer func() {
			if r := recover(); r != nil {
				u.err = apperrors.Internal("work.run", fmt.Errorf("panic: %v", r))
				logger.Error("Work panicked", "jobId", j.ID(), "panic", r, "fatal", true)
			}
		}()
		u.result, u.err = w.Run(ctx, j, u.steps)
	}()
	return u
}

// Cancel implements job.ExecutionUnit.
func (u *unit) Cancel() { u.cancelWith(errStopped) }

// Done implements job.ExecutionUnit.
func (u *unit) Done() <-chan struct{} { return u.done }

// cancelWith cancels the work recording why. The first cause wins.
func (u *unit) cancelWith(cause error) { u.cancel(cause) }

// cause returns why the unit was cancelled, nil if it was not.
func (u *unit) cause() error {
	if u.ctx.Err() == nil {
		return nil
	}
	return context.Cause(u.ctx)
}

func (u *unit) finished() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

// wait blocks until the unit returns or grace elapses, reporting whether it
// returned.
func (u *unit) wait(grace time.Duration) bool {
	if u.finished() {
		return true
	}
	if grace <= 0 {
		return false
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-u.done:
		return true
	case <-t.C:
		return false
	}
}

// release frees the unit's context after it returned.
func (u *unit) release() { u.cancel(nil) }
