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

// Outcome tags how an execution ended.
type Outcome int

// Execution outcomes.
const (
	OutcomeCompleted Outcome = iota
	OutcomeTimedOut
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// MarshalText renders the outcome name in JSON output.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Report describes one finished execution.
type Report struct {
	JobID        string        `json:"jobId"`
	Outcome      Outcome       `json:"outcome"`
	Phase        job.Phase     `json:"phase"`
	Result       *job.Result   `json:"result,omitempty"`
	Err          error         `json:"-"`
	Error        string        `json:"error,omitempty"`
	Deadline     time.Duration `json:"deadlineNs,omitempty"`
	Elapsed      time.Duration `json:"elapsedNs"`
	Steps        []StepTiming  `json:"steps,omitempty"`
	StillRunning bool          `json:"stillRunning,omitempty"`
}

// Rows returns the number of result rows, zero without a result.
func (r *Report) Rows() int64 {
	if r.Result == nil {
		return 0
	}
	return r.Result.Rows
}

// settle classifies a unit that returned, or that was given up on, and
// applies the outcome to the job. A rejected terminal transition, which
// happens when the job was archived meanwhile, is logged and otherwise
// ignored.
func settle(j *job.Job, u *unit, deadline time.Duration, stillRunning bool, logger *slog.Logger) *Report {
	rep := &Report{
		JobID:        j.ID(),
		Deadline:     deadline,
		Steps:        u.steps.Timings(),
		StillRunning: stillRunning,
	}

	cause := u.cause()
	var transitionErr error
	switch {
	case !stillRunning && u.err == nil:
		// A result that arrives within the grace period still counts.
		rep.Outcome = OutcomeCompleted
		r := u.result
		if r.ID == "" {
			r.ID = "result"
		}
		rep.Result = &r
		transitionErr = j.Complete(r)
	case errors.Is(cause, errDeadline):
		rep.Outcome = OutcomeTimedOut
		rep.Err = apperrors.DeadlineExceeded(j.ID(), deadline.String())
		transitionErr = j.Abort(rep.Err.Error())
	case errors.Is(cause, errCaller):
		rep.Outcome = OutcomeCancelled
		rep.Err = apperrors.UnexpectedInterruption(j.ID(), context.Canceled)
		transitionErr = j.Abort(rep.Err.Error())
	case errors.Is(cause, errStopped):
		rep.Outcome = OutcomeCancelled
		rep.Err = fmt.Errorf("job %s: %w", j.ID(), context.Canceled)
		transitionErr = j.Abort("execution cancelled")
	case stillRunning:
		rep.Outcome = OutcomeCancelled
		rep.Err = fmt.Errorf("job %s: %w", j.ID(), context.Canceled)
		transitionErr = j.Abort("execution abandoned")
	case errors.Is(u.err, context.Canceled), errors.Is(u.err, context.DeadlineExceeded):
		rep.Outcome = OutcomeFailed
		rep.Err = apperrors.UnexpectedInterruption(j.ID(), u.err)
		transitionErr = j.Fail(job.ErrorSummary{Kind: job.ErrorFatal, Message: rep.Err.Error()})
	default:
		rep.Outcome = OutcomeFailed
		rep.Err = u.err
		if !apperrors.Classified(rep.Err) {
			rep.Err = apperrors.Work("job "+j.ID(), u.err)
		}
		kind := job.ErrorFatal
		if errors.Is(rep.Err, apperrors.ErrResourceExhausted) {
			kind = job.ErrorTransient
		}
		transitionErr = j.Fail(job.ErrorSummary{Kind: kind, Message: rep.Err.Error()})
	}

	if transitionErr != nil {
		if errors.Is(transitionErr, apperrors.ErrIllegalTransition) {
			logger.Info("Job left executing before its outcome was recorded", "jobId", j.ID(), "phase", string(j.Phase()), "outcome", rep.Outcome.String())
		} else {
			logger.Error("Job outcome could not be recorded", "jobId", j.ID(), "error", transitionErr)
		}
	}
	if !stillRunning {
		u.release()
	}

	rep.Phase = j.Phase()
	if rep.Err != nil {
		rep.Error = rep.Err.Error()
	}
	if start := j.StartTime(); !start.IsZero() {
		end := j.EndTime()
		if end.IsZero() {
			end = time.Now()
		}
		rep.Elapsed = end.Sub(start)
	}
	return rep
}
