package app

import (
	"context"
	"time"

	"uws/internal/apperrors"
	"uws/internal/execution"
	"uws/internal/job"
)

// awaitInterval is how often Await looks at a job that has no live run yet.
const awaitInterval = 50 * time.Millisecond

// Submit validates req and registers a job for it. An asynchronous job is
// created with PHASE=RUN and handed to the execution manager; a synchronous
// one stays PENDING for RunSync.
func (s *Service) Submit(ctx context.Context, req job.Request, async bool) (*job.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	params := job.NewParams(req.Params)
	if async {
		params[job.ParamPhase] = job.PhaseRun
	} else {
		delete(params, job.ParamPhase)
	}

	if req.ID == "" {
		return s.Registry.Create(ctx, req.Owner, params, req.Options()...)
	}
	j := job.New(req.ID, req.Owner, params, req.Options()...)
	id, err := s.Registry.Add(ctx, j)
	if id == "" && err == nil {
		return nil, apperrors.Conflict("job", req.ID, "already registered")
	}
	return j, err
}

// RunSync registers a job for req and runs it synchronously. The returned
// error is non-nil only when the job could not be started.
func (s *Service) RunSync(ctx context.Context, req job.Request) (*job.Job, *execution.Report, error) {
	j, err := s.Submit(ctx, req, false)
	if err != nil {
		return j, nil, err
	}
	rep, err := s.Sync.Run(ctx, j)
	return j, rep, err
}

// Await blocks until an asynchronous job has reached a final phase. The
// report is nil when the job ended without an execution of its own, for
// example when it was aborted while queued or its run was finalized before
// Await looked.
func (s *Service) Await(ctx context.Context, j *job.Job) (*execution.Report, error) {
	ticker := time.NewTicker(awaitInterval)
	defer ticker.Stop()
	for {
		rep, err := s.Async.Wait(ctx, j.ID())
		if err != nil {
			return nil, err
		}
		if rep != nil {
			return rep, nil
		}
		if j.Phase().IsFinished() {
			return nil, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
