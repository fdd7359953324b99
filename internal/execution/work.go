// Package execution runs jobs: synchronously within a bounded wait, or
// asynchronously under a watchdog.
package execution

import (
	"context"
	"slices"
	"sync"
	"time"

	"uws/internal/job"
)

// Work is the computation a job performs. Implementations must return
// promptly once ctx is cancelled to be stoppable.
type Work interface {
	Run(ctx context.Context, j *job.Job, steps *StepTimer) (job.Result, error)
}

// WorkFunc adapts a function to Work.
type WorkFunc func(ctx context.Context, j *job.Job, steps *StepTimer) (job.Result, error)

// Run calls f.
func (f WorkFunc) Run(ctx context.Context, j *job.Job, steps *StepTimer) (job.Result, error) {
	return f(ctx, j, steps)
}

// Aborter is implemented by work that holds external resources which must be
// released when a job is stopped, such as a query running in another process.
type Aborter interface {
	Abort(ctx context.Context, j *job.Job) error
}

// Step names a stage of job execution.
type Step string

// Execution steps in the order they normally occur.
const (
	StepUpload  Step = "upload"
	StepParse   Step = "parse"
	StepExecute Step = "execute"
	StepFormat  Step = "format"
)

// StepTiming is the time spent in one step.
type StepTiming struct {
	Step     Step          `json:"step"`
	Duration time.Duration `json:"durationNs"`
}

// StepTimer records how long work spends in each step. It is safe for use by
// the work goroutine while the controller reads it.
type StepTimer struct {
	mu      sync.Mutex
	now     func() time.Time
	current Step
	began   time.Time
	timings []StepTiming
}

// NewStepTimer creates an idle timer.
func NewStepTimer() *StepTimer {
	return &StepTimer{now: time.Now}
}

// Begin ends the current step, if any, and starts s.
func (t *StepTimer) Begin(s Step) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.endLocked(now)
	t.current = s
	t.began = now
}

// End closes the current step.
func (t *StepTimer) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endLocked(t.now())
}

func (t *StepTimer) endLocked(now time.Time) {
	if t.current == "" {
		return
	}
	d := now.Sub(t.began)
	if i := slices.IndexFunc(t.timings, func(st StepTiming) bool { return st.Step == t.current }); i >= 0 {
		t.timings[i].Duration += d
	} else {
		t.timings = append(t.timings, StepTiming{Step: t.current, Duration: d})
	}
	t.current = ""
}

// Timings returns the completed steps in the order they were first entered.
func (t *StepTimer) Timings() []StepTiming {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.timings)
}
