// Package job defines the UWS job entity, its execution phase machine and
// lifecycle events.
package job

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"uws/internal/apperrors"
)

// Owner identifies the user a job belongs to. A nil *Owner means anonymous.
type Owner struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Key returns the owner index key; the empty string stands for anonymous.
func (o *Owner) Key() string {
	if o == nil {
		return ""
	}
	return o.ID
}

func (o *Owner) String() string {
	if o == nil {
		return "anonymous"
	}
	if o.Name != "" {
		return o.Name
	}
	return o.ID
}

// ErrorKind classifies an error summary.
type ErrorKind string

// Error kinds defined by UWS.
const (
	ErrorFatal     ErrorKind = "fatal"
	ErrorTransient ErrorKind = "transient"
)

// ErrorSummary describes why a job ended in ERROR or ABORTED.
type ErrorSummary struct {
	Kind    ErrorKind `json:"type"`
	Message string    `json:"message"`
}

// Result references the output of a completed job.
type Result struct {
	ID    string   `json:"id"`
	Type  string   `json:"type,omitempty"`
	URI   string   `json:"uri,omitempty"`
	Rows  int64    `json:"rows"`
	Size  int64    `json:"size,omitempty"`
	Lines []string `json:"lines,omitempty"`
}

// ExecutionUnit is the running computation attached to an active job.
type ExecutionUnit interface {
	// Cancel requests cooperative cancellation. It must not block.
	Cancel()
	// Done is closed once the unit has returned.
	Done() <-chan struct{}
}

// Job is a unit of submitted work. All mutable state is guarded by the job's
// own mutex so phase changes made by controllers and by the registry are
// serialized.
type Job struct {
	id      string
	owner   *Owner
	params  Params
	created time.Time
	now     func() time.Time

	mu          sync.Mutex
	phase       Phase
	started     time.Time
	ended       time.Time
	destruction time.Time
	quote       time.Time
	uploads     []string
	result      *Result
	errSummary  *ErrorSummary
	unit        ExecutionUnit
}

// Option configures a Job at construction.
type Option func(*Job)

// WithClock sets the clock used for time stamps.
func WithClock(now func() time.Time) Option {
	return func(j *Job) { j.now = now }
}

// WithDestruction sets the destruction time.
func WithDestruction(t time.Time) Option {
	return func(j *Job) { j.destruction = t }
}

// WithUploads records staged upload files owned by the job.
func WithUploads(paths ...string) Option {
	return func(j *Job) { j.uploads = slices.Clone(paths) }
}

// New creates a PENDING job.
func New(id string, owner *Owner, params Params, opts ...Option) *Job {
	j := &Job{
		id:     id,
		owner:  owner,
		params: NewParams(params),
		now:    time.Now,
		phase:  Pending,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.created = j.now()
	return j
}

// ID returns the immutable job identifier.
func (j *Job) ID() string { return j.id }

func (j *Job) String() string { return "job " + j.id }

// Owner returns the job owner, nil for anonymous jobs.
func (j *Job) Owner() *Owner { return j.owner }

// Params returns a copy of the request parameters.
func (j *Job) Params() Params { return j.params.Clone() }

// CreationTime returns when the job was created.
func (j *Job) CreationTime() time.Time { return j.created }

// Phase returns the current execution phase.
func (j *Job) Phase() Phase {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phase
}

// StartTime returns when the job entered EXECUTING, zero if it never did.
func (j *Job) StartTime() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.started
}

// EndTime returns when the job reached its first terminal phase.
func (j *Job) EndTime() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ended
}

// DestructionTime returns the destruction time, zero meaning never.
func (j *Job) DestructionTime() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.destruction
}

// SetDestructionTime changes the destruction time.
func (j *Job) SetDestructionTime(t time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.destruction = t
}

// Quote returns the advisory completion estimate.
func (j *Job) Quote() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.quote
}

// SetQuote updates the advisory completion estimate. The controllers set it
// to the start time plus the execution deadline when the job starts.
func (j *Job) SetQuote(t time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.quote = t
}

// Uploads returns the staged upload files still owned by the job.
func (j *Job) Uploads() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.uploads)
}

// Result returns the job result if the job completed.
func (j *Job) Result() (Result, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.result == nil {
		return Result{}, false
	}
	return *j.result, true
}

// ErrorSummary returns the error summary if the job failed or was aborted.
func (j *Job) ErrorSummary() (ErrorSummary, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.errSummary == nil {
		return ErrorSummary{}, false
	}
	return *j.errSummary, true
}

// Unit returns the attached execution unit, nil when none is running.
func (j *Job) Unit() ExecutionUnit {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.unit
}

// Attach binds a running execution unit. The job must be QUEUED or EXECUTING.
func (j *Job) Attach(u ExecutionUnit) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.phase.IsActive() {
		return apperrors.Conflict("job", j.id, fmt.Sprintf("cannot attach an execution unit in phase %s", j.phase))
	}
	if j.unit != nil && j.unit != u {
		return apperrors.Conflict("job", j.id, "an execution unit is already attached")
	}
	j.unit = u
	return nil
}

// SetPhase moves the job to a phase that carries no outcome. Terminal phases
// are entered through Complete, Fail, Abort and Archive.
func (j *Job) SetPhase(to Phase) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.setPhaseLocked(to)
}

// CompareAndSetPhase moves the job to phase to only if it is currently in
// phase expected. It reports whether the transition happened.
func (j *Job) CompareAndSetPhase(expected, to Phase) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.phase != expected {
		return false, nil
	}
	if err := j.setPhaseLocked(to); err != nil {
		return false, err
	}
	return true, nil
}

func (j *Job) setPhaseLocked(to Phase) error {
	if err := j.phase.ValidateTransition(j.id, to); err != nil {
		return err
	}
	if to.requiresOutcome() || to == Archived {
		return apperrors.Validation("phase", fmt.Sprintf("phase %s must be entered with an outcome", to))
	}
	j.moveLocked(to)
	return nil
}

// moveLocked applies a transition that has already been validated.
func (j *Job) moveLocked(to Phase) {
	from := j.phase
	j.phase = to
	now := j.now()
	if to == Executing && (from == Queued || from == Held) && j.started.IsZero() {
		j.started = now
	}
	if to.IsFinished() {
		if j.ended.IsZero() {
			j.ended = now
		}
		j.unit = nil
	}
}

// Complete records the result and moves the job to COMPLETED.
func (j *Job) Complete(r Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.phase.ValidateTransition(j.id, Completed); err != nil {
		return err
	}
	j.result = &r
	j.errSummary = nil
	j.moveLocked(Completed)
	return nil
}

// Fail records the error summary and moves the job to ERROR.
func (j *Job) Fail(summary ErrorSummary) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.endWithErrorLocked(Error, summary)
}

// Abort moves the job to ABORTED with reason as its error summary.
func (j *Job) Abort(reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.endWithErrorLocked(Aborted, ErrorSummary{Kind: ErrorTransient, Message: reason})
}

func (j *Job) endWithErrorLocked(to Phase, summary ErrorSummary) error {
	if err := j.phase.ValidateTransition(j.id, to); err != nil {
		return err
	}
	if summary.Kind == "" {
		summary.Kind = ErrorFatal
	}
	j.errSummary = &summary
	j.result = nil
	j.moveLocked(to)
	return nil
}

// Archive forces the job into ARCHIVED. A job that has not finished is first
// cancelled and aborted. The result and execution unit are released; the
// error summary and time stamps are kept. It reports whether anything changed.
func (j *Job) Archive() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.phase == Archived {
		return false
	}
	if !j.phase.IsFinished() {
		if j.unit != nil {
			j.unit.Cancel()
		}
		_ = j.endWithErrorLocked(Aborted, ErrorSummary{Kind: ErrorTransient, Message: "job archived before completion"})
	}
	j.moveLocked(Archived)
	j.result = nil
	return true
}

// CleanupUploads deletes the staged upload files. Files already gone are not
// an error. It is safe to call more than once.
func (j *Job) CleanupUploads() error {
	j.mu.Lock()
	paths := j.uploads
	j.uploads = nil
	j.mu.Unlock()

	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove upload %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Status is a point-in-time view of a job, suitable for JSON output.
type Status struct {
	ID              string        `json:"id"`
	Owner           string        `json:"owner,omitempty"`
	Phase           Phase         `json:"phase"`
	CreationTime    time.Time     `json:"creationTime"`
	StartTime       *time.Time    `json:"startTime,omitempty"`
	EndTime         *time.Time    `json:"endTime,omitempty"`
	DestructionTime *time.Time    `json:"destruction,omitempty"`
	Quote           *time.Time    `json:"quote,omitempty"`
	Parameters      Params        `json:"parameters,omitempty"`
	Result          *Result       `json:"result,omitempty"`
	Error           *ErrorSummary `json:"errorSummary,omitempty"`
}

// Snapshot returns the current status of the job.
func (j *Job) Snapshot() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Status{
		ID:              j.id,
		Phase:           j.phase,
		CreationTime:    j.created,
		StartTime:       timePtr(j.started),
		EndTime:         timePtr(j.ended),
		DestructionTime: timePtr(j.destruction),
		Quote:           timePtr(j.quote),
		Parameters:      j.params.Clone(),
	}
	if j.owner != nil {
		s.Owner = j.owner.ID
	}
	if j.result != nil {
		r := *j.result
		s.Result = &r
	}
	if j.errSummary != nil {
		e := *j.errSummary
		s.Error = &e
	}
	return s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
