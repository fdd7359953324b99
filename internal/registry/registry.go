// Package registry holds the set of known jobs, enforces access rules and
// applies the destruction policy.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"uws/internal/apperrors"
	"uws/internal/job"
)

// ExecutionManager decides when queued jobs actually start.
type ExecutionManager interface {
	// Execute admits j for execution. It must not block on the job's run.
	Execute(ctx context.Context, j *job.Job) error
	// Remove forgets j, freeing its execution slot.
	Remove(j *job.Job)
}

// DestructionManager destroys jobs once their destruction time is reached.
type DestructionManager interface {
	// Update starts or refreshes tracking of j's destruction time.
	Update(j *job.Job)
	// Remove stops tracking j.
	Remove(j *job.Job)
}

// Starter runs and stops jobs asynchronously.
type Starter interface {
	Start(ctx context.Context, j *job.Job, useAdmission bool) error
	Stop(j *job.Job)
}

// Registry indexes jobs by id and by owner.
//
// Lock order: the registry lock is never held while calling a
// DestructionManager or a Starter, both of which may call back into the
// registry.
type Registry struct {
	name      string
	logger    *slog.Logger
	now       func() time.Time
	ids       job.IDGenerator
	perms     Permissions
	sink      job.Sink
	retention time.Duration

	mu      sync.RWMutex
	jobs    map[string]*job.Job
	byOwner map[string]map[string]*job.Job
	policy  Policy
	exec    ExecutionManager
	dest    DestructionManager
	starter Starter
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDGenerator sets the id generator used by Create.
func WithIDGenerator(g job.IDGenerator) Option {
	return func(r *Registry) { r.ids = g }
}

// WithPermissions sets the access rules.
func WithPermissions(p Permissions) Option {
	return func(r *Registry) { r.perms = p }
}

// WithSink sets the lifecycle event sink.
func WithSink(s job.Sink) Option {
	return func(r *Registry) { r.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock sets the clock used for policy decisions and retention.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithRetention gives jobs added without a destruction time one that lies
// d after their creation. Zero keeps such jobs forever.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

// WithPolicy sets the initial destruction policy.
func WithPolicy(p Policy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithExecutionManager sets the initial execution manager.
func WithExecutionManager(m ExecutionManager) Option {
	return func(r *Registry) { r.exec = m }
}

// WithDestructionManager sets the initial destruction manager.
func WithDestructionManager(m DestructionManager) Option {
	return func(r *Registry) { r.dest = m }
}

// New creates an empty registry.
func New(name string, opts ...Option) *Registry {
	r := &Registry{
		name:    name,
		now:     time.Now,
		ids:     job.NewSequenceGenerator(""),
		perms:   NewGrants(),
		sink:    job.Sinks{},
		policy:  ArchiveOnDate,
		dest:    nopDestruction{},
		jobs:    make(map[string]*job.Job),
		byOwner: make(map[string]map[string]*job.Job),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.With("component", "registry", "registry", name)
	}
	return r
}

// Name returns the registry name.
func (r *Registry) Name() string { return r.name }

// SetStarter binds the controller used for jobs submitted with PHASE=RUN and
// for stopping jobs during archival and deletion.
func (r *Registry) SetStarter(s Starter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starter = s
}

// Create builds a new job with a generated id and adds it.
func (r *Registry) Create(ctx context.Context, owner *job.Owner, params job.Params, opts ...job.Option) (*job.Job, error) {
	j := job.New(r.ids.NextID(), owner, params, append([]job.Option{job.WithClock(r.now)}, opts...)...)
	id, err := r.Add(ctx, j)
	if id == "" && err == nil {
		return nil, apperrors.Conflict("job", j.ID(), "generated id already in use")
	}
	return j, err
}

// Add registers j. A job whose id is already registered is ignored and the
// returned id is empty. If the job asks to run immediately it is handed to
// the starter with admission control; the job stays registered even when
// starting fails.
func (r *Registry) Add(ctx context.Context, j *job.Job) (string, error) {
	if owner := j.Owner(); owner != nil && !r.perms.CanSubmit(owner) {
		return "", apperrors.Permission(owner.ID, "submit jobs to", "registry "+r.name)
	}

	r.mu.Lock()
	if _, exists := r.jobs[j.ID()]; exists {
		r.mu.Unlock()
		r.logger.Debug("Job already registered", "jobId", j.ID())
		return "", nil
	}
	if r.retention > 0 && j.DestructionTime().IsZero() {
		j.SetDestructionTime(j.CreationTime().Add(r.retention))
	}
	r.indexLocked(j)
	dest, starter := r.dest, r.starter
	r.mu.Unlock()

	dest.Update(j)
	r.sink.Emit(ctx, job.NewEvent(job.EventCreated, j))

	if j.Params().RunRequested() {
		if starter == nil {
			return j.ID(), apperrors.Internal("registry.add", errors.New("no starter bound"))
		}
		if err := starter.Start(ctx, j, true); err != nil {
			r.logger.Error("Job failed to start", "jobId", j.ID(), "error", err)
			return j.ID(), err
		}
	}
	return j.ID(), nil
}

func (r *Registry) indexLocked(j *job.Job) {
	r.jobs[j.ID()] = j
	key := j.Owner().Key()
	if r.byOwner[key] == nil {
		r.byOwner[key] = make(map[string]*job.Job)
	}
	r.byOwner[key][j.ID()] = j
}

func (r *Registry) unindexLocked(j *job.Job) {
	delete(r.jobs, j.ID())
	key := j.Owner().Key()
	if owned := r.byOwner[key]; owned != nil {
		delete(owned, j.ID())
		if len(owned) == 0 {
			delete(r.byOwner, key)
		}
	}
}

// Get returns the job with the given id, or nil when it does not exist. A nil
// requester bypasses access checks.
func (r *Registry) Get(id string, requester *job.Owner) (*job.Job, error) {
	r.mu.RLock()
	j := r.jobs[id]
	r.mu.RUnlock()
	if j == nil {
		return nil, nil
	}
	if requester != nil && !r.perms.CanRead(requester, j) {
		return nil, apperrors.Permission(requester.ID, "read", "job "+id)
	}
	return j, nil
}

// ListByOwner returns a snapshot of the jobs of owner ordered by creation.
// A nil owner lists anonymous jobs.
func (r *Registry) ListByOwner(owner *job.Owner) []*job.Job {
	r.mu.RLock()
	out := make([]*job.Job, 0, len(r.byOwner[owner.Key()]))
	for _, j := range r.byOwner[owner.Key()] {
		out = append(out, j)
	}
	r.mu.RUnlock()
	sortByCreation(out)
	return out
}

// List returns a snapshot of every job ordered by creation.
func (r *Registry) List() []*job.Job {
	r.mu.RLock()
	out := make([]*job.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	r.mu.RUnlock()
	sortByCreation(out)
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func sortByCreation(jobs []*job.Job) {
	slices.SortFunc(jobs, func(a, b *job.Job) int {
		if c := a.CreationTime().Compare(b.CreationTime()); c != 0 {
			return c
		}
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		}
		return 0
	})
}

// Remove unindexes the job and stops its destruction tracking. Execution
// resources are left alone. It returns the removed job, or nil.
func (r *Registry) Remove(id string) *job.Job {
	r.mu.Lock()
	j := r.jobs[id]
	if j == nil {
		r.mu.Unlock()
		return nil
	}
	r.unindexLocked(j)
	dest := r.dest
	r.mu.Unlock()

	dest.Remove(j)
	return j
}

// Destroy applies the destruction policy to a job. A job is deleted when it
// is already archived, when the policy is ALWAYS_DELETE, or when the policy
// is ARCHIVE_ON_DATE and its destruction time has not been reached (or is
// unset). Otherwise it is archived. It reports whether this call deleted or
// archived the job.
func (r *Registry) Destroy(ctx context.Context, id string) bool {
	r.mu.RLock()
	j := r.jobs[id]
	policy := r.policy
	r.mu.RUnlock()
	if j == nil {
		return false
	}

	if !r.shouldDelete(j, policy) {
		return r.Archive(ctx, id)
	}

	r.stop(j)
	if r.Remove(id) == nil {
		// Removed by someone else meanwhile.
		return false
	}
	if exec := r.ExecutionManager(); exec != nil {
		exec.Remove(j)
	}
	if err := j.CleanupUploads(); err != nil {
		r.logger.Warn("Upload cleanup failed", "jobId", id, "error", err)
	}
	r.sink.Emit(ctx, job.NewEvent(job.EventDestroyed, j))
	return true
}

func (r *Registry) shouldDelete(j *job.Job, policy Policy) bool {
	if j.Phase() == job.Archived {
		return true
	}
	switch policy {
	case AlwaysDelete:
		return true
	case ArchiveOnDate:
		dt := j.DestructionTime()
		return dt.IsZero() || r.now().Before(dt)
	}
	return false
}

// Archive stops the job if it is running, moves it to ARCHIVED and releases
// its result and execution resources. The job stays registered but is no
// longer tracked for destruction. Archiving twice is a no-op. It reports
// whether the job existed.
func (r *Registry) Archive(ctx context.Context, id string) bool {
	r.mu.RLock()
	j := r.jobs[id]
	dest := r.dest
	r.mu.RUnlock()
	if j == nil {
		return false
	}
	if j.Phase() == job.Archived {
		return true
	}

	r.stop(j)
	changed := j.Archive()
	if exec := r.ExecutionManager(); exec != nil {
		exec.Remove(j)
	}
	if err := j.CleanupUploads(); err != nil {
		r.logger.Warn("Upload cleanup failed", "jobId", id, "error", err)
	}
	dest.Remove(j)
	if changed {
		r.sink.Emit(ctx, job.NewEvent(job.EventArchived, j))
	}
	return true
}

// stop asks the starter to halt an active job and waits for it.
func (r *Registry) stop(j *job.Job) {
	if !j.Phase().IsActive() && j.Unit() == nil {
		return
	}
	r.mu.RLock()
	starter := r.starter
	r.mu.RUnlock()
	if starter != nil {
		starter.Stop(j)
	} else if u := j.Unit(); u != nil {
		u.Cancel()
	}
}

// SetDestructionTime changes when a job is destroyed.
func (r *Registry) SetDestructionTime(id string, requester *job.Owner, t time.Time) error {
	j, err := r.Get(id, nil)
	if err != nil {
		return err
	}
	if j == nil {
		return apperrors.NotFound("job", id)
	}
	if requester != nil && !r.perms.CanWrite(requester, j) {
		return apperrors.Permission(requester.ID, "modify", "job "+id)
	}
	j.SetDestructionTime(t)

	r.mu.RLock()
	dest := r.dest
	r.mu.RUnlock()
	if j.Phase() != job.Archived {
		dest.Update(j)
	}
	return nil
}

// DestructionPolicy returns the current policy.
func (r *Registry) DestructionPolicy() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// SetDestructionPolicy changes the policy for later Destroy calls.
func (r *Registry) SetDestructionPolicy(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// ExecutionManager returns the current execution manager, nil if none is set.
func (r *Registry) ExecutionManager() ExecutionManager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exec
}

// SetExecutionManager swaps the execution manager. Jobs that have left
// PENDING but not yet finished are moved to the new manager one at a time.
func (r *Registry) SetExecutionManager(ctx context.Context, m ExecutionManager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.exec
	r.exec = m
	if m == nil {
		return
	}
	for _, j := range r.jobs {
		p := j.Phase()
		if p == job.Pending || p.IsFinished() {
			continue
		}
		if old != nil {
			old.Remove(j)
		}
		if err := m.Execute(ctx, j); err != nil {
			r.logger.Error("Job could not be moved to the new execution manager", "jobId", j.ID(), "phase", string(p), "error", err)
		}
	}
}

// DestructionManager returns the current destruction manager.
func (r *Registry) DestructionManager() DestructionManager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dest
}

// SetDestructionManager swaps the destruction manager and re-registers every
// job that is not archived with it.
func (r *Registry) SetDestructionManager(m DestructionManager) {
	if m == nil {
		m = nopDestruction{}
	}
	r.mu.Lock()
	old := r.dest
	r.dest = m
	jobs := make([]*job.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	for _, j := range jobs {
		old.Remove(j)
		if j.Phase() != job.Archived {
			m.Update(j)
		}
	}
}

// Close stops every running job and removes all jobs from the registry.
func (r *Registry) Close(ctx context.Context) error {
	for _, j := range r.List() {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.stop(j)
		if r.Remove(j.ID()) == nil {
			continue
		}
		if exec := r.ExecutionManager(); exec != nil {
			exec.Remove(j)
		}
		if err := j.CleanupUploads(); err != nil {
			r.logger.Warn("Upload cleanup failed", "jobId", j.ID(), "error", err)
		}
	}
	r.logger.Info("Registry closed")
	return nil
}

type nopDestruction struct{}

func (nopDestruction) Update(*job.Job) {}
func (nopDestruction) Remove(*job.Job) {}
