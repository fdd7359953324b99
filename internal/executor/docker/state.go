package docker

import (
	"sync"

	"uws/internal/apperrors"
)

// containerState holds what the runner knows about one job's container.
type containerState struct {
	containerID string
	stopped     bool
}

// stateRepo maps job ids to their containers with thread-safe access.
type stateRepo struct {
	mu   sync.RWMutex
	jobs map[string]*containerState
}

func newStateRepo() *stateRepo {
	return &stateRepo{
		jobs: make(map[string]*containerState),
	}
}

// reserve claims a job id before its container exists. The slot holds nil
// until commit is called.
func (r *stateRepo) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[jobID]; exists {
		return apperrors.Conflict("job", jobID, "container already running")
	}
	r.jobs[jobID] = nil
	return nil
}

// commit records the container created for a reserved job. It reports false
// when the job was stopped while the container was being created, in which
// case the caller owns the container and must remove it.
func (r *stateRepo) commit(jobID, containerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, exists := r.jobs[jobID]
	if !exists {
		return false
	}
	if cs != nil && cs.stopped {
		return false
	}
	r.jobs[jobID] = &containerState{containerID: containerID}
	return true
}

// markStopped flags a job as stopped and returns its container id, which is
// empty while the container is still being created.
func (r *stateRepo) markStopped(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, exists := r.jobs[jobID]
	if !exists {
		return "", false
	}
	if cs == nil {
		r.jobs[jobID] = &containerState{stopped: true}
		return "", true
	}
	cs.stopped = true
	return cs.containerID, true
}

func (r *stateRepo) release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

// get retrieves a job's state. Returns (nil, true) if reserved but not yet committed.
func (r *stateRepo) get(jobID string) (*containerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cs, exists := r.jobs[jobID]
	if cs == nil {
		return nil, exists
	}
	c := *cs
	return &c, exists
}

// containerIDs returns the ids of every committed container.
func (r *stateRepo) containerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.jobs))
	for _, cs := range r.jobs {
		if cs != nil && cs.containerID != "" {
			ids = append(ids, cs.containerID)
		}
	}
	return ids
}
