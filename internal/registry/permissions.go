package registry

import (
	"sync"

	"uws/internal/job"
)

// Permissions answers access questions for a registry.
type Permissions interface {
	// CanSubmit reports whether owner may add jobs to the registry.
	CanSubmit(owner *job.Owner) bool
	// CanRead reports whether requester may see j.
	CanRead(requester *job.Owner, j *job.Job) bool
	// CanWrite reports whether requester may modify j.
	CanWrite(requester *job.Owner, j *job.Job) bool
}

// Grants is an in-memory Permissions implementation. Owners always have full
// access to their own jobs, jobs without an owner are open to everyone, and
// admins may do anything.
type Grants struct {
	mu         sync.RWMutex
	restricted bool
	submitters map[string]struct{}
	admins     map[string]struct{}
	readers    map[string]map[string]struct{} // owner id -> granted reader ids
}

// NewGrants returns grants that let any identified user submit jobs.
func NewGrants() *Grants {
	return &Grants{
		submitters: make(map[string]struct{}),
		admins:     make(map[string]struct{}),
		readers:    make(map[string]map[string]struct{}),
	}
}

// RestrictSubmitters limits job submission to the listed user ids and admins.
func (g *Grants) RestrictSubmitters(ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.restricted = true
	for _, id := range ids {
		g.submitters[id] = struct{}{}
	}
}

// AddAdmin grants full access to every job.
func (g *Grants) AddAdmin(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.admins[id] = struct{}{}
}

// GrantRead lets reader see the jobs of owner.
func (g *Grants) GrantRead(owner, reader string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.readers[owner] == nil {
		g.readers[owner] = make(map[string]struct{})
	}
	g.readers[owner][reader] = struct{}{}
}

// CanSubmit implements Permissions.
func (g *Grants) CanSubmit(owner *job.Owner) bool {
	if owner == nil {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.admins[owner.ID]; ok {
		return true
	}
	if !g.restricted {
		return true
	}
	_, ok := g.submitters[owner.ID]
	return ok
}

// CanRead implements Permissions.
func (g *Grants) CanRead(requester *job.Owner, j *job.Job) bool {
	if g.CanWrite(requester, j) {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.readers[j.Owner().Key()][requester.Key()]
	return ok
}

// CanWrite implements Permissions.
func (g *Grants) CanWrite(requester *job.Owner, j *job.Job) bool {
	owner := j.Owner()
	if owner == nil || requester == nil {
		return owner == nil
	}
	if owner.ID == requester.ID {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.admins[requester.ID]
	return ok
}
