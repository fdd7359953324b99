package job

import (
	"fmt"
	"slices"
	"strings"

	"uws/internal/apperrors"
)

// Phase is the execution phase of a job.
type Phase string

// Execution phases.
const (
	Pending   Phase = "PENDING"
	Queued    Phase = "QUEUED"
	Executing Phase = "EXECUTING"
	Completed Phase = "COMPLETED"
	Error     Phase = "ERROR"
	Aborted   Phase = "ABORTED"
	Held      Phase = "HELD"
	Suspended Phase = "SUSPENDED"
	Archived  Phase = "ARCHIVED"
	Unknown   Phase = "UNKNOWN"
)

var phases = []Phase{Pending, Queued, Executing, Completed, Error, Aborted, Held, Suspended, Archived, Unknown}

// transitions lists the legal successors of each phase. UNKNOWN is handled
// separately: every phase may move to it and it may move to every phase.
var transitions = map[Phase][]Phase{
	Pending:   {Held, Queued, Aborted, Error},
	Queued:    {Executing, Aborted, Error},
	Executing: {Held, Suspended, Completed, Aborted, Error},
	Held:      {Queued, Executing, Aborted, Error},
	Suspended: {Executing, Aborted, Error},
	Completed: {Archived},
	Error:     {Archived},
	Aborted:   {Archived},
}

// Phases returns every defined phase.
func Phases() []Phase {
	return slices.Clone(phases)
}

// ParsePhase converts a case-insensitive phase name.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", apperrors.Validation("phase", fmt.Sprintf("unknown execution phase %q", s))
	}
	return p, nil
}

// Valid reports whether p is one of the defined phases.
func (p Phase) Valid() bool {
	return slices.Contains(phases, p)
}

// CanTransition reports whether a job in phase p may move to phase to.
func (p Phase) CanTransition(to Phase) bool {
	if !p.Valid() || !to.Valid() {
		return false
	}
	if p == Unknown || to == Unknown {
		return true
	}
	return slices.Contains(transitions[p], to)
}

// ValidateTransition returns an IllegalTransition error naming job id when p
// may not move to phase to.
func (p Phase) ValidateTransition(id string, to Phase) error {
	if p.CanTransition(to) {
		return nil
	}
	return apperrors.IllegalTransition(id, string(p), string(to))
}

// IsFinished reports whether the job holds a final result or error summary.
func (p Phase) IsFinished() bool {
	switch p {
	case Completed, Error, Aborted, Archived:
		return true
	}
	return false
}

// IsActive reports whether an execution unit may be attached.
func (p Phase) IsActive() bool {
	return p == Queued || p == Executing
}

// requiresOutcome reports whether entering p must record a result or an error.
func (p Phase) requiresOutcome() bool {
	return p == Completed || p == Error || p == Aborted
}

func (p Phase) String() string {
	return string(p)
}
