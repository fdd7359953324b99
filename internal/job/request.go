package job

import (
	"fmt"
	"regexp"
	"time"

	"uws/internal/apperrors"
)

// Validation limits
const (
	maxJobIDLength   = 128
	maxParamKeyLen   = 64
	maxParamValueLen = 4096
	maxParams        = 64
	maxUploads       = 32
)

// jobIDPattern allows alphanumeric, hyphens, dots and underscores
var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Request describes a job submission as read from a job file.
type Request struct {
	ID          string            `json:"id,omitempty" yaml:"id,omitempty"`
	Owner       *Owner            `json:"owner,omitempty" yaml:"owner,omitempty"`
	Params      map[string]string `json:"parameters" yaml:"parameters"`
	Uploads     []string          `json:"uploads,omitempty" yaml:"uploads,omitempty"`
	Destruction *time.Time        `json:"destruction,omitempty" yaml:"destruction,omitempty"`
}

// Validate checks a request. An empty ID is allowed and means the id is
// generated by the registry. Does not modify the request.
func (r *Request) Validate() error {
	if r.ID != "" {
		if len(r.ID) > maxJobIDLength {
			return apperrors.Validation("id", fmt.Sprintf("job ID exceeds maximum length of %d", maxJobIDLength))
		}
		if !jobIDPattern.MatchString(r.ID) {
			return apperrors.Validation("id", "job ID must be alphanumeric (dots, hyphens and underscores allowed, cannot start with one)")
		}
	}

	if r.Owner != nil && r.Owner.ID == "" {
		return apperrors.Validation("owner.id", "owner ID is required when an owner is given")
	}

	if len(r.Params) > maxParams {
		return apperrors.Validation("parameters", fmt.Sprintf("parameters exceed maximum of %d entries", maxParams))
	}
	for k, v := range r.Params {
		if k == "" {
			return apperrors.Validation("parameters", "parameter name is required")
		}
		if len(k) > maxParamKeyLen {
			return apperrors.Validation("parameters", fmt.Sprintf("parameter name exceeds maximum length of %d", maxParamKeyLen))
		}
		if len(v) > maxParamValueLen {
			return apperrors.Validation("parameters", fmt.Sprintf("parameter %s exceeds maximum length of %d", k, maxParamValueLen))
		}
	}

	params := NewParams(r.Params)
	if _, err := params.ExecutionDuration(); err != nil {
		return err
	}
	if _, err := params.MaxRec(); err != nil {
		return err
	}
	if v, ok := params.Value(ParamPhase); ok && !params.RunRequested() {
		return apperrors.Validation(ParamPhase, fmt.Sprintf("PHASE may only be %s at creation, got %q", PhaseRun, v))
	}

	if len(r.Uploads) > maxUploads {
		return apperrors.Validation("uploads", fmt.Sprintf("uploads exceed maximum of %d", maxUploads))
	}

	return nil
}

// Options returns the construction options described by the request.
func (r *Request) Options() []Option {
	var opts []Option
	if len(r.Uploads) > 0 {
		opts = append(opts, WithUploads(r.Uploads...))
	}
	if r.Destruction != nil {
		opts = append(opts, WithDestruction(*r.Destruction))
	}
	return opts
}
