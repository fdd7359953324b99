package cli

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"

	"gopkg.in/yaml.v3"

	"uws/internal/apperrors"
	"uws/internal/job"
)

// JobFile is the document read by "uws run". Defaults are merged into the
// parameters of every job; a job's own parameters win.
//
//	defaults:
//	  IMAGE: alpine:3.20
//	jobs:
//	  - id: count-rows
//	    owner: {id: alice}
//	    parameters:
//	      COMMAND: seq 1 100
//	      MAXREC: "10"
type JobFile struct {
	Defaults map[string]string `yaml:"defaults,omitempty"`
	Jobs     []job.Request     `yaml:"jobs"`
}

// LoadJobFile reads and validates a job file. A path of "-" reads stdin.
func LoadJobFile(path string, stdin io.Reader) ([]job.Request, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, apperrors.NotFound("job file", path)
			}
			return nil, fmt.Errorf("open job file: %w", err)
		}
		defer f.Close()
		r = f
	}
	return parseJobFile(r)
}

func parseJobFile(r io.Reader) ([]job.Request, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc JobFile
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, apperrors.Validation("jobs", "job file is empty")
		}
		return nil, apperrors.Validation("jobs", fmt.Sprintf("invalid job file: %v", err))
	}
	if len(doc.Jobs) == 0 {
		return nil, apperrors.Validation("jobs", "job file lists no jobs")
	}

	seen := make(map[string]bool, len(doc.Jobs))
	for i := range doc.Jobs {
		req := &doc.Jobs[i]
		params := job.NewParams(doc.Defaults)
		maps.Copy(params, job.NewParams(req.Params))
		req.Params = params

		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("jobs[%d]: %w", i, err)
		}
		if req.ID != "" {
			if seen[req.ID] {
				return nil, apperrors.Validation(fmt.Sprintf("jobs[%d].id", i), fmt.Sprintf("duplicate job ID %q", req.ID))
			}
			seen[req.ID] = true
		}
	}
	return doc.Jobs, nil
}
