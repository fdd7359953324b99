package job

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"uws/internal/apperrors"
)

// Well-known UWS parameter names.
const (
	ParamPhase             = "PHASE"
	ParamExecutionDuration = "EXECUTIONDURATION"
	ParamMaxRec            = "MAXREC"
	ParamRunID             = "RUNID"
)

// PhaseRun is the PHASE parameter value asking for immediate execution.
const PhaseRun = "RUN"

// Params holds the read-only request parameters of a job. Keys are stored
// upper-cased so lookups are case-insensitive.
type Params map[string]string

// NewParams copies raw into a normalized parameter set.
func NewParams(raw map[string]string) Params {
	p := make(Params, len(raw))
	for k, v := range raw {
		p[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return p
}

// Value returns the parameter for key, case-insensitively.
func (p Params) Value(key string) (string, bool) {
	v, ok := p[strings.ToUpper(key)]
	return v, ok
}

// Clone returns a copy that the caller may modify.
func (p Params) Clone() Params {
	return maps.Clone(p)
}

// RunRequested reports whether PHASE=RUN was supplied at creation.
func (p Params) RunRequested() bool {
	v, _ := p.Value(ParamPhase)
	return strings.EqualFold(strings.TrimSpace(v), PhaseRun)
}

// ExecutionDuration returns the client-requested execution duration.
// A missing parameter yields zero, which means no request.
func (p Params) ExecutionDuration() (time.Duration, error) {
	v, ok := p.Value(ParamExecutionDuration)
	if !ok || strings.TrimSpace(v) == "" {
		return 0, nil
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || secs < 0 {
		return 0, apperrors.Validation(ParamExecutionDuration, fmt.Sprintf("execution duration must be a non-negative number of seconds, got %q", v))
	}
	return time.Duration(secs) * time.Second, nil
}

// MaxRec returns the requested maximum number of output records, or -1 when
// the client did not limit the output.
func (p Params) MaxRec() (int64, error) {
	v, ok := p.Value(ParamMaxRec)
	if !ok || strings.TrimSpace(v) == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, apperrors.Validation(ParamMaxRec, fmt.Sprintf("MAXREC must be a non-negative integer, got %q", v))
	}
	return n, nil
}
