package execution

import "time"

// DefaultFallback is the execution duration used when nothing else is set.
const DefaultFallback = time.Hour

// Limits configures how long a job may run. Zero fields are unset.
type Limits struct {
	// Sync caps synchronous runs and takes precedence over everything else.
	Sync time.Duration
	// Default applies when the client requested nothing.
	Default time.Duration
	// Max bounds client requests and the default.
	Max time.Duration
	// Fallback applies when nothing above is set. Zero means DefaultFallback
	// and a negative value means unlimited.
	Fallback time.Duration
}

// DetermineDeadline picks the execution duration of a job. The first strictly
// positive value of the chain wins: the synchronous limit (only when sync),
// the client request bounded by Max, Default bounded by Max, Max, and
// finally the fallback. A zero result means unlimited.
func DetermineDeadline(l Limits, requested time.Duration, sync bool) time.Duration {
	if sync && l.Sync > 0 {
		return l.Sync
	}
	if requested > 0 {
		return bound(requested, l.Max)
	}
	if l.Default > 0 {
		return bound(l.Default, l.Max)
	}
	if l.Max > 0 {
		return l.Max
	}
	switch {
	case l.Fallback > 0:
		return l.Fallback
	case l.Fallback == 0:
		return DefaultFallback
	}
	return 0
}

func bound(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
