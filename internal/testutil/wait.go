// Package testutil provides polling helpers for tests that wait on
// background job execution, notifications and containers.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"

	"uws/internal/job"
)

// WaitOptions configures how long and how often a condition is polled.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for the wait helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Timeout = d }
}

// WithInterval sets the polling interval (default: 20ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Interval = d }
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  10 * time.Second,
		Interval: 20 * time.Millisecond,
	}
}

func buildOptions(opts []WaitOption) WaitOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls until condition returns true or the timeout is reached.
// The condition is checked once more at the deadline.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := buildOptions(opts)

	deadline := time.Now().Add(o.Timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(o.Interval)
	}
	return condition()
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// WaitForCount polls until counter reaches target.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return counter.Load() >= target }, opts...)
}

// MustWaitForCount is WaitForCount that fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}

// WaitForPhase polls until j is in phase.
func WaitForPhase(tb testing.TB, j *job.Job, phase job.Phase, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return j.Phase() == phase }, opts...)
}

// MustWaitForPhase is WaitForPhase that fails the test on timeout.
func MustWaitForPhase(tb testing.TB, j *job.Job, phase job.Phase, opts ...WaitOption) {
	tb.Helper()
	if !WaitForPhase(tb, j, phase, opts...) {
		tb.Fatalf("timed out waiting for %s to reach %s (current: %s)", j, phase, j.Phase())
	}
}
