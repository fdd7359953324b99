package execution

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"uws/internal/apperrors"
	"uws/internal/job"
	"uws/internal/registry"
)

type mockManager struct{ mock.Mock }

func (m *mockManager) Execute(ctx context.Context, j *job.Job) error {
	return m.Called(ctx, j).Error(0)
}

func (m *mockManager) Remove(j *job.Job) { m.Called(j) }

type staticSource struct{ m registry.ExecutionManager }

func (s staticSource) ExecutionManager() registry.ExecutionManager { return s.m }

// abortingWork blocks until cancelled and records Abort calls.
type abortingWork struct {
	aborts atomic.Int32
}

func (w *abortingWork) Run(ctx context.Context, j *job.Job, steps *StepTimer) (job.Result, error) {
	<-ctx.Done()
	return job.Result{}, ctx.Err()
}

func (w *abortingWork) Abort(ctx context.Context, j *job.Job) error {
	w.aborts.Add(1)
	return nil
}

func TestAsyncStartWithoutAdmissionRunsToCompletion(t *testing.T) {
	t.Parallel()
	events := &eventLog{}
	c := NewAsyncController(rowsWork(3, 20*time.Millisecond), nil, AsyncConfig{}, WithSink(events))
	j := job.New("a1", nil, nil)

	require.NoError(t, c.Start(context.Background(), j, false))
	assert.Equal(t, job.Executing, j.Phase())
	assert.False(t, j.StartTime().IsZero())
	assert.Equal(t, j.StartTime().Add(DefaultFallback), j.Quote())
	assert.NotNil(t, j.Unit())

	rep, err := c.Wait(context.Background(), "a1")
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Equal(t, job.Completed, j.Phase())
	assert.Nil(t, j.Unit())
	assert.Equal(t, 0, c.Running())
	assert.Equal(t, []job.EventType{job.EventStarted, job.EventEnded}, events.types())
}

func TestAsyncStartWithAdmissionDelegates(t *testing.T) {
	t.Parallel()
	m := &mockManager{}
	c := NewAsyncController(rowsWork(1, 0), staticSource{m}, AsyncConfig{})
	j := job.New("a2", nil, nil)
	m.On("Execute", mock.Anything, j).Return(nil).Once()

	require.NoError(t, c.Start(context.Background(), j, true))
	m.AssertExpectations(t)
	assert.Equal(t, job.Pending, j.Phase(), "the manager decides when to launch")
}

func TestAsyncLaunchRemovesFromManagerWhenDone(t *testing.T) {
	t.Parallel()
	m := &mockManager{}
	c := NewAsyncController(rowsWork(1, 0), staticSource{m}, AsyncConfig{})
	j := job.New("a3", nil, nil)
	removed := make(chan struct{})
	m.On("Remove", j).Run(func(mock.Arguments) { close(removed) }).Once()

	require.NoError(t, c.Launch(context.Background(), j))
	select {
	case <-removed:
	case <-time.After(time.Second):
		t.Fatal("execution manager was not told the job finished")
	}
	m.AssertExpectations(t)
}

func TestAsyncLaunchRequiresReadyPhase(t *testing.T) {
	t.Parallel()
	c := NewAsyncController(rowsWork(1, 0), nil, AsyncConfig{})

	done := job.New("done", nil, nil)
	require.NoError(t, done.Abort("x"))
	assert.ErrorIs(t, c.Launch(context.Background(), done), apperrors.ErrConflict)

	held := job.New("held", nil, nil)
	require.NoError(t, held.SetPhase(job.Held))
	require.NoError(t, c.Launch(context.Background(), held))
	_, err := c.Wait(context.Background(), "held")
	require.NoError(t, err)
	assert.Equal(t, job.Completed, held.Phase())
}

func TestAsyncLaunchInvalidDurationFailsJob(t *testing.T) {
	t.Parallel()
	c := NewAsyncController(rowsWork(1, 0), nil, AsyncConfig{})
	j := job.New("bad", nil, job.Params{"EXECUTIONDURATION": "x"})

	assert.ErrorIs(t, c.Launch(context.Background(), j), apperrors.ErrValidation)
	assert.Equal(t, job.Error, j.Phase())
}

func TestAsyncWatchdogAbortsAtDeadline(t *testing.T) {
	t.Parallel()
	events := &eventLog{}
	c := NewAsyncController(pollingWork(10*time.Second, 10*time.Millisecond), nil,
		AsyncConfig{Limits: Limits{Default: 50 * time.Millisecond}}, WithSink(events))
	j := job.New("wd", nil, nil)

	require.NoError(t, c.Launch(context.Background(), j))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rep, err := c.Wait(ctx, "wd")
	require.NoError(t, err)

	assert.Equal(t, OutcomeTimedOut, rep.Outcome)
	assert.ErrorIs(t, rep.Err, apperrors.ErrDeadlineExceeded)
	assert.Equal(t, job.Aborted, j.Phase())
	assert.Contains(t, events.types(), job.EventTimedOut)
}

func TestAsyncUnlimitedExecutionHasNoQuote(t *testing.T) {
	t.Parallel()
	c := NewAsyncController(rowsWork(1, 0), nil, AsyncConfig{Limits: Limits{Fallback: -1}})
	j := job.New("nq", nil, nil)

	require.NoError(t, c.Launch(context.Background(), j))
	_, err := c.Wait(context.Background(), "nq")
	require.NoError(t, err)
	assert.True(t, j.Quote().IsZero())
	assert.Nil(t, j.Snapshot().Quote)
}

func TestAsyncWatchdogKeepsResultReturnedWithinGrace(t *testing.T) {
	t.Parallel()
	c := NewAsyncController(lateWork(2, 50*time.Millisecond), nil,
		AsyncConfig{Limits: Limits{Default: 30 * time.Millisecond}, Grace: time.Second})
	j := job.New("wd3", nil, nil)

	require.NoError(t, c.Launch(context.Background(), j))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rep, err := c.Wait(ctx, "wd3")
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.EqualValues(t, 2, rep.Rows())
	assert.Equal(t, job.Completed, j.Phase())
}

func TestAsyncWatchdogGivesUpOnStubbornWork(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	c := NewAsyncController(stubbornWork(release), nil,
		AsyncConfig{Limits: Limits{Default: 30 * time.Millisecond}, Grace: 30 * time.Millisecond})
	j := job.New("wd2", nil, nil)

	require.NoError(t, c.Launch(context.Background(), j))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rep, err := c.Wait(ctx, "wd2")
	require.NoError(t, err)
	assert.True(t, rep.StillRunning)
	assert.Equal(t, job.Aborted, j.Phase())
}

func TestAsyncStopIsIdempotent(t *testing.T) {
	t.Parallel()
	w := &abortingWork{}
	c := NewAsyncController(w, nil, AsyncConfig{Grace: time.Second})
	j := job.New("s1", nil, nil)
	require.NoError(t, c.Launch(context.Background(), j))

	c.Stop(j)
	assert.Equal(t, job.Aborted, j.Phase())
	assert.EqualValues(t, 1, w.aborts.Load())
	es, ok := j.ErrorSummary()
	require.True(t, ok)
	assert.Equal(t, "execution cancelled", es.Message)

	assert.NotPanics(t, func() { c.Stop(j) })
	assert.EqualValues(t, 1, w.aborts.Load(), "a stopped job is not aborted twice")
	assert.Equal(t, job.Aborted, j.Phase())
}

func TestAsyncStopUnknownJob(t *testing.T) {
	t.Parallel()
	c := NewAsyncController(rowsWork(1, 0), nil, AsyncConfig{})
	assert.NotPanics(t, func() { c.Stop(job.New("never", nil, nil)) })
}

func TestAsyncStopGivesUpAfterGrace(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	c := NewAsyncController(stubbornWork(release), nil, AsyncConfig{Grace: 50 * time.Millisecond})
	j := job.New("s2", nil, nil)
	require.NoError(t, c.Launch(context.Background(), j))

	start := time.Now()
	c.Stop(j)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, job.Aborted, j.Phase())
	assert.Equal(t, 0, c.Running())
}

func TestAsyncFailureIsRecorded(t *testing.T) {
	t.Parallel()
	c := NewAsyncController(WorkFunc(func(context.Context, *job.Job, *StepTimer) (job.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return job.Result{}, errors.New("disk full")
	}), nil, AsyncConfig{})
	j := job.New("f1", nil, nil)
	require.NoError(t, c.Launch(context.Background(), j))

	rep, err := c.Wait(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.ErrorIs(t, rep.Err, apperrors.ErrWork)
	assert.Equal(t, job.Error, j.Phase())
}

func TestAsyncArchiveDuringRunIsBenign(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	finish := make(chan struct{})
	c := NewAsyncController(WorkFunc(func(ctx context.Context, j *job.Job, _ *StepTimer) (job.Result, error) {
		close(started)
		<-finish
		return job.Result{Rows: 1}, nil
	}), nil, AsyncConfig{})
	j := job.New("ar", nil, nil)
	require.NoError(t, c.Launch(context.Background(), j))
	<-started

	require.True(t, j.Archive())
	close(finish)

	require.Eventually(t, func() bool { return c.Running() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, job.Archived, j.Phase())
	_, hasResult := j.Result()
	assert.False(t, hasResult)
}

func TestAsyncClose(t *testing.T) {
	t.Parallel()
	c := NewAsyncController(&abortingWork{}, nil, AsyncConfig{Grace: time.Second})
	jobs := []*job.Job{job.New("c1", nil, nil), job.New("c2", nil, nil)}
	for _, j := range jobs {
		require.NoError(t, c.Launch(context.Background(), j))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
	for _, j := range jobs {
		assert.Equal(t, job.Aborted, j.Phase())
	}
}
