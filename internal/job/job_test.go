package job

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uws/internal/apperrors"
)

type stubUnit struct {
	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
}

func newStubUnit() *stubUnit { return &stubUnit{done: make(chan struct{})} }

func (u *stubUnit) Cancel() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cancelled = true
}

func (u *stubUnit) Done() <-chan struct{} { return u.done }

func (u *stubUnit) wasCancelled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cancelled
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewJob(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	owner := &Owner{ID: "alice"}

	j := New("42", owner, Params{"maxrec": "10"}, WithClock(clock.Now))

	assert.Equal(t, "42", j.ID())
	assert.Equal(t, Pending, j.Phase())
	assert.Same(t, owner, j.Owner())
	assert.Equal(t, clock.Now(), j.CreationTime())
	assert.True(t, j.StartTime().IsZero())
	assert.True(t, j.EndTime().IsZero())
	assert.True(t, j.DestructionTime().IsZero())

	v, ok := j.Params().Value("MAXREC")
	assert.True(t, ok)
	assert.Equal(t, "10", v)
}

func TestParamsAreReadOnly(t *testing.T) {
	t.Parallel()
	j := New("1", nil, Params{"A": "1"})
	p := j.Params()
	p["A"] = "2"
	v, _ := j.Params().Value("a")
	assert.Equal(t, "1", v)
}

func TestStartAndEndTimesSetOnce(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	j := New("1", nil, nil, WithClock(clock.Now))

	clock.Advance(time.Second)
	require.NoError(t, j.SetPhase(Queued))
	assert.True(t, j.StartTime().IsZero())

	clock.Advance(time.Second)
	require.NoError(t, j.SetPhase(Executing))
	started := j.StartTime()
	assert.Equal(t, time.Unix(1002, 0), started)

	clock.Advance(time.Second)
	require.NoError(t, j.SetPhase(Suspended))
	clock.Advance(time.Second)
	require.NoError(t, j.SetPhase(Executing))
	assert.Equal(t, started, j.StartTime(), "resuming must not reset the start time")

	clock.Advance(time.Second)
	require.NoError(t, j.Complete(Result{ID: "r", Rows: 3}))
	ended := j.EndTime()
	assert.Equal(t, time.Unix(1005, 0), ended)

	clock.Advance(time.Second)
	require.True(t, j.Archive())
	assert.Equal(t, ended, j.EndTime(), "archival must not move the end time")
}

func TestHeldToExecutingSetsStartTime(t *testing.T) {
	t.Parallel()
	j := New("1", nil, nil)
	require.NoError(t, j.SetPhase(Held))
	require.NoError(t, j.SetPhase(Executing))
	assert.False(t, j.StartTime().IsZero())
}

func TestResultXorErrorSummary(t *testing.T) {
	t.Parallel()

	j := New("ok", nil, nil)
	_, hasResult := j.Result()
	_, hasErr := j.ErrorSummary()
	assert.False(t, hasResult)
	assert.False(t, hasErr)

	require.NoError(t, j.SetPhase(Queued))
	require.NoError(t, j.SetPhase(Executing))
	require.NoError(t, j.Complete(Result{ID: "r", Rows: 3}))
	r, hasResult := j.Result()
	_, hasErr = j.ErrorSummary()
	assert.True(t, hasResult)
	assert.False(t, hasErr)
	assert.EqualValues(t, 3, r.Rows)

	f := New("fail", nil, nil)
	require.NoError(t, f.Fail(ErrorSummary{Message: "bad query"}))
	es, hasErr := f.ErrorSummary()
	_, hasResult = f.Result()
	assert.True(t, hasErr)
	assert.False(t, hasResult)
	assert.Equal(t, ErrorFatal, es.Kind)

	// A second outcome is rejected.
	assert.ErrorIs(t, f.Complete(Result{ID: "late"}), apperrors.ErrIllegalTransition)
	_, hasResult = f.Result()
	assert.False(t, hasResult)
}

func TestSetPhaseRejectsOutcomePhases(t *testing.T) {
	t.Parallel()
	j := New("1", nil, nil)
	require.NoError(t, j.SetPhase(Queued))
	require.NoError(t, j.SetPhase(Executing))

	for _, p := range []Phase{Completed, Error, Aborted} {
		err := j.SetPhase(p)
		assert.ErrorIs(t, err, apperrors.ErrValidation, p.String())
		assert.Equal(t, Executing, j.Phase())
	}
}

func TestCompareAndSetPhase(t *testing.T) {
	t.Parallel()
	j := New("1", nil, nil)

	ok, err := j.CompareAndSetPhase(Held, Queued)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Pending, j.Phase())

	ok, err = j.CompareAndSetPhase(Pending, Queued)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Queued, j.Phase())

	ok, err = j.CompareAndSetPhase(Queued, Suspended)
	assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)
	assert.False(t, ok)
}

func TestAttachRequiresActivePhase(t *testing.T) {
	t.Parallel()
	j := New("1", nil, nil)
	u := newStubUnit()

	assert.ErrorIs(t, j.Attach(u), apperrors.ErrConflict)

	require.NoError(t, j.SetPhase(Queued))
	require.NoError(t, j.Attach(u))
	assert.Equal(t, ExecutionUnit(u), j.Unit())

	assert.ErrorIs(t, j.Attach(newStubUnit()), apperrors.ErrConflict)

	require.NoError(t, j.SetPhase(Executing))
	require.NoError(t, j.Abort("stop"))
	assert.Nil(t, j.Unit(), "terminal transition clears the unit")
}

func TestArchiveIsIdempotent(t *testing.T) {
	t.Parallel()
	j := New("1", nil, nil)
	require.NoError(t, j.SetPhase(Queued))
	require.NoError(t, j.SetPhase(Executing))
	require.NoError(t, j.Complete(Result{ID: "r"}))

	assert.True(t, j.Archive())
	first := j.Snapshot()
	assert.False(t, j.Archive())
	assert.Equal(t, first, j.Snapshot())
	assert.Equal(t, Archived, j.Phase())
	_, hasResult := j.Result()
	assert.False(t, hasResult, "archival releases the result")
}

func TestArchiveRunningJobCancelsUnit(t *testing.T) {
	t.Parallel()
	j := New("1", nil, nil)
	u := newStubUnit()
	require.NoError(t, j.SetPhase(Queued))
	require.NoError(t, j.SetPhase(Executing))
	require.NoError(t, j.Attach(u))

	assert.True(t, j.Archive())
	assert.True(t, u.wasCancelled())
	assert.Equal(t, Archived, j.Phase())
	assert.Nil(t, j.Unit())
	es, ok := j.ErrorSummary()
	assert.True(t, ok)
	assert.Equal(t, ErrorTransient, es.Kind)
	assert.False(t, j.EndTime().IsZero())
}

func TestArchivedJobRejectsCompletion(t *testing.T) {
	t.Parallel()
	j := New("1", nil, nil)
	require.NoError(t, j.SetPhase(Queued))
	require.NoError(t, j.SetPhase(Executing))
	require.True(t, j.Archive())

	assert.ErrorIs(t, j.Complete(Result{ID: "late"}), apperrors.ErrIllegalTransition)
	assert.Equal(t, Archived, j.Phase())
}

func TestCleanupUploads(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.xml")
	b := filepath.Join(dir, "b.xml")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o600))

	j := New("1", nil, nil, WithUploads(a, b))
	assert.Len(t, j.Uploads(), 2)

	require.NoError(t, j.CleanupUploads())
	_, err := os.Stat(a)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, j.Uploads())
	require.NoError(t, j.CleanupUploads())
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	destruction := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	j := New("7", &Owner{ID: "bob"}, Params{"LANG": "ADQL"}, WithDestruction(destruction))
	require.NoError(t, j.Fail(ErrorSummary{Kind: ErrorTransient, Message: "later"}))

	s := j.Snapshot()
	assert.Equal(t, "7", s.ID)
	assert.Equal(t, "bob", s.Owner)
	assert.Equal(t, Error, s.Phase)
	require.NotNil(t, s.DestructionTime)
	assert.Equal(t, destruction, *s.DestructionTime)
	assert.Nil(t, s.StartTime)
	require.NotNil(t, s.Error)
	assert.Equal(t, "later", s.Error.Message)
	assert.Nil(t, s.Result)
}

func TestOwnerKey(t *testing.T) {
	t.Parallel()
	var anon *Owner
	assert.Equal(t, "", anon.Key())
	assert.Equal(t, "anonymous", anon.String())
	assert.Equal(t, "u1", (&Owner{ID: "u1"}).Key())
	assert.Equal(t, "Ursula", (&Owner{ID: "u1", Name: "Ursula"}).String())
}
