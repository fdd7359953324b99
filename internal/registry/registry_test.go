package registry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"uws/internal/apperrors"
	"uws/internal/job"
)

type mockExecution struct{ mock.Mock }

func (m *mockExecution) Execute(ctx context.Context, j *job.Job) error {
	return m.Called(ctx, j).Error(0)
}

func (m *mockExecution) Remove(j *job.Job) { m.Called(j) }

type mockDestruction struct{ mock.Mock }

func (m *mockDestruction) Update(j *job.Job) { m.Called(j) }
func (m *mockDestruction) Remove(j *job.Job) { m.Called(j) }

type mockStarter struct{ mock.Mock }

func (m *mockStarter) Start(ctx context.Context, j *job.Job, useAdmission bool) error {
	return m.Called(ctx, j, useAdmission).Error(0)
}

func (m *mockStarter) Stop(j *job.Job) { m.Called(j) }

type recordingSink struct {
	mu     sync.Mutex
	events []job.Event
}

func (s *recordingSink) Emit(_ context.Context, e job.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []job.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]job.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

// looseDestruction accepts any call.
func looseDestruction() *mockDestruction {
	m := &mockDestruction{}
	m.On("Update", mock.Anything).Maybe()
	m.On("Remove", mock.Anything).Maybe()
	return m
}

func looseExecution() *mockExecution {
	m := &mockExecution{}
	m.On("Execute", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("Remove", mock.Anything).Maybe()
	return m
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	base := []Option{
		WithDestructionManager(looseDestruction()),
		WithExecutionManager(looseExecution()),
		WithIDGenerator(job.NewSequenceGenerator("-")),
	}
	return New("test", append(base, opts...)...)
}

func finishedJob(t *testing.T, id string, owner *job.Owner, opts ...job.Option) *job.Job {
	t.Helper()
	j := job.New(id, owner, nil, opts...)
	require.NoError(t, j.SetPhase(job.Queued))
	require.NoError(t, j.SetPhase(job.Executing))
	require.NoError(t, j.Complete(job.Result{ID: "r", Rows: 1}))
	return j
}

func TestAddIndexesAndRegistersDestruction(t *testing.T) {
	t.Parallel()
	dm := &mockDestruction{}
	sink := &recordingSink{}
	r := New("test", WithDestructionManager(dm), WithSink(sink))

	alice := &job.Owner{ID: "alice"}
	j := job.New("1", alice, nil)
	dm.On("Update", j).Once()

	id, err := r.Add(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, "1", id)
	dm.AssertExpectations(t)

	got, err := r.Get("1", alice)
	require.NoError(t, err)
	assert.Same(t, j, got)
	assert.Equal(t, []*job.Job{j}, r.ListByOwner(alice))
	assert.Equal(t, []job.EventType{job.EventCreated}, sink.types())
}

func TestAddDuplicateIsNoop(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	first := job.New("dup", nil, nil)
	second := job.New("dup", nil, nil)

	id, err := r.Add(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, "dup", id)

	id, err = r.Add(context.Background(), second)
	require.NoError(t, err)
	assert.Empty(t, id)

	got, _ := r.Get("dup", nil)
	assert.Same(t, first, got)
	assert.Equal(t, 1, r.Len())
}

func TestAddWithPhaseRunStartsWithAdmission(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	starter := &mockStarter{}
	r.SetStarter(starter)

	j := job.New("run", nil, job.Params{"PHASE": "RUN"})
	starter.On("Start", mock.Anything, j, true).Return(nil).Once()

	_, err := r.Add(context.Background(), j)
	require.NoError(t, err)
	starter.AssertExpectations(t)
}

func TestAddStartFailureKeepsJob(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	starter := &mockStarter{}
	r.SetStarter(starter)

	j := job.New("run", nil, job.Params{"PHASE": "RUN"})
	starter.On("Start", mock.Anything, j, true).Return(apperrors.ResourceExhausted("slot"))

	id, err := r.Add(context.Background(), j)
	assert.Equal(t, "run", id)
	assert.ErrorIs(t, err, apperrors.ErrResourceExhausted)
	assert.Equal(t, 1, r.Len())
}

func TestAddPermission(t *testing.T) {
	t.Parallel()
	grants := NewGrants()
	grants.RestrictSubmitters("alice")
	r := newTestRegistry(t, WithPermissions(grants))

	_, err := r.Add(context.Background(), job.New("1", &job.Owner{ID: "mallory"}, nil))
	assert.ErrorIs(t, err, apperrors.ErrPermission)
	assert.Equal(t, 0, r.Len())

	_, err = r.Add(context.Background(), job.New("2", &job.Owner{ID: "alice"}, nil))
	assert.NoError(t, err)

	_, err = r.Add(context.Background(), job.New("3", nil, nil))
	assert.NoError(t, err, "anonymous jobs are not checked")
}

func TestGetPermission(t *testing.T) {
	t.Parallel()
	grants := NewGrants()
	grants.GrantRead("alice", "bob")
	grants.AddAdmin("root")
	r := newTestRegistry(t, WithPermissions(grants))

	_, err := r.Add(context.Background(), job.New("1", &job.Owner{ID: "alice"}, nil))
	require.NoError(t, err)

	tests := []struct {
		name      string
		requester *job.Owner
		wantErr   bool
	}{
		{"nil requester bypasses", nil, false},
		{"owner", &job.Owner{ID: "alice"}, false},
		{"granted reader", &job.Owner{ID: "bob"}, false},
		{"admin", &job.Owner{ID: "root"}, false},
		{"stranger", &job.Owner{ID: "eve"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			j, err := r.Get("1", tt.requester)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrPermission)
				assert.Nil(t, j)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, j)
		})
	}

	j, err := r.Get("missing", &job.Owner{ID: "eve"})
	assert.NoError(t, err)
	assert.Nil(t, j)
}

func TestListByOwner(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	alice := &job.Owner{ID: "alice"}

	assert.Empty(t, r.ListByOwner(alice))

	for i := range 3 {
		_, err := r.Add(context.Background(), job.New(fmt.Sprintf("a%d", i), alice, nil))
		require.NoError(t, err)
	}
	_, err := r.Add(context.Background(), job.New("anon", nil, nil))
	require.NoError(t, err)

	list := r.ListByOwner(&job.Owner{ID: "alice"})
	require.Len(t, list, 3)
	list[0] = nil
	assert.NotNil(t, r.ListByOwner(alice)[0], "returned slice is a snapshot")
	assert.Len(t, r.ListByOwner(nil), 1)
}

func TestRemoveDoesNotFreeResources(t *testing.T) {
	t.Parallel()
	dm := looseDestruction()
	exec := &mockExecution{}
	r := New("test", WithDestructionManager(dm), WithExecutionManager(exec))
	j := job.New("1", nil, nil)
	_, err := r.Add(context.Background(), j)
	require.NoError(t, err)

	assert.Same(t, j, r.Remove("1"))
	assert.Nil(t, r.Remove("1"))
	dm.AssertCalled(t, "Remove", j)
	exec.AssertNotCalled(t, "Remove", mock.Anything)
	assert.Equal(t, 0, r.Len())
}

func TestDestroyPolicy(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name        string
		policy      Policy
		destruction time.Time
		archived    bool
		wantDeleted bool
	}{
		{"always delete", AlwaysDelete, future, false, true},
		{"always archive", AlwaysArchive, future, false, false},
		{"always archive on archived job", AlwaysArchive, future, true, true},
		{"archive on date before date", ArchiveOnDate, future, false, true},
		{"archive on date after date", ArchiveOnDate, past, false, false},
		{"archive on date at date", ArchiveOnDate, now, false, false},
		{"archive on date without date", ArchiveOnDate, time.Time{}, false, true},
		{"archive on date on archived job", ArchiveOnDate, past, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sink := &recordingSink{}
			r := newTestRegistry(t, WithPolicy(tt.policy), WithClock(func() time.Time { return now }), WithSink(sink))
			j := finishedJob(t, "1", nil, job.WithDestruction(tt.destruction))
			if tt.archived {
				require.True(t, j.Archive())
			}
			_, err := r.Add(context.Background(), j)
			require.NoError(t, err)

			require.True(t, r.Destroy(context.Background(), "1"))

			got, _ := r.Get("1", nil)
			if tt.wantDeleted {
				assert.Nil(t, got)
				assert.Contains(t, sink.types(), job.EventDestroyed)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, job.Archived, got.Phase())
			_, hasResult := got.Result()
			assert.False(t, hasResult)
			assert.Contains(t, sink.types(), job.EventArchived)
		})
	}
}

func TestDestroyUnknownJob(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	assert.False(t, r.Destroy(context.Background(), "nope"))
	assert.False(t, r.Archive(context.Background(), "nope"))
}

func TestArchiveIdempotent(t *testing.T) {
	t.Parallel()
	dm := looseDestruction()
	sink := &recordingSink{}
	r := New("test", WithDestructionManager(dm), WithSink(sink))
	j := finishedJob(t, "1", nil)
	_, err := r.Add(context.Background(), j)
	require.NoError(t, err)

	assert.True(t, r.Archive(context.Background(), "1"))
	snap := j.Snapshot()
	assert.True(t, r.Archive(context.Background(), "1"))
	assert.Equal(t, snap, j.Snapshot())

	dm.AssertNumberOfCalls(t, "Remove", 1)
	archived := 0
	for _, et := range sink.types() {
		if et == job.EventArchived {
			archived++
		}
	}
	assert.Equal(t, 1, archived)
}

func TestArchiveStopsRunningJob(t *testing.T) {
	t.Parallel()
	exec := looseExecution()
	r := newTestRegistry(t, WithExecutionManager(exec))
	starter := &mockStarter{}
	r.SetStarter(starter)

	j := job.New("1", nil, nil)
	require.NoError(t, j.SetPhase(job.Queued))
	require.NoError(t, j.SetPhase(job.Executing))
	_, err := r.Add(context.Background(), j)
	require.NoError(t, err)

	starter.On("Stop", j).Once()
	assert.True(t, r.Archive(context.Background(), "1"))
	starter.AssertExpectations(t)
	exec.AssertCalled(t, "Remove", j)
	assert.Equal(t, job.Archived, j.Phase())
}

func TestDestroyLosesRaceWithRemove(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	r := newTestRegistry(t, WithPolicy(AlwaysDelete), WithSink(sink))
	starter := &mockStarter{}
	r.SetStarter(starter)

	j := job.New("1", nil, nil)
	require.NoError(t, j.SetPhase(job.Queued))
	require.NoError(t, j.SetPhase(job.Executing))
	_, err := r.Add(context.Background(), j)
	require.NoError(t, err)

	// The job is removed while Destroy waits for it to stop.
	starter.On("Stop", j).Run(func(mock.Arguments) { r.Remove("1") }).Once()

	assert.False(t, r.Destroy(context.Background(), "1"))
	starter.AssertExpectations(t)
	assert.Zero(t, r.Len())
	assert.NotContains(t, sink.types(), job.EventDestroyed)
}

func TestSetExecutionManagerRehomesActiveJobs(t *testing.T) {
	t.Parallel()
	oldExec := looseExecution()
	r := newTestRegistry(t, WithExecutionManager(oldExec))

	pending := job.New("pending", nil, nil)
	queued := job.New("queued", nil, nil)
	require.NoError(t, queued.SetPhase(job.Queued))
	held := job.New("held", nil, nil)
	require.NoError(t, held.SetPhase(job.Held))
	done := finishedJob(t, "done", nil)
	for _, j := range []*job.Job{pending, queued, held, done} {
		_, err := r.Add(context.Background(), j)
		require.NoError(t, err)
	}

	newExec := &mockExecution{}
	newExec.On("Execute", mock.Anything, queued).Return(nil).Once()
	newExec.On("Execute", mock.Anything, held).Return(nil).Once()

	r.SetExecutionManager(context.Background(), newExec)

	newExec.AssertExpectations(t)
	newExec.AssertNotCalled(t, "Execute", mock.Anything, pending)
	newExec.AssertNotCalled(t, "Execute", mock.Anything, done)
	oldExec.AssertCalled(t, "Remove", queued)
	oldExec.AssertCalled(t, "Remove", held)
	assert.Same(t, newExec, r.ExecutionManager())
}

func TestSetDestructionManagerReregisters(t *testing.T) {
	t.Parallel()
	oldDM := looseDestruction()
	r := New("test", WithDestructionManager(oldDM))
	live := job.New("live", nil, nil)
	archived := finishedJob(t, "archived", nil)
	_, err := r.Add(context.Background(), live)
	require.NoError(t, err)
	_, err = r.Add(context.Background(), archived)
	require.NoError(t, err)
	require.True(t, r.Archive(context.Background(), "archived"))

	newDM := &mockDestruction{}
	newDM.On("Update", live).Once()

	r.SetDestructionManager(newDM)

	newDM.AssertExpectations(t)
	newDM.AssertNotCalled(t, "Update", archived)
	oldDM.AssertCalled(t, "Remove", live)
}

func TestSetDestructionTime(t *testing.T) {
	t.Parallel()
	dm := looseDestruction()
	r := New("test", WithDestructionManager(dm))
	alice := &job.Owner{ID: "alice"}
	j := job.New("1", alice, nil)
	_, err := r.Add(context.Background(), j)
	require.NoError(t, err)

	when := time.Now().Add(time.Hour)
	assert.ErrorIs(t, r.SetDestructionTime("1", &job.Owner{ID: "eve"}, when), apperrors.ErrPermission)
	assert.ErrorIs(t, r.SetDestructionTime("2", alice, when), apperrors.ErrNotFound)

	require.NoError(t, r.SetDestructionTime("1", alice, when))
	assert.Equal(t, when, j.DestructionTime())
	dm.AssertNumberOfCalls(t, "Update", 2)
}

func TestRetentionAppliesDefaultDestruction(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newTestRegistry(t, WithRetention(24*time.Hour), WithClock(func() time.Time { return now }))

	j, err := r.Create(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, now.Add(24*time.Hour), j.DestructionTime())

	explicit := now.Add(time.Minute)
	j2, err := r.Create(context.Background(), nil, nil, job.WithDestruction(explicit))
	require.NoError(t, err)
	assert.Equal(t, explicit, j2.DestructionTime())
}

func TestIndexConsistencyUnderRandomOperations(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, WithPolicy(AlwaysArchive))
	owners := []*job.Owner{nil, {ID: "a"}, {ID: "b"}, {ID: "c"}}
	rng := rand.New(rand.NewPCG(1, 2))
	ctx := context.Background()

	for i := range 2000 {
		id := fmt.Sprintf("j%d", rng.IntN(50))
		switch rng.IntN(4) {
		case 0:
			_, _ = r.Add(ctx, job.New(id, owners[rng.IntN(len(owners))], nil))
		case 1:
			r.Remove(id)
		case 2:
			r.Destroy(ctx, id)
		case 3:
			r.Archive(ctx, id)
		}
		requireConsistent(t, r, i)
	}
}

func TestConcurrentOperationsKeepIndexesConsistent(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, WithPolicy(AlwaysDelete))
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner := &job.Owner{ID: fmt.Sprintf("o%d", w%3)}
			for i := range 200 {
				id := fmt.Sprintf("w%d-%d", w, i%20)
				_, _ = r.Add(ctx, job.New(id, owner, nil))
				if i%3 == 0 {
					r.Destroy(ctx, id)
				}
				_ = r.ListByOwner(owner)
			}
		}()
	}
	wg.Wait()
	requireConsistent(t, r, -1)
}

func requireConsistent(t *testing.T, r *Registry, step int) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()

	indexed := 0
	for key, owned := range r.byOwner {
		require.NotEmpty(t, owned, "step %d: empty owner bucket %q", step, key)
		for id, j := range owned {
			indexed++
			require.Same(t, j, r.jobs[id], "step %d: job %s missing from id index", step, id)
			require.Equal(t, key, j.Owner().Key(), "step %d", step)
		}
	}
	require.Equal(t, len(r.jobs), indexed, "step %d: index sizes differ", step)
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	p, err := ParsePolicy("archive_on_date")
	require.NoError(t, err)
	assert.Equal(t, ArchiveOnDate, p)

	_, err = ParsePolicy("sometimes")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestClose(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	for i := range 3 {
		_, err := r.Add(context.Background(), job.New(fmt.Sprintf("%d", i), nil, nil))
		require.NoError(t, err)
	}
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 0, r.Len())
}
