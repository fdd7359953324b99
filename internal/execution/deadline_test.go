package execution

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uws/internal/apperrors"
)

func TestDetermineDeadline(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		limits    Limits
		requested time.Duration
		sync      bool
		want      time.Duration
	}{
		{"max only", Limits{Max: 3600 * time.Second}, 0, false, 3600000 * time.Millisecond},
		{"client within max", Limits{Default: 600 * time.Second, Max: 3600 * time.Second}, 100 * time.Second, false, 100000 * time.Millisecond},
		{"client only", Limits{}, 10 * time.Second, false, 10000 * time.Millisecond},
		{"client above max", Limits{Max: time.Minute}, time.Hour, false, time.Minute},
		{"default", Limits{Default: 600 * time.Second, Max: 3600 * time.Second}, 0, false, 600 * time.Second},
		{"default bounded by max", Limits{Default: 2 * time.Hour, Max: time.Hour}, 0, false, time.Hour},
		{"fallback", Limits{}, 0, false, DefaultFallback},
		{"configured fallback", Limits{Fallback: 5 * time.Minute}, 0, false, 5 * time.Minute},
		{"unlimited", Limits{Fallback: -1}, 0, false, 0},
		{"sync limit wins", Limits{Sync: 30 * time.Second, Max: time.Hour}, 100 * time.Second, true, 30 * time.Second},
		{"sync limit ignored for async", Limits{Sync: 30 * time.Second}, 100 * time.Second, false, 100 * time.Second},
		{"sync without sync limit", Limits{Default: time.Minute}, 0, true, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DetermineDeadline(tt.limits, tt.requested, tt.sync))
		})
	}
}

func TestSlots(t *testing.T) {
	t.Parallel()
	s := NewSlots(2)

	r1, err := s.TryAcquire()
	require.NoError(t, err)
	r2, err := s.TryAcquire()
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.InUse())

	_, err = s.TryAcquire()
	assert.ErrorIs(t, err, apperrors.ErrResourceExhausted)

	r1()
	r1()
	assert.EqualValues(t, 1, s.InUse(), "release is idempotent")

	r3, err := s.TryAcquire()
	require.NoError(t, err)
	r2()
	r3()
	assert.EqualValues(t, 0, s.InUse())
	assert.EqualValues(t, 2, s.Size())
}

func TestUnboundedSlots(t *testing.T) {
	t.Parallel()
	s := NewSlots(0)
	var releases []func()
	for range 100 {
		r, err := s.TryAcquire()
		require.NoError(t, err)
		releases = append(releases, r)
	}
	for _, r := range releases {
		r()
	}
	assert.Zero(t, s.InUse())
	assert.Zero(t, s.Size())
}

func TestStepTimer(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	now := time.Unix(0, 0)
	st := NewStepTimer()
	st.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	st.Begin(StepUpload)
	advance(10 * time.Millisecond)
	st.Begin(StepParse)
	advance(5 * time.Millisecond)
	st.Begin(StepExecute)
	advance(20 * time.Millisecond)
	st.Begin(StepFormat)
	advance(time.Millisecond)
	st.End()
	st.End()

	assert.Equal(t, []StepTiming{
		{StepUpload, 10 * time.Millisecond},
		{StepParse, 5 * time.Millisecond},
		{StepExecute, 20 * time.Millisecond},
		{StepFormat, time.Millisecond},
	}, st.Timings())
}
