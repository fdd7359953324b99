package execution

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"uws/internal/apperrors"
)

// Slots bounds how many synchronous jobs execute at once.
type Slots struct {
	sem   *semaphore.Weighted
	size  int64
	inUse atomic.Int64
}

// NewSlots creates a pool of n slots. n <= 0 means unbounded.
func NewSlots(n int) *Slots {
	s := &Slots{size: int64(n)}
	if n > 0 {
		s.sem = semaphore.NewWeighted(int64(n))
	}
	return s
}

// TryAcquire takes a slot without waiting. The returned release function must
// be called exactly once.
func (s *Slots) TryAcquire() (func(), error) {
	if s.sem != nil && !s.sem.TryAcquire(1) {
		return nil, apperrors.ResourceExhausted("execution slot")
	}
	s.inUse.Add(1)
	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		s.inUse.Add(-1)
		if s.sem != nil {
			s.sem.Release(1)
		}
	}, nil
}

// InUse returns the number of slots currently taken.
func (s *Slots) InUse() int64 { return s.inUse.Load() }

// Size returns the pool size, zero when unbounded.
func (s *Slots) Size() int64 { return max(s.size, 0) }
