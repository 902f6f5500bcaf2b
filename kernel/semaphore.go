package kernel

import (
	"sync/atomic"
	"time"
)

// Semaphore is a counting semaphore with a maximum count.
type Semaphore struct {
	counters
	watchers

	count atomic.Uint32
	max   int32
}

// NewSemaphore creates a semaphore. The initial count is clamped to
// [0, max] and a non-positive max is raised to 1.
func NewSemaphore(initial, limit int32) *Semaphore {
	if limit <= 0 {
		limit = 1
	}
	s := &Semaphore{max: limit}
	s.count.Store(uint32(clamp(initial, 0, limit)))
	return s
}

// Kind returns KindSemaphore.
func (s *Semaphore) Kind() Kind { return KindSemaphore }

// Count returns the current count.
func (s *Semaphore) Count() int32 { return int32(s.count.Load()) }

// Max returns the maximum count.
func (s *Semaphore) Max() int32 { return s.max }

// Release adds n to the count, clamped to the maximum, and wakes up to n
// waiters. A non-positive n counts as 1: guest callers are known to pass
// garbage in the count register. It returns the previous count.
func (s *Semaphore) Release(n int32) int32 {
	s.signals.Add(1)
	if n <= 0 {
		n = 1
	}
	for {
		prev := int32(s.count.Load())
		next := int32(min(int64(prev)+int64(n), int64(s.max)))
		if s.count.CompareAndSwap(uint32(prev), uint32(next)) {
			if next > prev {
				futexWake(&s.count, int(next-prev))
				s.notify()
			}
			return prev
		}
	}
}

// Wait blocks until the count is positive, then takes one unit.
func (s *Semaphore) Wait(timeout time.Duration) Status {
	return s.acquire(0, timeout)
}

func (s *Semaphore) acquire(_ uint32, timeout time.Duration) Status {
	s.waits.Add(1)

	dl := newDeadline(timeout)
	for {
		if s.tryAcquire(0) {
			return StatusSuccess
		}
		left := dl.remaining()
		if left == 0 {
			return StatusTimeout
		}
		futexWait(&s.count, 0, left)
	}
}

func (s *Semaphore) tryAcquire(_ uint32) bool {
	for {
		c := s.count.Load()
		if c == 0 {
			return false
		}
		if s.count.CompareAndSwap(c, c-1) {
			return true
		}
	}
}

func (s *Semaphore) undo(_ uint32) {
	s.count.Add(1)
	futexWake(&s.count, 1)
}

func clamp(v, lo, hi int32) int32 {
	return max(lo, min(v, hi))
}
