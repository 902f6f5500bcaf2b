package kernel

import (
	"sync/atomic"
	"time"

	"github.com/sarchlab/recompbridge/fault"
)

// Lock word states.
const (
	unlocked  = 0
	locked    = 1
	contended = 2
)

// Mutex is a recursive mutex owned by a guest thread id. It backs both
// critical sections and mutants.
type Mutex struct {
	counters
	watchers

	word  atomic.Uint32
	owner atomic.Uint32
	// depth is only touched by the owning thread.
	depth int32

	trap *fault.Trap
}

// NewMutex creates a mutex, owned by tid when tid is not 0. Leaving a mutex
// the caller does not own is reported to trap.
func NewMutex(tid uint32, trap *fault.Trap) *Mutex {
	m := &Mutex{trap: trap}
	if tid != 0 {
		m.word.Store(locked)
		m.owner.Store(tid)
		m.depth = 1
	}
	return m
}

// Kind returns KindMutex.
func (m *Mutex) Kind() Kind { return KindMutex }

// Owner returns the owning thread id, 0 when free.
func (m *Mutex) Owner() uint32 { return m.owner.Load() }

// Enter blocks until tid owns the mutex. Re-entering increments the
// recursion depth.
func (m *Mutex) Enter(tid uint32) {
	m.EnterTimeout(tid, Infinite)
}

// EnterTimeout is Enter with a timeout.
func (m *Mutex) EnterTimeout(tid uint32, timeout time.Duration) Status {
	return m.acquire(tid, timeout)
}

// TryEnter takes the mutex if it is free or already owned by tid. It never
// blocks.
func (m *Mutex) TryEnter(tid uint32) bool {
	return m.tryAcquire(tid)
}

// Leave releases one level of recursion and frees the mutex when the depth
// reaches zero. It returns the remaining depth.
func (m *Mutex) Leave(tid uint32) int32 {
	if owner := m.owner.Load(); owner != tid || tid == 0 {
		m.trap.Raise("mutex released by thread %d, owned by %d", tid, owner)
		return 0
	}
	m.signals.Add(1)
	return m.release(true)
}

func (m *Mutex) release(notify bool) int32 {
	m.depth--
	if m.depth > 0 {
		return m.depth
	}
	m.owner.Store(0)
	if m.word.Swap(unlocked) == contended {
		futexWake(&m.word, 1)
	}
	if notify {
		m.notify()
	}
	return 0
}

func (m *Mutex) acquire(tid uint32, timeout time.Duration) Status {
	m.waits.Add(1)
	if m.owner.Load() == tid && tid != 0 {
		m.depth++
		return StatusSuccess
	}

	if !m.lock(newDeadline(timeout)) {
		return StatusTimeout
	}
	m.owner.Store(tid)
	m.depth = 1
	return StatusSuccess
}

// lock is the three-state futex lock: 0 free, 1 held, 2 held with
// possible waiters.
func (m *Mutex) lock(dl deadline) bool {
	if m.word.CompareAndSwap(unlocked, locked) {
		return true
	}
	c := m.word.Load()
	if c != contended {
		c = m.word.Swap(contended)
	}
	for c != unlocked {
		left := dl.remaining()
		if left == 0 {
			return false
		}
		futexWait(&m.word, contended, left)
		c = m.word.Swap(contended)
	}
	return true
}

func (m *Mutex) tryAcquire(tid uint32) bool {
	if m.owner.Load() == tid && tid != 0 {
		m.depth++
		return true
	}
	if !m.word.CompareAndSwap(unlocked, locked) {
		return false
	}
	m.owner.Store(tid)
	m.depth = 1
	return true
}

func (m *Mutex) undo(_ uint32) {
	m.release(false)
}
