package emu

import (
	"sync"
)

// TLS emulates guest thread-local slots. Slot numbers are shared by all
// threads; each host thread keeps its own values.
//
// Freeing a slot does not clear the values threads stored in it. A thread
// that reads a reused slot before setting it sees its old value, the same
// as on the original platform.
type TLS struct {
	mu   sync.Mutex
	free []uint32
	next uint32

	// values maps a host thread id to that thread's *[]uint64. A slice is
	// only ever touched by its own thread.
	values sync.Map
}

// NewTLS creates an empty slot allocator.
func NewTLS() *TLS {
	return &TLS{}
}

// Alloc returns a free slot, preferring the most recently freed one.
func (t *TLS) Alloc() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.free); n > 0 {
		slot := t.free[n-1]
		t.free = t.free[:n-1]
		return slot
	}
	slot := t.next
	t.next++
	return slot
}

// Free returns a slot to the allocator.
func (t *TLS) Free(slot uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.free = append(t.free, slot)
}

// Get returns the calling thread's value in slot, 0 if it never set one.
func (t *TLS) Get(slot uint32) uint64 {
	v, ok := t.values.Load(threadID())
	if !ok {
		return 0
	}
	vals := *v.(*[]uint64)
	if int(slot) >= len(vals) {
		return 0
	}
	return vals[slot]
}

// Set stores the calling thread's value in slot.
func (t *TLS) Set(slot uint32, value uint64) {
	v, _ := t.values.LoadOrStore(threadID(), new([]uint64))
	vals := v.(*[]uint64)
	if int(slot) >= len(*vals) {
		grown := make([]uint64, slot+1, 2*(slot+1))
		copy(grown, *vals)
		*vals = grown
	}
	(*vals)[slot] = value
}

// Release drops the calling thread's values. Guest threads call it on exit
// so a recycled host thread id starts empty.
func (t *TLS) Release() {
	t.values.Delete(threadID())
}
