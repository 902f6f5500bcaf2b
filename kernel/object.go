package kernel

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the type of a kernel object.
type Kind uint8

// Object kinds.
const (
	KindEvent Kind = iota
	KindSemaphore
	KindMutex
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindSemaphore:
		return "semaphore"
	case KindMutex:
		return "mutex"
	}
	return "unknown"
}

// Stats counts the waits and signals an object has seen.
type Stats struct {
	Waits   uint64
	Signals uint64
}

// Object is a waitable kernel object.
type Object interface {
	Kind() Kind
	Stats() Stats

	// acquire waits for the object on behalf of guest thread tid.
	acquire(tid uint32, timeout time.Duration) Status
	// tryAcquire takes the object without blocking.
	tryAcquire(tid uint32) bool
	// undo gives back an acquisition made by tryAcquire.
	undo(tid uint32)
	watch() *watchers
}

// counters is embedded by every object.
type counters struct {
	waits   atomic.Uint64
	signals atomic.Uint64
}

func (c *counters) Stats() Stats {
	return Stats{Waits: c.waits.Load(), Signals: c.signals.Load()}
}

// watchers lets a multi-object wait hear about signals on any of its
// objects. n is checked without the lock so objects nobody watches pay one
// atomic load per signal.
type watchers struct {
	n    atomic.Int32
	mu   sync.Mutex
	list map[chan struct{}]struct{}
}

func (w *watchers) watch() *watchers {
	return w
}

func (w *watchers) add(ch chan struct{}) {
	w.mu.Lock()
	if w.list == nil {
		w.list = make(map[chan struct{}]struct{})
	}
	w.list[ch] = struct{}{}
	w.mu.Unlock()
	w.n.Add(1)
}

func (w *watchers) remove(ch chan struct{}) {
	w.mu.Lock()
	delete(w.list, ch)
	w.mu.Unlock()
	w.n.Add(-1)
}

// notify pokes every watcher. Channels are buffered by one, so a pending
// poke is never lost and never blocks the signaller.
func (w *watchers) notify() {
	if w.n.Load() == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.list {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
