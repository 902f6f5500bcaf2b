package kernel

import (
	"sync/atomic"
	"time"
)

const (
	eventSignaled = 1
	// eventPulse is added to the state word by Pulse. The bits above the
	// signal bit count pulses so a waiter can tell it was pulsed even though
	// the event is already unsignalled again.
	eventPulse = 2
)

// Event is a notification (manual-reset) or synchronization (auto-reset)
// event.
type Event struct {
	counters
	watchers

	state  atomic.Uint32
	manual bool

	// An auto-reset event hands each pulse to one waiter as a token.
	// tokens never exceeds waiters.
	tokens  atomic.Int32
	waiters atomic.Int32
}

// NewEvent creates an event.
func NewEvent(manual, initial bool) *Event {
	e := &Event{manual: manual}
	if initial {
		e.state.Store(eventSignaled)
	}
	return e
}

// Kind returns KindEvent.
func (e *Event) Kind() Kind { return KindEvent }

// ManualReset reports whether the event stays signalled after a wait.
func (e *Event) ManualReset() bool { return e.manual }

// Signaled reports the current state.
func (e *Event) Signaled() bool {
	return e.state.Load()&eventSignaled != 0
}

// Set signals the event and returns whether it was signalled before. A
// manual-reset event releases every waiter; an auto-reset event releases
// exactly one.
func (e *Event) Set() bool {
	e.signals.Add(1)
	for {
		w := e.state.Load()
		if w&eventSignaled != 0 {
			return true
		}
		if e.state.CompareAndSwap(w, w|eventSignaled) {
			break
		}
	}
	e.wake()
	return false
}

// Reset unsignals the event and returns whether it was signalled before.
func (e *Event) Reset() bool {
	for {
		w := e.state.Load()
		if e.state.CompareAndSwap(w, w&^eventSignaled) {
			return w&eventSignaled != 0
		}
	}
}

// Pulse releases current waiters, all of them for a manual-reset event and
// one for an auto-reset event, and leaves the event unsignalled.
func (e *Event) Pulse() bool {
	e.signals.Add(1)
	if !e.manual {
		e.grantToken()
	}
	var was uint32
	for {
		w := e.state.Load()
		if e.state.CompareAndSwap(w, (w&^eventSignaled)+eventPulse) {
			was = w
			break
		}
	}
	e.wake()
	return was&eventSignaled != 0
}

// grantToken adds a pulse token unless every waiter already holds one.
func (e *Event) grantToken() {
	for {
		t := e.tokens.Load()
		if t >= e.waiters.Load() {
			return
		}
		if e.tokens.CompareAndSwap(t, t+1) {
			return
		}
	}
}

func (e *Event) takeToken() bool {
	for {
		t := e.tokens.Load()
		if t == 0 {
			return false
		}
		if e.tokens.CompareAndSwap(t, t-1) {
			return true
		}
	}
}

// enter registers a waiter and returns the pulse generation it waits
// from.
func (e *Event) enter() uint32 {
	e.waiters.Add(1)
	return e.state.Load() &^ eventSignaled
}

// leave drops a waiter along with any token no remaining waiter can take.
func (e *Event) leave() {
	n := e.waiters.Add(-1)
	for {
		t := e.tokens.Load()
		if t <= n || e.tokens.CompareAndSwap(t, n) {
			return
		}
	}
}

// pulsed reports whether a pulse seen in state word w since *mark
// releases the caller, and moves *mark to the generation of w.
func (e *Event) pulsed(w uint32, mark *uint32) bool {
	gen := w &^ eventSignaled
	if gen == *mark {
		return false
	}
	*mark = gen
	return e.manual || e.takeToken()
}

func (e *Event) wake() {
	if e.manual {
		futexWake(&e.state, wakeAll)
	} else {
		futexWake(&e.state, 1)
	}
	e.notify()
}

// Wait blocks until the event is signalled or the timeout expires.
func (e *Event) Wait(timeout time.Duration) Status {
	return e.acquire(0, timeout)
}

func (e *Event) acquire(_ uint32, timeout time.Duration) Status {
	e.waits.Add(1)

	mark := e.enter()
	defer e.leave()

	dl := newDeadline(timeout)
	for {
		w := e.state.Load()
		if w&eventSignaled != 0 {
			if e.manual || e.state.CompareAndSwap(w, w&^eventSignaled) {
				return StatusSuccess
			}
			continue
		}
		if e.pulsed(w, &mark) {
			return StatusSuccess
		}

		left := dl.remaining()
		if left == 0 {
			return StatusTimeout
		}
		futexWait(&e.state, w, left)
	}
}

func (e *Event) tryAcquire(_ uint32) bool {
	for {
		w := e.state.Load()
		if w&eventSignaled == 0 {
			return false
		}
		if e.manual || e.state.CompareAndSwap(w, w&^eventSignaled) {
			return true
		}
	}
}

// undo puts back a signal taken by tryAcquire. Watchers are not poked: the
// signal they already heard about is still there.
func (e *Event) undo(_ uint32) {
	if !e.manual {
		e.state.Or(eventSignaled)
		futexWake(&e.state, 1)
	}
}
