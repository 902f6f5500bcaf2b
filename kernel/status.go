// Package kernel implements the guest kernel's dispatcher objects on host
// atomics. Every object keeps its state in one 32-bit word and blocks on
// that same word, so a signal that happens before a wait is never lost.
package kernel

import (
	"fmt"
	"time"
)

// Status is an NT status code as returned to guest code.
type Status uint32

// Status codes returned by waits and object calls.
const (
	StatusSuccess       Status = 0x00000000
	StatusAbandoned     Status = 0x00000080
	StatusTimeout       Status = 0x00000102
	StatusInvalidHandle Status = 0xC0000008
	StatusInvalidParam  Status = 0xC000000D
	StatusNotOwner      Status = 0xC0000106
)

// WaitIndex returns the status a multi-object wait reports when the object
// at index i satisfied it.
func WaitIndex(i int) Status {
	return StatusSuccess + Status(i)
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "STATUS_SUCCESS"
	case StatusAbandoned:
		return "STATUS_ABANDONED"
	case StatusTimeout:
		return "STATUS_TIMEOUT"
	case StatusInvalidHandle:
		return "STATUS_INVALID_HANDLE"
	case StatusInvalidParam:
		return "STATUS_INVALID_PARAMETER"
	case StatusNotOwner:
		return "STATUS_MUTANT_NOT_OWNED"
	}
	return fmt.Sprintf("STATUS_0x%08X", uint32(s))
}

// Infinite makes a wait block until the object is signalled.
const Infinite time.Duration = -1

// infiniteMillis is the guest encoding of an infinite timeout.
const infiniteMillis = 0xFFFFFFFF

// Milliseconds converts a guest millisecond timeout, mapping 0xFFFFFFFF to
// Infinite.
func Milliseconds(ms uint32) time.Duration {
	if ms == infiniteMillis {
		return Infinite
	}
	return time.Duration(ms) * time.Millisecond
}

// Interval converts a guest 100ns interval as passed to wait calls. A
// negative value is relative; a non-negative value is an absolute system
// time, which the bridge does not track and treats as an immediate poll
// unless it is zero.
func Interval(v int64, present bool) time.Duration {
	if !present {
		return Infinite
	}
	if v < 0 {
		return time.Duration(-v) * 100 * time.Nanosecond
	}
	return 0
}

// deadline tracks the time left for one wait.
type deadline struct {
	infinite bool
	at       time.Time
}

func newDeadline(timeout time.Duration) deadline {
	if timeout < 0 {
		return deadline{infinite: true}
	}
	return deadline{at: time.Now().Add(timeout)}
}

// remaining returns the time left, Infinite for an unbounded wait and 0
// once the deadline has passed.
func (d deadline) remaining() time.Duration {
	if d.infinite {
		return Infinite
	}
	left := time.Until(d.at)
	if left < 0 {
		return 0
	}
	return left
}
