package kernel

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	futexWaitOp  = 0
	futexWakeOp  = 1
	futexPrivate = 128
)

// futexWait blocks while *addr == val, for at most d (Infinite for no
// limit). It may return early; callers re-check their condition.
func futexWait(addr *atomic.Uint32, val uint32, d time.Duration) {
	var ts *unix.Timespec
	if d >= 0 {
		t := unix.NsecToTimespec(d.Nanoseconds())
		ts = &t
	}
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitOp|futexPrivate),
		uintptr(val),
		uintptr(unsafe.Pointer(ts)),
		0, 0)
}

// futexWake wakes up to n threads blocked on addr.
func futexWake(addr *atomic.Uint32, n int) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWakeOp|futexPrivate),
		uintptr(n),
		0, 0, 0)
}

const wakeAll = 1<<31 - 1
