//go:build !linux

package kernel

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// parkBuckets spreads waiters over independent locks by word address.
const parkBuckets = 251

type parkBucket struct {
	mu      sync.Mutex
	waiters map[*atomic.Uint32][]chan struct{}
}

var parking [parkBuckets]parkBucket

func bucketOf(addr *atomic.Uint32) *parkBucket {
	return &parking[uintptr(unsafe.Pointer(addr))/4%parkBuckets]
}

// futexWait blocks while *addr == val, for at most d (Infinite for no
// limit). The value check and the enqueue happen under the bucket lock,
// which futexWake also takes.
func futexWait(addr *atomic.Uint32, val uint32, d time.Duration) {
	b := bucketOf(addr)
	b.mu.Lock()
	if addr.Load() != val {
		b.mu.Unlock()
		return
	}
	if b.waiters == nil {
		b.waiters = make(map[*atomic.Uint32][]chan struct{})
	}
	ch := make(chan struct{})
	b.waiters[addr] = append(b.waiters[addr], ch)
	b.mu.Unlock()

	if d < 0 {
		<-ch
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		b.mu.Lock()
		list := b.waiters[addr]
		for i, c := range list {
			if c == ch {
				b.waiters[addr] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.waiters[addr]) == 0 {
			delete(b.waiters, addr)
		}
		b.mu.Unlock()
	}
}

// futexWake wakes up to n threads blocked on addr.
func futexWake(addr *atomic.Uint32, n int) {
	b := bucketOf(addr)
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.waiters[addr]
	for n > 0 && len(list) > 0 {
		close(list[0])
		list = list[1:]
		n--
	}
	if len(list) == 0 {
		delete(b.waiters, addr)
	} else {
		b.waiters[addr] = list
	}
}

const wakeAll = 1<<31 - 1
