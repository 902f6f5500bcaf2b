package gpu

import (
	"time"

	"github.com/sarchlab/recompbridge/kernel"
)

// FramePacer bounds how many presented frames the producer may run ahead
// of the render thread. It is a guest semaphore so a producer blocked on
// it is suspended exactly like a guest waiting on a kernel object.
type FramePacer struct {
	sem *kernel.Semaphore
}

// NewFramePacer allows maxInFlight frames in flight.
func NewFramePacer(maxInFlight int) *FramePacer {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	n := int32(maxInFlight)
	return &FramePacer{sem: kernel.NewSemaphore(n, n)}
}

// Acquire blocks until a frame slot is free and takes it.
func (p *FramePacer) Acquire() {
	p.sem.Wait(kernel.Infinite)
}

// AcquireTimeout is Acquire with a timeout. It reports whether a slot was
// taken.
func (p *FramePacer) AcquireTimeout(d time.Duration) bool {
	return p.sem.Wait(d) == kernel.StatusSuccess
}

// Release frees the slot of a frame the render thread finished.
func (p *FramePacer) Release() {
	p.sem.Release(1)
}

// InFlight returns the number of frames submitted but not yet presented.
func (p *FramePacer) InFlight() int {
	return int(p.sem.Max() - p.sem.Count())
}

// MaxInFlight returns the frame limit.
func (p *FramePacer) MaxInFlight() int {
	return int(p.sem.Max())
}
