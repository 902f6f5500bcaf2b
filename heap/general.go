// Package heap provides the two guest heaps carved out of the address space.
//
// The general heap serves ordinary guest objects with bounded O(1)
// allocation and free. The physical heap serves allocations that must land
// on a power-of-two boundary, such as GPU resources.
package heap

import (
	"math/bits"
	"sync"

	"github.com/go-logr/logr"

	"github.com/sarchlab/recompbridge/fault"
	"github.com/sarchlab/recompbridge/mem"
	"github.com/sarchlab/recompbridge/metrics"
)

const (
	// Alignment is the alignment of every pointer the general heap returns.
	Alignment = 16

	// headerSize is the fragment header kept in guest memory in front of
	// every block.
	headerSize = 16

	// minFragment is the smallest fragment, large enough for the header and
	// the two free-list links.
	minFragment = 32

	numBins = 32
)

// Fragment header layout, in guest byte order.
const (
	offNext     = 0  // physically next fragment, 0 if last
	offPrev     = 4  // physically previous fragment, 0 if first
	offSize     = 8  // fragment size including the header
	offUsed     = 12 // 1 while allocated
	offNextFree = 16 // free fragments only
	offPrevFree = 20 // free fragments only
)

// Diagnostics reports the state of a heap.
type Diagnostics struct {
	// Capacity is the number of bytes the heap manages.
	Capacity uint64
	// Allocated is the number of bytes held by live fragments, headers
	// included.
	Allocated uint64
	// PeakAllocated is the high-water mark of Allocated.
	PeakAllocated uint64
	// PeakRequest is the largest request ever made.
	PeakRequest uint64
	// Allocations and Frees count successful operations.
	Allocations uint64
	Frees       uint64
	// OOMCount counts requests that could not be satisfied.
	OOMCount uint64
}

// General is an o1heap-style allocator over a range of guest memory.
//
// Free fragments are binned by the power of two of their size. A bit mask
// of non-empty bins lets allocation find the smallest suitable bin with a
// single trailing-zero count, so neither Alloc nor Free ever scans.
type General struct {
	mu sync.Mutex

	name  string
	as    *mem.AddressSpace
	start uint32
	end   uint64

	bins     [numBins]uint32
	nonEmpty uint32

	diag Diagnostics

	trap    *fault.Trap
	logger  logr.Logger
	metrics *metrics.Set
}

// Option configures a heap.
type Option func(*options)

type options struct {
	trap    *fault.Trap
	logger  logr.Logger
	metrics *metrics.Set
	name    string
}

// WithTrap sets where protocol violations are reported.
func WithTrap(t *fault.Trap) Option {
	return func(o *options) {
		o.trap = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Set) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithName labels the heap in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

func buildOptions(defaultName string, opts []Option) options {
	o := options{logger: logr.Discard(), name: defaultName}
	for _, opt := range opts {
		opt(&o)
	}
	if o.trap == nil {
		o.trap = fault.New(fault.WithLogger(o.logger))
	}
	return o
}

// NewGeneral creates a general heap managing guest memory [start, end).
func NewGeneral(as *mem.AddressSpace, start uint32, end uint64, opts ...Option) *General {
	o := buildOptions("general", opts)

	h := &General{
		name:    o.name,
		as:      as,
		trap:    o.trap,
		logger:  o.logger,
		metrics: o.metrics,
	}

	first := alignUp64(uint64(start), minFragment)
	last := end &^ (minFragment - 1)
	if first == 0 || first >= last || last-first < minFragment {
		h.logger.Info("heap range too small", "heap", h.name, "start", start, "end", end)
		return h
	}
	h.start = uint32(first)
	h.end = last
	h.diag.Capacity = last - first

	// The whole range starts as a single free fragment.
	frag := h.start
	h.setNext(frag, 0)
	h.setPrev(frag, 0)
	h.setFragSize(frag, h.diag.Capacity)
	h.setUsed(frag, false)
	h.rebin(frag)

	h.logger.V(1).Info("heap initialized", "heap", h.name,
		"start", h.start, "end", h.end, "capacity", h.diag.Capacity)

	return h
}

// Alloc returns a 16-byte aligned block of at least size bytes, or 0 when
// the heap cannot satisfy the request. A zero size is served as one byte.
func (h *General) Alloc(size uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.allocLocked(size)
}

func (h *General) allocLocked(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	if uint64(size) > h.diag.PeakRequest {
		h.diag.PeakRequest = uint64(size)
	}

	fragSize := roundUpPow2(uint64(size) + headerSize)
	if fragSize < minFragment {
		fragSize = minFragment
	}
	if fragSize > h.diag.Capacity {
		return h.oom(size)
	}

	optimal := uint(bits.Len64(fragSize/minFragment) - 1)
	candidates := h.nonEmpty &^ ((1 << optimal) - 1)
	if candidates == 0 {
		return h.oom(size)
	}

	bin := bits.TrailingZeros32(candidates)
	frag := h.bins[bin]
	h.unbin(frag)

	have := h.fragSize(frag)
	if leftover := have - fragSize; leftover >= minFragment {
		rest := frag + uint32(fragSize)
		next := h.next(frag)
		h.setNext(rest, next)
		h.setPrev(rest, frag)
		h.setFragSize(rest, leftover)
		h.setUsed(rest, false)
		if next != 0 {
			h.setPrev(next, rest)
		}
		h.setNext(frag, rest)
		h.setFragSize(frag, fragSize)
		h.rebin(rest)
		have = fragSize
	}

	h.setUsed(frag, true)

	h.diag.Allocations++
	h.diag.Allocated += have
	if h.diag.Allocated > h.diag.PeakAllocated {
		h.diag.PeakAllocated = h.diag.Allocated
	}
	h.metrics.HeapAllocated(h.name, h.diag.Allocated)

	return frag + headerSize
}

func (h *General) oom(size uint32) uint32 {
	h.diag.OOMCount++
	h.metrics.HeapAllocFailed(h.name)
	h.logger.Info("out of guest memory", "heap", h.name, "request", size,
		"capacity", h.diag.Capacity, "allocated", h.diag.Allocated)
	return 0
}

// Free returns a block to the heap. Freeing 0 is a no-op. Freeing a block
// that is not live in this heap is a protocol violation.
func (h *General) Free(g uint32) {
	if g == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.freeLocked(g)
}

func (h *General) freeLocked(g uint32) {
	frag, ok := h.fragmentOf(g)
	if !ok {
		h.trap.Raise("%s heap: free of foreign pointer 0x%08X", h.name, g)
		return
	}
	if !h.used(frag) {
		h.trap.Raise("%s heap: double free of 0x%08X", h.name, g)
		return
	}

	size := h.fragSize(frag)
	h.setUsed(frag, false)
	h.diag.Frees++
	h.diag.Allocated -= size
	h.metrics.HeapAllocated(h.name, h.diag.Allocated)

	if prev := h.prev(frag); prev != 0 && !h.used(prev) {
		h.unbin(prev)
		h.absorbNext(prev, frag)
		frag = prev
	}
	if next := h.next(frag); next != 0 && !h.used(next) {
		h.unbin(next)
		h.absorbNext(frag, next)
	}

	h.rebin(frag)
}

// Size returns the usable size of a live block, 0 for anything else.
func (h *General) Size(g uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	frag, ok := h.fragmentOf(g)
	if !ok || !h.used(frag) {
		return 0
	}
	return uint32(h.fragSize(frag) - headerSize)
}

// Owns reports whether g lies in the range this heap manages.
func (h *General) Owns(g uint32) bool {
	return g >= h.start && uint64(g) < h.end
}

// Diagnostics returns a snapshot of the heap counters.
func (h *General) Diagnostics() Diagnostics {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.diag
}

// fragmentOf maps a block pointer to its fragment header.
func (h *General) fragmentOf(g uint32) (uint32, bool) {
	if g < h.start+headerSize || uint64(g) >= h.end {
		return 0, false
	}
	frag := g - headerSize
	if (frag-h.start)%minFragment != 0 {
		return 0, false
	}
	return frag, true
}

// absorbNext merges the physically adjacent fragment b into a.
func (h *General) absorbNext(a, b uint32) {
	h.setFragSize(a, h.fragSize(a)+h.fragSize(b))
	next := h.next(b)
	h.setNext(a, next)
	if next != 0 {
		h.setPrev(next, a)
	}
}

func (h *General) binIndex(size uint64) int {
	return bits.Len64(size/minFragment) - 1
}

// rebin pushes a free fragment onto the head of its bin.
func (h *General) rebin(frag uint32) {
	idx := h.binIndex(h.fragSize(frag))
	head := h.bins[idx]
	h.setNextFree(frag, head)
	h.setPrevFree(frag, 0)
	if head != 0 {
		h.setPrevFree(head, frag)
	}
	h.bins[idx] = frag
	h.nonEmpty |= 1 << idx
}

// unbin removes a free fragment from its bin.
func (h *General) unbin(frag uint32) {
	idx := h.binIndex(h.fragSize(frag))
	next := h.nextFree(frag)
	prev := h.prevFree(frag)
	if next != 0 {
		h.setPrevFree(next, prev)
	}
	if prev != 0 {
		h.setNextFree(prev, next)
	} else {
		h.bins[idx] = next
		if next == 0 {
			h.nonEmpty &^= 1 << idx
		}
	}
}

func (h *General) next(f uint32) uint32     { return h.as.Read32(f + offNext) }
func (h *General) prev(f uint32) uint32     { return h.as.Read32(f + offPrev) }
func (h *General) nextFree(f uint32) uint32 { return h.as.Read32(f + offNextFree) }
func (h *General) prevFree(f uint32) uint32 { return h.as.Read32(f + offPrevFree) }
func (h *General) used(f uint32) bool       { return h.as.Read32(f+offUsed) != 0 }

// fragSize widens the stored size; a 4 GiB fragment cannot exist because
// the null page is never part of a heap.
func (h *General) fragSize(f uint32) uint64 { return uint64(h.as.Read32(f + offSize)) }

func (h *General) setNext(f, v uint32)     { h.as.Write32(f+offNext, v) }
func (h *General) setPrev(f, v uint32)     { h.as.Write32(f+offPrev, v) }
func (h *General) setNextFree(f, v uint32) { h.as.Write32(f+offNextFree, v) }
func (h *General) setPrevFree(f, v uint32) { h.as.Write32(f+offPrevFree, v) }
func (h *General) setFragSize(f uint32, v uint64) {
	h.as.Write32(f+offSize, uint32(v))
}

func (h *General) setUsed(f uint32, used bool) {
	var v uint32
	if used {
		v = 1
	}
	h.as.Write32(f+offUsed, v)
}

func roundUpPow2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len64(v-1)
}

func alignUp64(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
