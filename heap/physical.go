package heap

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/sarchlab/recompbridge/fault"
	"github.com/sarchlab/recompbridge/mem"
)

const (
	// DefaultAlignment is used when the caller passes alignment 0.
	DefaultAlignment = mem.PageSize

	// hiddenWords is the space in front of an aligned block holding the
	// unaligned base and the true allocation size.
	hiddenWords = 8
)

// Physical is the alignment-capable heap.
//
// An aligned request of size bytes takes size+alignment bytes from an
// underlying general heap. The returned address is the first aligned
// address that leaves room for two hidden words in front of it: the
// unaligned base at -8 and the true allocation size at -4.
type Physical struct {
	mu sync.Mutex

	name   string
	under  *General
	as     *mem.AddressSpace
	trap   *fault.Trap
	logger logr.Logger
}

// NewPhysical creates a physical heap managing guest memory [start, end).
func NewPhysical(as *mem.AddressSpace, start uint32, end uint64, opts ...Option) *Physical {
	o := buildOptions("physical", opts)
	return &Physical{
		name: o.name,
		under: NewGeneral(as, start, end,
			WithName(o.name), WithTrap(o.trap), WithLogger(o.logger), WithMetrics(o.metrics)),
		as:     as,
		trap:   o.trap,
		logger: o.logger,
	}
}

// Alloc returns a block of size bytes aligned to align, or 0 on failure.
// An alignment of 0 means one host page. Alignments below 16 are raised to
// 16. A non power-of-two alignment is a protocol violation.
func (p *Physical) Alloc(size, align uint32) uint32 {
	if size == 0 {
		size = 1
	}
	switch {
	case align == 0:
		align = DefaultAlignment
	case align&(align-1) != 0:
		p.trap.Raise("%s heap: alignment 0x%X is not a power of two", p.name, align)
		return 0
	case align < Alignment:
		align = Alignment
	}

	total := uint64(size) + uint64(align)
	if total > 1<<32-1 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	base := p.under.Alloc(uint32(total))
	if base == 0 {
		return 0
	}

	aligned := uint32(alignUp64(uint64(base)+hiddenWords, uint64(align)))
	p.as.Write32(aligned-8, base)
	p.as.Write32(aligned-4, uint32(total))

	return aligned
}

// Free releases a block returned by Alloc. The block is scrubbed so a later
// allocation never observes its contents.
func (p *Physical) Free(g uint32) {
	if g == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	base, total, ok := p.header(g)
	if !ok {
		// The hidden words of a freed block are scrubbed with it.
		p.trap.Raise("%s heap: free of foreign or already freed pointer 0x%08X", p.name, g)
		return
	}
	if p.under.Size(base) == 0 {
		p.trap.Raise("%s heap: double free of 0x%08X", p.name, g)
		return
	}

	p.as.Zero(base, total)
	p.under.Free(base)
}

// Size returns the number of usable bytes from g to the end of its block.
func (p *Physical) Size(g uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	base, total, ok := p.header(g)
	if !ok || p.under.Size(base) == 0 {
		return 0
	}
	return total - (g - base)
}

// Owns reports whether g lies in the range this heap manages.
func (p *Physical) Owns(g uint32) bool {
	return p.under.Owns(g)
}

// Diagnostics returns the counters of the underlying heap.
func (p *Physical) Diagnostics() Diagnostics {
	return p.under.Diagnostics()
}

// header reads and sanity-checks the hidden words in front of g.
func (p *Physical) header(g uint32) (base, total uint32, ok bool) {
	if !p.under.Owns(g) || g%Alignment != 0 || !p.under.Owns(g-hiddenWords) {
		return 0, 0, false
	}
	base = p.as.Read32(g - 8)
	total = p.as.Read32(g - 4)
	if base >= g || !p.under.Owns(base) || g-base > total {
		return 0, 0, false
	}
	return base, total, true
}
