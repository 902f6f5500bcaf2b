package exports

import (
	"github.com/sarchlab/recompbridge/emu"
	"github.com/sarchlab/recompbridge/mem"
)

// heapZeroMemory is the RtlAllocateHeap flag asking for zeroed memory.
const heapZeroMemory = 0x00000008

func (b *Bridge) registerMemory() {
	b.register("XAllocMem", b.xAllocMem)
	b.register("XFreeMem", b.xFreeMem)
	b.register("MmAllocatePhysicalMemoryEx", b.mmAllocatePhysicalMemoryEx)
	b.register("MmFreePhysicalMemory", b.mmFreePhysicalMemory)
	b.register("RtlAllocateHeap", b.rtlAllocateHeap)
	b.register("RtlFreeHeap", b.rtlFreeHeap)
	b.register("RtlSizeHeap", b.rtlSizeHeap)
}

// xAllocMem(size, flags) returns a block or 0.
func (b *Bridge) xAllocMem(ctx *emu.Context, _ *mem.AddressSpace) {
	size, flags := ctx.ArgInt32(0), ctx.ArgInt32(1)
	g := b.heap.AllocMem(size, flags)
	if g == 0 {
		b.logger.Info("XAllocMem failed", "size", size, "flags", flags)
	}
	ctx.SetReturn(uint64(g))
}

// xFreeMem(addr, flags)
func (b *Bridge) xFreeMem(ctx *emu.Context, _ *mem.AddressSpace) {
	b.heap.FreeMem(ctx.ArgInt32(0))
	ctx.SetReturn(0)
}

// mmAllocatePhysicalMemoryEx(type, size, protect, minAddr, maxAddr, align)
// returns a block or 0. The address bounds are ignored: the physical heap
// only hands out addresses inside its own range.
func (b *Bridge) mmAllocatePhysicalMemoryEx(ctx *emu.Context, _ *mem.AddressSpace) {
	ctx.SetReturn(uint64(b.heap.Physical.Alloc(ctx.ArgInt32(1), ctx.ArgInt32(5))))
}

// mmFreePhysicalMemory(type, addr)
func (b *Bridge) mmFreePhysicalMemory(ctx *emu.Context, _ *mem.AddressSpace) {
	if g := ctx.ArgInt32(1); g != 0 {
		b.heap.Physical.Free(g)
	}
	ctx.SetReturn(0)
}

// rtlAllocateHeap(heap, flags, size) allocates from the general heap
// whatever heap handle the guest passes.
func (b *Bridge) rtlAllocateHeap(ctx *emu.Context, as *mem.AddressSpace) {
	flags, size := ctx.ArgInt32(1), ctx.ArgInt32(2)
	g := b.heap.General.Alloc(size)
	if g != 0 && flags&heapZeroMemory != 0 {
		as.Zero(g, size)
	}
	ctx.SetReturn(uint64(g))
}

// rtlFreeHeap(heap, flags, ptr) returns TRUE.
func (b *Bridge) rtlFreeHeap(ctx *emu.Context, _ *mem.AddressSpace) {
	if g := ctx.ArgInt32(2); g != 0 {
		b.heap.General.Free(g)
	}
	ctx.SetReturn(1)
}

// rtlSizeHeap(heap, flags, ptr)
func (b *Bridge) rtlSizeHeap(ctx *emu.Context, _ *mem.AddressSpace) {
	ctx.SetReturn(uint64(b.heap.General.Size(ctx.ArgInt32(2))))
}
