package main

import (
	"github.com/sarchlab/recompbridge/emu"
	"github.com/sarchlab/recompbridge/exports"
	"github.com/sarchlab/recompbridge/gpu"
	"github.com/sarchlab/recompbridge/heap"
	"github.com/sarchlab/recompbridge/mem"
)

// Guest offsets of the demo program.
const (
	demoMain   = mem.ImageStart
	demoWorker = mem.ImageStart + 0x10
	demoThunks = mem.ImageStart + 0x10000

	// demoMagic is what the worker leaves behind for main to check.
	demoMagic = 0x600DF00D
)

// Layout of the block main shares with the worker.
const (
	blockEvent   = 0x00
	blockResult  = 0x18
	blockThread  = 0x20
	blockTID     = 0x24
	blockTexture = 0x28
	blockVP      = 0x30
	blockSize    = 0x48
)

// demoProgram stands in for a recompiled image. Its functions reach the
// bridge only through thunks, the way translated code does.
type demoProgram struct {
	thunks map[string]uint32
	frames int
}

// registerDemo binds every export to a thunk and registers the demo
// functions. It returns the entry point.
func registerDemo(ft *emu.FunctionTable, bridge *exports.Bridge, frames int) (uint32, error) {
	p := &demoProgram{thunks: make(map[string]uint32), frames: frames}
	for i, name := range bridge.Names() {
		p.thunks[name] = demoThunks + uint32(i)*4
	}
	if _, err := bridge.Bind(ft, p.thunks); err != nil {
		return 0, err
	}
	if err := ft.Register(demoMain, p.main); err != nil {
		return 0, err
	}
	if err := ft.Register(demoWorker, p.worker); err != nil {
		return 0, err
	}
	return demoMain, nil
}

func (p *demoProgram) call(c *emu.Context, name string, args ...uint32) uint32 {
	for i, a := range args {
		c.SetArgInt(i, uint64(a))
	}
	c.Call(p.thunks[name])
	return uint32(c.Return())
}

// main hands a block to a worker thread, waits for it, then renders
// frames into a cleared target with one texture bound.
func (p *demoProgram) main(c *emu.Context, as *mem.AddressSpace) {
	block := p.call(c, "XAllocMem", blockSize, heap.FlagZero)
	if block == 0 {
		c.SetReturn(1)
		return
	}
	code := p.run(c, as, block)
	p.call(c, "XFreeMem", block, 0)
	c.SetReturn(uint64(code))
}

func (p *demoProgram) run(c *emu.Context, as *mem.AddressSpace, block uint32) uint32 {
	p.call(c, "KeInitializeEvent", block+blockEvent, 1, 0)
	if st := p.call(c, "ExCreateThread", block+blockThread, 0, block+blockTID, 0, demoWorker, block, 0); st != 0 {
		return 2
	}
	p.call(c, "KeWaitForSingleObject", block+blockEvent, 0, 0, 0, 0)

	if st := p.call(c, "D3DDevice_CreateTexture", 0, 64, 64, 1, 0, 0x86, 0, block+blockTexture); st != 0 {
		return 3
	}
	tex := as.Read32(block + blockTexture)
	p.call(c, "D3DDevice_SetTexture", 0, 0, tex)

	vp := block + blockVP
	as.Write32(vp+8, 1280)
	as.Write32(vp+12, 720)
	as.WriteF32(vp+20, 1)
	p.call(c, "D3DDevice_SetViewport", 0, vp)

	for i := 0; i < p.frames; i++ {
		c.SetArgFloat(0, 1)
		p.call(c, "D3DDevice_Clear", 0, 0, 0,
			uint32(gpu.ClearTarget|gpu.ClearZBuffer), 0xFF000000|uint32(i*0x20), 0, 0)
		p.call(c, "D3DDevice_Present", 0)
	}
	p.call(c, "D3DResource_Release", tex)

	thread := as.Read32(block + blockThread)
	p.call(c, "NtWaitForSingleObjectEx", thread, 0, 0, 0)
	p.call(c, "NtClose", thread)

	if as.Read32(block+blockResult) != demoMagic {
		return 4
	}
	return 0
}

// worker(block) leaves demoMagic in the block and signals main.
func (p *demoProgram) worker(c *emu.Context, as *mem.AddressSpace) {
	block := c.ArgInt32(0)
	as.Write32(block+blockResult, demoMagic)
	p.call(c, "KeSetEvent", block+blockEvent, 0, 0)
	c.SetReturn(0)
}
