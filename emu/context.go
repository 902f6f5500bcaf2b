// Package emu lets host threads impersonate guest CPU cores. It owns the
// per-thread register file, the guest-visible control block every guest
// thread carries, the thread-local slot emulation and the table of
// translated functions.
package emu

import (
	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"

	"github.com/sarchlab/recompbridge/mem"
)

// Control block geometry. The block is one allocation laid out as
// PCR | TLS area | TEB | stack, lowest address first.
const (
	PCRSize     = 0xAB0
	TLSAreaSize = 0x100
	TEBSize     = 0x2E0

	// DefaultStackSize is the guest stack given to a thread when the
	// caller does not ask for a size.
	DefaultStackSize = 256 << 10

	controlSize = PCRSize + TLSAreaSize + TEBSize
)

// Offsets of the fields the bridge fills in, relative to their structure.
const (
	PCRTLSPointer   = 0x000
	PCRStackBase    = 0x070
	PCRStackLimit   = 0x074
	PCRTEBPointer   = 0x100
	PCRProcessorNum = 0x10C
	TEBThreadID     = 0x14C
)

// Registers with a fixed role in the guest ABI.
const (
	RegStack  = 1
	RegReturn = 3
	RegPCR    = 13
)

// Allocator hands out guest memory for control blocks.
type Allocator interface {
	AllocMem(size, flags uint32) uint32
	FreeMem(g uint32)
}

// zeroFill asks the allocator for cleared memory.
const zeroFill = 0x40000000

// Context is the execution state of one guest thread: its register file
// and the guest addresses of its control block.
type Context struct {
	RegFile

	id        uint32
	processor uint8
	as        *mem.AddressSpace
	alloc     Allocator
	funcs     *FunctionTable
	logger    logr.Logger

	block      uint32
	blockSize  uint32
	pcr        uint32
	tlsArea    uint32
	teb        uint32
	stackLimit uint32
	stackBase  uint32
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithStackSize sets the guest stack size. It is rounded up to 16 bytes.
func WithStackSize(n uint32) ContextOption {
	return func(c *Context) {
		c.blockSize = controlSize + (n+15)&^15
	}
}

// WithProcessor sets the processor number reported in the PCR.
func WithProcessor(n uint8) ContextOption {
	return func(c *Context) {
		c.processor = n
	}
}

// WithFunctionTable sets the table Call dispatches through.
func WithFunctionTable(ft *FunctionTable) ContextOption {
	return func(c *Context) {
		c.funcs = ft
	}
}

// WithContextLogger sets the logger.
func WithContextLogger(logger logr.Logger) ContextOption {
	return func(c *Context) {
		c.logger = logger
	}
}

// NewContext allocates a control block from alloc and prepares the
// registers so translated code finds its stack, PCR, TEB and TLS area where
// it expects them.
func NewContext(as *mem.AddressSpace, alloc Allocator, id uint32, opts ...ContextOption) (*Context, error) {
	c := &Context{
		id:        id,
		as:        as,
		alloc:     alloc,
		logger:    logr.Discard(),
		blockSize: controlSize + DefaultStackSize,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.block = alloc.AllocMem(c.blockSize, zeroFill)
	if c.block == 0 {
		return nil, errors.Newf("guest thread %d: cannot allocate %d byte control block", id, c.blockSize)
	}

	c.pcr = c.block
	c.tlsArea = c.pcr + PCRSize
	c.teb = c.tlsArea + TLSAreaSize
	c.stackLimit = c.teb + TEBSize
	c.stackBase = c.block + c.blockSize

	as.Write32(c.pcr+PCRTLSPointer, c.tlsArea)
	as.Write32(c.pcr+PCRTEBPointer, c.teb)
	as.Write32(c.pcr+PCRStackBase, c.stackBase)
	as.Write32(c.pcr+PCRStackLimit, c.stackLimit)
	as.Write8(c.pcr+PCRProcessorNum, c.processor)
	as.Write32(c.teb+TEBThreadID, id)

	c.R[RegStack] = uint64(c.stackBase)
	c.R[RegPCR] = uint64(c.pcr)

	c.logger.V(2).Info("guest context created", "thread", id,
		"pcr", c.pcr, "stackBase", c.stackBase, "stackLimit", c.stackLimit)

	return c, nil
}

// Close releases the control block. It is safe to call more than once.
func (c *Context) Close() {
	if c.block == 0 {
		return
	}
	c.alloc.FreeMem(c.block)
	c.block = 0
}

// ID returns the guest thread id stored in the TEB.
func (c *Context) ID() uint32 {
	return c.id
}

// AddressSpace returns the address space the context lives in.
func (c *Context) AddressSpace() *mem.AddressSpace {
	return c.as
}

// PCR returns the guest address of the processor control region.
func (c *Context) PCR() uint32 { return c.pcr }

// TEB returns the guest address of the thread environment block.
func (c *Context) TEB() uint32 { return c.teb }

// TLSArea returns the guest address of the guest-visible TLS area.
func (c *Context) TLSArea() uint32 { return c.tlsArea }

// Stack returns the guest stack bounds, low address first.
func (c *Context) Stack() (limit, base uint32) {
	return c.stackLimit, c.stackBase
}

// Call runs the translated function at offset on this context. A missing
// function means the function table is wrong, which is not recoverable.
func (c *Context) Call(offset uint32) {
	if c.funcs == nil {
		panic(errors.AssertionFailedf("guest thread %d: call to 0x%08X without a function table", c.id, offset))
	}
	f, ok := c.funcs.Lookup(offset)
	if !ok {
		panic(errors.AssertionFailedf("guest thread %d: no translated function at 0x%08X", c.id, offset))
	}
	f(c, c.as)
}
