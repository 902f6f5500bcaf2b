package emu

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/sarchlab/recompbridge/mem"
)

// Func is a translated guest function. It reads its arguments from and
// leaves its results in ctx, and reaches guest memory through as.
type Func func(ctx *Context, as *mem.AddressSpace)

// FunctionTable maps guest code offsets to translated functions. It is
// filled once at startup and sealed before guest code runs.
type FunctionTable struct {
	mu     sync.RWMutex
	funcs  map[uint32]Func
	code   mem.Region
	sealed bool
}

// NewFunctionTable creates a table accepting offsets inside code.
func NewFunctionTable(code mem.Region) *FunctionTable {
	return &FunctionTable{
		funcs: make(map[uint32]Func),
		code:  code,
	}
}

// Register maps offset to f.
func (t *FunctionTable) Register(offset uint32, f Func) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.sealed:
		return errors.Newf("function table sealed, cannot register 0x%08X", offset)
	case f == nil:
		return errors.Newf("nil function for 0x%08X", offset)
	case !t.code.Contains(offset):
		return errors.Newf("offset 0x%08X outside code region %q", offset, t.code.Name)
	case offset%4 != 0:
		return errors.Newf("offset 0x%08X is not instruction aligned", offset)
	}
	if _, dup := t.funcs[offset]; dup {
		return errors.Newf("offset 0x%08X registered twice", offset)
	}

	t.funcs[offset] = f
	return nil
}

// MustRegister is Register for static tables; it panics on error.
func (t *FunctionTable) MustRegister(offset uint32, f Func) {
	if err := t.Register(offset, f); err != nil {
		panic(err)
	}
}

// Seal freezes the table.
func (t *FunctionTable) Seal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
}

// Lookup returns the function registered at offset.
func (t *FunctionTable) Lookup(offset uint32) (Func, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.funcs[offset]
	return f, ok
}

// Len returns the number of registered functions.
func (t *FunctionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.funcs)
}

// Code returns the region the table accepts offsets from.
func (t *FunctionTable) Code() mem.Region {
	return t.code
}
