// Package exports implements the kernel and graphics calls the translated
// image imports. Every export is an emu.Func: it reads its arguments with
// the guest calling convention, forwards to the bridge components and leaves
// its result in r3.
package exports

import (
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/sarchlab/recompbridge/emu"
	"github.com/sarchlab/recompbridge/fault"
	"github.com/sarchlab/recompbridge/gpu"
	"github.com/sarchlab/recompbridge/heap"
	"github.com/sarchlab/recompbridge/kernel"
	"github.com/sarchlab/recompbridge/mem"
)

// Bridge holds the components the exports forward to.
type Bridge struct {
	as     *mem.AddressSpace
	heap   *heap.User
	rt     *emu.Runtime
	kernel *kernel.Table
	device *gpu.Device
	trap   *fault.Trap
	logger logr.Logger

	funcs map[string]emu.Func

	// threads maps thread handles to the threads they name, for resume.
	threads sync.Map
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDevice enables the D3DDevice exports, forwarding them to d.
func WithDevice(d *gpu.Device) Option {
	return func(b *Bridge) {
		b.device = d
	}
}

// WithTrap sets where guest misuse of an export is reported.
func WithTrap(t *fault.Trap) Option {
	return func(b *Bridge) {
		b.trap = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// New creates the export set over the given components.
func New(as *mem.AddressSpace, u *heap.User, rt *emu.Runtime, kt *kernel.Table, opts ...Option) *Bridge {
	b := &Bridge{
		as:     as,
		heap:   u,
		rt:     rt,
		kernel: kt,
		logger: logr.Discard(),
		funcs:  make(map[string]emu.Func),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.trap == nil {
		b.trap = fault.New(fault.WithLogger(b.logger))
	}

	b.registerMemory()
	b.registerThreads()
	b.registerSync()
	if b.device != nil {
		b.registerD3D()
	}
	return b
}

func (b *Bridge) register(name string, f emu.Func) {
	if _, dup := b.funcs[name]; dup {
		panic("export " + name + " registered twice")
	}
	b.funcs[name] = f
}

// Lookup returns the export with the given import name.
func (b *Bridge) Lookup(name string) (emu.Func, bool) {
	f, ok := b.funcs[name]
	return f, ok
}

// Names returns the names of all exports, sorted.
func (b *Bridge) Names() []string {
	names := make([]string, 0, len(b.funcs))
	for name := range b.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind registers an export at the guest offset of each import thunk in
// thunks. Imports without an export get a stub that logs the call and
// returns 0; their names are returned in missing.
func (b *Bridge) Bind(ft *emu.FunctionTable, thunks map[string]uint32) (missing []string, err error) {
	names := make([]string, 0, len(thunks))
	for name := range thunks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f, ok := b.funcs[name]
		if !ok {
			missing = append(missing, name)
			f = b.unimplemented(name)
		}
		if err := ft.Register(thunks[name], b.traced(name, f)); err != nil {
			return missing, err
		}
	}

	if len(missing) > 0 {
		b.logger.Info("imports without an export", "count", len(missing), "names", missing)
	}
	b.logger.V(1).Info("exports bound", "bound", len(names)-len(missing))
	return missing, nil
}

func (b *Bridge) traced(name string, f emu.Func) emu.Func {
	return func(ctx *emu.Context, as *mem.AddressSpace) {
		if b.logger.V(2).Enabled() {
			b.logger.V(2).Info("export", "name", name, "thread", ctx.ID(),
				"r3", ctx.ArgInt32(0), "r4", ctx.ArgInt32(1), "r5", ctx.ArgInt32(2))
		}
		f(ctx, as)
	}
}

func (b *Bridge) unimplemented(name string) emu.Func {
	return func(ctx *emu.Context, _ *mem.AddressSpace) {
		b.logger.Info("unimplemented import called", "name", name, "thread", ctx.ID())
		ctx.SetReturn(0)
	}
}

// timeout reads a wait timeout argument: a pointer to a 64-bit 100ns
// interval, or 0 for an infinite wait.
func (b *Bridge) timeout(ptr uint32) time.Duration {
	if ptr == 0 {
		return kernel.Infinite
	}
	return kernel.Interval(int64(b.as.Read64(ptr)), true)
}

// store writes v through an optional guest out-pointer.
func (b *Bridge) store(ptr, v uint32) {
	if ptr != 0 {
		b.as.Write32(ptr, v)
	}
}

func setStatus(ctx *emu.Context, st kernel.Status) {
	ctx.SetReturn(uint64(st))
}

func setBool(ctx *emu.Context, v bool) {
	if v {
		ctx.SetReturn(1)
	} else {
		ctx.SetReturn(0)
	}
}
