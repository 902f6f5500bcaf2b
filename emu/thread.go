package emu

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"

	"github.com/sarchlab/recompbridge/mem"
	"github.com/sarchlab/recompbridge/metrics"
)

// HardwareThreads is the number of guest processors threads are spread
// across when reporting a processor number.
const HardwareThreads = 6

// Runtime creates guest threads. Each guest thread runs on its own host
// thread for its whole life.
type Runtime struct {
	as      *mem.AddressSpace
	alloc   Allocator
	funcs   *FunctionTable
	tls     *TLS
	logger  logr.Logger
	metrics *metrics.Set

	stackSize uint32
	nextID    atomic.Uint32

	mu      sync.Mutex
	threads map[uint32]*Thread
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithMetrics sets the collectors the runtime reports thread counts to.
func WithMetrics(m *metrics.Set) RuntimeOption {
	return func(r *Runtime) {
		r.metrics = m
	}
}

// WithDefaultStackSize sets the stack size used when Spawn is not given
// one.
func WithDefaultStackSize(n uint32) RuntimeOption {
	return func(r *Runtime) {
		r.stackSize = n
	}
}

// NewRuntime creates a runtime dispatching through funcs.
func NewRuntime(as *mem.AddressSpace, alloc Allocator, funcs *FunctionTable, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		as:        as,
		alloc:     alloc,
		funcs:     funcs,
		tls:       NewTLS(),
		logger:    logr.Discard(),
		stackSize: DefaultStackSize,
		threads:   make(map[uint32]*Thread),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TLS returns the thread-local slot allocator shared by all guest threads.
func (r *Runtime) TLS() *TLS {
	return r.tls
}

// Functions returns the function table.
func (r *Runtime) Functions() *FunctionTable {
	return r.funcs
}

// NewContext allocates a context with the runtime's defaults. Host threads
// that call into guest code without being spawned, such as the render
// thread, use it.
func (r *Runtime) NewContext(opts ...ContextOption) (*Context, error) {
	id := r.nextID.Add(1)
	base := []ContextOption{
		WithStackSize(r.stackSize),
		WithProcessor(uint8(id % HardwareThreads)),
		WithFunctionTable(r.funcs),
		WithContextLogger(r.logger),
	}
	return NewContext(r.as, r.alloc, id, append(base, opts...)...)
}

// Thread is a running or finished guest thread.
type Thread struct {
	id       uint32
	entry    uint32
	done     chan struct{}
	resume   chan struct{}
	resumed  sync.Once
	exitCode uint32
}

// ID returns the guest thread id.
func (t *Thread) ID() uint32 { return t.id }

// Entry returns the guest offset the thread started at.
func (t *Thread) Entry() uint32 { return t.entry }

// Done is closed when the thread has exited.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Join waits for the thread to exit and returns its exit code, the value
// left in r3 by the entry function.
func (t *Thread) Join() uint32 {
	<-t.done
	return t.exitCode
}

// Resume starts a thread created suspended. Extra calls do nothing.
func (t *Thread) Resume() {
	t.resumed.Do(func() { close(t.resume) })
}

type spawnConfig struct {
	suspended bool
	ctxOpts   []ContextOption
}

// SpawnOption configures Spawn.
type SpawnOption func(*spawnConfig)

// Suspended creates the thread without running it until Resume.
func Suspended() SpawnOption {
	return func(c *spawnConfig) {
		c.suspended = true
	}
}

// WithThreadStackSize overrides the stack size for one thread. Zero keeps
// the default.
func WithThreadStackSize(n uint32) SpawnOption {
	return func(c *spawnConfig) {
		if n != 0 {
			c.ctxOpts = append(c.ctxOpts, WithStackSize(n))
		}
	}
}

// Spawn starts a guest thread running the function at entry with arg0 in
// r3. It returns once the thread's context exists.
func (r *Runtime) Spawn(entry uint32, arg0 uint64, opts ...SpawnOption) (*Thread, error) {
	f, ok := r.funcs.Lookup(entry)
	if !ok {
		return nil, errors.Newf("no translated function at entry 0x%08X", entry)
	}

	cfg := spawnConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	t := &Thread{
		entry:  entry,
		done:   make(chan struct{}),
		resume: make(chan struct{}),
	}
	if !cfg.suspended {
		t.Resume()
	}

	ready := make(chan error, 1)
	go r.run(t, f, arg0, cfg.ctxOpts, ready)
	if err := <-ready; err != nil {
		return nil, err
	}

	return t, nil
}

// Start spawns a thread and waits for its exit code.
func (r *Runtime) Start(entry uint32, arg0 uint64) (uint32, error) {
	t, err := r.Spawn(entry, arg0)
	if err != nil {
		return 0, err
	}
	return t.Join(), nil
}

// Thread returns a live thread by id.
func (r *Runtime) Thread(id uint32) (*Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[id]
	return t, ok
}

// run is the body of a guest thread. The goroutine stays locked to its host
// thread, and the host thread is discarded when the goroutine exits.
func (r *Runtime) run(t *Thread, f Func, arg0 uint64, opts []ContextOption, ready chan<- error) {
	runtime.LockOSThread()

	ctx, err := r.NewContext(opts...)
	if err != nil {
		ready <- err
		return
	}
	t.id = ctx.ID()

	r.mu.Lock()
	r.threads[t.id] = t
	r.mu.Unlock()
	r.metrics.GuestThreadDelta(1)

	prev := Bind(ctx)
	ready <- nil

	defer func() {
		Unbind(prev)
		r.tls.Release()
		ctx.Close()

		r.mu.Lock()
		delete(r.threads, t.id)
		r.mu.Unlock()
		r.metrics.GuestThreadDelta(-1)

		close(t.done)
	}()

	<-t.resume

	r.logger.V(1).Info("guest thread started", "thread", t.id, "entry", t.entry)
	ctx.SetArgInt(0, arg0)
	f(ctx, r.as)
	t.exitCode = uint32(ctx.Return())
	r.logger.V(1).Info("guest thread exited", "thread", t.id, "exitCode", t.exitCode)
}
