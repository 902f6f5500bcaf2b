package gpu

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"

	"github.com/sarchlab/recompbridge/config"
	"github.com/sarchlab/recompbridge/emu"
	"github.com/sarchlab/recompbridge/fault"
	"github.com/sarchlab/recompbridge/gpu/pipecache"
	"github.com/sarchlab/recompbridge/metrics"
)

// Renderer owns the render thread and everything it touches.
type Renderer struct {
	backend   Backend
	queue     *Queue
	arena     *Arena
	tracker   *StateTracker
	resources *Resources
	cache     *pipecache.Cache
	compiler  *pipecache.Compiler
	pacer     *FramePacer
	exec      *Executor

	runtime *emu.Runtime
	blobs   pipecache.Blobs
	config  *config.Config
	trap    *fault.Trap
	logger  logr.Logger
	metrics *metrics.Set

	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// RendererOption configures a Renderer.
type RendererOption func(*Renderer)

// WithRuntime gives the render thread a guest context from rt, so guest
// callbacks can run on it.
func WithRuntime(rt *emu.Runtime) RendererOption {
	return func(r *Renderer) {
		r.runtime = rt
	}
}

// WithConfig sizes the queue, pacer, cache and compile pool.
func WithConfig(c *config.Config) RendererOption {
	return func(r *Renderer) {
		r.config = c
	}
}

// WithPipelineBlobs persists compiled pipeline blobs.
func WithPipelineBlobs(b pipecache.Blobs) RendererOption {
	return func(r *Renderer) {
		r.blobs = b
	}
}

// WithTrap sets where protocol violations go.
func WithTrap(t *fault.Trap) RendererOption {
	return func(r *Renderer) {
		r.trap = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) RendererOption {
	return func(r *Renderer) {
		r.logger = logger
	}
}

// WithMetrics reports render metrics to m.
func WithMetrics(m *metrics.Set) RendererOption {
	return func(r *Renderer) {
		r.metrics = m
	}
}

// NewRenderer creates a renderer driving backend. Start launches the render
// thread.
func NewRenderer(backend Backend, opts ...RendererOption) *Renderer {
	r := &Renderer{
		backend: backend,
		config:  config.Default(),
		logger:  logr.Discard(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.trap == nil {
		r.trap = fault.New(fault.WithLogger(r.logger))
	}

	r.queue = NewQueue(r.config.QueueCapacity)
	r.arena = NewArena()
	r.tracker = NewStateTracker(r.metrics)
	r.resources = NewResources(r.trap)
	r.pacer = NewFramePacer(r.config.MaxFramesInFlight)
	r.cache = pipecache.New(pipecache.Config{
		Sets: r.config.PipelineCacheSets,
		Ways: r.config.PipelineCacheWays,
	}, pipecache.WithMetrics(r.metrics))

	compilerOpts := []pipecache.CompilerOption{
		pipecache.WithWorkers(r.config.CompileWorkers),
		pipecache.WithLogger(r.logger.WithName("pipecache")),
		pipecache.WithCompilerMetrics(r.metrics),
	}
	if r.blobs != nil {
		compilerOpts = append(compilerOpts, pipecache.WithBlobs(r.blobs))
	}
	r.compiler = pipecache.NewCompiler(r.cache, r.compile, compilerOpts...)

	r.exec = &Executor{
		backend:   backend,
		tracker:   r.tracker,
		resources: r.resources,
		compiler:  r.compiler,
		arena:     r.arena,
		pacer:     r.pacer,
		trap:      r.trap,
		logger:    r.logger,
		metrics:   r.metrics,
		bindings:  make([]uint32, 0, MaxRenderTargets+4+MaxTextures+MaxStreams),
	}

	return r
}

func (r *Renderer) compile(key, cached []byte) (pipecache.Pipeline, []byte, error) {
	state, err := DecodePipelineState(key)
	if err != nil {
		return nil, nil, err
	}
	return r.backend.CompilePipeline(state, cached)
}

// Start launches the render thread. It returns once the thread is ready to
// execute commands.
func (r *Renderer) Start() error {
	if r.started.Swap(true) {
		return errors.New("renderer already started")
	}

	ready := make(chan error, 1)
	go r.loop(ready)
	return <-ready
}

func (r *Renderer) loop(ready chan<- error) {
	defer close(r.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if r.runtime != nil {
		ctx, err := r.runtime.NewContext()
		if err != nil {
			ready <- errors.Wrap(err, "creating render thread guest context")
			return
		}
		defer ctx.Close()

		prev := emu.Bind(ctx)
		defer emu.Unbind(prev)
		r.exec.guest = ctx
	}

	r.logger.Info("render thread started")
	ready <- nil

	buf := make([]Command, r.config.BatchSize)
	for {
		n := r.queue.PopBatch(buf)
		if n == 0 {
			break
		}
		for i := range buf[:n] {
			r.exec.Execute(&buf[i])
		}
	}

	r.logger.Info("render thread stopped", "draws", r.exec.Draws())
}

// Submit queues cmd, blocking while the queue is full.
func (r *Renderer) Submit(cmd Command) error {
	return r.queue.Push(cmd)
}

// Present waits for a frame slot, then queues a present.
func (r *Renderer) Present() error {
	r.pacer.Acquire()
	if err := r.queue.Push(PresentCmd()); err != nil {
		r.pacer.Release()
		return err
	}
	return nil
}

// Flush blocks until every command submitted before it has executed.
func (r *Renderer) Flush() error {
	if !r.started.Load() {
		return errors.New("renderer not started")
	}

	ch := make(chan struct{})
	c := Command{Op: OpFence}
	c.Args[0] = r.arena.Put(ch)
	if err := r.queue.Push(c); err != nil {
		r.arena.Take(c.Args[0])
		return err
	}

	select {
	case <-ch:
		return nil
	case <-r.done:
		return ErrClosed
	}
}

// Stop closes the queue, waits for the render thread to execute what was
// queued and stops the compile pool.
func (r *Renderer) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		r.queue.Close()
		if r.started.Load() {
			<-r.done
		}
		err = r.compiler.Close()
	})
	return err
}

// Precompile queues a pipeline for background compilation.
func (r *Renderer) Precompile(ctx context.Context, state PipelineState) error {
	return r.compiler.Precompile(ctx, state.Encode())
}

// SetLoading opens or closes the loading window in which background
// compiles may use every worker.
func (r *Renderer) SetLoading(loading bool) {
	r.compiler.SetLoading(loading)
}

// WaitPrecompiles blocks until queued precompiles have finished.
func (r *Renderer) WaitPrecompiles() {
	r.compiler.Wait()
}

// Arena returns the payload arena shared with producers.
func (r *Renderer) Arena() *Arena {
	return r.arena
}

// Pacer returns the frame pacer.
func (r *Renderer) Pacer() *FramePacer {
	return r.pacer
}

// Cache returns the pipeline cache.
func (r *Renderer) Cache() *pipecache.Cache {
	return r.cache
}

// Pending returns the number of queued commands.
func (r *Renderer) Pending() int {
	return r.queue.Len()
}
