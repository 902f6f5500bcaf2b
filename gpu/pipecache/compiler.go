package pipecache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/sarchlab/recompbridge/metrics"
)

// Task distinguishes background precompiles from compiles a frame waits
// on.
type Task int

// Task kinds.
const (
	TaskPrecompile Task = iota
	TaskCompileNow
)

func (t Task) String() string {
	if t == TaskCompileNow {
		return "now"
	}
	return "precompile"
}

// CompileFunc builds the pipeline for key. cached is the blob persisted by
// an earlier compile of the same key, or nil. The returned blob, if not
// nil, is persisted for the next run.
type CompileFunc func(key, cached []byte) (p Pipeline, blob []byte, err error)

// Blobs is the persistent side of the compiler.
type Blobs interface {
	Get(hash uint64) ([]byte, bool, error)
	Put(hash uint64, blob []byte) error
}

// Compiler compiles pipelines on a worker pool.
//
// Precompiles run in the background. Outside a loading window they are
// admitted one at a time so they never compete with the render thread for
// more than one core; during loading every worker runs. CompileNow runs on
// the caller and shares the result of an in-flight precompile of the same
// key.
type Compiler struct {
	cache   *Cache
	compile CompileFunc
	blobs   Blobs
	onEvict func(Pipeline)
	workers int
	logger  logr.Logger
	metrics *metrics.Set

	sem     *semaphore.Weighted
	loading atomic.Bool
	flight  singleflight.Group

	queue   chan []byte
	pending sync.WaitGroup
	group   *errgroup.Group
	cancel  context.CancelFunc

	closeOnce sync.Once
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithWorkers sets the pool size.
func WithWorkers(n int) CompilerOption {
	return func(c *Compiler) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithBlobs persists compiled blobs.
func WithBlobs(b Blobs) CompilerOption {
	return func(c *Compiler) {
		c.blobs = b
	}
}

// WithEvictHook is called with pipelines pushed out of the cache.
func WithEvictHook(f func(Pipeline)) CompilerOption {
	return func(c *Compiler) {
		c.onEvict = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) CompilerOption {
	return func(c *Compiler) {
		c.logger = logger
	}
}

// WithCompilerMetrics reports compile counts and durations.
func WithCompilerMetrics(m *metrics.Set) CompilerOption {
	return func(c *Compiler) {
		c.metrics = m
	}
}

// NewCompiler creates a compiler filling cache and starts its workers.
// Close stops them.
func NewCompiler(cache *Cache, compile CompileFunc, opts ...CompilerOption) *Compiler {
	c := &Compiler{
		cache:   cache,
		compile: compile,
		workers: 2,
		logger:  logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.sem = semaphore.NewWeighted(int64(c.workers))
	c.queue = make(chan []byte, 256*c.workers)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		c.group.Go(func() error {
			return c.work(ctx)
		})
	}

	return c
}

// SetLoading opens or closes the loading window.
func (c *Compiler) SetLoading(loading bool) {
	if c.loading.Swap(loading) != loading {
		c.logger.V(1).Info("pipeline compiler priority changed", "loading", loading)
	}
}

// Loading reports whether the loading window is open.
func (c *Compiler) Loading() bool {
	return c.loading.Load()
}

// Precompile queues key for background compilation. It blocks while the
// queue is full.
func (c *Compiler) Precompile(ctx context.Context, key []byte) error {
	if c.cache.Contains(key) {
		return nil
	}

	k := append([]byte(nil), key...)
	c.pending.Add(1)
	select {
	case c.queue <- k:
		return nil
	case <-ctx.Done():
		c.pending.Done()
		return ctx.Err()
	}
}

// CompileNow returns the pipeline for key, compiling it on the caller if it
// is not cached.
func (c *Compiler) CompileNow(key []byte) (Pipeline, error) {
	if p, ok := c.cache.Get(key); ok {
		return p, nil
	}
	return c.build(key, TaskCompileNow)
}

// Wait blocks until every queued precompile has finished.
func (c *Compiler) Wait() {
	c.pending.Wait()
}

// Close stops the workers after the queue drains.
func (c *Compiler) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.queue)
		err = c.group.Wait()
		c.cancel()
	})
	return err
}

func (c *Compiler) work(ctx context.Context) error {
	for key := range c.queue {
		c.runPrecompile(ctx, key)
	}
	return nil
}

func (c *Compiler) runPrecompile(ctx context.Context, key []byte) {
	defer c.pending.Done()

	weight := int64(c.workers)
	if c.loading.Load() {
		weight = 1
	}
	if err := c.sem.Acquire(ctx, weight); err != nil {
		return
	}
	defer c.sem.Release(weight)

	if c.cache.Contains(key) {
		return
	}
	if _, err := c.build(key, TaskPrecompile); err != nil {
		c.logger.Error(err, "pipeline precompile failed", "hash", Hash(key))
	}
}

// build compiles key once no matter how many callers ask for it at the
// same time, and inserts the result.
func (c *Compiler) build(key []byte, task Task) (Pipeline, error) {
	v, err, shared := c.flight.Do(string(key), func() (any, error) {
		if p, ok := c.cache.Get(key); ok {
			return p, nil
		}

		hash := Hash(key)
		cached := c.loadBlob(hash)

		start := time.Now()
		p, blob, err := c.compile(key, cached)
		if err != nil {
			return nil, errors.Wrapf(err, "compiling pipeline %016x", hash)
		}
		elapsed := time.Since(start)
		c.metrics.PipelineCompiled(task.String(), elapsed.Seconds())
		c.logger.V(1).Info("pipeline compiled", "hash", hash, "task", task,
			"elapsed", elapsed, "fromBlob", cached != nil)

		if blob != nil && c.blobs != nil {
			if err := c.blobs.Put(hash, blob); err != nil {
				c.logger.Error(err, "persisting pipeline blob", "hash", hash)
			}
		}
		if old := c.cache.Put(key, p); old != nil && c.onEvict != nil {
			c.onEvict(old)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.V(2).Info("pipeline compile shared", "hash", Hash(key), "task", task)
	}
	return v, nil
}

func (c *Compiler) loadBlob(hash uint64) []byte {
	if c.blobs == nil {
		return nil
	}
	blob, ok, err := c.blobs.Get(hash)
	if err != nil {
		c.logger.Error(err, "reading pipeline blob", "hash", hash)
		return nil
	}
	if !ok {
		return nil
	}
	return blob
}
