package gpu

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/sarchlab/recompbridge/gpu/pipecache"
)

// Backend is the host graphics API the render thread drives. Every method
// except CompilePipeline is called from the render thread only;
// CompilePipeline also runs on the background compile workers and must be
// safe for concurrent use.
type Backend interface {
	CreateResource(id uint32, desc *ResourceDesc) error
	DestroyResource(id uint32)

	BindRenderTargets(colors [MaxRenderTargets]uint32)
	BindDepthStencil(id uint32)
	SetViewport(v Viewport)
	SetScissor(r Rect)
	BindPipeline(p pipecache.Pipeline)
	SetConstants(stage Stage, start uint32, data []float32)
	BindTexture(stage int, id uint32, sampler SamplerState)
	BindVertexBuffer(slot int, s Stream)
	BindIndexBuffer(b IndexBinding)

	Clear(flags ClearFlags, color uint32, z float32, stencil uint32)
	Draw(prim PrimitiveType, start, count uint32)
	DrawIndexed(prim PrimitiveType, baseVertex int32, start, count uint32)
	Present()

	CompilePipeline(state PipelineState, cached []byte) (pipecache.Pipeline, []byte, error)
}

// Call is one recorded backend call.
type Call struct {
	Method string
	Args   []any
}

// CompiledPipeline is the pipeline object RecordingBackend produces.
type CompiledPipeline struct {
	State PipelineState
}

type surface struct {
	width, height uint32
	color         []uint32
	depth         []float32
}

// RecordingBackend is a software backend. It keeps a color and depth
// buffer for every render target, applies clears to them and copies the
// first bound target to a front buffer on present. Every call is
// recorded, so tests can diff the exact sequence the render thread issued.
type RecordingBackend struct {
	mu sync.RWMutex

	calls    []Call
	compiles int
	failing  map[uint64]bool

	surfaces map[uint32]*surface
	targets  [MaxRenderTargets]uint32
	depth    uint32
	front    []uint32
	frames   int
}

// NewRecordingBackend creates an empty software backend.
func NewRecordingBackend() *RecordingBackend {
	return &RecordingBackend{
		surfaces: make(map[uint32]*surface),
		failing:  make(map[uint64]bool),
	}
}

func (b *RecordingBackend) record(method string, args ...any) {
	b.calls = append(b.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of the recorded calls.
func (b *RecordingBackend) Calls() []Call {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Call(nil), b.calls...)
}

// Methods returns the method names of the recorded calls.
func (b *RecordingBackend) Methods() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.calls))
	for i, c := range b.calls {
		out[i] = c.Method
	}
	return out
}

// ResetCalls forgets the recorded calls.
func (b *RecordingBackend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// Compiles returns the number of CompilePipeline calls.
func (b *RecordingBackend) Compiles() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.compiles
}

// FailShader makes every pipeline using the shader with the given hash
// fail to compile.
func (b *RecordingBackend) FailShader(hash uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing[hash] = true
}

// Frame returns the last presented frame.
func (b *RecordingBackend) Frame() []uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]uint32(nil), b.front...)
}

// Frames returns the number of presented frames.
func (b *RecordingBackend) Frames() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frames
}

// CreateResource allocates surfaces for render targets and depth buffers.
func (b *RecordingBackend) CreateResource(id uint32, desc *ResourceDesc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record("CreateResource", id, desc.Kind)
	switch desc.Kind {
	case KindRenderTarget, KindDepthStencil:
		n := int(desc.Width) * int(desc.Height)
		if n == 0 {
			return errors.Newf("surface %d has zero size", id)
		}
		s := &surface{width: desc.Width, height: desc.Height}
		if desc.Kind == KindRenderTarget {
			s.color = make([]uint32, n)
		} else {
			s.depth = make([]float32, n)
		}
		b.surfaces[id] = s
	}
	return nil
}

// DestroyResource frees a resource.
func (b *RecordingBackend) DestroyResource(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("DestroyResource", id)
	delete(b.surfaces, id)
}

// BindRenderTargets binds the color targets.
func (b *RecordingBackend) BindRenderTargets(colors [MaxRenderTargets]uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("BindRenderTargets", colors)
	b.targets = colors
}

// BindDepthStencil binds the depth/stencil surface.
func (b *RecordingBackend) BindDepthStencil(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("BindDepthStencil", id)
	b.depth = id
}

// SetViewport sets the viewport.
func (b *RecordingBackend) SetViewport(v Viewport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("SetViewport", v)
}

// SetScissor sets the scissor rectangle.
func (b *RecordingBackend) SetScissor(r Rect) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("SetScissor", r)
}

// BindPipeline binds a compiled pipeline.
func (b *RecordingBackend) BindPipeline(p pipecache.Pipeline) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("BindPipeline", p)
}

// SetConstants uploads shader constants.
func (b *RecordingBackend) SetConstants(stage Stage, start uint32, data []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("SetConstants", stage, start, append([]float32(nil), data...))
}

// BindTexture binds a texture and its sampler state to a stage.
func (b *RecordingBackend) BindTexture(stage int, id uint32, sampler SamplerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("BindTexture", stage, id, sampler)
}

// BindVertexBuffer binds a vertex stream.
func (b *RecordingBackend) BindVertexBuffer(slot int, s Stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("BindVertexBuffer", slot, s)
}

// BindIndexBuffer binds the index buffer.
func (b *RecordingBackend) BindIndexBuffer(ib IndexBinding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("BindIndexBuffer", ib)
}

// Clear fills the bound targets.
func (b *RecordingBackend) Clear(flags ClearFlags, color uint32, z float32, stencil uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("Clear", flags, color, z, stencil)

	if flags&ClearTarget != 0 {
		for _, id := range b.targets {
			if s, ok := b.surfaces[id]; ok && s.color != nil {
				for i := range s.color {
					s.color[i] = color
				}
			}
		}
	}
	if flags&ClearZBuffer != 0 {
		if s, ok := b.surfaces[b.depth]; ok && s.depth != nil {
			for i := range s.depth {
				s.depth[i] = z
			}
		}
	}
}

// Draw records a non-indexed draw.
func (b *RecordingBackend) Draw(prim PrimitiveType, start, count uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("Draw", prim, start, count)
}

// DrawIndexed records an indexed draw.
func (b *RecordingBackend) DrawIndexed(prim PrimitiveType, baseVertex int32, start, count uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("DrawIndexed", prim, baseVertex, start, count)
}

// Present copies the first bound color target to the front buffer.
func (b *RecordingBackend) Present() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("Present")

	b.frames++
	if s, ok := b.surfaces[b.targets[0]]; ok && s.color != nil {
		b.front = append(b.front[:0], s.color...)
	}
}

// CompilePipeline returns a CompiledPipeline. It is not recorded in Calls
// because it may run on a compile worker.
func (b *RecordingBackend) CompilePipeline(state PipelineState, cached []byte) (pipecache.Pipeline, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.compiles++
	if b.failing[state.VertexShader] || b.failing[state.PixelShader] {
		return nil, nil, errors.Newf("pipeline %s does not link", state)
	}
	return &CompiledPipeline{State: state}, state.Encode(), nil
}
