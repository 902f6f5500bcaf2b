package gpu

import (
	"math/bits"
	"slices"

	"github.com/sarchlab/recompbridge/metrics"
)

// DirtySet is a mask of state categories changed since the last flush.
type DirtySet uint16

// State categories, in flush order.
const (
	DirtyRenderTargets DirtySet = 1 << iota
	DirtyDepthStencil
	DirtyViewport
	DirtyScissor
	DirtyPipeline
	DirtyVertexConstants
	DirtyPixelConstants
	DirtyTextures
	DirtyStreams
	DirtyIndexBuffer

	DirtyAll DirtySet = 1<<iota - 1
)

var dirtyNames = [...]string{
	"render_targets",
	"depth_stencil",
	"viewport",
	"scissor",
	"pipeline",
	"vertex_constants",
	"pixel_constants",
	"textures",
	"streams",
	"index_buffer",
}

// String names a single category.
func (d DirtySet) String() string {
	if bits.OnesCount16(uint16(d)) != 1 {
		return "mixed"
	}
	return dirtyNames[bits.TrailingZeros16(uint16(d))]
}

// Has reports whether every category in c is dirty.
func (d DirtySet) Has(c DirtySet) bool {
	return d&c == c
}

type constantBank struct {
	regs   [MaxConstants * 4]float32
	lo, hi uint32
}

// StateTracker shadows the state the host API should see and records which
// categories differ from what it last flushed. Setting a value equal to the
// current one marks nothing. It belongs to the render thread.
type StateTracker struct {
	dirty DirtySet

	renderTargets [MaxRenderTargets]uint32
	depthStencil  uint32
	viewport      Viewport
	scissor       Rect
	pipeline      PipelineState

	constants [2]constantBank

	textures     [MaxTextures]uint32
	samplers     [MaxTextures]SamplerState
	textureDirty uint16

	streams     [MaxStreams]Stream
	streamDirty uint16

	indices IndexBinding

	metrics *metrics.Set
}

// NewStateTracker creates a tracker holding the device reset state. The
// whole state is dirty, so the first flush binds everything.
func NewStateTracker(m *metrics.Set) *StateTracker {
	t := &StateTracker{metrics: m}
	t.Reset()
	return t
}

// Reset restores the device reset state and marks everything dirty.
func (t *StateTracker) Reset() {
	m := t.metrics
	*t = StateTracker{metrics: m}
	t.pipeline.RenderStates = DefaultRenderStates()
	t.pipeline.Topology = PrimTriangleList
	for i := range t.samplers {
		t.samplers[i] = DefaultSamplerState()
	}
	t.dirty = DirtyAll
	t.textureDirty = 1<<MaxTextures - 1
	t.streamDirty = 1<<MaxStreams - 1
	t.constants[StageVertex].hi = MaxConstants
	t.constants[StagePixel].hi = MaxConstants
}

// Dirty returns the pending categories.
func (t *StateTracker) Dirty() DirtySet {
	return t.dirty
}

func (t *StateTracker) mark(c DirtySet, changed bool) bool {
	if changed {
		t.dirty |= c
	} else {
		t.metrics.RedundantStateSet()
	}
	return changed
}

// SetRenderTarget binds color target index. format is the target's
// surface format, which is part of the pipeline state.
func (t *StateTracker) SetRenderTarget(index int, id uint32, format Format) bool {
	changed := t.renderTargets[index] != id
	t.renderTargets[index] = id
	if t.pipeline.ColorFormats[index] != format {
		t.pipeline.ColorFormats[index] = format
		t.dirty |= DirtyPipeline
	}
	return t.mark(DirtyRenderTargets, changed)
}

// SetDepthStencil binds the depth/stencil surface.
func (t *StateTracker) SetDepthStencil(id uint32, format Format) bool {
	changed := t.depthStencil != id
	t.depthStencil = id
	if t.pipeline.DepthFormat != format {
		t.pipeline.DepthFormat = format
		t.dirty |= DirtyPipeline
	}
	return t.mark(DirtyDepthStencil, changed)
}

// SetViewport sets the viewport.
func (t *StateTracker) SetViewport(v Viewport) bool {
	changed := t.viewport != v
	t.viewport = v
	return t.mark(DirtyViewport, changed)
}

// SetScissor sets the scissor rectangle.
func (t *StateTracker) SetScissor(r Rect) bool {
	changed := t.scissor != r
	t.scissor = r
	return t.mark(DirtyScissor, changed)
}

// SetRenderState sets one render state.
func (t *StateTracker) SetRenderState(rs RenderState, value uint32) bool {
	changed := t.pipeline.RenderStates[rs] != value
	t.pipeline.RenderStates[rs] = value
	return t.mark(DirtyPipeline, changed)
}

// SetVertexShader binds the vertex shader with the given bytecode hash.
func (t *StateTracker) SetVertexShader(hash uint64) bool {
	changed := t.pipeline.VertexShader != hash
	t.pipeline.VertexShader = hash
	return t.mark(DirtyPipeline, changed)
}

// SetPixelShader binds the pixel shader with the given bytecode hash.
func (t *StateTracker) SetPixelShader(hash uint64) bool {
	changed := t.pipeline.PixelShader != hash
	t.pipeline.PixelShader = hash
	return t.mark(DirtyPipeline, changed)
}

// SetVertexDecl binds the vertex declaration with the given hash.
func (t *StateTracker) SetVertexDecl(hash uint64) bool {
	changed := t.pipeline.VertexDecl != hash
	t.pipeline.VertexDecl = hash
	return t.mark(DirtyPipeline, changed)
}

// SetTopology sets the primitive topology of the next draw.
func (t *StateTracker) SetTopology(p PrimitiveType) bool {
	changed := t.pipeline.Topology != p
	t.pipeline.Topology = p
	if changed {
		t.dirty |= DirtyPipeline
	}
	return changed
}

// SetConstants writes float constants starting at register start. data
// holds four floats per register and must fit in the register file.
func (t *StateTracker) SetConstants(stage Stage, start uint32, data []float32) bool {
	bank := &t.constants[stage]
	off := start * 4
	dst := bank.regs[off : off+uint32(len(data))]
	if slices.Equal(dst, data) {
		t.metrics.RedundantStateSet()
		return false
	}
	copy(dst, data)

	end := start + uint32(len(data)+3)/4
	c := DirtyVertexConstants
	if stage == StagePixel {
		c = DirtyPixelConstants
	}
	if t.dirty&c == 0 {
		bank.lo, bank.hi = start, end
	} else {
		bank.lo = min(bank.lo, start)
		bank.hi = max(bank.hi, end)
	}
	t.dirty |= c
	return true
}

// SetTexture binds a texture to a sampler stage.
func (t *StateTracker) SetTexture(stage int, id uint32) bool {
	if t.textures[stage] == id {
		t.metrics.RedundantStateSet()
		return false
	}
	t.textures[stage] = id
	t.textureDirty |= 1 << stage
	t.dirty |= DirtyTextures
	return true
}

// SetSamplerState sets one sampler state of a stage.
func (t *StateTracker) SetSamplerState(stage int, st SamplerStateType, value uint32) bool {
	if t.samplers[stage][st] == value {
		t.metrics.RedundantStateSet()
		return false
	}
	t.samplers[stage][st] = value
	t.textureDirty |= 1 << stage
	t.dirty |= DirtyTextures
	return true
}

// SetStream binds a vertex buffer to a stream.
func (t *StateTracker) SetStream(slot int, s Stream) bool {
	if t.streams[slot] == s {
		t.metrics.RedundantStateSet()
		return false
	}
	t.streams[slot] = s
	t.streamDirty |= 1 << slot
	t.dirty |= DirtyStreams
	return true
}

// SetIndices binds the index buffer.
func (t *StateTracker) SetIndices(b IndexBinding) bool {
	changed := t.indices != b
	t.indices = b
	return t.mark(DirtyIndexBuffer, changed)
}

// RenderTargets returns the bound color targets.
func (t *StateTracker) RenderTargets() [MaxRenderTargets]uint32 { return t.renderTargets }

// DepthStencil returns the bound depth/stencil surface.
func (t *StateTracker) DepthStencil() uint32 { return t.depthStencil }

// Viewport returns the viewport.
func (t *StateTracker) Viewport() Viewport { return t.viewport }

// Scissor returns the scissor rectangle.
func (t *StateTracker) Scissor() Rect { return t.scissor }

// Pipeline returns the pipeline state.
func (t *StateTracker) Pipeline() PipelineState { return t.pipeline }

// Constants returns the dirty register range of a stage and its floats.
func (t *StateTracker) Constants(stage Stage) (start uint32, data []float32) {
	bank := &t.constants[stage]
	return bank.lo, bank.regs[bank.lo*4 : bank.hi*4]
}

// Texture returns the texture and sampler state bound to a stage.
func (t *StateTracker) Texture(stage int) (uint32, SamplerState) {
	return t.textures[stage], t.samplers[stage]
}

// DirtyTextures returns the mask of stages whose binding changed.
func (t *StateTracker) DirtyTextures() uint16 { return t.textureDirty }

// Stream returns a stream binding.
func (t *StateTracker) Stream(slot int) Stream { return t.streams[slot] }

// DirtyStreams returns the mask of streams whose binding changed.
func (t *StateTracker) DirtyStreams() uint16 { return t.streamDirty }

// Indices returns the index buffer binding.
func (t *StateTracker) Indices() IndexBinding { return t.indices }

// Flush calls emit once for every dirty category, in render target,
// depth/stencil, viewport, scissor, pipeline, vertex constant, pixel
// constant, texture, stream, index buffer order, then clears the set.
// emit reads the values to bind through the accessors.
func (t *StateTracker) Flush(emit func(DirtySet)) {
	if t.dirty == 0 {
		return
	}
	for c := DirtyRenderTargets; c <= DirtyIndexBuffer; c <<= 1 {
		if t.dirty&c == 0 {
			continue
		}
		emit(c)
		t.metrics.StateFlush(c.String())
	}
	t.dirty = 0
	t.textureDirty = 0
	t.streamDirty = 0
}
