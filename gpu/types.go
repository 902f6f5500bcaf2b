package gpu

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Limits of the emulated device.
const (
	MaxRenderTargets = 4
	MaxTextures      = 16
	MaxStreams       = 8
	MaxConstants     = 256
)

// Format is a guest surface or texture format code. The bridge passes it
// through to the backend uninterpreted.
type Format uint32

// Stage selects the vertex or pixel shader stage.
type Stage uint8

// Shader stages.
const (
	StageVertex Stage = iota
	StagePixel
)

func (s Stage) String() string {
	if s == StagePixel {
		return "pixel"
	}
	return "vertex"
}

// PrimitiveType is the guest primitive topology.
type PrimitiveType uint32

// Primitive types, numbered as on the guest.
const (
	PrimPointList     PrimitiveType = 1
	PrimLineList      PrimitiveType = 2
	PrimLineStrip     PrimitiveType = 3
	PrimTriangleList  PrimitiveType = 4
	PrimTriangleFan   PrimitiveType = 5
	PrimTriangleStrip PrimitiveType = 6
	PrimRectList      PrimitiveType = 8
	PrimQuadList      PrimitiveType = 13
)

// VertexCount returns the number of vertices or indices that draw n
// primitives.
func (p PrimitiveType) VertexCount(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	switch p {
	case PrimLineList:
		return 2 * n
	case PrimLineStrip:
		return n + 1
	case PrimTriangleList, PrimRectList:
		return 3 * n
	case PrimTriangleFan, PrimTriangleStrip:
		return n + 2
	case PrimQuadList:
		return 4 * n
	default:
		return n
	}
}

// IndexFormat is the width of an index buffer element.
type IndexFormat uint32

// Index formats.
const (
	Index16 IndexFormat = iota
	Index32
)

// ClearFlags selects what Clear clears.
type ClearFlags uint16

// Clear flags.
const (
	ClearTarget ClearFlags = 1 << iota
	ClearZBuffer
	ClearStencil
)

// Viewport is the viewport rectangle and depth range.
type Viewport struct {
	X, Y          uint32
	Width, Height uint32
	MinZ, MaxZ    float32
}

// Rect is a scissor rectangle.
type Rect struct {
	Left, Top, Right, Bottom int32
}

// RenderState names a fixed-function render state.
type RenderState uint32

// Render states that feed the pipeline state.
const (
	RSZEnable RenderState = iota
	RSZWriteEnable
	RSZFunc
	RSAlphaBlendEnable
	RSSrcBlend
	RSDestBlend
	RSBlendOp
	RSSrcBlendAlpha
	RSDestBlendAlpha
	RSBlendOpAlpha
	RSCullMode
	RSFillMode
	RSStencilEnable
	RSStencilFunc
	RSStencilRef
	RSStencilMask
	RSStencilWriteMask
	RSStencilPass
	RSStencilFail
	RSStencilZFail
	RSColorWriteEnable
	RSAlphaTestEnable
	RSAlphaRef
	RSAlphaFunc
	NumRenderStates
)

// DefaultRenderStates returns the render states of a freshly reset device.
func DefaultRenderStates() [NumRenderStates]uint32 {
	var rs [NumRenderStates]uint32
	rs[RSZEnable] = 1
	rs[RSZWriteEnable] = 1
	rs[RSZFunc] = 4 // less-equal
	rs[RSSrcBlend] = 2
	rs[RSDestBlend] = 1
	rs[RSBlendOp] = 1
	rs[RSSrcBlendAlpha] = 2
	rs[RSDestBlendAlpha] = 1
	rs[RSBlendOpAlpha] = 1
	rs[RSCullMode] = 3
	rs[RSFillMode] = 3
	rs[RSStencilFunc] = 8
	rs[RSStencilMask] = 0xFFFFFFFF
	rs[RSStencilWriteMask] = 0xFFFFFFFF
	rs[RSStencilPass] = 1
	rs[RSStencilFail] = 1
	rs[RSStencilZFail] = 1
	rs[RSColorWriteEnable] = 0xF
	rs[RSAlphaFunc] = 8
	return rs
}

// SamplerStateType names a per-stage sampler state.
type SamplerStateType uint32

// Sampler states.
const (
	SamplerAddressU SamplerStateType = iota
	SamplerAddressV
	SamplerAddressW
	SamplerMagFilter
	SamplerMinFilter
	SamplerMipFilter
	SamplerMaxAnisotropy
	SamplerBorderColor
	NumSamplerStates
)

// SamplerState is the full sampler state of one stage.
type SamplerState [NumSamplerStates]uint32

// DefaultSamplerState returns wrap addressing with point filtering.
func DefaultSamplerState() SamplerState {
	var s SamplerState
	s[SamplerAddressU] = 1
	s[SamplerAddressV] = 1
	s[SamplerAddressW] = 1
	s[SamplerMagFilter] = 1
	s[SamplerMinFilter] = 1
	s[SamplerMaxAnisotropy] = 1
	return s
}

// Stream is a vertex buffer binding.
type Stream struct {
	Buffer uint32
	Offset uint32
	Stride uint32
}

// IndexBinding is the index buffer binding.
type IndexBinding struct {
	Buffer uint32
	Format IndexFormat
}

// PipelineState is everything a host pipeline object is compiled from.
// Shaders and vertex declarations are identified by content hash so the
// same state hashes identically across runs.
type PipelineState struct {
	VertexShader uint64
	PixelShader  uint64
	VertexDecl   uint64
	Topology     PrimitiveType
	RenderStates [NumRenderStates]uint32
	ColorFormats [MaxRenderTargets]Format
	DepthFormat  Format
}

// pipelineStateSize is the length of an encoded PipelineState.
const pipelineStateSize = 3*8 + 4 + int(NumRenderStates)*4 + MaxRenderTargets*4 + 4

// Encode returns the pipeline cache key of s.
func (s *PipelineState) Encode() []byte {
	b := make([]byte, 0, pipelineStateSize)
	b = binary.BigEndian.AppendUint64(b, s.VertexShader)
	b = binary.BigEndian.AppendUint64(b, s.PixelShader)
	b = binary.BigEndian.AppendUint64(b, s.VertexDecl)
	b = binary.BigEndian.AppendUint32(b, uint32(s.Topology))
	for _, v := range s.RenderStates {
		b = binary.BigEndian.AppendUint32(b, v)
	}
	for _, f := range s.ColorFormats {
		b = binary.BigEndian.AppendUint32(b, uint32(f))
	}
	b = binary.BigEndian.AppendUint32(b, uint32(s.DepthFormat))
	return b
}

// DecodePipelineState parses a key produced by Encode.
func DecodePipelineState(b []byte) (PipelineState, error) {
	var s PipelineState
	if len(b) != pipelineStateSize {
		return s, errors.Newf("pipeline key is %d bytes, want %d", len(b), pipelineStateSize)
	}

	s.VertexShader = binary.BigEndian.Uint64(b[0:])
	s.PixelShader = binary.BigEndian.Uint64(b[8:])
	s.VertexDecl = binary.BigEndian.Uint64(b[16:])
	s.Topology = PrimitiveType(binary.BigEndian.Uint32(b[24:]))
	off := 28
	for i := range s.RenderStates {
		s.RenderStates[i] = binary.BigEndian.Uint32(b[off:])
		off += 4
	}
	for i := range s.ColorFormats {
		s.ColorFormats[i] = Format(binary.BigEndian.Uint32(b[off:]))
		off += 4
	}
	s.DepthFormat = Format(binary.BigEndian.Uint32(b[off:]))
	return s, nil
}

func (s PipelineState) String() string {
	return fmt.Sprintf("vs=%016x ps=%016x decl=%016x topo=%d",
		s.VertexShader, s.PixelShader, s.VertexDecl, s.Topology)
}
