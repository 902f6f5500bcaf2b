// Package gpu implements the render command pipeline: producers record
// D3D-style calls as fixed-size commands, and a dedicated render thread
// drains them in order, elides redundant state and translates the rest to
// a host graphics Backend.
package gpu

import (
	"fmt"
	"math"
)

// Op is a render command opcode.
type Op uint8

// Opcodes.
const (
	OpNop Op = iota
	OpSetRenderTarget
	OpSetDepthStencil
	OpSetViewport
	OpSetScissor
	OpSetRenderState
	OpSetVertexShader
	OpSetPixelShader
	OpSetVertexDeclaration
	OpSetShaderConstants
	OpSetTexture
	OpSetSamplerState
	OpSetStreamSource
	OpSetIndices
	OpClear
	OpDraw
	OpDrawIndexed
	OpPresent
	OpGuestCallback
	OpFence
	OpCreateResource
	OpDestroyResource
	numOps
)

var opNames = [numOps]string{
	"Nop",
	"SetRenderTarget",
	"SetDepthStencil",
	"SetViewport",
	"SetScissor",
	"SetRenderState",
	"SetVertexShader",
	"SetPixelShader",
	"SetVertexDeclaration",
	"SetShaderConstants",
	"SetTexture",
	"SetSamplerState",
	"SetStreamSource",
	"SetIndices",
	"Clear",
	"Draw",
	"DrawIndexed",
	"Present",
	"GuestCallback",
	"Fence",
	"CreateResource",
	"DestroyResource",
}

func (o Op) String() string {
	if o < numOps {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// MaxCallbackArgs is the number of integer arguments a GuestCallback
// command carries.
const MaxCallbackArgs = 8

// Command is one render command. It is exactly 64 bytes so a batch is a
// flat array the render thread can walk without chasing pointers.
//
// Operand layout by opcode:
//
//	SetRenderTarget       Slot=index Handle=resource
//	SetDepthStencil       Handle=resource
//	SetViewport           Args=x y width height minZ maxZ (z as float bits)
//	SetScissor            Args=left top right bottom
//	SetRenderState        Args=state value
//	SetVertexShader       Handle=resource
//	SetPixelShader        Handle=resource
//	SetVertexDeclaration  Handle=resource
//	SetShaderConstants    Slot=stage Args=start arena-index
//	SetTexture            Slot=stage Handle=resource
//	SetSamplerState       Slot=stage Args=state value
//	SetStreamSource       Slot=stream Handle=resource Args=offset stride
//	SetIndices            Handle=resource
//	Clear                 Flags=ClearFlags Args=color z stencil
//	Draw                  Args=primitive start count
//	DrawIndexed           Args=primitive base-vertex start count
//	GuestCallback         Slot=argc Handle=function offset Args=r3..r10
//	Fence                 Args=arena-index
//	CreateResource        Handle=resource Args=arena-index
//	DestroyResource       Handle=resource
//
// Handle 0 unbinds.
type Command struct {
	Op     Op
	Slot   uint8
	Flags  uint16
	Handle uint32
	Args   [14]uint32
}

// Float returns argument i as a float.
func (c *Command) Float(i int) float32 {
	return math.Float32frombits(c.Args[i])
}

// SetRenderTargetCmd binds a color target.
func SetRenderTargetCmd(index uint8, id uint32) Command {
	return Command{Op: OpSetRenderTarget, Slot: index, Handle: id}
}

// SetDepthStencilCmd binds the depth/stencil surface.
func SetDepthStencilCmd(id uint32) Command {
	return Command{Op: OpSetDepthStencil, Handle: id}
}

// SetViewportCmd sets the viewport.
func SetViewportCmd(v Viewport) Command {
	c := Command{Op: OpSetViewport}
	c.Args[0] = v.X
	c.Args[1] = v.Y
	c.Args[2] = v.Width
	c.Args[3] = v.Height
	c.Args[4] = math.Float32bits(v.MinZ)
	c.Args[5] = math.Float32bits(v.MaxZ)
	return c
}

// SetScissorCmd sets the scissor rectangle.
func SetScissorCmd(r Rect) Command {
	c := Command{Op: OpSetScissor}
	c.Args[0] = uint32(r.Left)
	c.Args[1] = uint32(r.Top)
	c.Args[2] = uint32(r.Right)
	c.Args[3] = uint32(r.Bottom)
	return c
}

// SetRenderStateCmd sets one render state.
func SetRenderStateCmd(state RenderState, value uint32) Command {
	c := Command{Op: OpSetRenderState}
	c.Args[0] = uint32(state)
	c.Args[1] = value
	return c
}

// SetShaderCmd binds a vertex shader, pixel shader or vertex declaration.
func SetShaderCmd(op Op, id uint32) Command {
	return Command{Op: op, Handle: id}
}

// SetShaderConstantsCmd uploads the constant block stored at arena index
// idx starting at register start.
func SetShaderConstantsCmd(stage Stage, start, idx uint32) Command {
	c := Command{Op: OpSetShaderConstants, Slot: uint8(stage)}
	c.Args[0] = start
	c.Args[1] = idx
	return c
}

// SetTextureCmd binds a texture to a sampler stage.
func SetTextureCmd(stage uint8, id uint32) Command {
	return Command{Op: OpSetTexture, Slot: stage, Handle: id}
}

// SetSamplerStateCmd sets one sampler state of a stage.
func SetSamplerStateCmd(stage uint8, state SamplerStateType, value uint32) Command {
	c := Command{Op: OpSetSamplerState, Slot: stage}
	c.Args[0] = uint32(state)
	c.Args[1] = value
	return c
}

// SetStreamSourceCmd binds a vertex buffer to a stream.
func SetStreamSourceCmd(stream uint8, id, offset, stride uint32) Command {
	c := Command{Op: OpSetStreamSource, Slot: stream, Handle: id}
	c.Args[0] = offset
	c.Args[1] = stride
	return c
}

// SetIndicesCmd binds the index buffer.
func SetIndicesCmd(id uint32) Command {
	return Command{Op: OpSetIndices, Handle: id}
}

// ClearCmd clears the bound targets.
func ClearCmd(flags ClearFlags, color uint32, z float32, stencil uint32) Command {
	c := Command{Op: OpClear, Flags: uint16(flags)}
	c.Args[0] = color
	c.Args[1] = math.Float32bits(z)
	c.Args[2] = stencil
	return c
}

// DrawCmd draws count vertices starting at start.
func DrawCmd(prim PrimitiveType, start, count uint32) Command {
	c := Command{Op: OpDraw}
	c.Args[0] = uint32(prim)
	c.Args[1] = start
	c.Args[2] = count
	return c
}

// DrawIndexedCmd draws count indices starting at start.
func DrawIndexedCmd(prim PrimitiveType, baseVertex int32, start, count uint32) Command {
	c := Command{Op: OpDrawIndexed}
	c.Args[0] = uint32(prim)
	c.Args[1] = uint32(baseVertex)
	c.Args[2] = start
	c.Args[3] = count
	return c
}

// PresentCmd presents the frame.
func PresentCmd() Command {
	return Command{Op: OpPresent}
}

// GuestCallbackCmd calls the guest function at offset on the render thread
// with up to MaxCallbackArgs integer arguments.
func GuestCallbackCmd(offset uint32, args ...uint32) Command {
	if len(args) > MaxCallbackArgs {
		panic(fmt.Sprintf("guest callback takes at most %d arguments, got %d",
			MaxCallbackArgs, len(args)))
	}
	c := Command{Op: OpGuestCallback, Slot: uint8(len(args)), Handle: offset}
	copy(c.Args[:], args)
	return c
}

// DestroyResourceCmd destroys a resource.
func DestroyResourceCmd(id uint32) Command {
	return Command{Op: OpDestroyResource, Handle: id}
}
