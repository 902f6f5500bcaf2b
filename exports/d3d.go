package exports

import (
	"math"

	"github.com/sarchlab/recompbridge/emu"
	"github.com/sarchlab/recompbridge/gpu"
	"github.com/sarchlab/recompbridge/mem"
)

// Guest resource header handed back by the Create exports. The guest reads
// the data pointer to fill the resource.
const (
	resourceKind     = 0x00
	resourceRefCount = 0x04
	resourceData     = 0x08
	resourceID       = 0x0C
	resourceSize     = 0x10
)

// HRESULTs.
const (
	sOK          = 0x00000000
	eFail        = 0x80004005
	eOutOfMemory = 0x8007000E
)

const (
	d3dFmtIndex32      = 102
	texelBytes         = 4
	resourceDataAlign  = 0x1000
	guestViewportBytes = 24
	guestRectBytes     = 16
)

func (b *Bridge) registerD3D() {
	b.register("D3DDevice_CreateTexture", b.d3dCreateTexture)
	b.register("D3DDevice_CreateVertexBuffer", b.d3dCreateVertexBuffer)
	b.register("D3DDevice_CreateIndexBuffer", b.d3dCreateIndexBuffer)
	b.register("D3DDevice_CreateRenderTarget", b.d3dCreateSurface(gpu.KindRenderTarget))
	b.register("D3DDevice_CreateDepthStencilSurface", b.d3dCreateSurface(gpu.KindDepthStencil))
	b.register("D3DDevice_CreateVertexShader", b.d3dCreateShader(gpu.KindVertexShader))
	b.register("D3DDevice_CreatePixelShader", b.d3dCreateShader(gpu.KindPixelShader))
	b.register("D3DDevice_CreateVertexDeclaration", b.d3dCreateVertexDeclaration)
	b.register("D3DResource_AddRef", b.d3dAddRef)
	b.register("D3DResource_Release", b.d3dRelease)

	b.register("D3DDevice_SetRenderState", b.d3dSetRenderState)
	b.register("D3DDevice_SetSamplerState", b.d3dSetSamplerState)
	b.register("D3DDevice_SetTexture", b.d3dSetTexture)
	b.register("D3DDevice_SetStreamSource", b.d3dSetStreamSource)
	b.register("D3DDevice_SetIndices", b.d3dSetIndices)
	b.register("D3DDevice_SetViewport", b.d3dSetViewport)
	b.register("D3DDevice_SetScissorRect", b.d3dSetScissorRect)
	b.register("D3DDevice_SetRenderTarget", b.d3dSetRenderTarget)
	b.register("D3DDevice_SetDepthStencilSurface", b.d3dSetDepthStencilSurface)
	b.register("D3DDevice_SetVertexShader", b.d3dSetShader(gpu.KindVertexShader))
	b.register("D3DDevice_SetPixelShader", b.d3dSetShader(gpu.KindPixelShader))
	b.register("D3DDevice_SetVertexDeclaration", b.d3dSetShader(gpu.KindVertexDecl))
	b.register("D3DDevice_SetVertexShaderConstantF", b.d3dSetConstants(gpu.StageVertex))
	b.register("D3DDevice_SetPixelShaderConstantF", b.d3dSetConstants(gpu.StagePixel))
	b.register("D3DDevice_Clear", b.d3dClear)
	b.register("D3DDevice_DrawVertices", b.d3dDrawVertices)
	b.register("D3DDevice_DrawIndexedVertices", b.d3dDrawIndexedVertices)
	b.register("D3DDevice_Present", b.d3dPresent)
}

// submitted logs a failed submission. The guest calls return nothing, so
// a stopped renderer only shows up in the log.
func (b *Bridge) submitted(call string, err error) {
	if err != nil {
		b.logger.Error(err, "render command dropped", "call", call)
	}
}

// newResource allocates guest data and a header for a resource created by
// create, and stores the header through out.
func (b *Bridge) newResource(kind gpu.ResourceKind, dataSize, out uint32,
	create func(data uint32) (uint32, error),
) uint32 {
	data := b.heap.Physical.Alloc(dataSize, resourceDataAlign)
	if data == 0 {
		return eOutOfMemory
	}
	id, err := create(data)
	if err != nil {
		b.heap.Physical.Free(data)
		b.logger.Error(err, "creating resource", "kind", kind)
		return eFail
	}
	if hr := b.newHeader(kind, id, data, out); hr != sOK {
		b.heap.Physical.Free(data)
		return hr
	}
	return sOK
}

// newSurface creates a resource without guest data: render targets,
// depth/stencil surfaces, shaders and vertex declarations.
func (b *Bridge) newSurface(kind gpu.ResourceKind, out uint32, create func() (uint32, error)) uint32 {
	id, err := create()
	if err != nil {
		b.logger.Error(err, "creating resource", "kind", kind)
		return eFail
	}
	return b.newHeader(kind, id, 0, out)
}

// newHeader allocates the guest header of resource id and stores it
// through out. A resource without a header is released again.
func (b *Bridge) newHeader(kind gpu.ResourceKind, id, data, out uint32) uint32 {
	hdr := b.heap.General.Alloc(resourceSize)
	if hdr == 0 {
		b.submitted("Release", b.device.Release(id))
		return eOutOfMemory
	}
	b.as.Write32(hdr+resourceKind, uint32(kind))
	b.as.Write32(hdr+resourceRefCount, 1)
	b.as.Write32(hdr+resourceData, data)
	b.as.Write32(hdr+resourceID, id)
	b.store(out, hdr)

	b.logger.V(1).Info("resource created", "kind", kind, "id", id, "header", hdr, "data", data)
	return sOK
}

// resourceOf returns the renderer id of the resource whose header is at
// hdr. A null header is id 0, which unbinds.
func (b *Bridge) resourceOf(hdr uint32, want gpu.ResourceKind) uint32 {
	if hdr == 0 {
		return 0
	}
	if kind := gpu.ResourceKind(b.as.Read32(hdr + resourceKind)); kind != want {
		b.trap.Raise("resource at 0x%08X is a %s, want %s", hdr, kind, want)
		return 0
	}
	return b.as.Read32(hdr + resourceID)
}

// d3dCreateTexture(device, width, height, levels, usage, format, pool,
// texturePtr)
func (b *Bridge) d3dCreateTexture(ctx *emu.Context, _ *mem.AddressSpace) {
	width, height, levels := ctx.ArgInt32(1), ctx.ArgInt32(2), ctx.ArgInt32(3)
	format := gpu.Format(ctx.ArgInt32(5))
	if levels == 0 {
		levels = 1
	}
	size := uint64(width) * uint64(height) * texelBytes
	if size > math.MaxUint32 {
		b.logger.Info("texture too large", "width", width, "height", height)
		ctx.SetReturn(eOutOfMemory)
		return
	}
	ctx.SetReturn(uint64(b.newResource(gpu.KindTexture, uint32(size), ctx.ArgInt32(7),
		func(data uint32) (uint32, error) {
			return b.device.CreateTexture(width, height, levels, format, data)
		})))
}

// d3dCreateVertexBuffer(device, length, usage, fvf, pool, bufferPtr)
func (b *Bridge) d3dCreateVertexBuffer(ctx *emu.Context, _ *mem.AddressSpace) {
	length := ctx.ArgInt32(1)
	ctx.SetReturn(uint64(b.newResource(gpu.KindVertexBuffer, length, ctx.ArgInt32(5),
		func(data uint32) (uint32, error) {
			return b.device.CreateVertexBuffer(data, length)
		})))
}

// d3dCreateIndexBuffer(device, length, usage, format, pool, bufferPtr)
func (b *Bridge) d3dCreateIndexBuffer(ctx *emu.Context, _ *mem.AddressSpace) {
	length := ctx.ArgInt32(1)
	format := gpu.Index16
	if ctx.ArgInt32(3) == d3dFmtIndex32 {
		format = gpu.Index32
	}
	ctx.SetReturn(uint64(b.newResource(gpu.KindIndexBuffer, length, ctx.ArgInt32(5),
		func(data uint32) (uint32, error) {
			return b.device.CreateIndexBuffer(data, length, format)
		})))
}

// d3dAddRef(resource) returns the new reference count.
func (b *Bridge) d3dAddRef(ctx *emu.Context, as *mem.AddressSpace) {
	hdr := ctx.ArgInt32(0)
	refs := as.Read32(hdr+resourceRefCount) + 1
	as.Write32(hdr+resourceRefCount, refs)
	ctx.SetReturn(uint64(refs))
}

// d3dRelease(resource) returns the new reference count. The last release
// destroys the resource and frees its memory.
func (b *Bridge) d3dRelease(ctx *emu.Context, as *mem.AddressSpace) {
	hdr := ctx.ArgInt32(0)
	refs := as.Read32(hdr + resourceRefCount)
	if refs == 0 {
		b.trap.Raise("resource at 0x%08X released with no references", hdr)
		ctx.SetReturn(0)
		return
	}
	refs--
	as.Write32(hdr+resourceRefCount, refs)
	if refs == 0 {
		b.submitted("Release", b.device.Release(as.Read32(hdr+resourceID)))
		if data := as.Read32(hdr + resourceData); data != 0 {
			b.heap.Physical.Free(data)
		}
		b.heap.General.Free(hdr)
	}
	ctx.SetReturn(uint64(refs))
}

// d3dSetRenderState(device, state, value)
func (b *Bridge) d3dSetRenderState(ctx *emu.Context, _ *mem.AddressSpace) {
	b.submitted("SetRenderState",
		b.device.SetRenderState(gpu.RenderState(ctx.ArgInt32(1)), ctx.ArgInt32(2)))
}

// d3dSetSamplerState(device, sampler, type, value)
func (b *Bridge) d3dSetSamplerState(ctx *emu.Context, _ *mem.AddressSpace) {
	b.submitted("SetSamplerState", b.device.SetSamplerState(uint8(ctx.ArgInt32(1)),
		gpu.SamplerStateType(ctx.ArgInt32(2)), ctx.ArgInt32(3)))
}

// d3dSetTexture(device, sampler, texture)
func (b *Bridge) d3dSetTexture(ctx *emu.Context, _ *mem.AddressSpace) {
	id := b.resourceOf(ctx.ArgInt32(2), gpu.KindTexture)
	b.submitted("SetTexture", b.device.SetTexture(uint8(ctx.ArgInt32(1)), id))
}

// d3dSetStreamSource(device, stream, buffer, offset, stride)
func (b *Bridge) d3dSetStreamSource(ctx *emu.Context, _ *mem.AddressSpace) {
	id := b.resourceOf(ctx.ArgInt32(2), gpu.KindVertexBuffer)
	b.submitted("SetStreamSource", b.device.SetStreamSource(uint8(ctx.ArgInt32(1)), id,
		ctx.ArgInt32(3), ctx.ArgInt32(4)))
}

// d3dSetIndices(device, buffer)
func (b *Bridge) d3dSetIndices(ctx *emu.Context, _ *mem.AddressSpace) {
	id := b.resourceOf(ctx.ArgInt32(1), gpu.KindIndexBuffer)
	b.submitted("SetIndices", b.device.SetIndices(id))
}

// d3dSetViewport(device, viewportPtr) reads the guest viewport: X, Y,
// Width and Height as words followed by MinZ and MaxZ as floats.
func (b *Bridge) d3dSetViewport(ctx *emu.Context, as *mem.AddressSpace) {
	p := ctx.ArgInt32(1)
	if p == 0 {
		b.trap.Raise("D3DDevice_SetViewport with a null viewport")
		return
	}
	v := gpu.Viewport{
		X:      as.Read32(p),
		Y:      as.Read32(p + 4),
		Width:  as.Read32(p + 8),
		Height: as.Read32(p + 12),
		MinZ:   as.ReadF32(p + 16),
		MaxZ:   as.ReadF32(p + guestViewportBytes - 4),
	}
	b.submitted("SetViewport", b.device.SetViewport(v))
}

// d3dSetScissorRect(device, rectPtr) reads left, top, right and bottom.
func (b *Bridge) d3dSetScissorRect(ctx *emu.Context, as *mem.AddressSpace) {
	p := ctx.ArgInt32(1)
	if p == 0 {
		b.trap.Raise("D3DDevice_SetScissorRect with a null rect")
		return
	}
	r := gpu.Rect{
		Left:   int32(as.Read32(p)),
		Top:    int32(as.Read32(p + 4)),
		Right:  int32(as.Read32(p + 8)),
		Bottom: int32(as.Read32(p + guestRectBytes - 4)),
	}
	b.submitted("SetScissorRect", b.device.SetScissorRect(r))
}

// d3dSetRenderTarget(device, index, surface)
func (b *Bridge) d3dSetRenderTarget(ctx *emu.Context, _ *mem.AddressSpace) {
	id := b.resourceOf(ctx.ArgInt32(2), gpu.KindRenderTarget)
	b.submitted("SetRenderTarget", b.device.SetRenderTarget(uint8(ctx.ArgInt32(1)), id))
}

// d3dSetDepthStencilSurface(device, surface)
func (b *Bridge) d3dSetDepthStencilSurface(ctx *emu.Context, _ *mem.AddressSpace) {
	id := b.resourceOf(ctx.ArgInt32(1), gpu.KindDepthStencil)
	b.submitted("SetDepthStencilSurface", b.device.SetDepthStencilSurface(id))
}

// d3dClear(device, count, rects, flags, color, z, stencil). The rects are
// ignored; clears cover the whole viewport. z arrives in f1 and still
// occupies its integer argument slot, so stencil is argument 6.
func (b *Bridge) d3dClear(ctx *emu.Context, _ *mem.AddressSpace) {
	flags := gpu.ClearFlags(ctx.ArgInt32(3))
	color := ctx.ArgInt32(4)
	z := float32(ctx.ArgFloat(0))
	stencil := ctx.ArgInt32(6)
	b.submitted("Clear", b.device.Clear(flags, color, z, stencil))
}

// d3dDrawVertices(device, primitiveType, startVertex, vertexCount)
func (b *Bridge) d3dDrawVertices(ctx *emu.Context, _ *mem.AddressSpace) {
	b.submitted("DrawVertices", b.device.DrawVertices(gpu.PrimitiveType(ctx.ArgInt32(1)),
		ctx.ArgInt32(2), ctx.ArgInt32(3)))
}

// d3dDrawIndexedVertices(device, primitiveType, baseVertex, startIndex,
// indexCount)
func (b *Bridge) d3dDrawIndexedVertices(ctx *emu.Context, _ *mem.AddressSpace) {
	b.submitted("DrawIndexedVertices", b.device.DrawIndexedVertices(gpu.PrimitiveType(ctx.ArgInt32(1)),
		int32(ctx.ArgInt32(2)), ctx.ArgInt32(3), ctx.ArgInt32(4)))
}

// d3dPresent(device) blocks while too many frames are in flight.
func (b *Bridge) d3dPresent(ctx *emu.Context, _ *mem.AddressSpace) {
	b.submitted("Present", b.device.Present())
}
