package exports

import (
	"github.com/sarchlab/recompbridge/emu"
	"github.com/sarchlab/recompbridge/gpu"
	"github.com/sarchlab/recompbridge/gpu/shadercache"
	"github.com/sarchlab/recompbridge/mem"
)

// Guest shader bytecode is a token stream closed by shaderEndToken.
const (
	shaderEndToken = 0x0000FFFF
	maxShaderBytes = 0x10000
)

// Guest vertex elements are 12 bytes: stream and offset halfwords, a type
// word, then method, usage and usage index bytes. A stream of 0xFF ends
// the declaration.
const (
	vertexElementBytes = 12
	declEndStream      = 0xFF
	maxVertexElements  = 64
)

// d3dCreateSurface returns the export for CreateRenderTarget and
// CreateDepthStencilSurface: (device, width, height, format, multiSample,
// quality, lockable, surfacePtr). Surfaces live on the host only.
func (b *Bridge) d3dCreateSurface(kind gpu.ResourceKind) emu.Func {
	create := b.device.CreateRenderTarget
	if kind == gpu.KindDepthStencil {
		create = b.device.CreateDepthStencilSurface
	}
	return func(ctx *emu.Context, _ *mem.AddressSpace) {
		width, height := ctx.ArgInt32(1), ctx.ArgInt32(2)
		format := gpu.Format(ctx.ArgInt32(3))
		ctx.SetReturn(uint64(b.newSurface(kind, ctx.ArgInt32(7), func() (uint32, error) {
			return create(width, height, format)
		})))
	}
}

// shaderBytecode copies the token stream at p up to and including its
// end token.
func (b *Bridge) shaderBytecode(p uint32) ([]byte, bool) {
	if p == 0 {
		return nil, false
	}
	for n := uint32(4); n <= maxShaderBytes; n += 4 {
		if b.as.Read32(p+n-4) == shaderEndToken {
			code := make([]byte, n)
			b.as.ReadBytes(p, code)
			return code, true
		}
	}
	return nil, false
}

// d3dCreateShader returns the export for CreateVertexShader and
// CreatePixelShader: (device, function, shaderPtr). The translated shader
// is found by the hash of the guest bytecode.
func (b *Bridge) d3dCreateShader(kind gpu.ResourceKind) emu.Func {
	create := b.device.CreateVertexShader
	if kind == gpu.KindPixelShader {
		create = b.device.CreatePixelShader
	}
	return func(ctx *emu.Context, _ *mem.AddressSpace) {
		fn := ctx.ArgInt32(1)
		code, ok := b.shaderBytecode(fn)
		if !ok {
			b.trap.Raise("%s bytecode at 0x%08X has no end token", kind, fn)
			ctx.SetReturn(eFail)
			return
		}
		hash := shadercache.HashBytecode(code)
		ctx.SetReturn(uint64(b.newSurface(kind, ctx.ArgInt32(2), func() (uint32, error) {
			return create(hash)
		})))
	}
}

// d3dCreateVertexDeclaration(device, elements, declPtr)
func (b *Bridge) d3dCreateVertexDeclaration(ctx *emu.Context, as *mem.AddressSpace) {
	p := ctx.ArgInt32(1)
	var elems []gpu.VertexElement
	for {
		if len(elems) == maxVertexElements || p == 0 {
			b.trap.Raise("vertex declaration at 0x%08X has no end element", ctx.ArgInt32(1))
			ctx.SetReturn(eFail)
			return
		}
		stream := as.Read16(p)
		if stream == declEndStream {
			break
		}
		elems = append(elems, gpu.VertexElement{
			Stream:     stream,
			Offset:     as.Read16(p + 2),
			Type:       as.Read32(p + 4),
			Usage:      as.Read8(p + 9),
			UsageIndex: as.Read8(p + 10),
		})
		p += vertexElementBytes
	}
	ctx.SetReturn(uint64(b.newSurface(gpu.KindVertexDecl, ctx.ArgInt32(2), func() (uint32, error) {
		return b.device.CreateVertexDeclaration(elems)
	})))
}

// d3dSetShader returns the export for SetVertexShader, SetPixelShader and
// SetVertexDeclaration: (device, resource).
func (b *Bridge) d3dSetShader(kind gpu.ResourceKind) emu.Func {
	set := b.device.SetVertexDeclaration
	switch kind {
	case gpu.KindVertexShader:
		set = b.device.SetVertexShader
	case gpu.KindPixelShader:
		set = b.device.SetPixelShader
	}
	return func(ctx *emu.Context, _ *mem.AddressSpace) {
		id := b.resourceOf(ctx.ArgInt32(1), kind)
		b.submitted("Set "+kind.String(), set(id))
	}
}

// d3dSetConstants returns the export for SetVertexShaderConstantF and
// SetPixelShaderConstantF: (device, startRegister, data, vector4fCount).
func (b *Bridge) d3dSetConstants(stage gpu.Stage) emu.Func {
	set := b.device.SetVertexShaderConstantF
	if stage == gpu.StagePixel {
		set = b.device.SetPixelShaderConstantF
	}
	return func(ctx *emu.Context, as *mem.AddressSpace) {
		start, p, count := ctx.ArgInt32(1), ctx.ArgInt32(2), ctx.ArgInt32(3)
		if count > gpu.MaxConstants || p == 0 {
			b.trap.Raise("%d %s constants from 0x%08X", count, stage, p)
			return
		}
		data := make([]float32, count*4)
		for i := range data {
			data[i] = as.ReadF32(p + uint32(i)*4)
		}
		b.submitted("Set "+stage.String()+" constants", set(start, data))
	}
}
