package gpu

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/sarchlab/recompbridge/gpu/shadercache"
)

// ErrShaderNotFound is returned when no translated blob exists for a guest
// shader.
var ErrShaderNotFound = errors.New("shader not in cache")

// Device is the D3D-style surface producers call. Every call turns into
// commands on the renderer's queue; the device itself keeps no render
// state, so any number of producer threads may share it.
type Device struct {
	r       *Renderer
	shaders *shadercache.Cache
	nextID  atomic.Uint32
}

// NewDevice creates a device submitting to r and resolving shaders through
// shaders.
func NewDevice(r *Renderer, shaders *shadercache.Cache) *Device {
	return &Device{r: r, shaders: shaders}
}

// Renderer returns the renderer the device submits to.
func (d *Device) Renderer() *Renderer {
	return d.r
}

func (d *Device) create(desc *ResourceDesc) (uint32, error) {
	id := d.nextID.Add(1)
	c := Command{Op: OpCreateResource, Handle: id}
	c.Args[0] = d.r.arena.Put(desc)
	if err := d.r.Submit(c); err != nil {
		d.r.arena.Take(c.Args[0])
		return 0, errors.Wrapf(err, "creating %s", desc.Kind)
	}
	return id, nil
}

// CreateVertexBuffer creates a vertex buffer over size bytes of guest
// memory at addr.
func (d *Device) CreateVertexBuffer(addr, size uint32) (uint32, error) {
	return d.create(&ResourceDesc{Kind: KindVertexBuffer, Address: addr, Size: size})
}

// CreateIndexBuffer creates an index buffer over guest memory.
func (d *Device) CreateIndexBuffer(addr, size uint32, format IndexFormat) (uint32, error) {
	return d.create(&ResourceDesc{
		Kind:        KindIndexBuffer,
		Address:     addr,
		Size:        size,
		IndexFormat: format,
	})
}

// CreateTexture creates a texture whose texels live in guest memory.
func (d *Device) CreateTexture(width, height, levels uint32, format Format, addr uint32) (uint32, error) {
	return d.create(&ResourceDesc{
		Kind:    KindTexture,
		Address: addr,
		Width:   width,
		Height:  height,
		Levels:  levels,
		Format:  format,
	})
}

// CreateRenderTarget creates a color render target.
func (d *Device) CreateRenderTarget(width, height uint32, format Format) (uint32, error) {
	return d.create(&ResourceDesc{
		Kind:   KindRenderTarget,
		Width:  width,
		Height: height,
		Format: format,
	})
}

// CreateDepthStencilSurface creates a depth/stencil surface.
func (d *Device) CreateDepthStencilSurface(width, height uint32, format Format) (uint32, error) {
	return d.create(&ResourceDesc{
		Kind:   KindDepthStencil,
		Width:  width,
		Height: height,
		Format: format,
	})
}

func (d *Device) createShader(kind ResourceKind, hash uint64) (uint32, error) {
	blob, ok := d.shaders.LookupByHash(hash)
	if !ok {
		return 0, errors.Wrapf(ErrShaderNotFound, "%s %016x", kind, hash)
	}
	return d.create(&ResourceDesc{Kind: kind, Hash: hash, Blob: blob})
}

// CreateVertexShader creates a vertex shader from the translated blob of
// the guest bytecode with the given hash.
func (d *Device) CreateVertexShader(bytecodeHash uint64) (uint32, error) {
	return d.createShader(KindVertexShader, bytecodeHash)
}

// CreatePixelShader creates a pixel shader.
func (d *Device) CreatePixelShader(bytecodeHash uint64) (uint32, error) {
	return d.createShader(KindPixelShader, bytecodeHash)
}

// CreateVertexDeclaration creates a vertex declaration.
func (d *Device) CreateVertexDeclaration(elems []VertexElement) (uint32, error) {
	elems = append([]VertexElement(nil), elems...)
	return d.create(&ResourceDesc{
		Kind:     KindVertexDecl,
		Hash:     HashVertexElements(elems),
		Elements: elems,
	})
}

// SetRenderState sets a render state.
func (d *Device) SetRenderState(state RenderState, value uint32) error {
	return d.r.Submit(SetRenderStateCmd(state, value))
}

// SetTexture binds a texture to a sampler stage. id 0 unbinds.
func (d *Device) SetTexture(stage uint8, id uint32) error {
	return d.r.Submit(SetTextureCmd(stage, id))
}

// SetSamplerState sets a sampler state of a stage.
func (d *Device) SetSamplerState(stage uint8, state SamplerStateType, value uint32) error {
	return d.r.Submit(SetSamplerStateCmd(stage, state, value))
}

// SetVertexShader binds a vertex shader.
func (d *Device) SetVertexShader(id uint32) error {
	return d.r.Submit(SetShaderCmd(OpSetVertexShader, id))
}

// SetPixelShader binds a pixel shader.
func (d *Device) SetPixelShader(id uint32) error {
	return d.r.Submit(SetShaderCmd(OpSetPixelShader, id))
}

// SetVertexDeclaration binds a vertex declaration.
func (d *Device) SetVertexDeclaration(id uint32) error {
	return d.r.Submit(SetShaderCmd(OpSetVertexDeclaration, id))
}

func (d *Device) setConstants(stage Stage, start uint32, data []float32) error {
	idx := d.r.arena.Put(append([]float32(nil), data...))
	if err := d.r.Submit(SetShaderConstantsCmd(stage, start, idx)); err != nil {
		d.r.arena.Take(idx)
		return err
	}
	return nil
}

// SetVertexShaderConstantF uploads vertex shader constants. data holds
// four floats per register.
func (d *Device) SetVertexShaderConstantF(start uint32, data []float32) error {
	return d.setConstants(StageVertex, start, data)
}

// SetPixelShaderConstantF uploads pixel shader constants.
func (d *Device) SetPixelShaderConstantF(start uint32, data []float32) error {
	return d.setConstants(StagePixel, start, data)
}

// SetStreamSource binds a vertex buffer to a stream.
func (d *Device) SetStreamSource(stream uint8, id, offset, stride uint32) error {
	return d.r.Submit(SetStreamSourceCmd(stream, id, offset, stride))
}

// SetIndices binds the index buffer.
func (d *Device) SetIndices(id uint32) error {
	return d.r.Submit(SetIndicesCmd(id))
}

// SetViewport sets the viewport.
func (d *Device) SetViewport(v Viewport) error {
	return d.r.Submit(SetViewportCmd(v))
}

// SetScissorRect sets the scissor rectangle.
func (d *Device) SetScissorRect(r Rect) error {
	return d.r.Submit(SetScissorCmd(r))
}

// SetRenderTarget binds a color target.
func (d *Device) SetRenderTarget(index uint8, id uint32) error {
	return d.r.Submit(SetRenderTargetCmd(index, id))
}

// SetDepthStencilSurface binds the depth/stencil surface.
func (d *Device) SetDepthStencilSurface(id uint32) error {
	return d.r.Submit(SetDepthStencilCmd(id))
}

// Clear clears the bound targets.
func (d *Device) Clear(flags ClearFlags, color uint32, z float32, stencil uint32) error {
	return d.r.Submit(ClearCmd(flags, color, z, stencil))
}

// DrawPrimitive draws primCount primitives from the bound streams.
func (d *Device) DrawPrimitive(prim PrimitiveType, startVertex, primCount uint32) error {
	return d.r.Submit(DrawCmd(prim, startVertex, prim.VertexCount(primCount)))
}

// DrawIndexedPrimitive draws primCount primitives through the bound index
// buffer.
func (d *Device) DrawIndexedPrimitive(prim PrimitiveType, baseVertex int32, startIndex, primCount uint32) error {
	return d.r.Submit(DrawIndexedCmd(prim, baseVertex, startIndex, prim.VertexCount(primCount)))
}

// DrawVertices draws count vertices from the bound streams.
func (d *Device) DrawVertices(prim PrimitiveType, startVertex, count uint32) error {
	return d.r.Submit(DrawCmd(prim, startVertex, count))
}

// DrawIndexedVertices draws count indices from the bound index buffer.
func (d *Device) DrawIndexedVertices(prim PrimitiveType, baseVertex int32, startIndex, count uint32) error {
	return d.r.Submit(DrawIndexedCmd(prim, baseVertex, startIndex, count))
}

// Present presents the frame, blocking while too many frames are in
// flight.
func (d *Device) Present() error {
	return d.r.Present()
}

// Release destroys a resource.
func (d *Device) Release(id uint32) error {
	return d.r.Submit(DestroyResourceCmd(id))
}

// InsertCallback queues a call of the guest function at offset on the
// render thread.
func (d *Device) InsertCallback(offset uint32, args ...uint32) error {
	return d.r.Submit(GuestCallbackCmd(offset, args...))
}
