package gpu

import (
	"math"

	"github.com/go-logr/logr"

	"github.com/sarchlab/recompbridge/emu"
	"github.com/sarchlab/recompbridge/fault"
	"github.com/sarchlab/recompbridge/gpu/pipecache"
	"github.com/sarchlab/recompbridge/metrics"
)

// Executor applies commands on the render thread. State commands update
// the StateTracker; draws flush it to the Backend first.
type Executor struct {
	backend   Backend
	tracker   *StateTracker
	resources *Resources
	compiler  *pipecache.Compiler
	arena     *Arena
	pacer     *FramePacer
	trap      *fault.Trap
	logger    logr.Logger
	metrics   *metrics.Set

	// guest is the context guest callbacks run on. Nil outside a render
	// thread with a runtime.
	guest *emu.Context

	// Resource ids behind the pipeline's shader hashes.
	vertexShader, pixelShader, vertexDecl uint32

	pipelineBound bool
	pipeline      PipelineState
	draws         uint64

	// bindings is reused by checkBindings across draws.
	bindings []uint32
}

// Execute applies one command.
func (e *Executor) Execute(cmd *Command) {
	e.metrics.RenderCommand(cmd.Op.String())
	if e.logger.V(2).Enabled() {
		e.logger.V(2).Info("render command", "op", cmd.Op, "handle", cmd.Handle)
	}

	switch cmd.Op {
	case OpNop:
	case OpSetRenderTarget:
		e.setRenderTarget(cmd)
	case OpSetDepthStencil:
		e.setDepthStencil(cmd)
	case OpSetViewport:
		e.tracker.SetViewport(Viewport{
			X: cmd.Args[0], Y: cmd.Args[1],
			Width: cmd.Args[2], Height: cmd.Args[3],
			MinZ: nanToZero(cmd.Float(4)), MaxZ: nanToZero(cmd.Float(5)),
		})
	case OpSetScissor:
		e.tracker.SetScissor(Rect{
			Left: int32(cmd.Args[0]), Top: int32(cmd.Args[1]),
			Right: int32(cmd.Args[2]), Bottom: int32(cmd.Args[3]),
		})
	case OpSetRenderState:
		if cmd.Args[0] >= uint32(NumRenderStates) {
			e.trap.Raise("render state %d out of range", cmd.Args[0])
			return
		}
		e.tracker.SetRenderState(RenderState(cmd.Args[0]), cmd.Args[1])
	case OpSetVertexShader, OpSetPixelShader, OpSetVertexDeclaration:
		e.setShader(cmd)
	case OpSetShaderConstants:
		e.setConstants(cmd)
	case OpSetTexture:
		e.setTexture(cmd)
	case OpSetSamplerState:
		if int(cmd.Slot) >= MaxTextures || cmd.Args[0] >= uint32(NumSamplerStates) {
			e.trap.Raise("sampler state %d of stage %d out of range", cmd.Args[0], cmd.Slot)
			return
		}
		e.tracker.SetSamplerState(int(cmd.Slot), SamplerStateType(cmd.Args[0]), cmd.Args[1])
	case OpSetStreamSource:
		e.setStream(cmd)
	case OpSetIndices:
		e.setIndices(cmd)
	case OpClear:
		e.flush()
		e.backend.Clear(ClearFlags(cmd.Flags), cmd.Args[0], cmd.Float(1), cmd.Args[2])
	case OpDraw:
		prim := PrimitiveType(cmd.Args[0])
		if e.prepareDraw(prim, false) {
			e.backend.Draw(prim, cmd.Args[1], cmd.Args[2])
		}
	case OpDrawIndexed:
		prim := PrimitiveType(cmd.Args[0])
		if e.prepareDraw(prim, true) {
			e.backend.DrawIndexed(prim, int32(cmd.Args[1]), cmd.Args[2], cmd.Args[3])
		}
	case OpPresent:
		e.backend.Present()
		e.metrics.FramePresented()
		if e.pacer != nil {
			e.pacer.Release()
		}
	case OpGuestCallback:
		e.guestCallback(cmd)
	case OpFence:
		e.fence(cmd)
	case OpCreateResource:
		e.createResource(cmd)
	case OpDestroyResource:
		if _, ok := e.resources.Destroy(cmd.Handle); ok {
			e.backend.DestroyResource(cmd.Handle)
		}
	default:
		e.trap.Raise("unknown render command %s", cmd.Op)
	}
}

func (e *Executor) setRenderTarget(cmd *Command) {
	if int(cmd.Slot) >= MaxRenderTargets {
		e.trap.Raise("render target index %d out of range", cmd.Slot)
		return
	}
	var format Format
	if cmd.Handle != 0 {
		desc, ok := e.resources.Get(cmd.Handle, KindRenderTarget)
		if !ok {
			return
		}
		format = desc.Format
	}
	e.tracker.SetRenderTarget(int(cmd.Slot), cmd.Handle, format)
}

func (e *Executor) setDepthStencil(cmd *Command) {
	var format Format
	if cmd.Handle != 0 {
		desc, ok := e.resources.Get(cmd.Handle, KindDepthStencil)
		if !ok {
			return
		}
		format = desc.Format
	}
	e.tracker.SetDepthStencil(cmd.Handle, format)
}

func (e *Executor) setShader(cmd *Command) {
	kind := KindVertexDecl
	switch cmd.Op {
	case OpSetVertexShader:
		kind = KindVertexShader
	case OpSetPixelShader:
		kind = KindPixelShader
	}

	var hash uint64
	if cmd.Handle != 0 {
		desc, ok := e.resources.Get(cmd.Handle, kind)
		if !ok {
			return
		}
		hash = desc.Hash
	}

	switch cmd.Op {
	case OpSetVertexShader:
		e.vertexShader = cmd.Handle
		e.tracker.SetVertexShader(hash)
	case OpSetPixelShader:
		e.pixelShader = cmd.Handle
		e.tracker.SetPixelShader(hash)
	default:
		e.vertexDecl = cmd.Handle
		e.tracker.SetVertexDecl(hash)
	}
}

func (e *Executor) setConstants(cmd *Command) {
	v, ok := e.arena.Take(cmd.Args[1])
	if !ok {
		e.trap.Raise("shader constant block %d missing", cmd.Args[1])
		return
	}
	data, ok := v.([]float32)
	if !ok {
		e.trap.Raise("arena entry %d is %T, not a constant block", cmd.Args[1], v)
		return
	}

	stage := Stage(cmd.Slot)
	start := cmd.Args[0]
	if stage > StagePixel || uint64(start)*4+uint64(len(data)) > MaxConstants*4 {
		e.trap.Raise("%d %s constants at register %d overflow the register file",
			len(data), stage, start)
		return
	}
	e.tracker.SetConstants(stage, start, data)
}

func (e *Executor) setTexture(cmd *Command) {
	if int(cmd.Slot) >= MaxTextures {
		e.trap.Raise("texture stage %d out of range", cmd.Slot)
		return
	}
	if cmd.Handle != 0 {
		if _, ok := e.resources.Get(cmd.Handle, KindTexture, KindRenderTarget); !ok {
			return
		}
	}
	e.tracker.SetTexture(int(cmd.Slot), cmd.Handle)
}

func (e *Executor) setStream(cmd *Command) {
	if int(cmd.Slot) >= MaxStreams {
		e.trap.Raise("vertex stream %d out of range", cmd.Slot)
		return
	}
	if cmd.Handle != 0 {
		if _, ok := e.resources.Get(cmd.Handle, KindVertexBuffer); !ok {
			return
		}
	}
	e.tracker.SetStream(int(cmd.Slot), Stream{
		Buffer: cmd.Handle,
		Offset: cmd.Args[0],
		Stride: cmd.Args[1],
	})
}

func (e *Executor) setIndices(cmd *Command) {
	b := IndexBinding{Buffer: cmd.Handle}
	if cmd.Handle != 0 {
		desc, ok := e.resources.Get(cmd.Handle, KindIndexBuffer)
		if !ok {
			return
		}
		b.Format = desc.IndexFormat
	}
	e.tracker.SetIndices(b)
}

// prepareDraw checks that every resource the draw reads is still alive,
// then flushes dirty state. It returns false if the draw must be dropped.
func (e *Executor) prepareDraw(prim PrimitiveType, indexed bool) bool {
	if !e.checkBindings(indexed) {
		return false
	}
	e.tracker.SetTopology(prim)
	e.flush()
	if !e.pipelineBound {
		return false
	}
	e.draws++
	return true
}

func (e *Executor) checkBindings(indexed bool) bool {
	ids := e.bindings[:0]
	for _, id := range e.tracker.RenderTargets() {
		ids = append(ids, id)
	}
	ids = append(ids, e.tracker.DepthStencil(), e.vertexShader, e.pixelShader, e.vertexDecl)
	for i := 0; i < MaxTextures; i++ {
		id, _ := e.tracker.Texture(i)
		ids = append(ids, id)
	}
	for i := 0; i < MaxStreams; i++ {
		ids = append(ids, e.tracker.Stream(i).Buffer)
	}
	if indexed {
		ib := e.tracker.Indices().Buffer
		if ib == 0 {
			e.trap.Raise("indexed draw without an index buffer")
			return false
		}
		ids = append(ids, ib)
	}
	e.bindings = ids

	for _, id := range ids {
		if id != 0 && !e.resources.Alive(id) {
			e.resources.fail(id)
			return false
		}
	}
	return true
}

func (e *Executor) flush() {
	e.tracker.Flush(e.emit)
}

func (e *Executor) emit(c DirtySet) {
	t := e.tracker
	switch c {
	case DirtyRenderTargets:
		e.backend.BindRenderTargets(t.RenderTargets())
	case DirtyDepthStencil:
		e.backend.BindDepthStencil(t.DepthStencil())
	case DirtyViewport:
		e.backend.SetViewport(t.Viewport())
	case DirtyScissor:
		e.backend.SetScissor(t.Scissor())
	case DirtyPipeline:
		e.bindPipeline(t.Pipeline())
	case DirtyVertexConstants:
		start, data := t.Constants(StageVertex)
		e.backend.SetConstants(StageVertex, start, data)
	case DirtyPixelConstants:
		start, data := t.Constants(StagePixel)
		e.backend.SetConstants(StagePixel, start, data)
	case DirtyTextures:
		mask := t.DirtyTextures()
		for i := 0; i < MaxTextures; i++ {
			if mask&(1<<i) != 0 {
				id, sampler := t.Texture(i)
				e.backend.BindTexture(i, id, sampler)
			}
		}
	case DirtyStreams:
		mask := t.DirtyStreams()
		for i := 0; i < MaxStreams; i++ {
			if mask&(1<<i) != 0 {
				e.backend.BindVertexBuffer(i, t.Stream(i))
			}
		}
	case DirtyIndexBuffer:
		e.backend.BindIndexBuffer(t.Indices())
	}
}

// bindPipeline binds the pipeline for state, compiling it on this thread
// if the cache misses. A pipeline equal to the bound one is not rebound.
func (e *Executor) bindPipeline(state PipelineState) {
	if e.pipelineBound && e.pipeline == state {
		e.metrics.RedundantStateSet()
		return
	}
	if state.VertexShader == 0 || state.PixelShader == 0 {
		e.pipelineBound = false
		e.logger.V(1).Info("draw without a shader pair skipped", "state", state)
		return
	}

	p, err := e.compiler.CompileNow(state.Encode())
	if err != nil {
		e.pipelineBound = false
		e.logger.Error(err, "pipeline compile failed, draws skipped", "state", state)
		return
	}
	e.backend.BindPipeline(p)
	e.pipeline = state
	e.pipelineBound = true
}

func (e *Executor) guestCallback(cmd *Command) {
	if e.guest == nil {
		e.trap.Raise("guest callback 0x%08X on a render thread without a guest context", cmd.Handle)
		return
	}
	for i := 0; i < int(cmd.Slot) && i < MaxCallbackArgs; i++ {
		e.guest.SetArgInt(i, uint64(cmd.Args[i]))
	}
	e.guest.Call(cmd.Handle)
}

func (e *Executor) fence(cmd *Command) {
	v, ok := e.arena.Take(cmd.Args[0])
	if !ok {
		e.trap.Raise("fence %d missing", cmd.Args[0])
		return
	}
	if ch, ok := v.(chan struct{}); ok {
		close(ch)
	}
}

func (e *Executor) createResource(cmd *Command) {
	v, ok := e.arena.Take(cmd.Args[0])
	if !ok {
		e.trap.Raise("resource descriptor %d missing", cmd.Args[0])
		return
	}
	desc, ok := v.(*ResourceDesc)
	if !ok {
		e.trap.Raise("arena entry %d is %T, not a resource descriptor", cmd.Args[0], v)
		return
	}
	if !e.resources.Create(cmd.Handle, desc) {
		return
	}
	if err := e.backend.CreateResource(cmd.Handle, desc); err != nil {
		e.logger.Error(err, "backend rejected resource", "id", cmd.Handle, "kind", desc.Kind)
	}
}

// Draws returns the number of draws issued to the backend.
func (e *Executor) Draws() uint64 {
	return e.draws
}

// nanToZero maps NaN to 0 so a viewport compares equal to itself.
func nanToZero(f float32) float32 {
	if math.IsNaN(float64(f)) {
		return 0
	}
	return f
}
