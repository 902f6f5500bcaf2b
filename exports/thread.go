package exports

import (
	"github.com/sarchlab/recompbridge/emu"
	"github.com/sarchlab/recompbridge/kernel"
	"github.com/sarchlab/recompbridge/mem"
)

const createSuspended = 0x00000001

func (b *Bridge) registerThreads() {
	b.register("ExCreateThread", b.exCreateThread)
	b.register("NtResumeThread", b.ntResumeThread)
	b.register("KeGetCurrentProcessorNumber", b.keGetCurrentProcessorNumber)
	b.register("KeTlsAlloc", b.keTlsAlloc)
	b.register("KeTlsFree", b.keTlsFree)
	b.register("KeTlsGetValue", b.keTlsGetValue)
	b.register("KeTlsSetValue", b.keTlsSetValue)
	b.register("NtWaitForSingleObjectEx", b.ntWaitForSingleObjectEx)
}

// exCreateThread(handlePtr, stackSize, threadIDPtr, startupRoutine,
// startRoutine, startContext, creationFlags)
//
// The thread handle is a manual-reset event set when the thread exits, so
// waiting on it joins the thread. The startup routine only installs guest
// exception frames; the start routine is run directly.
func (b *Bridge) exCreateThread(ctx *emu.Context, _ *mem.AddressSpace) {
	handlePtr := ctx.ArgInt32(0)
	stackSize := ctx.ArgInt32(1)
	idPtr := ctx.ArgInt32(2)
	start := ctx.ArgInt32(4)
	param := ctx.ArgInt32(5)
	flags := ctx.ArgInt32(6)

	opts := []emu.SpawnOption{emu.WithThreadStackSize(stackSize)}
	if flags&createSuspended != 0 {
		opts = append(opts, emu.Suspended())
	}

	h := b.kernel.CreateEvent(true, false)
	obj, _ := b.kernel.Lookup(h)
	exited := obj.(*kernel.Event)

	t, err := b.rt.Spawn(start, uint64(param), opts...)
	if err != nil {
		b.kernel.Close(h)
		b.logger.Error(err, "ExCreateThread failed", "start", start)
		setStatus(ctx, kernel.StatusInvalidParam)
		return
	}
	b.threads.Store(h, t)
	go func() {
		<-t.Done()
		exited.Set()
	}()

	b.store(handlePtr, uint32(h))
	b.store(idPtr, t.ID())
	b.logger.V(1).Info("guest thread created", "thread", t.ID(), "handle", uint32(h),
		"start", start, "suspended", flags&createSuspended != 0)
	setStatus(ctx, kernel.StatusSuccess)
}

// ntResumeThread(handle, suspendCountPtr)
func (b *Bridge) ntResumeThread(ctx *emu.Context, _ *mem.AddressSpace) {
	v, ok := b.threads.Load(kernel.Handle(ctx.ArgInt32(0)))
	if !ok {
		setStatus(ctx, kernel.StatusInvalidHandle)
		return
	}
	v.(*emu.Thread).Resume()
	b.store(ctx.ArgInt32(1), 1)
	setStatus(ctx, kernel.StatusSuccess)
}

func (b *Bridge) keGetCurrentProcessorNumber(ctx *emu.Context, as *mem.AddressSpace) {
	ctx.SetReturn(uint64(as.Read8(ctx.PCR() + emu.PCRProcessorNum)))
}

func (b *Bridge) keTlsAlloc(ctx *emu.Context, _ *mem.AddressSpace) {
	ctx.SetReturn(uint64(b.rt.TLS().Alloc()))
}

// keTlsFree(slot) returns TRUE.
func (b *Bridge) keTlsFree(ctx *emu.Context, _ *mem.AddressSpace) {
	b.rt.TLS().Free(ctx.ArgInt32(0))
	ctx.SetReturn(1)
}

func (b *Bridge) keTlsGetValue(ctx *emu.Context, _ *mem.AddressSpace) {
	ctx.SetReturn(b.rt.TLS().Get(ctx.ArgInt32(0)))
}

// keTlsSetValue(slot, value) returns TRUE.
func (b *Bridge) keTlsSetValue(ctx *emu.Context, _ *mem.AddressSpace) {
	b.rt.TLS().Set(ctx.ArgInt32(0), ctx.ArgInt(1))
	ctx.SetReturn(1)
}

// ntWaitForSingleObjectEx(handle, waitMode, alertable, timeoutPtr)
func (b *Bridge) ntWaitForSingleObjectEx(ctx *emu.Context, _ *mem.AddressSpace) {
	h := kernel.Handle(ctx.ArgInt32(0))
	timeout := b.timeout(ctx.ArgInt32(3))
	setStatus(ctx, b.kernel.Wait(h, ctx.ID(), timeout))
}
