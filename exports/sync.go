package exports

import (
	"github.com/sarchlab/recompbridge/emu"
	"github.com/sarchlab/recompbridge/kernel"
	"github.com/sarchlab/recompbridge/mem"
)

// Event types as passed to NtCreateEvent and KeInitializeEvent.
const (
	notificationEvent    = 0
	synchronizationEvent = 1
)

func (b *Bridge) registerSync() {
	b.register("NtCreateEvent", b.ntCreateEvent)
	b.register("NtSetEvent", b.ntSetEvent)
	b.register("NtClearEvent", b.ntClearEvent)
	b.register("NtPulseEvent", b.ntPulseEvent)
	b.register("NtCreateSemaphore", b.ntCreateSemaphore)
	b.register("NtReleaseSemaphore", b.ntReleaseSemaphore)
	b.register("NtCreateMutant", b.ntCreateMutant)
	b.register("NtReleaseMutant", b.ntReleaseMutant)
	b.register("NtClose", b.ntClose)

	b.register("KeInitializeEvent", b.keInitializeEvent)
	b.register("KeSetEvent", b.keSetEvent)
	b.register("KeResetEvent", b.keResetEvent)
	b.register("KeInitializeSemaphore", b.keInitializeSemaphore)
	b.register("KeReleaseSemaphore", b.keReleaseSemaphore)
	b.register("KeWaitForSingleObject", b.keWaitForSingleObject)

	b.register("RtlInitializeCriticalSection", b.rtlInitializeCriticalSection)
	b.register("RtlEnterCriticalSection", b.rtlEnterCriticalSection)
	b.register("RtlTryEnterCriticalSection", b.rtlTryEnterCriticalSection)
	b.register("RtlLeaveCriticalSection", b.rtlLeaveCriticalSection)
}

// lookupAs resolves a handle to an object of type T.
func lookupAs[T kernel.Object](b *Bridge, h kernel.Handle) (T, bool) {
	var zero T
	obj, ok := b.kernel.Lookup(h)
	if !ok {
		return zero, false
	}
	t, ok := obj.(T)
	return t, ok
}

func boolWord(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// ntCreateEvent(handlePtr, attributes, eventType, initialState)
func (b *Bridge) ntCreateEvent(ctx *emu.Context, _ *mem.AddressSpace) {
	manual := ctx.ArgInt32(2) == notificationEvent
	h := b.kernel.CreateEvent(manual, ctx.ArgInt32(3) != 0)
	b.store(ctx.ArgInt32(0), uint32(h))
	setStatus(ctx, kernel.StatusSuccess)
}

// eventOp applies op to the event named by r3 and stores its previous
// state through the optional pointer in r4.
func (b *Bridge) eventOp(ctx *emu.Context, op func(*kernel.Event) bool) {
	ev, ok := lookupAs[*kernel.Event](b, kernel.Handle(ctx.ArgInt32(0)))
	if !ok {
		setStatus(ctx, kernel.StatusInvalidHandle)
		return
	}
	b.store(ctx.ArgInt32(1), boolWord(op(ev)))
	setStatus(ctx, kernel.StatusSuccess)
}

// ntSetEvent(handle, previousStatePtr)
func (b *Bridge) ntSetEvent(ctx *emu.Context, _ *mem.AddressSpace) {
	b.eventOp(ctx, (*kernel.Event).Set)
}

// ntClearEvent(handle)
func (b *Bridge) ntClearEvent(ctx *emu.Context, _ *mem.AddressSpace) {
	ev, ok := lookupAs[*kernel.Event](b, kernel.Handle(ctx.ArgInt32(0)))
	if !ok {
		setStatus(ctx, kernel.StatusInvalidHandle)
		return
	}
	ev.Reset()
	setStatus(ctx, kernel.StatusSuccess)
}

// ntPulseEvent(handle, previousStatePtr)
func (b *Bridge) ntPulseEvent(ctx *emu.Context, _ *mem.AddressSpace) {
	b.eventOp(ctx, (*kernel.Event).Pulse)
}

// ntCreateSemaphore(handlePtr, attributes, initialCount, maximumCount)
func (b *Bridge) ntCreateSemaphore(ctx *emu.Context, _ *mem.AddressSpace) {
	initial, limit := int32(ctx.ArgInt32(2)), int32(ctx.ArgInt32(3))
	if limit <= 0 || initial < 0 || initial > limit {
		setStatus(ctx, kernel.StatusInvalidParam)
		return
	}
	h := b.kernel.CreateSemaphore(initial, limit)
	b.store(ctx.ArgInt32(0), uint32(h))
	setStatus(ctx, kernel.StatusSuccess)
}

// ntReleaseSemaphore(handle, releaseCount, previousCountPtr)
func (b *Bridge) ntReleaseSemaphore(ctx *emu.Context, _ *mem.AddressSpace) {
	sem, ok := lookupAs[*kernel.Semaphore](b, kernel.Handle(ctx.ArgInt32(0)))
	if !ok {
		setStatus(ctx, kernel.StatusInvalidHandle)
		return
	}
	prev := sem.Release(int32(ctx.ArgInt32(1)))
	b.store(ctx.ArgInt32(2), uint32(prev))
	setStatus(ctx, kernel.StatusSuccess)
}

// ntCreateMutant(handlePtr, attributes, initialOwner)
func (b *Bridge) ntCreateMutant(ctx *emu.Context, _ *mem.AddressSpace) {
	var owner uint32
	if ctx.ArgInt32(2) != 0 {
		owner = ctx.ID()
	}
	h := b.kernel.CreateMutex(owner)
	b.store(ctx.ArgInt32(0), uint32(h))
	setStatus(ctx, kernel.StatusSuccess)
}

// ntReleaseMutant(handle, previousCountPtr)
func (b *Bridge) ntReleaseMutant(ctx *emu.Context, _ *mem.AddressSpace) {
	h := kernel.Handle(ctx.ArgInt32(0))
	if _, ok := lookupAs[*kernel.Mutex](b, h); !ok {
		setStatus(ctx, kernel.StatusInvalidHandle)
		return
	}
	setStatus(ctx, b.kernel.Signal(h, ctx.ID(), 0))
}

// ntClose(handle)
func (b *Bridge) ntClose(ctx *emu.Context, _ *mem.AddressSpace) {
	h := kernel.Handle(ctx.ArgInt32(0))
	b.threads.Delete(h)
	setStatus(ctx, b.kernel.Close(h))
}

// keInitializeEvent(event, type, state)
func (b *Bridge) keInitializeEvent(ctx *emu.Context, _ *mem.AddressSpace) {
	addr := ctx.ArgInt32(0)
	typ := ctx.ArgInt32(1)
	if typ != notificationEvent && typ != synchronizationEvent {
		b.trap.Raise("KeInitializeEvent at 0x%08X with event type %d", addr, typ)
		return
	}
	b.kernel.InitEventAt(addr, typ == notificationEvent, ctx.ArgInt32(2) != 0)
}

// guestObject returns the object of type T bound to the dispatcher header
// at addr.
func guestObject[T kernel.Object](b *Bridge, addr uint32, kind kernel.Kind) (T, bool) {
	_, obj := b.kernel.ObjectAt(addr, kind)
	t, ok := obj.(T)
	if !ok {
		b.trap.Raise("object at 0x%08X is a %s, want %s", addr, obj.Kind(), kind)
	}
	return t, ok
}

// keSetEvent(event, increment, wait) returns the previous state.
func (b *Bridge) keSetEvent(ctx *emu.Context, _ *mem.AddressSpace) {
	ev, ok := guestObject[*kernel.Event](b, ctx.ArgInt32(0), kernel.KindEvent)
	setBool(ctx, ok && ev.Set())
}

// keResetEvent(event) returns the previous state.
func (b *Bridge) keResetEvent(ctx *emu.Context, _ *mem.AddressSpace) {
	ev, ok := guestObject[*kernel.Event](b, ctx.ArgInt32(0), kernel.KindEvent)
	setBool(ctx, ok && ev.Reset())
}

// keInitializeSemaphore(semaphore, count, limit)
func (b *Bridge) keInitializeSemaphore(ctx *emu.Context, _ *mem.AddressSpace) {
	b.kernel.InitSemaphoreAt(ctx.ArgInt32(0), int32(ctx.ArgInt32(1)), int32(ctx.ArgInt32(2)))
}

// keReleaseSemaphore(semaphore, increment, adjustment, wait) returns the
// previous count.
func (b *Bridge) keReleaseSemaphore(ctx *emu.Context, _ *mem.AddressSpace) {
	sem, ok := guestObject[*kernel.Semaphore](b, ctx.ArgInt32(0), kernel.KindSemaphore)
	if !ok {
		ctx.SetReturn(0)
		return
	}
	ctx.SetReturn(uint64(uint32(sem.Release(int32(ctx.ArgInt32(2))))))
}

// keWaitForSingleObject(object, reason, mode, alertable, timeoutPtr)
func (b *Bridge) keWaitForSingleObject(ctx *emu.Context, _ *mem.AddressSpace) {
	addr := ctx.ArgInt32(0)
	kind, ok := b.kernel.KindAt(addr)
	if !ok {
		b.trap.Raise("KeWaitForSingleObject on unsupported dispatcher object at 0x%08X", addr)
		setStatus(ctx, kernel.StatusInvalidParam)
		return
	}
	h, _ := b.kernel.ObjectAt(addr, kind)
	setStatus(ctx, b.kernel.Wait(h, ctx.ID(), b.timeout(ctx.ArgInt32(4))))
}

// rtlInitializeCriticalSection(cs)
func (b *Bridge) rtlInitializeCriticalSection(ctx *emu.Context, _ *mem.AddressSpace) {
	b.kernel.InitMutexAt(ctx.ArgInt32(0))
}

// rtlEnterCriticalSection(cs)
func (b *Bridge) rtlEnterCriticalSection(ctx *emu.Context, _ *mem.AddressSpace) {
	if cs, ok := guestObject[*kernel.Mutex](b, ctx.ArgInt32(0), kernel.KindMutex); ok {
		cs.Enter(ctx.ID())
	}
}

// rtlTryEnterCriticalSection(cs) returns TRUE once entered.
func (b *Bridge) rtlTryEnterCriticalSection(ctx *emu.Context, _ *mem.AddressSpace) {
	cs, ok := guestObject[*kernel.Mutex](b, ctx.ArgInt32(0), kernel.KindMutex)
	setBool(ctx, ok && cs.TryEnter(ctx.ID()))
}

// rtlLeaveCriticalSection(cs)
func (b *Bridge) rtlLeaveCriticalSection(ctx *emu.Context, _ *mem.AddressSpace) {
	if cs, ok := guestObject[*kernel.Mutex](b, ctx.ArgInt32(0), kernel.KindMutex); ok {
		cs.Leave(ctx.ID())
	}
}
