package kernel

import (
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/sarchlab/recompbridge/fault"
	"github.com/sarchlab/recompbridge/mem"
	"github.com/sarchlab/recompbridge/metrics"
)

// Handle is an opaque guest handle to a kernel object.
type Handle uint32

const (
	// firstHandle keeps handles clear of small integers guest code uses as
	// sentinels.
	firstHandle Handle = 0x00010000
	handleStep  Handle = 4
)

// Dispatcher header layout of guest-resident objects.
const (
	headerType        = 0x00
	headerSignalState = 0x04
	semaphoreLimit    = 0x10
)

// Dispatcher header type bytes.
const (
	typeNotificationEvent    = 0
	typeSynchronizationEvent = 1
	typeMutant               = 2
	typeSemaphore            = 5
)

// entry is one open object.
type entry struct {
	obj  Object
	addr uint32 // guest dispatcher header, 0 for handle-only objects
}

// Table maps handles to kernel objects. Handles are never reused, so a
// stale handle fails lookup instead of naming a newer object.
type Table struct {
	mu      sync.Mutex
	objects map[Handle]*entry
	byAddr  map[uint32]Handle
	next    Handle

	as      *mem.AddressSpace
	trap    *fault.Trap
	logger  logr.Logger
	metrics *metrics.Set
}

// Option configures a Table.
type Option func(*Table)

// WithTrap sets where protocol violations are reported.
func WithTrap(t *fault.Trap) Option {
	return func(tb *Table) {
		tb.trap = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(tb *Table) {
		tb.logger = logger
	}
}

// WithMetrics sets the collectors for wait and object counts.
func WithMetrics(m *metrics.Set) Option {
	return func(tb *Table) {
		tb.metrics = m
	}
}

// NewTable creates an empty table. as is used to read dispatcher headers
// of guest-resident objects and may be nil if ObjectAt is never called.
func NewTable(as *mem.AddressSpace, opts ...Option) *Table {
	t := &Table{
		objects: make(map[Handle]*entry),
		byAddr:  make(map[uint32]Handle),
		next:    firstHandle,
		as:      as,
		logger:  logr.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// insert assigns a handle. Callers hold t.mu.
func (t *Table) insert(obj Object, addr uint32) Handle {
	h := t.next
	t.next += handleStep
	t.objects[h] = &entry{obj: obj, addr: addr}
	if addr != 0 {
		t.byAddr[addr] = h
	}
	t.metrics.KernelObjectsOpen(len(t.objects))
	return h
}

func (t *Table) add(obj Object) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insert(obj, 0)
}

// CreateEvent creates an event and returns its handle.
func (t *Table) CreateEvent(manual, initial bool) Handle {
	return t.add(NewEvent(manual, initial))
}

// CreateSemaphore creates a semaphore and returns its handle.
func (t *Table) CreateSemaphore(initial, limit int32) Handle {
	return t.add(NewSemaphore(initial, limit))
}

// CreateMutex creates a mutex, owned by tid when tid is not 0.
func (t *Table) CreateMutex(tid uint32) Handle {
	return t.add(NewMutex(tid, t.trap))
}

// Lookup returns the object behind h.
func (t *Table) Lookup(h Handle) (Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.objects[h]
	if !ok {
		return nil, false
	}
	return e.obj, true
}

// Len returns the number of open objects.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}

// Close removes h from the table. Closing an object other threads are
// blocked on is the caller's bug; they keep waiting on the detached object.
func (t *Table) Close(h Handle) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.objects[h]
	if !ok {
		return StatusInvalidHandle
	}
	delete(t.objects, h)
	if e.addr != 0 {
		delete(t.byAddr, e.addr)
	}
	t.metrics.KernelObjectsOpen(len(t.objects))
	return StatusSuccess
}

// Scoped returns a function closing h, for use with defer.
func (t *Table) Scoped(h Handle) (release func()) {
	var once sync.Once
	return func() {
		once.Do(func() { t.Close(h) })
	}
}

// lookupOrTrap resolves h for a wait. An invalid handle is a protocol
// violation.
func (t *Table) lookupOrTrap(h Handle) (Object, bool) {
	obj, ok := t.Lookup(h)
	if !ok {
		t.trap.Raise("wait on invalid handle 0x%08X", uint32(h))
	}
	return obj, ok
}

// Wait waits on h on behalf of guest thread tid.
func (t *Table) Wait(h Handle, tid uint32, timeout time.Duration) Status {
	obj, ok := t.lookupOrTrap(h)
	if !ok {
		return StatusInvalidHandle
	}
	st := obj.acquire(tid, timeout)
	t.metrics.KernelWait(obj.Kind().String(), st == StatusTimeout)
	return st
}

// Signal signals h: an event is set, a semaphore released by count and a
// mutex left by tid.
func (t *Table) Signal(h Handle, tid uint32, count int32) Status {
	obj, ok := t.Lookup(h)
	if !ok {
		return StatusInvalidHandle
	}
	switch o := obj.(type) {
	case *Event:
		o.Set()
	case *Semaphore:
		o.Release(count)
	case *Mutex:
		if o.Owner() != tid {
			return StatusNotOwner
		}
		o.Leave(tid)
	}
	return StatusSuccess
}

// WaitMultiple waits on several handles. With waitAll it returns once every
// object was acquired together; otherwise it returns WaitIndex(i) for the
// first object i that was acquired. A pulsed event satisfies only a
// wait-any, since it is never signalled alongside the other objects.
func (t *Table) WaitMultiple(hs []Handle, waitAll bool, tid uint32, timeout time.Duration) Status {
	if len(hs) == 0 {
		return StatusInvalidParam
	}
	objs := make([]Object, len(hs))
	for i, h := range hs {
		obj, ok := t.lookupOrTrap(h)
		if !ok {
			return StatusInvalidHandle
		}
		objs[i] = obj
	}
	if len(objs) == 1 {
		st := objs[0].acquire(tid, timeout)
		t.metrics.KernelWait(objs[0].Kind().String(), st == StatusTimeout)
		return st
	}

	// Watch before the first attempt so a signal between a failed attempt
	// and the wait below still pokes the channel.
	poke := make(chan struct{}, 1)
	marks := make([]uint32, len(objs))
	for i, obj := range objs {
		obj.watch().add(poke)
		defer obj.watch().remove(poke)
		if ev, ok := obj.(*Event); ok && !waitAll {
			marks[i] = ev.enter()
			defer ev.leave()
		}
	}

	dl := newDeadline(timeout)
	var timer *time.Timer
	if !dl.infinite {
		timer = time.NewTimer(dl.remaining())
		defer timer.Stop()
	}

	for {
		if st, ok := tryAcquireSet(objs, marks, waitAll, tid); ok {
			t.metrics.KernelWait("multiple", false)
			return st
		}
		if timer == nil {
			<-poke
			continue
		}
		select {
		case <-poke:
		case <-timer.C:
			if st, ok := tryAcquireSet(objs, marks, waitAll, tid); ok {
				return st
			}
			t.metrics.KernelWait("multiple", true)
			return StatusTimeout
		}
	}
}

// tryAcquireSet makes one non-blocking attempt. A failed wait-all attempt
// gives back what it took. marks holds the pulse generation each event of
// a wait-any was last seen at.
func tryAcquireSet(objs []Object, marks []uint32, waitAll bool, tid uint32) (Status, bool) {
	if !waitAll {
		for i, obj := range objs {
			if obj.tryAcquire(tid) {
				return WaitIndex(i), true
			}
			if ev, ok := obj.(*Event); ok && ev.pulsed(ev.state.Load(), &marks[i]) {
				return WaitIndex(i), true
			}
		}
		return StatusTimeout, false
	}

	for i, obj := range objs {
		if !obj.tryAcquire(tid) {
			for j := i - 1; j >= 0; j-- {
				objs[j].undo(tid)
			}
			return StatusTimeout, false
		}
	}
	return StatusSuccess, true
}

// ObjectAt returns the object bound to the guest dispatcher header at addr,
// creating it from the header on first use.
func (t *Table) ObjectAt(addr uint32, kind Kind) (Handle, Object) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.byAddr[addr]; ok {
		return h, t.objects[h].obj
	}

	var obj Object
	typ := t.as.Read8(addr + headerType)
	state := int32(t.as.Read32(addr + headerSignalState))
	switch kind {
	case KindEvent:
		obj = NewEvent(typ == typeNotificationEvent, state != 0)
	case KindSemaphore:
		obj = NewSemaphore(state, int32(t.as.Read32(addr+semaphoreLimit)))
	case KindMutex:
		obj = NewMutex(0, t.trap)
	}

	h := t.insert(obj, addr)
	t.logger.V(1).Info("guest object bound", "kind", kind, "addr", addr,
		"handle", uint32(h), "headerType", typ, "signalState", state)
	return h, obj
}

// KindAt reads the dispatcher header type at addr. ok is false for header
// types the bridge does not model.
func (t *Table) KindAt(addr uint32) (kind Kind, ok bool) {
	switch t.as.Read8(addr + headerType) {
	case typeNotificationEvent, typeSynchronizationEvent:
		return KindEvent, true
	case typeMutant:
		return KindMutex, true
	case typeSemaphore:
		return KindSemaphore, true
	}
	return 0, false
}

// InitEventAt binds a fresh event to the header at addr, replacing any
// earlier binding, and writes the header the way the guest initializer
// would.
func (t *Table) InitEventAt(addr uint32, manual, initial bool) (Handle, *Event) {
	typ := uint8(typeSynchronizationEvent)
	if manual {
		typ = typeNotificationEvent
	}
	var state uint32
	if initial {
		state = 1
	}
	t.as.Write8(addr+headerType, typ)
	t.as.Write32(addr+headerSignalState, state)

	e := NewEvent(manual, initial)
	return t.rebind(addr, e), e
}

// InitSemaphoreAt binds a fresh semaphore to the header at addr.
func (t *Table) InitSemaphoreAt(addr uint32, count, limit int32) (Handle, *Semaphore) {
	t.as.Write8(addr+headerType, typeSemaphore)
	t.as.Write32(addr+headerSignalState, uint32(count))
	t.as.Write32(addr+semaphoreLimit, uint32(limit))

	s := NewSemaphore(count, limit)
	return t.rebind(addr, s), s
}

// InitMutexAt binds a fresh mutex to the header at addr.
func (t *Table) InitMutexAt(addr uint32) (Handle, *Mutex) {
	t.as.Write8(addr+headerType, typeMutant)
	t.as.Write32(addr+headerSignalState, 1)

	m := NewMutex(0, t.trap)
	return t.rebind(addr, m), m
}

func (t *Table) rebind(addr uint32, obj Object) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.byAddr[addr]; ok {
		delete(t.objects, old)
	}
	return t.insert(obj, addr)
}

// BrokenObject describes an object that was waited on but never signalled.
type BrokenObject struct {
	Handle Handle
	Addr   uint32
	Kind   Kind
	Stats  Stats
}

// Broken lists objects with waits and no signals, usually a sign that the
// signalling side was never wired to the bridge. The list is logged too.
func (t *Table) Broken() []BrokenObject {
	t.mu.Lock()
	var broken []BrokenObject
	for h, e := range t.objects {
		st := e.obj.Stats()
		if st.Waits > 0 && st.Signals == 0 {
			broken = append(broken, BrokenObject{Handle: h, Addr: e.addr, Kind: e.obj.Kind(), Stats: st})
		}
	}
	total := len(t.objects)
	t.mu.Unlock()

	sort.Slice(broken, func(i, j int) bool { return broken[i].Handle < broken[j].Handle })
	for _, b := range broken {
		t.logger.Info("kernel object never signalled", "kind", b.Kind, "handle", uint32(b.Handle),
			"addr", b.Addr, "waits", b.Stats.Waits)
	}
	t.logger.V(1).Info("kernel object table checked", "objects", total, "broken", len(broken))
	return broken
}
