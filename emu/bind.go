package emu

import (
	"runtime"
	"sync"
)

// bindings maps a host thread id to the context bound on it.
var bindings sync.Map

// Bind makes ctx the current context of the calling goroutine's host
// thread and locks the goroutine to that thread until Unbind. It returns
// the context that was bound before, if any.
func Bind(ctx *Context) *Context {
	runtime.LockOSThread()
	prev, _ := bindings.Swap(threadID(), ctx)
	if prev == nil {
		return nil
	}
	return prev.(*Context)
}

// Unbind removes the binding made by the matching Bind, restoring prev.
// Pass nil when Bind returned nil.
func Unbind(prev *Context) {
	if prev != nil {
		bindings.Store(threadID(), prev)
	} else {
		bindings.Delete(threadID())
	}
	runtime.UnlockOSThread()
}

// Current returns the context bound to the calling host thread, or nil.
func Current() *Context {
	v, ok := bindings.Load(threadID())
	if !ok {
		return nil
	}
	return v.(*Context)
}

// MustCurrent is Current for code paths that only run on guest threads.
func MustCurrent() *Context {
	c := Current()
	if c == nil {
		panic("emu: no guest context bound to this thread")
	}
	return c
}
