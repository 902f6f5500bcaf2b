package gpu

import "sync"

// Arena holds command payloads that do not fit in 64 bytes: constant
// blocks, resource descriptors and fence channels. A producer puts the
// payload and stores the index in the command; the render thread takes it
// back exactly once.
type Arena struct {
	mu    sync.Mutex
	items map[uint32]any
	next  uint32
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{items: make(map[uint32]any)}
}

// Put stores v and returns its index.
func (a *Arena) Put(v any) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.next++
	a.items[a.next] = v
	return a.next
}

// Take removes and returns the payload at idx.
func (a *Arena) Take(idx uint32) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	v, ok := a.items[idx]
	delete(a.items, idx)
	return v, ok
}

// Len returns the number of payloads not yet taken.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}
