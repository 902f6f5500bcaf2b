// Package shadercache serves pre-translated host shader blobs keyed by the
// 64-bit hash of the original guest shader bytecode.
package shadercache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"
)

// Blobs is the persistent side of the cache.
type Blobs interface {
	Get(hash uint64) ([]byte, bool, error)
	Put(hash uint64, blob []byte) error
}

// Stats counts lookups.
type Stats struct {
	Hits   uint64
	Misses uint64
	Errors uint64
}

// Cache fronts an optional blob store with an in-memory map. Lookups from
// several threads are safe.
type Cache struct {
	mu     sync.RWMutex
	blobs  map[uint64][]byte
	store  Blobs
	stats  Stats
	logger logr.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore backs the cache with a persistent store.
func WithStore(s Blobs) Option {
	return func(c *Cache) {
		c.store = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		blobs:  make(map[uint64][]byte),
		logger: logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HashBytecode returns the key for original shader bytecode.
func HashBytecode(code []byte) uint64 {
	return xxhash.Sum64(code)
}

// LookupByHash returns the translated blob for hash. Store errors count as
// misses and are logged.
func (c *Cache) LookupByHash(hash uint64) ([]byte, bool) {
	c.mu.RLock()
	blob, ok := c.blobs[hash]
	c.mu.RUnlock()
	if ok {
		c.count(func(s *Stats) { s.Hits++ })
		return blob, true
	}

	if c.store != nil {
		blob, ok, err := c.store.Get(hash)
		if err != nil {
			c.logger.Error(err, "shader store lookup failed", "hash", hash)
			c.count(func(s *Stats) { s.Errors++; s.Misses++ })
			return nil, false
		}
		if ok {
			c.mu.Lock()
			c.blobs[hash] = blob
			c.mu.Unlock()
			c.count(func(s *Stats) { s.Hits++ })
			return blob, true
		}
	}

	c.count(func(s *Stats) { s.Misses++ })
	c.logger.V(1).Info("shader not in cache", "hash", hash)
	return nil, false
}

// Insert adds a translated blob, writing it through to the store.
func (c *Cache) Insert(hash uint64, blob []byte) error {
	c.mu.Lock()
	c.blobs[hash] = blob
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	return c.store.Put(hash, blob)
}

// Stats returns the lookup counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Cache) count(f func(*Stats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}
