// Package pipecache caches compiled host pipeline objects keyed by the
// encoded pipeline state, and compiles missing ones on a background pool.
package pipecache

import (
	"bytes"
	"sync"

	"github.com/cespare/xxhash/v2"
	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/recompbridge/metrics"
)

// Pipeline is a compiled host pipeline object. The cache never looks
// inside it.
type Pipeline any

// Config holds cache geometry.
type Config struct {
	// Sets is the number of sets.
	Sets int
	// Ways is the associativity.
	Ways int
}

// DefaultConfig returns a 1024-entry, 8-way cache.
func DefaultConfig() Config {
	return Config{
		Sets: 128,
		Ways: 8,
	}
}

// Statistics holds cache counters.
type Statistics struct {
	Lookups    uint64
	Hits       uint64
	Misses     uint64
	Inserts    uint64
	Evictions  uint64
	Collisions uint64
}

// entry is the data half of a directory block.
type entry struct {
	key      []byte
	pipeline Pipeline
}

// Cache is a set-associative pipeline cache. The directory tracks tags and
// LRU order; entries hold the full key so a hash collision is a miss, not a
// wrong pipeline.
type Cache struct {
	mu sync.Mutex

	config    Config
	directory *akitacache.DirectoryImpl
	entries   []entry
	stats     Statistics
	metrics   *metrics.Set
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics reports hits and misses.
func WithMetrics(m *metrics.Set) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates an empty cache.
func New(config Config, opts ...Option) *Cache {
	c := &Cache{
		config: config,
		// A block size of 1 makes the set index hash % sets.
		directory: akitacache.NewDirectory(
			config.Sets,
			config.Ways,
			1,
			akitacache.NewLRUVictimFinder(),
		),
		entries: make([]entry, config.Sets*config.Ways),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Hash returns the cache hash of an encoded pipeline state.
func Hash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Config returns the cache geometry.
func (c *Cache) Config() Config {
	return c.config
}

// Stats returns cache statistics.
func (c *Cache) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache) entryIndex(block *akitacache.Block) int {
	return block.SetID*c.config.Ways + block.WayID
}

// Get returns the pipeline compiled for key.
func (c *Cache) Get(key []byte) (Pipeline, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Lookups++
	p, ok := c.lookupLocked(key)
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.metrics.PipelineLookup(ok)
	return p, ok
}

// Contains reports whether key is cached without touching LRU order or
// statistics.
func (c *Cache) Contains(key []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	block := c.directory.Lookup(0, Hash(key))
	return block != nil && block.IsValid && bytes.Equal(c.entries[c.entryIndex(block)].key, key)
}

func (c *Cache) lookupLocked(key []byte) (Pipeline, bool) {
	block := c.directory.Lookup(0, Hash(key))
	if block == nil || !block.IsValid {
		return nil, false
	}
	e := &c.entries[c.entryIndex(block)]
	if !bytes.Equal(e.key, key) {
		c.stats.Collisions++
		return nil, false
	}
	c.directory.Visit(block)
	return e.pipeline, true
}

// Put inserts a compiled pipeline, evicting the least recently used entry
// of its set when the set is full. It returns the evicted pipeline, if any,
// so the caller can destroy it.
func (c *Cache) Put(key []byte, p Pipeline) (evicted Pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := Hash(key)
	block := c.directory.Lookup(0, hash)
	if block == nil || !block.IsValid {
		block = c.directory.FindVictim(hash)
		if block == nil {
			return nil
		}
	}

	e := &c.entries[c.entryIndex(block)]
	if block.IsValid {
		if block.Tag != hash || !bytes.Equal(e.key, key) {
			c.stats.Evictions++
		}
		evicted = e.pipeline
	}

	e.key = append(e.key[:0], key...)
	e.pipeline = p
	block.Tag = hash
	block.IsValid = true
	block.IsDirty = false
	c.directory.Visit(block)
	c.stats.Inserts++

	return evicted
}

// Each calls f for every cached pipeline.
func (c *Cache) Each(f func(key []byte, p Pipeline)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid {
				e := c.entries[c.entryIndex(block)]
				f(e.key, e.pipeline)
			}
		}
	}
}

// Reset drops every entry and clears statistics.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.directory.Reset()
	for i := range c.entries {
		c.entries[i] = entry{}
	}
	c.stats = Statistics{}
}
