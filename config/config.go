// Package config holds the bridge configuration.
//
// The defaults reproduce the original console: a 4 GiB guest address space,
// a general heap below the image and a physical heap at 0xA0000000.
package config

import (
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
)

// Config holds the tunable parameters of the bridge.
type Config struct {
	// GeneralHeapBase is the first guest offset of the general heap.
	// Default: 0x00020000.
	GeneralHeapBase uint32 `json:"general_heap_base"`

	// GeneralHeapEnd is the guest offset one past the general heap.
	// Default: 0x7FEA0000.
	GeneralHeapEnd uint32 `json:"general_heap_end"`

	// PhysicalHeapBase is the first guest offset of the physical heap.
	// Default: 0xA0000000.
	PhysicalHeapBase uint32 `json:"physical_heap_base"`

	// PhysicalHeapSize is the size of the physical heap in bytes.
	// Default: 0x60000000 (to the top of the guest range).
	PhysicalHeapSize uint64 `json:"physical_heap_size"`

	// StackSize is the emulated stack of each guest thread.
	// Default: 256 KiB.
	StackSize uint32 `json:"stack_size"`

	// QueueCapacity bounds the render command queue.
	// Default: 65536 commands.
	QueueCapacity int `json:"queue_capacity"`

	// BatchSize is the maximum number of commands the render thread
	// dequeues at once. Default: 256.
	BatchSize int `json:"batch_size"`

	// MaxFramesInFlight is the number of presented frames the producer may
	// run ahead of the render thread. Default: 2.
	MaxFramesInFlight int `json:"max_frames_in_flight"`

	// CompileWorkers is the size of the background pipeline compile pool.
	// Default: 4.
	CompileWorkers int `json:"compile_workers"`

	// PipelineCacheSets and PipelineCacheWays shape the in-memory pipeline
	// object cache. Default: 256 sets, 8 ways.
	PipelineCacheSets int `json:"pipeline_cache_sets"`
	PipelineCacheWays int `json:"pipeline_cache_ways"`

	// CacheDir holds the persistent shader and pipeline blob store. Empty
	// disables persistence. Default: empty.
	CacheDir string `json:"cache_dir"`
}

// Default returns a Config with the original console's layout.
func Default() *Config {
	return &Config{
		GeneralHeapBase:   0x00020000,
		GeneralHeapEnd:    0x7FEA0000,
		PhysicalHeapBase:  0xA0000000,
		PhysicalHeapSize:  0x60000000,
		StackSize:         256 * 1024,
		QueueCapacity:     1 << 16,
		BatchSize:         256,
		MaxFramesInFlight: 2,
		CompileWorkers:    4,
		PipelineCacheSets: 256,
		PipelineCacheWays: 8,
	}
}

// Load loads a Config from a JSON file. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}

	return config, nil
}

// Save writes a Config to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize config")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	return nil
}

// Validate checks the values for consistency.
func (c *Config) Validate() error {
	if c.GeneralHeapBase == 0 {
		return errors.New("general_heap_base must not include the null page")
	}
	if c.GeneralHeapEnd <= c.GeneralHeapBase {
		return errors.New("general_heap_end must be > general_heap_base")
	}
	if c.PhysicalHeapSize == 0 {
		return errors.New("physical_heap_size must be > 0")
	}
	if uint64(c.PhysicalHeapBase)+c.PhysicalHeapSize > 1<<32 {
		return errors.New("physical heap must end inside the 32-bit guest range")
	}
	if c.PhysicalHeapBase < c.GeneralHeapEnd &&
		uint64(c.GeneralHeapBase) < uint64(c.PhysicalHeapBase)+c.PhysicalHeapSize {
		return errors.New("general and physical heaps overlap")
	}
	if c.StackSize < 16*1024 || c.StackSize%4096 != 0 {
		return errors.New("stack_size must be a multiple of 4096 and >= 16 KiB")
	}
	if c.QueueCapacity <= 0 {
		return errors.New("queue_capacity must be > 0")
	}
	if c.BatchSize <= 0 || c.BatchSize > c.QueueCapacity {
		return errors.New("batch_size must be in (0, queue_capacity]")
	}
	if c.MaxFramesInFlight <= 0 {
		return errors.New("max_frames_in_flight must be > 0")
	}
	if c.CompileWorkers <= 0 {
		return errors.New("compile_workers must be > 0")
	}
	if c.PipelineCacheSets <= 0 || c.PipelineCacheWays <= 0 {
		return errors.New("pipeline cache sets and ways must be > 0")
	}
	return nil
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
