// Package cache provides cache hierarchy modeling using Akita cache components.
package cache

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// Config holds cache configuration parameters.
type Config struct {
	// Size in bytes
	Size int `json:"size" toml:"size"`
	// Associativity (number of ways)
	Associativity int `json:"associativity" toml:"associativity"`
	// BlockSize in bytes (cache line size)
	BlockSize int `json:"block_size" toml:"block_size"`
	// HitLatency in cycles
	HitLatency uint64 `json:"hit_latency" toml:"hit_latency"`
	// MissLatency in cycles, used when there is no backing store
	MissLatency uint64 `json:"miss_latency" toml:"miss_latency"`
}

// DefaultL1IConfig returns default configuration for L1 instruction cache.
func DefaultL1IConfig() Config {
	return Config{
		Size:          32 * 1024, // 32KB
		Associativity: 8,
		BlockSize:     64,
		HitLatency:    4,
		MissLatency:   14,
	}
}

// DefaultL1DConfig returns default configuration for L1 data cache.
func DefaultL1DConfig() Config {
	return Config{
		Size:          48 * 1024, // 48KB
		Associativity: 12,
		BlockSize:     64,
		HitLatency:    5,
		MissLatency:   15,
	}
}

// DefaultL2Config returns default configuration for the unified L2 cache.
func DefaultL2Config() Config {
	return Config{
		Size:          512 * 1024, // 512KB
		Associativity: 8,
		BlockSize:     64,
		HitLatency:    10,
		MissLatency:   200,
	}
}

// AccessResult contains the result of a cache access.
type AccessResult struct {
	// Hit indicates whether the access was a cache hit.
	Hit bool
	// Latency is the number of cycles this access takes.
	Latency uint64
	// Evicted is true if a valid block was replaced.
	Evicted bool
	// EvictedAddr is the address of the evicted block (if Evicted is true).
	EvictedAddr uint64
}

// Cache is a tag-only cache. Only hit/miss timing is modeled; no data is
// stored.
type Cache struct {
	config Config

	// Akita cache directory for tag/state management
	directory *akitacache.DirectoryImpl

	stats Statistics

	// Next level in the hierarchy; nil means a fixed MissLatency.
	backing BackingStore
}

// Statistics holds cache performance statistics.
type Statistics struct {
	Reads      uint64 `json:"reads"`
	Writes     uint64 `json:"writes"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
	Writebacks uint64 `json:"writebacks"`
	Prefetches uint64 `json:"prefetches"`
}

// HitRate returns the hit rate as a percentage.
func (s Statistics) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// New creates a new cache with the given configuration.
func New(config Config, backing BackingStore) *Cache {
	numSets := config.Size / (config.Associativity * config.BlockSize)

	return &Cache{
		config: config,
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			config.BlockSize,
			akitacache.NewLRUVictimFinder(),
		),
		backing: backing,
	}
}

// Config returns the cache configuration.
func (c *Cache) Config() Config {
	return c.config
}

// Stats returns cache statistics.
func (c *Cache) Stats() Statistics {
	return c.stats
}

// ResetStats clears cache statistics.
func (c *Cache) ResetStats() {
	c.stats = Statistics{}
}

func (c *Cache) blockAddr(addr uint64) uint64 {
	return (addr / uint64(c.config.BlockSize)) * uint64(c.config.BlockSize)
}

// Access implements BackingStore so caches can be chained.
func (c *Cache) Access(addr uint64, isWrite bool) AccessResult {
	if isWrite {
		return c.Write(addr)
	}
	return c.Read(addr)
}

// Read performs a cache read operation.
func (c *Cache) Read(addr uint64) AccessResult {
	c.stats.Reads++
	return c.lookup(addr, false)
}

// Write performs a cache write operation with a write-allocate policy.
func (c *Cache) Write(addr uint64) AccessResult {
	c.stats.Writes++
	return c.lookup(addr, true)
}

// Prefetch installs the block holding addr without counting a demand
// access. It returns true if the block was not already present.
func (c *Cache) Prefetch(addr uint64) bool {
	block := c.directory.Lookup(0, c.blockAddr(addr))
	if block != nil && block.IsValid {
		return false
	}

	c.stats.Prefetches++
	c.handleMiss(addr, false)
	return true
}

func (c *Cache) lookup(addr uint64, isWrite bool) AccessResult {
	block := c.directory.Lookup(0, c.blockAddr(addr)) // PID=0 for now

	if block != nil && block.IsValid {
		c.stats.Hits++
		c.directory.Visit(block) // Update LRU
		if isWrite {
			block.IsDirty = true
		}

		return AccessResult{
			Hit:     true,
			Latency: c.config.HitLatency,
		}
	}

	c.stats.Misses++
	return c.handleMiss(addr, isWrite)
}

// handleMiss fills the block from the backing store.
func (c *Cache) handleMiss(addr uint64, isWrite bool) AccessResult {
	result := AccessResult{
		Hit:     false,
		Latency: c.config.MissLatency,
	}

	blockAddr := c.blockAddr(addr)

	victim := c.directory.FindVictim(blockAddr)
	if victim == nil {
		return result
	}

	if victim.IsValid {
		c.stats.Evictions++
		result.Evicted = true
		result.EvictedAddr = victim.Tag // Tag stores block-aligned address

		if victim.IsDirty && c.backing != nil {
			c.stats.Writebacks++
			c.backing.Access(victim.Tag, true)
		}
	}

	if c.backing != nil {
		lower := c.backing.Access(blockAddr, false)
		result.Latency = c.config.HitLatency + lower.Latency
	}

	victim.Tag = blockAddr
	victim.IsValid = true
	victim.IsDirty = isWrite

	c.directory.Visit(victim) // Update LRU

	return result
}

// Contains reports whether the block holding addr is present.
func (c *Cache) Contains(addr uint64) bool {
	block := c.directory.Lookup(0, c.blockAddr(addr))
	return block != nil && block.IsValid
}

// Invalidate marks a cache line as invalid.
func (c *Cache) Invalidate(addr uint64) {
	block := c.directory.Lookup(0, c.blockAddr(addr))
	if block != nil && block.IsValid {
		block.IsValid = false
		block.IsDirty = false
	}
}

// Flush writes back all dirty blocks and invalidates them.
func (c *Cache) Flush() {
	sets := c.directory.GetSets()
	for _, set := range sets {
		for _, block := range set.Blocks {
			if block.IsValid && block.IsDirty && c.backing != nil {
				c.backing.Access(block.Tag, true)
				c.stats.Writebacks++
			}
			block.IsValid = false
			block.IsDirty = false
		}
	}
}

// Reset invalidates all cache lines without writeback.
func (c *Cache) Reset() {
	c.directory.Reset()
	c.stats = Statistics{}
}
