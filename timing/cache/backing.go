package cache

// BackingStore is the next level in the memory hierarchy.
type BackingStore interface {
	// Access services a block request and reports its latency.
	Access(addr uint64, isWrite bool) AccessResult
}

// Memory is a fixed-latency main memory that always hits.
type Memory struct {
	latency uint64

	Reads  uint64
	Writes uint64
}

// NewMemory creates a main memory with the given access latency.
func NewMemory(latency uint64) *Memory {
	return &Memory{latency: latency}
}

// Access returns the fixed memory latency.
func (m *Memory) Access(addr uint64, isWrite bool) AccessResult {
	if isWrite {
		m.Writes++
	} else {
		m.Reads++
	}
	return AccessResult{Hit: true, Latency: m.latency}
}

// NewHierarchy builds L1 caches for instructions and data that share one L2
// backed by main memory.
func NewHierarchy(l1i, l1d, l2 Config, memLatency uint64) (icache, dcache, shared *Cache) {
	shared = New(l2, NewMemory(memLatency))
	icache = New(l1i, shared)
	dcache = New(l1d, shared)
	return icache, dcache, shared
}
