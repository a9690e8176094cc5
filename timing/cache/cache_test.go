package cache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bcsim/timing/cache"
)

var _ = Describe("Cache", func() {
	var (
		c      *cache.Cache
		memory *cache.Memory
	)

	BeforeEach(func() {
		memory = cache.NewMemory(100)
		// Small cache for testing: 4KB, 4-way, 64B lines
		config := cache.Config{
			Size:          4 * 1024,
			Associativity: 4,
			BlockSize:     64,
			HitLatency:    1,
			MissLatency:   10,
		}
		c = cache.New(config, memory)
	})

	Describe("Read operations", func() {
		It("should miss on cold cache", func() {
			result := c.Read(0x1000)
			Expect(result.Hit).To(BeFalse())
			Expect(result.Latency).To(Equal(uint64(101)))

			stats := c.Stats()
			Expect(stats.Reads).To(Equal(uint64(1)))
			Expect(stats.Misses).To(Equal(uint64(1)))
			Expect(stats.Hits).To(Equal(uint64(0)))
			Expect(memory.Reads).To(Equal(uint64(1)))
		})

		It("should hit on cached data", func() {
			c.Read(0x1000)

			result := c.Read(0x1000)
			Expect(result.Hit).To(BeTrue())
			Expect(result.Latency).To(Equal(uint64(1)))
			Expect(c.Stats().HitRate()).To(BeNumerically("~", 50.0))
		})

		It("should hit on different addresses in same cache line", func() {
			c.Read(0x1000)
			Expect(c.Read(0x1038).Hit).To(BeTrue())
		})

		It("should use the fixed miss latency without a backing store", func() {
			c = cache.New(c.Config(), nil)
			Expect(c.Read(0x2000).Latency).To(Equal(uint64(10)))
		})
	})

	Describe("Write operations", func() {
		It("should write-allocate on miss", func() {
			result := c.Write(0x2000)
			Expect(result.Hit).To(BeFalse())
			Expect(c.Read(0x2000).Hit).To(BeTrue())
		})
	})

	Describe("Eviction", func() {
		It("should evict when cache is full", func() {
			// 16 sets: 0x0000, 0x0400, 0x0800, 0x0C00, 0x1000 share set 0
			c.Write(0x0000)
			c.Write(0x0400)
			c.Write(0x0800)
			c.Write(0x0C00)

			Expect(c.Read(0x0000).Hit).To(BeTrue())
			Expect(c.Read(0x0400).Hit).To(BeTrue())
			Expect(c.Read(0x0800).Hit).To(BeTrue())
			Expect(c.Read(0x0C00).Hit).To(BeTrue())

			result := c.Write(0x1000)
			Expect(result.Hit).To(BeFalse())
			Expect(result.Evicted).To(BeTrue())
			Expect(c.Stats().Evictions).To(Equal(uint64(1)))
		})

		It("should writeback dirty evicted blocks", func() {
			c.Write(0x0000)
			c.Write(0x0400)
			c.Write(0x0800)
			c.Write(0x0C00)

			// Make 0x0000 the LRU
			c.Read(0x0400)
			c.Read(0x0800)
			c.Read(0x0C00)

			result := c.Write(0x1000)
			Expect(result.EvictedAddr).To(Equal(uint64(0x0000)))
			Expect(c.Stats().Writebacks).To(Equal(uint64(1)))
			Expect(memory.Writes).To(Equal(uint64(1)))
			Expect(c.Contains(0x0000)).To(BeFalse())
		})
	})

	Describe("Prefetch", func() {
		It("should install a block without a demand access", func() {
			Expect(c.Prefetch(0x3000)).To(BeTrue())
			Expect(c.Prefetch(0x3010)).To(BeFalse())
			Expect(c.Read(0x3000).Hit).To(BeTrue())

			stats := c.Stats()
			Expect(stats.Prefetches).To(Equal(uint64(1)))
			Expect(stats.Reads).To(Equal(uint64(1)))
		})
	})

	Describe("Flush", func() {
		It("should write back all dirty blocks", func() {
			c.Write(0x0000)
			c.Write(0x1000)
			c.Read(0x2000)

			c.Flush()

			Expect(c.Stats().Writebacks).To(Equal(uint64(2)))
			Expect(c.Contains(0x2000)).To(BeFalse())
		})
	})

	Describe("Hierarchy", func() {
		It("should share the L2 between instruction and data caches", func() {
			icache, dcache, l2 := cache.NewHierarchy(
				cache.DefaultL1IConfig(), cache.DefaultL1DConfig(), cache.DefaultL2Config(), 200)

			first := icache.Read(0x4000)
			Expect(first.Latency).To(Equal(uint64(4 + 10 + 200)))

			second := dcache.Read(0x4000)
			Expect(second.Hit).To(BeFalse())
			Expect(second.Latency).To(Equal(uint64(5 + 10)))
			Expect(l2.Stats().Hits).To(Equal(uint64(1)))
		})
	})

	Describe("Default configurations", func() {
		It("should create L1I config", func() {
			config := cache.DefaultL1IConfig()
			Expect(config.Size).To(Equal(32 * 1024))
			Expect(config.BlockSize).To(Equal(64))
		})

		It("should create L1D config", func() {
			config := cache.DefaultL1DConfig()
			Expect(config.Associativity).To(Equal(12))
			Expect(config.BlockSize).To(Equal(64))
		})
	})
})
