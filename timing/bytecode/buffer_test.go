package bytecode_test

import (
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bcsim/timing/bytecode"
)

type addrRange struct {
	window int
	lo, hi uint64
}

func occupiedRanges(b *bytecode.PrefetchBuffer) []addrRange {
	var out []addrRange
	for _, w := range b.Windows() {
		if w.Valid {
			out = append(out, addrRange{w.Index, w.Base, w.Max})
		}
		if w.Fetching {
			out = append(out, addrRange{w.Index, w.FetchBase, w.FetchMax})
		}
	}
	return out
}

var _ = Describe("PrefetchBuffer", func() {
	var buf *bytecode.PrefetchBuffer

	BeforeEach(func() {
		buf = bytecode.NewPrefetchBuffer(3, 16, 2, 0)
	})

	It("should miss on an empty buffer", func() {
		Expect(buf.Hit(0x100)).To(BeFalse())
		Expect(buf.ShouldFetch(0x100)).To(BeTrue())
		Expect(buf.Stats().Misses).To(Equal(uint64(1)))
	})

	It("should serve a demand fetch once it completes", func() {
		buf.SetDemand(0x101)
		Expect(buf.Fetch(0x101, 10, false)).To(BeTrue())

		Expect(buf.CurrentlyFetching(0x100)).To(BeTrue())
		Expect(buf.CurrentlyFetching(0x120)).To(BeTrue())
		Expect(buf.CurrentlyFetching(0x122)).To(BeFalse())
		Expect(buf.ShouldFetch(0x110)).To(BeFalse())
		Expect(buf.Hit(0x110)).To(BeFalse())

		Expect(buf.Complete(0x101, 25)).To(BeTrue())

		Expect(buf.CurrentlyFetching(0x100)).To(BeFalse())
		Expect(buf.Hit(0x110)).To(BeTrue())
		Expect(buf.Contains(0x120)).To(BeTrue())
		Expect(buf.Contains(0x122)).To(BeFalse())

		s := buf.Stats()
		Expect(s.TotalMissWait).To(Equal(uint64(15)))
		Expect(s.Hits).To(Equal(uint64(1)))
		Expect(s.Windows[0].SwitchedWithNoHits).To(Equal(uint64(1)))
	})

	It("should not report a completed prefetch as the demand", func() {
		buf.SetDemand(0x300)
		buf.Fetch(0x300, 0, false)
		buf.Fetch(0x100, 0, true)

		Expect(buf.Complete(0x100, 5)).To(BeFalse())
		Expect(buf.Complete(0x300, 6)).To(BeTrue())

		buf.ClearDemand()
		_, pending := buf.Demand()
		Expect(pending).To(BeFalse())
	})

	It("should clip a fetch so it does not overlap a resident window", func() {
		buf.Fetch(0x100, 0, false)
		buf.Complete(0x100, 1)

		Expect(buf.Fetch(0xF0, 2, false)).To(BeTrue())

		var fetching bytecode.Window
		for _, w := range buf.Windows() {
			if w.Fetching {
				fetching = w
			}
		}
		Expect(fetching.FetchBase).To(Equal(uint64(0xF0)))
		Expect(fetching.FetchMax).To(Equal(uint64(0xFE)))
	})

	It("should decline a prefetch when every window waits on a demand", func() {
		buf.Fetch(0x100, 0, false)
		buf.Fetch(0x200, 0, false)
		buf.Fetch(0x300, 0, false)

		Expect(buf.Fetch(0x400, 1, true)).To(BeFalse())
		Expect(buf.Stats().DeclinedPrefetches).To(Equal(uint64(1)))
		Expect(buf.CurrentlyFetching(0x400)).To(BeFalse())
	})

	It("should reclaim a prefetch window for a demand", func() {
		buf.Fetch(0x100, 0, false)
		buf.Fetch(0x200, 1, true)
		buf.Fetch(0x300, 2, false)

		Expect(buf.Fetch(0x400, 3, false)).To(BeTrue())

		Expect(buf.CurrentlyFetching(0x200)).To(BeFalse())
		Expect(buf.CurrentlyFetching(0x400)).To(BeTrue())
		Expect(buf.Stats().Windows[1].TimesReset).To(Equal(uint64(1)))
		Expect(buf.Stats().Prefetches).To(Equal(uint64(1)))
	})

	It("should take the oldest demand when nothing else is available", func() {
		buf.Fetch(0x100, 4, false)
		buf.Fetch(0x200, 2, false)
		buf.Fetch(0x300, 3, false)

		Expect(buf.Fetch(0x400, 5, false)).To(BeTrue())
		Expect(buf.CurrentlyFetching(0x200)).To(BeFalse())
		Expect(buf.CurrentlyFetching(0x100)).To(BeTrue())
	})

	It("should count fetches of a window still resident", func() {
		buf = bytecode.NewPrefetchBuffer(1, 16, 2, 0)
		buf.Fetch(0x100, 0, false)
		buf.Complete(0x100, 1)
		buf.Fetch(0x200, 2, true)

		Expect(buf.ShouldFetch(0x104)).To(BeFalse())
		Expect(buf.Stats().AggressivePrefetches).To(Equal(uint64(1)))
	})

	It("should count returns nobody asked for", func() {
		Expect(buf.Complete(0x800, 3)).To(BeFalse())
		Expect(buf.Stats().UnexpectedReturns).To(Equal(uint64(1)))
	})

	It("should ignore a late return of a reclaimed prefetch", func() {
		buf = bytecode.NewPrefetchBuffer(3, 16, 2, 4)
		buf.Fetch(0x100, 0, false)
		stale, ok := buf.StartFetch(0x200, 1, true)
		Expect(ok).To(BeTrue())
		buf.Fetch(0x300, 2, false)

		buf.SetDemand(0x208)
		fresh, ok := buf.StartFetch(0x208, 5, false)
		Expect(ok).To(BeTrue())
		Expect(fresh).ToNot(Equal(stale))
		Expect(buf.CurrentlyFetching(0x200)).To(BeTrue())

		Expect(buf.CompleteFetch(stale, 6)).To(BeFalse())
		Expect(buf.Contains(0x208)).To(BeFalse())
		Expect(buf.Stats().StaleReturns).To(Equal(uint64(1)))

		Expect(buf.CompleteFetch(fresh, 20)).To(BeTrue())
		Expect(buf.Contains(0x208)).To(BeTrue())
		Expect(buf.Stats().TotalMissWait).To(Equal(uint64(15)))
	})

	It("should never hold overlapping windows", func() {
		rng := rand.New(rand.NewSource(7))
		for cycle := uint64(0); cycle < 2000; cycle++ {
			addr := uint64(rng.Intn(0x400)) &^ 1
			if buf.ShouldFetch(addr) {
				buf.Fetch(addr, cycle, rng.Intn(2) == 0)
			}

			if rng.Intn(3) == 0 {
				for _, w := range buf.Windows() {
					if w.Fetching {
						buf.Complete(w.FetchBase, cycle)
						break
					}
				}
			}

			ranges := occupiedRanges(buf)
			for i := range ranges {
				for j := range ranges {
					a, b := ranges[i], ranges[j]
					if a.window == b.window {
						continue
					}
					Expect(a.hi < b.lo || b.hi < a.lo).To(BeTrue(),
						"windows %d and %d overlap at cycle %d", a.window, b.window, cycle)
				}
			}
		}
	})
})
