package bytecode_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bcsim/timing/bytecode"
)

var _ = Describe("ConfidenceGate", func() {
	var gate *bytecode.ConfidenceGate

	BeforeEach(func() {
		gate = bytecode.NewConfidenceGate(2)
	})

	It("should only trust an opcode after it has been seen", func() {
		Expect(gate.Hit(1)).To(BeFalse())
		Expect(gate.Hit(1)).To(BeTrue())

		s := gate.Stats()
		Expect(s.Hits).To(Equal(uint64(1)))
		Expect(s.Misses).To(Equal(uint64(1)))
	})

	It("should evict exactly once for a new opcode at capacity", func() {
		gate.Hit(1)
		gate.Hit(2)
		Expect(gate.ValidCount()).To(Equal(2))

		Expect(gate.Hit(3)).To(BeFalse())
		Expect(gate.Hit(3)).To(BeTrue())
		Expect(gate.Hit(3)).To(BeTrue())

		Expect(gate.Stats().Evictions).To(Equal(uint64(1)))
		Expect(gate.ValidCount()).To(Equal(2))

		e, ok := gate.Entry(1)
		Expect(ok).To(BeTrue())
		Expect(e.Valid).To(BeFalse())
		Expect(e.TimesSwitchedOut).To(Equal(uint64(1)))
	})

	It("should put an evicted opcode on probation", func() {
		gate.Hit(1)
		gate.Hit(2)
		gate.Hit(3)
		gate.Hit(3)
		gate.Hit(3)

		Expect(gate.Hit(1)).To(BeFalse())
		Expect(gate.ValidCount()).To(Equal(2))
		Expect(gate.Stats().Evictions).To(Equal(uint64(2)))

		e, _ := gate.Entry(2)
		Expect(e.Valid).To(BeFalse())

		Expect(gate.Hit(1)).To(BeTrue())
	})

	It("should report per-opcode statistics", func() {
		gate.Hit(9)
		gate.Hit(9)
		gate.Hit(4)

		s := gate.Stats()
		Expect(s.Entries).To(Equal([]bytecode.GateEntryStats{
			{Opcode: 4, Misses: 1},
			{Opcode: 9, Hits: 1, Misses: 1},
		}))

		gate.ResetStats()
		Expect(gate.Stats().Misses).To(BeZero())
		Expect(gate.Hit(9)).To(BeTrue())
	})
})
