package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bcsim/insts"
)

var _ = Describe("Decoder", func() {
	var decoder *insts.Decoder

	BeforeEach(func() {
		decoder = insts.NewDecoder()
	})

	Describe("Record encoding", func() {
		It("should parse what it appends", func() {
			r := insts.Record{
				IP:       0x401000,
				IsBranch: true,
				Taken:    true,
				LoadType: insts.LoadBytecode,
				LoadSize: 2,
				DstRegs:  [insts.NumDstRegs]uint8{1, 0},
				SrcRegs:  [insts.NumSrcRegs]uint8{2, 3, 0, 0},
				SrcMem:   [insts.NumSrcMem]uint64{0x7000, 0, 0, 0},
				LoadVal:  0x0164,
			}

			buf := insts.AppendRecord(nil, r)
			Expect(buf).To(HaveLen(insts.RecordSize))

			parsed, err := insts.ParseRecord(buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(parsed).To(Equal(r))
		})

		It("should reject short records", func() {
			_, err := insts.ParseRecord(make([]byte, insts.RecordSize-1))
			Expect(err).To(HaveOccurred())
		})

		It("should reject unknown load types", func() {
			buf := insts.AppendRecord(nil, insts.Record{IP: 0x10})
			buf[10] = 0xEE
			_, err := insts.ParseRecord(buf)
			Expect(err).To(MatchError(ContainSubstring("unknown load type")))
		})
	})

	Describe("Branch classification", func() {
		ip := insts.RegInstructionPointer
		sp := insts.RegStackPointer
		flags := insts.RegFlags

		It("should classify a direct jump", func() {
			Expect(insts.ClassifyBranch(nil, []uint8{ip})).To(Equal(insts.BranchDirectJump))
		})

		It("should classify an indirect jump", func() {
			Expect(insts.ClassifyBranch([]uint8{3}, []uint8{ip})).To(Equal(insts.BranchIndirect))
		})

		It("should classify a conditional branch", func() {
			Expect(insts.ClassifyBranch([]uint8{ip, flags}, []uint8{ip})).
				To(Equal(insts.BranchConditional))
		})

		It("should classify calls and returns", func() {
			Expect(insts.ClassifyBranch([]uint8{ip, sp}, []uint8{ip, sp})).
				To(Equal(insts.BranchDirectCall))
			Expect(insts.ClassifyBranch([]uint8{ip, sp, 4}, []uint8{ip, sp})).
				To(Equal(insts.BranchIndirectCall))
			Expect(insts.ClassifyBranch([]uint8{sp}, []uint8{ip, sp})).
				To(Equal(insts.BranchReturn))
		})

		It("should not classify instructions that leave the IP alone", func() {
			Expect(insts.ClassifyBranch([]uint8{ip, 3}, []uint8{4})).To(Equal(insts.NotBranch))
		})
	})

	Describe("Decode", func() {
		It("should drop empty slots and duplicate registers", func() {
			inst := decoder.Decode(insts.Record{
				IP:      0x1000,
				SrcRegs: [insts.NumSrcRegs]uint8{5, 5, 0, 7},
				SrcMem:  [insts.NumSrcMem]uint64{0, 0x2000, 0, 0},
			})

			Expect(inst.SrcRegs).To(Equal([]uint8{5, 7}))
			Expect(inst.SrcMem).To(Equal([]uint64{0x2000}))
			Expect(inst.DstMem).To(BeEmpty())
			Expect(inst.IsBranch).To(BeFalse())
		})

		It("should clear the taken flag of non-branches", func() {
			inst := decoder.Decode(insts.Record{IP: 0x1000, Taken: true})
			Expect(inst.Taken).To(BeFalse())
		})

		It("should fold the stack pointer of a push", func() {
			inst := decoder.Decode(insts.Record{
				IP:      0x1000,
				DstRegs: [insts.NumDstRegs]uint8{insts.RegStackPointer, 0},
				SrcRegs: [insts.NumSrcRegs]uint8{insts.RegStackPointer, 3, 0, 0},
				DstMem:  [insts.NumDstMem]uint64{0x7ff0, 0},
			})
			Expect(inst.DstRegs).To(BeEmpty())
		})

		It("should keep the stack pointer when it is computed from other registers", func() {
			inst := decoder.Decode(insts.Record{
				IP:      0x1000,
				DstRegs: [insts.NumDstRegs]uint8{insts.RegStackPointer, 0},
				SrcRegs: [insts.NumSrcRegs]uint8{insts.RegStackPointer, 3, 0, 0},
			})
			Expect(inst.DstRegs).To(Equal([]uint8{insts.RegStackPointer}))
		})
	})

	Describe("Instruction", func() {
		It("should count memory operands", func() {
			inst := &insts.Instruction{SrcMem: []uint64{1, 2}, DstMem: []uint64{3}}
			Expect(inst.NumMemOps()).To(Equal(3))
		})

		It("should clone without sharing slices", func() {
			inst := &insts.Instruction{ID: 4, SrcRegs: []uint8{1}}
			c := inst.Clone()
			c.SrcRegs[0] = 9
			Expect(inst.SrcRegs[0]).To(Equal(uint8(1)))
			Expect(c.ID).To(Equal(uint64(4)))
		})

		It("should name load types", func() {
			Expect(insts.LoadJumpPoint.String()).To(Equal("jump-point"))
			Expect(insts.LoadJumpPoint.IsJump()).To(BeTrue())
			Expect(insts.LoadBytecode.IsJump()).To(BeFalse())
		})
	})
})
