package latency_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bcsim/insts"
	"github.com/sarchlab/bcsim/timing/latency"
)

var _ = Describe("Latency", func() {
	var table *latency.Table

	BeforeEach(func() {
		table = latency.NewTable()
	})

	Describe("Default Timing Values", func() {
		It("should have correct stage latencies", func() {
			config := table.Config()
			Expect(config.DecodeLatency).To(Equal(uint64(1)))
			Expect(config.DispatchLatency).To(Equal(uint64(1)))
			Expect(config.SchedulingLatency).To(Equal(uint64(0)))
		})

		It("should have correct branch misprediction penalty", func() {
			Expect(table.Config().BranchMispredictPenalty).To(Equal(uint64(1)))
		})
	})

	Describe("Instruction Latencies", func() {
		It("should return ALU latency for ordinary instructions", func() {
			inst := &insts.Instruction{PC: 0x1000}
			Expect(table.GetLatency(inst)).To(Equal(uint64(1)))
		})

		It("should return branch latency for branches", func() {
			config := latency.DefaultTimingConfig()
			config.BranchLatency = 3
			table = latency.NewTableWithConfig(config)

			inst := &insts.Instruction{IsBranch: true, BranchType: insts.BranchConditional}
			Expect(table.GetLatency(inst)).To(Equal(uint64(3)))
		})

		It("should return 1 for nil instruction", func() {
			Expect(table.GetLatency(nil)).To(Equal(uint64(1)))
		})
	})

	Describe("Instruction Type Detection", func() {
		It("should detect memory operations", func() {
			Expect(table.IsMemoryOp(&insts.Instruction{SrcMem: []uint64{0x10}})).To(BeTrue())
			Expect(table.IsMemoryOp(&insts.Instruction{})).To(BeFalse())
			Expect(table.IsMemoryOp(nil)).To(BeFalse())
		})
	})
})

var _ = Describe("TimingConfig", func() {
	Describe("Default Config", func() {
		It("should create valid default config", func() {
			config := latency.DefaultTimingConfig()
			Expect(config.Validate()).To(Succeed())
		})

		It("should sum stage latencies", func() {
			config := &latency.TimingConfig{
				DecodeLatency:     2,
				DispatchLatency:   3,
				SchedulingLatency: 4,
				ALULatency:        5,
				BranchLatency:     1,
			}
			Expect(config.StageLatencySum()).To(Equal(uint64(14)))
		})
	})

	Describe("Validation", func() {
		It("should reject zero ALU latency", func() {
			config := latency.DefaultTimingConfig()
			config.ALULatency = 0
			Expect(config.Validate()).To(MatchError(ContainSubstring("alu_latency")))
		})

		It("should report every violation", func() {
			config := latency.DefaultTimingConfig()
			config.ALULatency = 0
			config.BranchLatency = 0
			err := config.Validate()
			Expect(err).To(MatchError(ContainSubstring("alu_latency")))
			Expect(err).To(MatchError(ContainSubstring("branch_latency")))
		})
	})

	Describe("Clone", func() {
		It("should create independent copy", func() {
			original := latency.DefaultTimingConfig()
			clone := original.Clone()
			clone.DecodeLatency = 9
			Expect(original.DecodeLatency).To(Equal(uint64(1)))
		})
	})

	Describe("File Operations", func() {
		var tempDir string

		BeforeEach(func() {
			tempDir = GinkgoT().TempDir()
		})

		It("should save and load config", func() {
			path := filepath.Join(tempDir, "timing.json")
			config := latency.DefaultTimingConfig()
			config.DispatchLatency = 7
			Expect(config.SaveConfig(path)).To(Succeed())

			loaded, err := latency.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(Equal(config))
		})

		It("should keep defaults for missing keys", func() {
			path := filepath.Join(tempDir, "partial.json")
			Expect(os.WriteFile(path, []byte(`{"alu_latency": 4}`), 0644)).To(Succeed())

			loaded, err := latency.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.ALULatency).To(Equal(uint64(4)))
			Expect(loaded.DecodeLatency).To(Equal(uint64(1)))
		})

		It("should return error for non-existent file", func() {
			_, err := latency.LoadConfig(filepath.Join(tempDir, "missing.json"))
			Expect(err).To(HaveOccurred())
		})

		It("should return error for invalid JSON", func() {
			path := filepath.Join(tempDir, "bad.json")
			Expect(os.WriteFile(path, []byte("{not json"), 0644)).To(Succeed())
			_, err := latency.LoadConfig(path)
			Expect(err).To(HaveOccurred())
		})
	})
})
