package pipeline_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sarchlab/bcsim/insts"
	"github.com/sarchlab/bcsim/loader"
	"github.com/sarchlab/bcsim/timing/bytecode"
	"github.com/sarchlab/bcsim/timing/cache"
	"github.com/sarchlab/bcsim/timing/latency"
	"github.com/sarchlab/bcsim/timing/pipeline"
)

// fixedLatencyCache hits and misses in the same number of cycles.
func fixedLatencyCache(lat uint64) *cache.Cache {
	return cache.New(cache.Config{
		Size:          4096,
		Associativity: 4,
		BlockSize:     64,
		HitLatency:    lat,
		MissLatency:   lat,
	}, nil)
}

type harness struct {
	p   *pipeline.Pipeline
	l1i *cache.Port
	l1d *cache.Port
}

func newHarness(instrs []*insts.Instruction, opts ...pipeline.PipelineOption) *harness {
	h := &harness{
		l1i: cache.NewPort(fixedLatencyCache(4), 0),
		l1d: cache.NewPort(fixedLatencyCache(4), 0),
	}
	h.p = pipeline.NewPipeline(loader.NewSliceSource(instrs), h.l1i, h.l1d, opts...)
	return h
}

func (h *harness) tick() error {
	err := h.p.Tick()
	h.l1i.Tick()
	h.l1d.Tick()
	return err
}

func (h *harness) run(maxCycles int) error {
	for i := 0; i < maxCycles && !h.p.Done(); i++ {
		if err := h.tick(); err != nil {
			return err
		}
	}
	return nil
}

// interpreterLoop builds n iterations of a dispatch loop: a bytecode load,
// a jump table load and an indirect jump into a three-instruction handler
// that jumps back to the loop head.
func interpreterLoop(n int, opcodes ...uint64) []*insts.Instruction {
	var out []*insts.Instruction
	bpc := uint64(0x8000)
	for i := 0; i < n; i++ {
		op := opcodes[i%len(opcodes)]
		handler := 0x2000 + op*0x100
		out = append(out,
			&insts.Instruction{
				PC: 0x1000, LoadType: insts.LoadBytecode, LoadValue: op, LoadSize: 2,
				SrcMem: []uint64{bpc}, DstRegs: []uint8{1},
			},
			&insts.Instruction{
				PC: 0x1004, LoadType: insts.LoadDispatchTable, LoadValue: handler,
				SrcMem: []uint64{0x9000 + op*8}, SrcRegs: []uint8{1}, DstRegs: []uint8{2},
			},
			&insts.Instruction{
				PC: 0x1008, LoadType: insts.LoadJumpPoint, IsBranch: true,
				BranchType: insts.BranchIndirect, Taken: true, Target: handler,
				SrcRegs: []uint8{2},
			},
			&insts.Instruction{PC: handler, SrcRegs: []uint8{3}, DstRegs: []uint8{3}},
			&insts.Instruction{PC: handler + 4, SrcRegs: []uint8{3}, DstMem: []uint64{0xA000 + op*8}},
			&insts.Instruction{
				PC: handler + 8, IsBranch: true, BranchType: insts.BranchDirectJump,
				Taken: true, Target: 0x1000,
			},
		)
		bpc += 2
	}
	return out
}

type stuckPort struct{}

type targetRecorder struct {
	targets []uint64
}

func (r *targetRecorder) BranchOperate(_ uint64, _ insts.BranchType, target uint64) {
	r.targets = append(r.targets, target)
}

func (stuckPort) IssueRead(*cache.Request) bool  { return false }
func (stuckPort) IssueWrite(*cache.Request) bool { return false }
func (stuckPort) Returned() []*cache.Request     { return nil }
func (stuckPort) PopReturned(int)                {}

var _ = Describe("Pipeline", func() {
	Describe("Round trip", func() {
		It("should retire an independent instruction after the stage latency sum", func() {
			timing := &latency.TimingConfig{
				DecodeLatency:           2,
				DispatchLatency:         3,
				SchedulingLatency:       1,
				ALULatency:              2,
				BranchLatency:           1,
				BranchMispredictPenalty: 1,
			}
			h := newHarness(
				[]*insts.Instruction{{PC: 0x1000}},
				pipeline.WithScalarWidths(),
				pipeline.WithoutDIB(),
				pipeline.WithLatencyTable(latency.NewTableWithConfig(timing)),
			)

			retiredAt := uint64(0)
			for i := 0; i < 100 && h.p.Stats().Instructions == 0; i++ {
				retiredAt = h.p.Cycle()
				Expect(h.tick()).To(Succeed())
			}

			// init 0, DIB check 1, fetch 2, response after the L1I
			// latency, then five stage boundaries plus the latencies.
			Expect(retiredAt).To(Equal(4 + timing.StageLatencySum() + 5))
			Expect(h.p.Done()).To(BeTrue())
		})

		It("should retire a straight-line program in order", func() {
			var instrs []*insts.Instruction
			for i := 0; i < 50; i++ {
				instrs = append(instrs, &insts.Instruction{
					PC:      0x1000 + uint64(i)*4,
					SrcRegs: []uint8{uint8(i%4 + 1)},
					DstRegs: []uint8{uint8((i+1)%4 + 1)},
				})
			}
			h := newHarness(instrs)

			Expect(h.run(2000)).To(Succeed())
			Expect(h.p.Done()).To(BeTrue())
			Expect(h.p.Stats().Instructions).To(Equal(uint64(50)))
			Expect(h.p.Stats().CPI()).To(BeNumerically(">", 0))
		})
	})

	Describe("Memory", func() {
		It("should forward a store to a younger load without a data read", func() {
			h := newHarness([]*insts.Instruction{
				{PC: 0x1000, DstMem: []uint64{0x4000}},
				{PC: 0x1004, SrcMem: []uint64{0x4000}, DstRegs: []uint8{1}},
			}, pipeline.WithScalarWidths())

			Expect(h.run(500)).To(Succeed())
			Expect(h.p.Done()).To(BeTrue())
			Expect(h.p.Stats().ForwardedLoads).To(Equal(uint64(1)))
			Expect(h.l1d.Stats().Reads).To(BeZero())
			Expect(h.l1d.Stats().Writes).To(Equal(uint64(1)))
		})

		It("should read memory for a load with no older store", func() {
			h := newHarness([]*insts.Instruction{
				{PC: 0x1000, SrcMem: []uint64{0x4000}, DstRegs: []uint8{1}},
				{PC: 0x1004, SrcMem: []uint64{0x4008}, DstRegs: []uint8{2}},
			})

			Expect(h.run(500)).To(Succeed())
			Expect(h.p.Done()).To(BeTrue())
			Expect(h.l1d.Stats().Reads).To(Equal(uint64(2)))
			Expect(h.p.Stats().ForwardedLoads).To(BeZero())
		})
	})

	Describe("Deadlock", func() {
		It("should report a deadlock with a dump of every buffer", func() {
			p := pipeline.NewPipeline(
				loader.NewSliceSource([]*insts.Instruction{{PC: 0x1000}, {PC: 0x1004}}),
				stuckPort{}, stuckPort{},
				pipeline.WithDeadlockThreshold(20),
				pipeline.WithCPU(3),
			)

			var err error
			for i := 0; i < 100 && err == nil; i++ {
				err = p.Tick()
			}

			var deadlock *pipeline.DeadlockError
			Expect(errors.As(err, &deadlock)).To(BeTrue())
			Expect(deadlock.CPU).To(Equal(3))
			Expect(deadlock.Cycle).To(BeNumerically(">", 20))
			Expect(deadlock.Dump).To(ContainSubstring("ifetch (2)"))
			Expect(deadlock.Dump).To(ContainSubstring("rob (0)"))
			Expect(deadlock.Dump).To(ContainSubstring("bytecode buffer"))
		})
	})

	Describe("Skip-ahead", func() {
		It("should elide trusted dispatch sequences and account for them", func() {
			workload := interpreterLoop(40, 1, 2)
			h := newHarness(workload)

			Expect(h.run(20000)).To(Succeed())
			Expect(h.p.Done()).To(BeTrue())

			stats := h.p.Stats()
			Expect(stats.Instructions).To(Equal(uint64(len(workload))))
			Expect(stats.BytecodesSeen).To(Equal(uint64(40)))
			Expect(stats.Skipped).To(BeNumerically(">", 0))
			Expect(stats.Skipped % 2).To(BeZero())
			Expect(h.p.Bytecode().Stats().Gate.Hits).To(BeNumerically(">", 0))
			Expect(h.p.Stream().Stats().TargetsFound).To(Equal(uint64(40)))
		})

		It("should run every instruction through the core when disabled", func() {
			workload := interpreterLoop(20, 1, 2)
			config := bytecode.DefaultConfig()
			config.SkipDispatch = false
			h := newHarness(workload, pipeline.WithBytecode(config))

			Expect(h.run(20000)).To(Succeed())
			Expect(h.p.Done()).To(BeTrue())

			stats := h.p.Stats()
			Expect(stats.Instructions).To(Equal(uint64(len(workload))))
			Expect(stats.Skipped).To(BeZero())
			Expect(stats.BytecodesSeen).To(BeZero())
		})

		It("should keep elided bytecode loads off the data cache", func() {
			on := newHarness(interpreterLoop(60, 3))
			Expect(on.run(50000)).To(Succeed())

			config := bytecode.DefaultConfig()
			config.SkipDispatch = false
			off := newHarness(interpreterLoop(60, 3), pipeline.WithBytecode(config))
			Expect(off.run(50000)).To(Succeed())

			Expect(on.p.Done()).To(BeTrue())
			Expect(off.p.Done()).To(BeTrue())
			Expect(off.l1d.Stats().Reads).To(Equal(uint64(120)))
			Expect(on.l1d.Stats().Reads).To(BeNumerically("<", 120))
		})
	})

	Describe("Warmup", func() {
		It("should run faster without latencies and penalties", func() {
			warm := newHarness(interpreterLoop(20, 1, 2))
			warm.p.SetWarmup(true)
			Expect(warm.run(20000)).To(Succeed())

			cold := newHarness(interpreterLoop(20, 1, 2))
			Expect(cold.run(20000)).To(Succeed())

			Expect(warm.p.Warmup()).To(BeTrue())
			Expect(warm.p.Stats().Cycles).To(BeNumerically("<", cold.p.Stats().Cycles))
			Expect(warm.p.Stats().Instructions).To(Equal(cold.p.Stats().Instructions))
		})
	})

	Describe("Phases", func() {
		It("should record the region of interest for the finishing core", func() {
			h := newHarness(interpreterLoop(30, 1, 2), pipeline.WithCPU(0))
			for i := 0; i < 50; i++ {
				Expect(h.tick()).To(Succeed())
			}
			h.p.BeginPhase()
			before := h.p.Stats()
			Expect(h.run(20000)).To(Succeed())

			other := h.p.EndPhase(1)
			_, ok := h.p.ROI()
			Expect(ok).To(BeFalse())
			Expect(other.Pipeline.Instructions).To(Equal(h.p.Stats().Instructions - before.Instructions))

			ps := h.p.EndPhase(0)
			roi, ok := h.p.ROI()
			Expect(ok).To(BeTrue())
			Expect(roi).To(Equal(ps))
			Expect(ps.BeginCycle).To(Equal(uint64(50)))
			Expect(ps.Pipeline.Cycles).To(Equal(h.p.Stats().Cycles - 50))
		})
	})

	Describe("Heartbeat", func() {
		It("should log progress every period", func() {
			core, logs := observer.New(zapcore.InfoLevel)
			h := newHarness(interpreterLoop(30, 1), pipeline.WithLogger(zap.New(core)),
				pipeline.WithHeartbeat(50))

			Expect(h.run(20000)).To(Succeed())

			beats := logs.FilterMessage("heartbeat").All()
			Expect(beats).NotTo(BeEmpty())
			Expect(len(beats)).To(BeNumerically("<=", 180/50))
			Expect(beats[0].ContextMap()).To(HaveKey("ipc"))
		})
	})

	Describe("Branch observer", func() {
		// farLoop jumps to a target whose block is evicted by the body
		// before the jump is seen again. The two jumps sit in different
		// target buffer sets.
		farLoop := func(iterations int) []*insts.Instruction {
			var out []*insts.Instruction
			for i := 0; i < iterations; i++ {
				out = append(out, &insts.Instruction{
					PC: 0x1000, IsBranch: true, BranchType: insts.BranchDirectJump,
					Taken: true, Target: 0x100000,
				})
				for b := uint64(0); b < 128; b++ {
					out = append(out, &insts.Instruction{PC: 0x100000 + b*64})
				}
				out = append(out, &insts.Instruction{
					PC: 0x100000 + 128*64 + 4, IsBranch: true, BranchType: insts.BranchDirectJump,
					Taken: true, Target: 0x1000,
				})
			}
			return out
		}

		It("should prefetch predicted branch targets into the instruction cache", func() {
			l1i := cache.NewPort(fixedLatencyCache(4), 0)
			l1d := cache.NewPort(fixedLatencyCache(4), 0)
			p := pipeline.NewPipeline(loader.NewSliceSource(farLoop(3)), l1i, l1d,
				pipeline.WithBranchObserver(l1i))
			for i := 0; i < 20000 && !p.Done(); i++ {
				Expect(p.Tick()).To(Succeed())
				l1i.Tick()
				l1d.Tick()
			}

			Expect(p.Done()).To(BeTrue())
			Expect(l1i.Stats().Prefetches).To(BeNumerically(">", 0))
		})

		It("should hand the observer the predicted targets of known jumps", func() {
			obs := &targetRecorder{}
			l1i := cache.NewPort(fixedLatencyCache(4), 0)
			l1d := cache.NewPort(fixedLatencyCache(4), 0)
			p := pipeline.NewPipeline(loader.NewSliceSource(farLoop(3)), l1i, l1d,
				pipeline.WithBranchObserver(obs))
			for i := 0; i < 20000 && !p.Done(); i++ {
				Expect(p.Tick()).To(Succeed())
				l1i.Tick()
				l1d.Tick()
			}

			Expect(p.Done()).To(BeTrue())
			Expect(obs.targets).To(HaveLen(6))
			Expect(obs.targets).To(ContainElement(uint64(0x100000)))
			Expect(obs.targets).To(ContainElement(uint64(0x1000)))
		})

		It("should not prefetch without an observer", func() {
			h := newHarness(farLoop(3))
			Expect(h.run(20000)).To(Succeed())

			Expect(h.p.Done()).To(BeTrue())
			Expect(h.l1i.Stats().Prefetches).To(BeZero())
		})
	})
})
