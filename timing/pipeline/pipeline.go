package pipeline

import (
	"go.uber.org/zap"

	"github.com/sarchlab/bcsim/insts"
	"github.com/sarchlab/bcsim/loader"
	"github.com/sarchlab/bcsim/timing/bytecode"
	"github.com/sarchlab/bcsim/timing/cache"
	"github.com/sarchlab/bcsim/timing/latency"
)

// DefaultDeadlockThreshold is the number of consecutive cycles without
// progress after which Tick reports a deadlock.
const DefaultDeadlockThreshold = 10000

// Statistics holds pipeline performance statistics.
type Statistics struct {
	// Cycles is the total number of cycles simulated.
	Cycles uint64 `json:"cycles"`
	// Instructions is the number of instructions retired, including the
	// instructions elided by skip-ahead and consumed bytecode loads.
	Instructions uint64 `json:"instructions"`
	// IdleCycles is the number of cycles in which no stage made progress.
	IdleCycles uint64 `json:"idle_cycles"`

	// Skipped is the number of dispatch instructions elided by skip-ahead.
	Skipped       uint64 `json:"skipped"`
	BytecodesSeen uint64 `json:"bytecodes_seen"`
	// MissBPC counts skips taken with a wrong bytecode prediction.
	MissBPC uint64 `json:"miss_bpc"`
	// MissBPCPenalty is the total number of cycles between such skips and
	// the dispatch of their miss-prediction marker.
	MissBPCPenalty        uint64 `json:"miss_bpc_penalty"`
	BytecodeDemandFetches uint64 `json:"bytecode_demand_fetches"`
	BytecodePrefetches    uint64 `json:"bytecode_prefetches"`
	CorrectBytecodeJumps  uint64 `json:"correct_bytecode_jumps"`
	WrongBytecodeJumps    uint64 `json:"wrong_bytecode_jumps"`

	ForwardedLoads uint64 `json:"forwarded_loads"`
	DIBHits        uint64 `json:"dib_hits"`

	// BranchTypes counts initialized instructions per branch type.
	BranchTypes [insts.NumBranchTypes]uint64 `json:"branch_types"`
	// BranchMisses counts mispredicted branches per branch type.
	BranchMisses [insts.NumBranchTypes]uint64 `json:"branch_misses"`
}

// CPI returns cycles per instruction.
func (s Statistics) CPI() float64 {
	if s.Instructions == 0 {
		return 0
	}
	return float64(s.Cycles) / float64(s.Instructions)
}

// IPC returns instructions per cycle.
func (s Statistics) IPC() float64 {
	if s.Cycles == 0 {
		return 0
	}
	return float64(s.Instructions) / float64(s.Cycles)
}

// TotalBranchMisses returns the number of mispredicted branches.
func (s Statistics) TotalBranchMisses() uint64 {
	var n uint64
	for _, m := range s.BranchMisses {
		n += m
	}
	return n
}

// BranchMPKI returns branch mispredictions per thousand instructions.
func (s Statistics) BranchMPKI() float64 {
	if s.Instructions == 0 {
		return 0
	}
	return float64(s.TotalBranchMisses()) * 1000 / float64(s.Instructions)
}

// Sub returns the counters accumulated since begin.
func (s Statistics) Sub(begin Statistics) Statistics {
	d := Statistics{
		Cycles:                s.Cycles - begin.Cycles,
		Instructions:          s.Instructions - begin.Instructions,
		IdleCycles:            s.IdleCycles - begin.IdleCycles,
		Skipped:               s.Skipped - begin.Skipped,
		BytecodesSeen:         s.BytecodesSeen - begin.BytecodesSeen,
		MissBPC:               s.MissBPC - begin.MissBPC,
		MissBPCPenalty:        s.MissBPCPenalty - begin.MissBPCPenalty,
		BytecodeDemandFetches: s.BytecodeDemandFetches - begin.BytecodeDemandFetches,
		BytecodePrefetches:    s.BytecodePrefetches - begin.BytecodePrefetches,
		CorrectBytecodeJumps:  s.CorrectBytecodeJumps - begin.CorrectBytecodeJumps,
		WrongBytecodeJumps:    s.WrongBytecodeJumps - begin.WrongBytecodeJumps,
		ForwardedLoads:        s.ForwardedLoads - begin.ForwardedLoads,
		DIBHits:               s.DIBHits - begin.DIBHits,
	}
	for i := range s.BranchTypes {
		d.BranchTypes[i] = s.BranchTypes[i] - begin.BranchTypes[i]
		d.BranchMisses[i] = s.BranchMisses[i] - begin.BranchMisses[i]
	}
	return d
}

// PhaseStats is the snapshot recorded at the end of a simulation phase.
type PhaseStats struct {
	CPU        int    `json:"cpu"`
	BeginCycle uint64 `json:"begin_cycle"`
	EndCycle   uint64 `json:"end_cycle"`

	Pipeline  Statistics           `json:"pipeline"`
	Bytecode  bytecode.ModuleStats `json:"bytecode"`
	Stream    bytecode.StreamStats `json:"stream"`
	Predictor BranchPredictorStats `json:"predictor"`
	DIB       DIBStats             `json:"dib"`
}

// Pipeline is one out-of-order core.
type Pipeline struct {
	cpu    int
	widths WidthConfig

	latencyTable *latency.Table
	predictor    BranchPredictor
	observer     BranchObserver
	dib          *DIB
	dibConfig    *DIBConfig
	bcConfig     bytecode.Config

	bc     *bytecode.Module
	stream *bytecode.Stream

	l1i MemoryPort
	l1d MemoryPort

	ifetch      []*insts.Instruction
	decodeBuf   []*insts.Instruction
	dispatchBuf []*insts.Instruction
	rob         *ROB
	lq          []*LQEntry
	sq          []*SQEntry
	regs        *DependencyTracker

	pendingBytecodeReads []*cache.Request

	cycle              uint64
	fetchResume        uint64
	warmup             bool
	bytecodeBufferMiss bool
	missBPCCycle       uint64

	deadlockThreshold uint64
	idle              uint64

	heartbeatPeriod uint64
	nextHeartbeat   uint64

	stats      Statistics
	phaseBegin Statistics
	phaseCycle uint64
	roi        *PhaseStats

	logger *zap.Logger
}

// PipelineOption is a functional option for configuring the Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the logger of the pipeline and its bytecode tables.
func WithLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithCPU sets the core number reported in logs and deadlocks.
func WithCPU(cpu int) PipelineOption {
	return func(p *Pipeline) {
		p.cpu = cpu
	}
}

// WithLatencyTable sets a custom latency table for instruction timing.
func WithLatencyTable(table *latency.Table) PipelineOption {
	return func(p *Pipeline) {
		p.latencyTable = table
	}
}

// WithBranchPredictor sets the direction and target predictor.
func WithBranchPredictor(bp BranchPredictor) PipelineOption {
	return func(p *Pipeline) {
		p.predictor = bp
	}
}

// WithBranchObserver sets the component notified of every predicted branch.
func WithBranchObserver(o BranchObserver) PipelineOption {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// WithBytecode sets the bytecode table geometry and skip-ahead mode.
func WithBytecode(config bytecode.Config) PipelineOption {
	return func(p *Pipeline) {
		p.bcConfig = config
	}
}

// WithDIB sets the decoded instruction buffer geometry.
func WithDIB(config DIBConfig) PipelineOption {
	return func(p *Pipeline) {
		p.dibConfig = &config
	}
}

// WithoutDIB disables the decoded instruction buffer.
func WithoutDIB() PipelineOption {
	return func(p *Pipeline) {
		p.dibConfig = nil
	}
}

// WithDeadlockThreshold sets the number of cycles without progress after
// which Tick fails.
func WithDeadlockThreshold(cycles uint64) PipelineOption {
	return func(p *Pipeline) {
		p.deadlockThreshold = cycles
	}
}

// WithHeartbeat logs progress every period retired instructions. Zero
// disables the heartbeat.
func WithHeartbeat(period uint64) PipelineOption {
	return func(p *Pipeline) {
		p.heartbeatPeriod = period
	}
}

// NewPipeline creates a core reading instructions from src and talking to
// the instruction and data caches through l1i and l1d.
func NewPipeline(src loader.Source, l1i, l1d MemoryPort, opts ...PipelineOption) *Pipeline {
	defaultDIB := DefaultDIBConfig()

	p := &Pipeline{
		widths:            DefaultWidthConfig(),
		latencyTable:      latency.NewTable(),
		dibConfig:         &defaultDIB,
		bcConfig:          bytecode.DefaultConfig(),
		l1i:               l1i,
		l1d:               l1d,
		regs:              NewDependencyTracker(),
		deadlockThreshold: DefaultDeadlockThreshold,
		logger:            zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.logger = p.logger.With(zap.Int("cpu", p.cpu))
	if p.predictor == nil {
		p.predictor = NewBranchPredictor(DefaultBranchPredictorConfig())
	}
	if p.dibConfig != nil {
		p.dib = NewDIB(*p.dibConfig)
	}

	p.bc = bytecode.NewModule(p.bcConfig, bytecode.WithLogger(p.logger.Named("bytecode")))
	p.stream = bytecode.NewStream(src, p.widths.InputQueueSize, p.widths.LookaheadSize,
		bytecode.WithStreamLogger(p.logger.Named("stream")))

	p.rob = NewROB(p.widths.ROBSize)
	p.lq = make([]*LQEntry, p.widths.LQSize)
	p.nextHeartbeat = p.heartbeatPeriod

	return p
}

// Tick runs every stage once, in reverse pipeline order. It returns a
// *DeadlockError when the pipeline has been stuck for too long, or the
// error of the instruction source.
func (p *Pipeline) Tick() error {
	progress := 0
	progress += p.retire()
	progress += p.completeExecution()
	progress += p.execute()
	progress += p.schedule()
	progress += p.handleMemoryReturn()
	progress += p.operateLSQ()
	progress += p.dispatch()
	progress += p.decode()
	progress += p.promoteToDecode()
	progress += p.fetch()
	progress += p.checkDIB()

	if err := p.initialize(); err != nil {
		return err
	}

	p.stats.Cycles++
	if progress == 0 {
		p.stats.IdleCycles++
		p.idle++
	} else {
		p.idle = 0
	}

	cycle := p.cycle
	p.cycle++

	if p.idle > p.deadlockThreshold && !p.Done() {
		err := &DeadlockError{CPU: p.cpu, Cycle: cycle, Dump: p.Dump()}
		p.logger.Error("deadlock", zap.Uint64("cycle", cycle), zap.String("dump", err.Dump))
		return err
	}

	p.heartbeat()
	return nil
}

func (p *Pipeline) heartbeat() {
	if p.heartbeatPeriod == 0 || p.stats.Instructions < p.nextHeartbeat {
		return
	}
	for p.nextHeartbeat <= p.stats.Instructions {
		p.nextHeartbeat += p.heartbeatPeriod
	}

	p.logger.Info("heartbeat",
		zap.Uint64("instructions", p.stats.Instructions),
		zap.Uint64("cycles", p.stats.Cycles),
		zap.Float64("ipc", p.stats.IPC()),
		zap.Uint64("skipped", p.stats.Skipped))
}

// Done reports whether the source is exhausted and every instruction has
// left the core.
func (p *Pipeline) Done() bool {
	return p.stream.Drained() &&
		len(p.ifetch) == 0 && len(p.decodeBuf) == 0 && len(p.dispatchBuf) == 0 &&
		p.rob.Len() == 0 && len(p.sq) == 0 && p.freeLQSlots() == len(p.lq)
}

// Cycle returns the number of the next cycle to run.
func (p *Pipeline) Cycle() uint64 {
	return p.cycle
}

// CPU returns the core number.
func (p *Pipeline) CPU() int {
	return p.cpu
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Statistics {
	return p.stats
}

// Bytecode returns the core's bytecode tables.
func (p *Pipeline) Bytecode() *bytecode.Module {
	return p.bc
}

// Stream returns the not-yet-initialized instruction stream.
func (p *Pipeline) Stream() *bytecode.Stream {
	return p.stream
}

// DIB returns the decoded instruction buffer, or nil when disabled.
func (p *Pipeline) DIB() *DIB {
	return p.dib
}

// Predictor returns the branch predictor.
func (p *Pipeline) Predictor() BranchPredictor {
	return p.predictor
}

// SetWarmup switches warmup mode. Warmup drops register dependencies,
// zeroes stage latencies and does not penalize mispredictions, while the
// predictors and caches keep learning.
func (p *Pipeline) SetWarmup(warmup bool) {
	p.warmup = warmup
}

func (p *Pipeline) penalty() uint64 {
	return p.latencyTable.Config().BranchMispredictPenalty
}

// Warmup reports whether the pipeline is in warmup mode.
func (p *Pipeline) Warmup() bool {
	return p.warmup
}

// BeginPhase starts a statistics phase. Table statistics are cleared and
// pipeline counters are measured from here.
func (p *Pipeline) BeginPhase() {
	p.phaseBegin = p.stats
	p.phaseCycle = p.cycle

	p.bc.ResetStats()
	p.stream.ResetStats()
	p.predictor.ResetStats()
	p.dib.ResetStats()
}

// EndPhase records the statistics of the phase. When finishedCPU is this
// core, the snapshot also becomes the region of interest.
func (p *Pipeline) EndPhase(finishedCPU int) PhaseStats {
	ps := PhaseStats{
		CPU:        p.cpu,
		BeginCycle: p.phaseCycle,
		EndCycle:   p.cycle,
		Pipeline:   p.stats.Sub(p.phaseBegin),
		Bytecode:   p.bc.Stats(),
		Stream:     p.stream.Stats(),
		Predictor:  p.predictor.Stats(),
		DIB:        p.dib.Stats(),
	}

	if finishedCPU == p.cpu {
		roi := ps
		p.roi = &roi
	}

	return ps
}

// ROI returns the region of interest snapshot, if one was recorded.
func (p *Pipeline) ROI() (PhaseStats, bool) {
	if p.roi == nil {
		return PhaseStats{}, false
	}
	return *p.roi, true
}
