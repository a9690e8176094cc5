package benchmarks

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/sarchlab/bcsim/loader"
	"github.com/sarchlab/bcsim/timing/core"
)

// BenchmarkResult holds the timing results for a single workload run.
type BenchmarkResult struct {
	// Name identifies the workload
	Name string `json:"name"`

	// Description explains what the workload exercises
	Description string `json:"description"`

	// SkipDispatch tells whether skip-ahead was enabled for the run
	SkipDispatch bool `json:"skip_dispatch"`

	// WorkloadInstructions is the length of the instruction stream
	WorkloadInstructions uint64 `json:"workload_instructions"`

	// SimulatedCycles is the total cycle count from the timing simulator
	SimulatedCycles uint64 `json:"simulated_cycles"`

	// InstructionsRetired counts retired and elided instructions
	InstructionsRetired uint64 `json:"instructions_retired"`

	// CPI is cycles per instruction
	CPI float64 `json:"cpi"`

	// IdleCycles is the number of cycles in which no stage made progress
	IdleCycles uint64 `json:"idle_cycles"`

	// Skipped is the number of elided dispatch instructions
	Skipped uint64 `json:"skipped"`

	// Bytecode acceleration
	BytecodesSeen   uint64  `json:"bytecodes_seen"`
	MissBPC         uint64  `json:"miss_bpc"`
	MissBPCPenalty  uint64  `json:"miss_bpc_penalty"`
	GateHits        uint64  `json:"gate_hits"`
	BTBAccuracy     float64 `json:"btb_accuracy"`
	BufferHitRate   float64 `json:"buffer_hit_rate"`
	ForwardedLoads  uint64  `json:"forwarded_loads"`
	BytecodeFetches uint64  `json:"bytecode_fetches"`

	// Cache hit rates in percent
	ICacheHitRate float64 `json:"icache_hit_rate"`
	DCacheHitRate float64 `json:"dcache_hit_rate"`

	// Branch predictor stats
	BranchMispredictions  uint64  `json:"branch_mispredictions"`
	BranchMPKI            float64 `json:"branch_mpki"`
	BranchAccuracyPercent float64 `json:"branch_accuracy_percent,omitempty"`

	// WallTime is the actual time taken to run the simulation
	WallTime time.Duration `json:"wall_time_ns"`
}

// HarnessConfig configures the benchmark harness.
type HarnessConfig struct {
	// Core is the configuration every workload runs on
	Core core.Config

	// CompareSkip runs every workload a second time with skip-ahead
	// disabled
	CompareSkip bool

	// Output is where to write results (default: os.Stdout)
	Output io.Writer

	Logger *zap.Logger
}

// DefaultConfig returns a default harness configuration.
func DefaultConfig() HarnessConfig {
	config := core.DefaultConfig()
	config.HeartbeatPeriod = 0
	config.WarmupInstructions = 0

	return HarnessConfig{
		Core:        config,
		CompareSkip: true,
		Output:      os.Stdout,
	}
}

// Harness runs workloads and reports results.
type Harness struct {
	config    HarnessConfig
	workloads []Workload
	logger    *zap.Logger
}

// NewHarness creates a new benchmark harness.
func NewHarness(config HarnessConfig) *Harness {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harness{
		config: config,
		logger: logger,
	}
}

// AddWorkload adds a workload to the harness.
func (h *Harness) AddWorkload(w Workload) {
	h.workloads = append(h.workloads, w)
}

// AddWorkloads adds multiple workloads to the harness.
func (h *Harness) AddWorkloads(workloads []Workload) {
	h.workloads = append(h.workloads, workloads...)
}

// RunAll executes all workloads and returns results. With CompareSkip,
// each workload yields one result with skip-ahead and one without.
func (h *Harness) RunAll(ctx context.Context) ([]BenchmarkResult, error) {
	modes := []bool{h.config.Core.Bytecode.SkipDispatch}
	if h.config.CompareSkip {
		modes = []bool{true, false}
	}

	results := make([]BenchmarkResult, 0, len(h.workloads)*len(modes))
	for _, w := range h.workloads {
		for _, skip := range modes {
			r, err := h.runWorkload(ctx, w, skip)
			if err != nil {
				return results, fmt.Errorf("workload %s (skip=%v): %w", w.Name, skip, err)
			}
			results = append(results, r)
		}
	}

	return results, nil
}

// runWorkload executes a single workload.
func (h *Harness) runWorkload(ctx context.Context, w Workload, skip bool) (BenchmarkResult, error) {
	config := h.config.Core
	config.Bytecode.SkipDispatch = skip

	instrs := w.Build()
	c, err := core.NewCore(loader.NewSliceSource(instrs), config,
		core.WithLogger(h.logger.With(zap.String("workload", w.Name), zap.Bool("skip", skip))))
	if err != nil {
		return BenchmarkResult{}, err
	}

	start := time.Now()
	if err := c.Warmup(ctx, config.WarmupInstructions); err != nil {
		return BenchmarkResult{}, err
	}
	ps, err := c.Run(ctx)
	if err != nil {
		return BenchmarkResult{}, err
	}
	wallTime := time.Since(start)

	stats := ps.Pipeline
	cs := c.Stats()
	result := BenchmarkResult{
		Name:                  w.Name,
		Description:           w.Description,
		SkipDispatch:          skip,
		WorkloadInstructions:  uint64(len(instrs)),
		SimulatedCycles:       stats.Cycles,
		InstructionsRetired:   stats.Instructions,
		CPI:                   stats.CPI(),
		IdleCycles:            stats.IdleCycles,
		Skipped:               stats.Skipped,
		BytecodesSeen:         stats.BytecodesSeen,
		MissBPC:               stats.MissBPC,
		MissBPCPenalty:        stats.MissBPCPenalty,
		GateHits:              ps.Bytecode.Gate.Hits,
		BTBAccuracy:           ps.Bytecode.BTBAccuracy,
		BufferHitRate:         ps.Bytecode.Buffer.HitRate(),
		ForwardedLoads:        stats.ForwardedLoads,
		BytecodeFetches:       stats.BytecodeDemandFetches + stats.BytecodePrefetches,
		ICacheHitRate:         cs.L1I.HitRate(),
		DCacheHitRate:         cs.L1D.HitRate(),
		BranchMispredictions:  stats.TotalBranchMisses(),
		BranchMPKI:            stats.BranchMPKI(),
		BranchAccuracyPercent: ps.Predictor.Accuracy(),
		WallTime:              wallTime,
	}

	h.logger.Debug("workload finished",
		zap.String("workload", w.Name),
		zap.Bool("skip", skip),
		zap.Uint64("cycles", result.SimulatedCycles),
		zap.Duration("wall", wallTime))

	return result, nil
}

// PrintResults outputs benchmark results in a human-readable format.
func (h *Harness) PrintResults(results []BenchmarkResult) {
	out := h.config.Output
	_, _ = fmt.Fprintln(out, "=== bcsim Workload Results ===")
	_, _ = fmt.Fprintln(out, "")

	for _, r := range results {
		_, _ = fmt.Fprintf(out, "Workload: %s (skip=%v)\n", r.Name, r.SkipDispatch)
		_, _ = fmt.Fprintf(out, "  Description: %s\n", r.Description)
		_, _ = fmt.Fprintln(out, "  --- Timing ---")
		_, _ = fmt.Fprintf(out, "  Simulated Cycles:     %d\n", r.SimulatedCycles)
		_, _ = fmt.Fprintf(out, "  Instructions Retired: %d\n", r.InstructionsRetired)
		_, _ = fmt.Fprintf(out, "  CPI:                  %.3f\n", r.CPI)
		_, _ = fmt.Fprintf(out, "  Idle Cycles:          %d\n", r.IdleCycles)

		if r.BytecodesSeen > 0 {
			_, _ = fmt.Fprintln(out, "  --- Bytecode ---")
			_, _ = fmt.Fprintf(out, "  Bytecodes Seen:   %d\n", r.BytecodesSeen)
			_, _ = fmt.Fprintf(out, "  Skipped:          %d\n", r.Skipped)
			_, _ = fmt.Fprintf(out, "  Mispredicted:     %d (penalty %d)\n", r.MissBPC, r.MissBPCPenalty)
			_, _ = fmt.Fprintf(out, "  Gate Hits:        %d\n", r.GateHits)
			_, _ = fmt.Fprintf(out, "  BTB Accuracy:     %.1f%%\n", r.BTBAccuracy)
			_, _ = fmt.Fprintf(out, "  Buffer Hit Rate:  %.1f%%\n", r.BufferHitRate)
		}

		_, _ = fmt.Fprintln(out, "  --- Caches ---")
		_, _ = fmt.Fprintf(out, "  L1I Hit Rate: %.1f%%\n", r.ICacheHitRate)
		_, _ = fmt.Fprintf(out, "  L1D Hit Rate: %.1f%%\n", r.DCacheHitRate)

		_, _ = fmt.Fprintln(out, "  --- Branch Predictor ---")
		_, _ = fmt.Fprintf(out, "  Mispredictions:  %d\n", r.BranchMispredictions)
		_, _ = fmt.Fprintf(out, "  MPKI:            %.2f\n", r.BranchMPKI)
		_, _ = fmt.Fprintf(out, "  Accuracy:        %.1f%%\n", r.BranchAccuracyPercent)

		_, _ = fmt.Fprintf(out, "  Wall Time: %v\n", r.WallTime)
		_, _ = fmt.Fprintln(out, "")
	}
}

// PrintCSV outputs benchmark results in CSV format for easy comparison.
func (h *Harness) PrintCSV(results []BenchmarkResult) {
	out := h.config.Output
	_, _ = fmt.Fprintln(out,
		"name,skip,cycles,instructions,cpi,idle,skipped,bytecodes,miss_bpc,gate_hits,icache_hit_rate,dcache_hit_rate,branch_mpki")

	for _, r := range results {
		_, _ = fmt.Fprintf(out, "%s,%v,%d,%d,%.3f,%d,%d,%d,%d,%d,%.2f,%.2f,%.3f\n",
			r.Name,
			r.SkipDispatch,
			r.SimulatedCycles,
			r.InstructionsRetired,
			r.CPI,
			r.IdleCycles,
			r.Skipped,
			r.BytecodesSeen,
			r.MissBPC,
			r.GateHits,
			r.ICacheHitRate,
			r.DCacheHitRate,
			r.BranchMPKI,
		)
	}
}

// BenchmarkReport is the complete output format for benchmark results.
type BenchmarkReport struct {
	// Metadata about the benchmark run
	Metadata ReportMetadata `json:"metadata"`

	// Results is the list of individual workload results
	Results []BenchmarkResult `json:"results"`

	// Summary contains aggregate statistics
	Summary ReportSummary `json:"summary"`
}

// ReportMetadata contains information about the benchmark run.
type ReportMetadata struct {
	// Timestamp when the benchmark was run
	Timestamp string `json:"timestamp"`

	// Config is the core configuration used
	Config core.Config `json:"config"`
}

// ReportSummary contains aggregate statistics across all workloads.
type ReportSummary struct {
	TotalRuns int `json:"total_runs"`

	// TotalCycles is the sum of all simulated cycles
	TotalCycles uint64 `json:"total_cycles"`

	// TotalInstructions is the sum of all instructions retired
	TotalInstructions uint64 `json:"total_instructions"`

	// AverageCPI is the aggregate cycles per instruction
	AverageCPI float64 `json:"average_cpi"`

	// Speedups maps workload names to the cycle ratio of the run without
	// skip-ahead over the run with it
	Speedups map[string]float64 `json:"speedups,omitempty"`

	// TotalWallTime is the total wall clock time for all runs
	TotalWallTime time.Duration `json:"total_wall_time_ns"`
}

// Summarize aggregates results.
func Summarize(results []BenchmarkResult) ReportSummary {
	s := ReportSummary{TotalRuns: len(results)}

	with := make(map[string]uint64)
	without := make(map[string]uint64)
	for _, r := range results {
		s.TotalCycles += r.SimulatedCycles
		s.TotalInstructions += r.InstructionsRetired
		s.TotalWallTime += r.WallTime
		if r.SkipDispatch {
			with[r.Name] = r.SimulatedCycles
		} else {
			without[r.Name] = r.SimulatedCycles
		}
	}

	if s.TotalInstructions > 0 {
		s.AverageCPI = float64(s.TotalCycles) / float64(s.TotalInstructions)
	}

	for name, on := range with {
		off, ok := without[name]
		if !ok || on == 0 {
			continue
		}
		if s.Speedups == nil {
			s.Speedups = make(map[string]float64)
		}
		s.Speedups[name] = float64(off) / float64(on)
	}

	return s
}

// PrintJSON outputs benchmark results in JSON format for automated comparison.
func (h *Harness) PrintJSON(results []BenchmarkResult) error {
	report := BenchmarkReport{
		Metadata: ReportMetadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Config:    h.config.Core,
		},
		Results: results,
		Summary: Summarize(results),
	}

	encoder := json.NewEncoder(h.config.Output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
