// Package core provides the cycle-accurate CPU core model.
// It wraps the pipeline together with its cache hierarchy to provide a
// high-level interface.
package core

import (
	"context"
	"fmt"

	"github.com/sarchlab/akita/v4/sim"
	"go.uber.org/zap"

	"github.com/sarchlab/bcsim/loader"
	"github.com/sarchlab/bcsim/timing/cache"
	"github.com/sarchlab/bcsim/timing/latency"
	"github.com/sarchlab/bcsim/timing/pipeline"
)

// Stats holds performance statistics for the core and its caches.
type Stats struct {
	Pipeline pipeline.Statistics `json:"pipeline"`

	L1IPort cache.PortStats  `json:"l1i_port"`
	L1DPort cache.PortStats  `json:"l1d_port"`
	L1I     cache.Statistics `json:"l1i"`
	L1D     cache.Statistics `json:"l1d"`
	L2      cache.Statistics `json:"l2"`
}

// Core represents a cycle-accurate CPU core model: an out-of-order pipeline
// reading a classified instruction stream, with private L1 caches sharing
// an L2.
type Core struct {
	// Pipeline is the underlying out-of-order pipeline.
	Pipeline *pipeline.Pipeline

	L1I *cache.Port
	L1D *cache.Port
	L2  *cache.Cache

	config Config
	logger *zap.Logger
	cpu    int
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger of the core and its pipeline.
func WithLogger(l *zap.Logger) Option {
	return func(c *Core) {
		c.logger = l
	}
}

// WithCPU sets the core number.
func WithCPU(cpu int) Option {
	return func(c *Core) {
		c.cpu = cpu
	}
}

// NewCore creates a core reading instructions from src.
func NewCore(src loader.Source, config Config, opts ...Option) (*Core, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid core config: %w", err)
	}

	predictor, err := pipeline.NewBranchPredictorFromConfig(config.Predictor)
	if err != nil {
		return nil, err
	}

	c := &Core{
		config: config,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	icache, dcache, l2 := cache.NewHierarchy(config.L1I, config.L1D, config.L2, config.MemoryLatency)
	c.L1I = cache.NewPort(icache, config.PortQueueSize)
	c.L1D = cache.NewPort(dcache, config.PortQueueSize)
	c.L2 = l2

	timing := config.Timing
	pipeOpts := []pipeline.PipelineOption{
		pipeline.WithLogger(c.logger),
		pipeline.WithCPU(c.cpu),
		pipeline.WithWidths(config.Widths),
		pipeline.WithLatencyTable(latency.NewTableWithConfig(&timing)),
		pipeline.WithBranchPredictor(predictor),
		pipeline.WithBytecode(config.Bytecode),
		pipeline.WithDeadlockThreshold(config.DeadlockThreshold),
		pipeline.WithHeartbeat(config.HeartbeatPeriod),
	}
	if config.DIBEnabled {
		pipeOpts = append(pipeOpts, pipeline.WithDIB(config.DIB))
	} else {
		pipeOpts = append(pipeOpts, pipeline.WithoutDIB())
	}
	if config.BranchPrefetch {
		pipeOpts = append(pipeOpts, pipeline.WithBranchObserver(c.L1I))
	}

	c.Pipeline = pipeline.NewPipeline(src, c.L1I, c.L1D, pipeOpts...)

	return c, nil
}

// Config returns the configuration the core was built with.
func (c *Core) Config() Config {
	return c.config
}

// Tick executes one pipeline cycle and advances the cache ports.
func (c *Core) Tick() error {
	err := c.Pipeline.Tick()
	c.L1I.Tick()
	c.L1D.Tick()
	return err
}

// Done returns true once every instruction of the source has retired.
func (c *Core) Done() bool {
	return c.Pipeline.Done()
}

// Warmup runs the core in warmup mode until n instructions have been
// accounted for, then starts a statistics phase.
func (c *Core) Warmup(ctx context.Context, n uint64) error {
	if n == 0 {
		c.beginPhase()
		return nil
	}

	c.logger.Info("warmup started", zap.Uint64("instructions", n))
	c.Pipeline.SetWarmup(true)
	err := c.runUntil(ctx, func() bool {
		return c.Pipeline.Stats().Instructions >= n
	})
	c.Pipeline.SetWarmup(false)
	if err != nil {
		return fmt.Errorf("warmup: %w", err)
	}

	c.logger.Info("warmup finished", zap.Uint64("cycle", c.Pipeline.Cycle()))
	c.beginPhase()
	return nil
}

// beginPhase starts a statistics phase on the pipeline and the caches.
func (c *Core) beginPhase() {
	c.Pipeline.BeginPhase()
	c.L1I.ResetStats()
	c.L1D.ResetStats()
	c.L2.ResetStats()
}

// Run executes the core until the instruction stream is exhausted and
// returns the statistics of the phase since warmup.
func (c *Core) Run(ctx context.Context) (pipeline.PhaseStats, error) {
	if err := c.runUntil(ctx, func() bool { return false }); err != nil {
		return pipeline.PhaseStats{}, err
	}

	return c.endPhase(), nil
}

// RunOnEngine executes the core as a ticking component of engine, clocked
// at freq, and returns the statistics of the phase since warmup.
func (c *Core) RunOnEngine(engine sim.Engine, freq sim.Freq) (pipeline.PhaseStats, error) {
	comp := NewComponent(fmt.Sprintf("Core%d", c.cpu), engine, freq, c)
	comp.TickLater()

	if err := engine.Run(); err != nil {
		return pipeline.PhaseStats{}, fmt.Errorf("engine: %w", err)
	}
	if err := comp.Err(); err != nil {
		return pipeline.PhaseStats{}, err
	}
	if !c.Done() {
		return pipeline.PhaseStats{}, fmt.Errorf("engine stopped at cycle %d before the core finished",
			c.Pipeline.Cycle())
	}

	return c.endPhase(), nil
}

func (c *Core) endPhase() pipeline.PhaseStats {
	ps := c.Pipeline.EndPhase(c.cpu)
	c.logger.Info("simulation finished",
		zap.Uint64("cycles", ps.Pipeline.Cycles),
		zap.Uint64("instructions", ps.Pipeline.Instructions),
		zap.Float64("ipc", ps.Pipeline.IPC()))
	return ps
}

// RunCycles executes the core for the specified number of cycles.
// Returns true if still running, false if done.
func (c *Core) RunCycles(cycles uint64) (bool, error) {
	for i := uint64(0); i < cycles && !c.Done(); i++ {
		if err := c.Tick(); err != nil {
			return false, err
		}
	}
	return !c.Done(), nil
}

// ctxCheckPeriod is the number of cycles between two context checks.
const ctxCheckPeriod = 4096

func (c *Core) runUntil(ctx context.Context, stop func() bool) error {
	for i := 0; !c.Done() && !stop(); i++ {
		if i%ctxCheckPeriod == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := c.Tick(); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns performance statistics for the core.
func (c *Core) Stats() Stats {
	return Stats{
		Pipeline: c.Pipeline.Stats(),
		L1IPort:  c.L1I.Stats(),
		L1DPort:  c.L1D.Stats(),
		L1I:      c.L1I.Cache().Stats(),
		L1D:      c.L1D.Cache().Stats(),
		L2:       c.L2.Stats(),
	}
}
