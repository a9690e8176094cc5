// Package main provides the entry point for bcsim, a cycle-driven
// out-of-order core simulator with bytecode interpreter skip-ahead.
//
// Usage:
//
//	bcsim [options] <trace[.gz]>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/sarchlab/bcsim/loader"
	"github.com/sarchlab/bcsim/timing/core"
	"github.com/sarchlab/bcsim/timing/pipeline"
)

// options holds the parsed command line.
type options struct {
	configPath string
	dumpConfig string
	warmup     int64
	noSkip     bool
	predictor  string
	jsonOutput bool
	engine     bool
	verbose    bool
	trace      string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options

	fs := flag.NewFlagSet("bcsim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "Path to a TOML or JSON core configuration")
	fs.StringVar(&o.dumpConfig, "dump-config", "", "Write the effective configuration as TOML to this path and exit")
	fs.Int64Var(&o.warmup, "warmup", -1, "Warmup instructions (overrides the configuration)")
	fs.BoolVar(&o.noSkip, "no-skip", false, "Disable bytecode skip-ahead")
	fs.StringVar(&o.predictor, "predictor", "", "Branch predictor: bimodal or tage (overrides the configuration)")
	fs.BoolVar(&o.jsonOutput, "json", false, "Print the region of interest statistics as JSON")
	fs.BoolVar(&o.engine, "engine", false, "Drive the core from an akita serial event engine")
	fs.BoolVar(&o.verbose, "v", false, "Verbose output")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: bcsim [options] <trace[.gz]>\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return o, err
	}

	if o.dumpConfig == "" {
		if fs.NArg() != 1 {
			fs.Usage()
			return o, errors.New("expected exactly one trace file")
		}
		o.trace = fs.Arg(0)
	}

	return o, nil
}

func buildConfig(o options) (core.Config, error) {
	config := core.DefaultConfig()
	if o.configPath != "" {
		var err error
		config, err = core.LoadConfig(o.configPath)
		if err != nil {
			return config, err
		}
	}

	if o.warmup >= 0 {
		config.WarmupInstructions = uint64(o.warmup)
	}
	if o.noSkip {
		config.Bytecode.SkipDispatch = false
	}
	if o.predictor != "" {
		config.Predictor.Kind = o.predictor
	}

	return config, config.Validate()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// run executes one simulation and writes the report to stdout.
func run(ctx context.Context, o options, logger *zap.Logger, stdout io.Writer) error {
	config, err := buildConfig(o)
	if err != nil {
		return err
	}

	if o.dumpConfig != "" {
		return config.Save(o.dumpConfig)
	}

	trace, err := loader.Open(o.trace)
	if err != nil {
		return err
	}
	defer func() { _ = trace.Close() }()

	c, err := core.NewCore(trace, config, core.WithLogger(logger))
	if err != nil {
		return err
	}

	if err := c.Warmup(ctx, config.WarmupInstructions); err != nil {
		return err
	}
	var ps pipeline.PhaseStats
	if o.engine {
		ps, err = c.RunOnEngine(sim.NewSerialEngine(), 1*sim.GHz)
	} else {
		ps, err = c.Run(ctx)
	}
	if err != nil {
		var deadlock *pipeline.DeadlockError
		if errors.As(err, &deadlock) {
			fmt.Fprintln(os.Stderr, deadlock.Dump)
		}
		return err
	}

	if o.jsonOutput {
		report := struct {
			Trace  string              `json:"trace"`
			ROI    pipeline.PhaseStats `json:"roi"`
			Caches core.Stats          `json:"caches"`
		}{o.trace, ps, c.Stats()}

		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}

	printReport(stdout, o.trace, c, ps)
	return nil
}

func printReport(w io.Writer, trace string, c *core.Core, ps pipeline.PhaseStats) {
	s := ps.Pipeline
	cs := c.Stats()

	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Trace: %s\n", trace)
	fmt.Fprintf(w, "Region of interest: cycles %d-%d\n", ps.BeginCycle, ps.EndCycle)
	fmt.Fprintf(w, "\n")
	fmt.Fprint(w, c.Pipeline.StallProfile())
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "ROI IPC: %.3f\n", s.IPC())
	fmt.Fprintf(w, "Branch MPKI: %.3f\n", s.BranchMPKI())
	fmt.Fprintf(w, "Bytecode BTB accuracy: %.1f%%\n", ps.Bytecode.BTBAccuracy)
	fmt.Fprintf(w, "Confidence gate hits: %d, misses: %d\n", ps.Bytecode.Gate.Hits, ps.Bytecode.Gate.Misses)
	fmt.Fprintf(w, "Prefetch buffer hit rate: %.1f%% (average miss wait %.1f cycles)\n",
		ps.Bytecode.Buffer.HitRate(), ps.Bytecode.Buffer.AverageWaitTime())
	fmt.Fprintf(w, "Skip targets found: %d, not found: %d\n", ps.Stream.TargetsFound, ps.Stream.NotFound)
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Caches:\n")
	fmt.Fprintf(w, "  L1I hit rate: %5.1f%%\n", cs.L1I.HitRate())
	fmt.Fprintf(w, "  L1D hit rate: %5.1f%%\n", cs.L1D.HitRate())
	fmt.Fprintf(w, "  L2  hit rate: %5.1f%%\n", cs.L2.HitRate())
}

func main() {
	o, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger, err := newLogger(o.verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, o, logger, os.Stdout); err != nil {
		logger.Error("simulation failed", zap.Error(err))
		os.Exit(1)
	}
}
