// Command benchmark runs the synthetic interpreter workloads through the
// timing core, with and without bytecode skip-ahead.
//
// Usage:
//
//	go run ./cmd/benchmark [flags]
//
// Flags:
//
//	-csv         Output results in CSV format (default: human-readable)
//	-json        Output a JSON report with a summary
//	-no-compare  Run each workload once, in the configured skip mode
//	-quick       Run only the core workloads
//	-config      TOML or JSON core configuration
//	-v           Log simulation progress
//
// Example:
//
//	# Output CSV for spreadsheet comparison
//	go run ./cmd/benchmark -csv > results.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"github.com/sarchlab/bcsim/benchmarks"
	"github.com/sarchlab/bcsim/timing/core"
)

func main() {
	csvOutput := flag.Bool("csv", false, "Output results in CSV format")
	jsonOutput := flag.Bool("json", false, "Output a JSON report")
	noCompare := flag.Bool("no-compare", false, "Do not compare against a run without skip-ahead")
	quick := flag.Bool("quick", false, "Run only the core workloads")
	configPath := flag.String("config", "", "Path to a TOML or JSON core configuration")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	config := benchmarks.DefaultConfig()
	config.CompareSkip = !*noCompare
	config.Output = os.Stdout

	if *configPath != "" {
		c, err := core.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		config.Core = c
	}

	if *verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = logger.Sync() }()
		config.Logger = logger
	}

	harness := benchmarks.NewHarness(config)
	if *quick {
		harness.AddWorkloads(benchmarks.GetCoreWorkloads())
	} else {
		harness.AddWorkloads(benchmarks.GetWorkloads())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if !*csvOutput && !*jsonOutput {
		fmt.Println("Bytecode Skip-Ahead Benchmark Harness")
		fmt.Println("=====================================")
		fmt.Printf("Skip-ahead compared: %v\n", config.CompareSkip)
		fmt.Printf("Predictor: %s\n", config.Core.Predictor.Kind)
		fmt.Println("")
	}

	results, err := harness.RunAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}

	switch {
	case *jsonOutput:
		if err := harness.PrintJSON(results); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing JSON: %v\n", err)
			os.Exit(1)
		}
	case *csvOutput:
		harness.PrintCSV(results)
	default:
		harness.PrintResults(results)

		summary := benchmarks.Summarize(results)
		fmt.Println("=== Summary ===")
		fmt.Printf("Runs: %d, average CPI: %.3f\n", summary.TotalRuns, summary.AverageCPI)
		for name, speedup := range summary.Speedups {
			fmt.Printf("  %-20s skip-ahead speedup %.3fx\n", name, speedup)
		}
	}
}
