package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/segmentio/encoding/json"
	"go.uber.org/multierr"

	"github.com/sarchlab/bcsim/timing/bytecode"
	"github.com/sarchlab/bcsim/timing/cache"
	"github.com/sarchlab/bcsim/timing/latency"
	"github.com/sarchlab/bcsim/timing/pipeline"
)

// Config assembles the configuration of one core and its memory hierarchy.
type Config struct {
	Widths    pipeline.WidthConfig           `json:"widths" toml:"widths"`
	Timing    latency.TimingConfig           `json:"timing" toml:"timing"`
	Bytecode  bytecode.Config                `json:"bytecode" toml:"bytecode"`
	Predictor pipeline.BranchPredictorConfig `json:"predictor" toml:"predictor"`

	// DIBEnabled turns the decoded instruction buffer on.
	DIBEnabled bool                `json:"dib_enabled" toml:"dib_enabled"`
	DIB        pipeline.DIBConfig `json:"dib" toml:"dib"`

	L1I cache.Config `json:"l1i" toml:"l1i"`
	L1D cache.Config `json:"l1d" toml:"l1d"`
	L2  cache.Config `json:"l2" toml:"l2"`
	// MemoryLatency is the main memory access latency in cycles.
	MemoryLatency uint64 `json:"memory_latency" toml:"memory_latency"`
	// PortQueueSize bounds the in-flight requests of each L1 port.
	PortQueueSize int `json:"port_queue_size" toml:"port_queue_size"`
	// BranchPrefetch installs predicted branch targets in the L1I.
	BranchPrefetch bool `json:"branch_prefetch" toml:"branch_prefetch"`

	// WarmupInstructions is the number of instructions run in warmup mode
	// before statistics are collected.
	WarmupInstructions uint64 `json:"warmup_instructions" toml:"warmup_instructions"`
	DeadlockThreshold  uint64 `json:"deadlock_threshold" toml:"deadlock_threshold"`
	// HeartbeatPeriod is the number of retired instructions between two
	// progress logs. Zero disables the heartbeat.
	HeartbeatPeriod uint64 `json:"heartbeat_period" toml:"heartbeat_period"`
}

// DefaultConfig returns the default core: a wide out-of-order pipeline with
// skip-ahead enabled in front of a two-level cache hierarchy.
func DefaultConfig() Config {
	return Config{
		Widths:            pipeline.DefaultWidthConfig(),
		Timing:            *latency.DefaultTimingConfig(),
		Bytecode:          bytecode.DefaultConfig(),
		Predictor:         pipeline.DefaultBranchPredictorConfig(),
		DIBEnabled:        true,
		DIB:               pipeline.DefaultDIBConfig(),
		L1I:               cache.DefaultL1IConfig(),
		L1D:               cache.DefaultL1DConfig(),
		L2:                cache.DefaultL2Config(),
		MemoryLatency:     200,
		PortQueueSize:     cache.DefaultPortQueueSize,
		BranchPrefetch:    true,
		DeadlockThreshold: pipeline.DefaultDeadlockThreshold,
		HeartbeatPeriod:   10_000_000,
	}
}

// LoadConfig reads a TOML or JSON file, chosen by extension, on top of the
// default configuration and validates the result.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &config)
	case ".json":
		err = json.Unmarshal(data, &config)
	default:
		return config, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return config, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return config, nil
}

// Save writes the configuration as TOML.
func (c Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	err := multierr.Combine(
		c.Widths.Validate(),
		c.Timing.Validate(),
		c.Bytecode.Validate(),
		validateCache("l1i", c.L1I),
		validateCache("l1d", c.L1D),
		validateCache("l2", c.L2),
	)

	switch c.Predictor.Kind {
	case "", "bimodal", "tage":
	default:
		err = multierr.Append(err, fmt.Errorf("unknown branch predictor %q", c.Predictor.Kind))
	}

	if c.DIBEnabled && (c.DIB.Sets <= 0 || c.DIB.Ways <= 0 || c.DIB.WindowSize <= 0) {
		err = multierr.Append(err, fmt.Errorf("dib geometry must be positive, got %+v", c.DIB))
	}
	if c.DeadlockThreshold == 0 {
		err = multierr.Append(err, fmt.Errorf("deadlock_threshold must be > 0"))
	}

	return err
}

func validateCache(name string, c cache.Config) error {
	var err error
	if c.BlockSize <= 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		err = multierr.Append(err, fmt.Errorf("%s: block_size must be a power of two, got %d", name, c.BlockSize))
	}
	if c.Associativity <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s: associativity must be > 0", name))
	}
	if c.BlockSize > 0 && c.Associativity > 0 && c.Size%(c.BlockSize*c.Associativity) != 0 {
		err = multierr.Append(err, fmt.Errorf("%s: size %d is not a multiple of block_size*associativity", name, c.Size))
	}
	return err
}
