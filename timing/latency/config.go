package latency

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/multierr"
)

// TimingConfig holds the per-stage latencies of the out-of-order core.
type TimingConfig struct {
	// DecodeLatency is the number of cycles between promotion into the
	// decode buffer and decode. Default: 1 cycle.
	DecodeLatency uint64 `json:"decode_latency" toml:"decode_latency"`

	// DispatchLatency is the number of cycles an instruction spends in the
	// dispatch buffer before entering the ROB. Default: 1 cycle.
	DispatchLatency uint64 `json:"dispatch_latency" toml:"dispatch_latency"`

	// SchedulingLatency is the delay between scheduling and the earliest
	// execution. Default: 0 cycles.
	SchedulingLatency uint64 `json:"scheduling_latency" toml:"scheduling_latency"`

	// ALULatency is the execution latency of ordinary instructions.
	// Default: 1 cycle.
	ALULatency uint64 `json:"alu_latency" toml:"alu_latency"`

	// BranchLatency is the execution latency of branch instructions.
	// This does not include misprediction penalty. Default: 1 cycle.
	BranchLatency uint64 `json:"branch_latency" toml:"branch_latency"`

	// BranchMispredictPenalty is the number of cycles fetch stays stalled
	// after a misprediction resolves. Default: 1 cycle.
	BranchMispredictPenalty uint64 `json:"branch_mispredict_penalty" toml:"branch_mispredict_penalty"`
}

// DefaultTimingConfig returns a TimingConfig with default values.
func DefaultTimingConfig() *TimingConfig {
	return &TimingConfig{
		DecodeLatency:           1,
		DispatchLatency:         1,
		SchedulingLatency:       0,
		ALULatency:              1,
		BranchLatency:           1,
		BranchMispredictPenalty: 1,
	}
}

// LoadConfig loads a TimingConfig from a JSON file.
func LoadConfig(path string) (*TimingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timing config file: %w", err)
	}

	config := DefaultTimingConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse timing config: %w", err)
	}

	return config, nil
}

// SaveConfig writes a TimingConfig to a JSON file.
func (c *TimingConfig) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize timing config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write timing config file: %w", err)
	}

	return nil
}

// Validate checks that execution latencies are non-zero. Stage latencies
// may be zero.
func (c *TimingConfig) Validate() error {
	var err error
	if c.ALULatency == 0 {
		err = multierr.Append(err, fmt.Errorf("alu_latency must be > 0"))
	}
	if c.BranchLatency == 0 {
		err = multierr.Append(err, fmt.Errorf("branch_latency must be > 0"))
	}
	return err
}

// StageLatencySum returns the total latency an instruction with no
// dependencies accumulates from decode to completion.
func (c *TimingConfig) StageLatencySum() uint64 {
	return c.DecodeLatency + c.DispatchLatency + c.SchedulingLatency + c.ALULatency
}

// Clone returns a deep copy of the TimingConfig.
func (c *TimingConfig) Clone() *TimingConfig {
	clone := *c
	return &clone
}
