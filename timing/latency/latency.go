// Package latency provides instruction timing models for cycle-accurate simulation.
//
// The latency values can be configured via TimingConfig.
package latency

import (
	"github.com/sarchlab/bcsim/insts"
)

// Table provides instruction latency lookups.
type Table struct {
	config *TimingConfig
}

// NewTable creates a new latency table with default timing values.
func NewTable() *Table {
	return &Table{
		config: DefaultTimingConfig(),
	}
}

// NewTableWithConfig creates a new latency table with custom timing configuration.
func NewTableWithConfig(config *TimingConfig) *Table {
	return &Table{
		config: config,
	}
}

// GetLatency returns the execution latency in cycles for the given instruction.
// Memory time is modeled by the memory hierarchy, not here.
func (t *Table) GetLatency(inst *insts.Instruction) uint64 {
	if inst == nil {
		return 1
	}

	if inst.IsBranch {
		return t.config.BranchLatency
	}

	return t.config.ALULatency
}

// IsMemoryOp returns true if the instruction accesses memory.
func (t *Table) IsMemoryOp(inst *insts.Instruction) bool {
	if inst == nil {
		return false
	}
	return inst.NumMemOps() > 0
}

// Config returns the current timing configuration.
func (t *Table) Config() *TimingConfig {
	return t.config
}
