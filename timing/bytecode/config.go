// Package bytecode models the interpreter-acceleration hardware of a core:
// a bytecode jump predictor, a per-opcode confidence gate, a small windowed
// bytecode prefetch buffer, and the instruction stream surgery that lets
// the core skip the interpreter's dispatch sequence.
package bytecode

import (
	"fmt"

	"go.uber.org/multierr"
)

// Config holds the geometry of the bytecode tables.
type Config struct {
	// SkipDispatch enables skip-ahead over dispatch sequences.
	SkipDispatch bool `json:"skip_dispatch" toml:"skip_dispatch"`
	// UseOperands keys jump predictions on the operand as well as the opcode.
	UseOperands bool `json:"use_operands" toml:"use_operands"`

	// BytecodeSize is the size of one bytecode instruction in bytes.
	BytecodeSize uint64 `json:"bytecode_size" toml:"bytecode_size"`
	// FetchTime is the number of bytecodes assumed consumed between two
	// dispatches when no prediction is available.
	FetchTime uint64 `json:"fetch_time" toml:"fetch_time"`

	// BTBSize is the number of opcode entries in the jump predictor.
	BTBSize int `json:"btb_size" toml:"btb_size"`
	// GateSize is the number of opcodes the confidence gate tracks.
	GateSize int `json:"gate_size" toml:"gate_size"`

	// BufferWindows is the number of prefetch buffer windows.
	BufferWindows int `json:"buffer_windows" toml:"buffer_windows"`
	// WindowSize is the number of bytecodes held by one window.
	WindowSize uint64 `json:"window_size" toml:"window_size"`
	// FetchOffset is the number of bytecodes fetched behind the requested
	// address.
	FetchOffset uint64 `json:"fetch_offset" toml:"fetch_offset"`
}

// DefaultConfig returns the default table geometry with skip-ahead enabled.
func DefaultConfig() Config {
	return Config{
		SkipDispatch:  true,
		UseOperands:   false,
		BytecodeSize:  2,
		FetchTime:     1,
		BTBSize:       256,
		GateSize:      128,
		BufferWindows: 3,
		WindowSize:    16,
		FetchOffset:   0,
	}
}

// Validate checks the table geometry.
func (c Config) Validate() error {
	var err error
	if c.BytecodeSize == 0 {
		err = multierr.Append(err, fmt.Errorf("bytecode_size must be > 0"))
	}
	if c.BTBSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("btb_size must be > 0"))
	}
	if c.GateSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("gate_size must be > 0"))
	}
	if c.BufferWindows <= 0 {
		err = multierr.Append(err, fmt.Errorf("buffer_windows must be > 0"))
	}
	if c.WindowSize == 0 {
		err = multierr.Append(err, fmt.Errorf("window_size must be > 0"))
	}
	if c.FetchOffset > c.WindowSize {
		err = multierr.Append(err, fmt.Errorf("fetch_offset must be <= window_size"))
	}
	return err
}
