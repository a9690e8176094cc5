// Package pipeline provides the cycle-driven out-of-order core model.
//
// Every cycle the core runs its stages in reverse pipeline order, from
// retire back to stream initialization, so that no instruction can move
// through two dependent stages within a single cycle.
package pipeline

import (
	"fmt"

	"go.uber.org/multierr"
)

// WidthConfig controls per-cycle stage throughput and buffer capacities.
type WidthConfig struct {
	FetchWidth    int `json:"fetch_width" toml:"fetch_width"`
	DecodeWidth   int `json:"decode_width" toml:"decode_width"`
	DispatchWidth int `json:"dispatch_width" toml:"dispatch_width"`
	// SchedulerSize is the number of not-yet-executed ROB entries the
	// scheduler looks at per cycle.
	SchedulerSize int `json:"scheduler_size" toml:"scheduler_size"`
	ExecWidth     int `json:"exec_width" toml:"exec_width"`
	RetireWidth   int `json:"retire_width" toml:"retire_width"`
	LQWidth       int `json:"lq_width" toml:"lq_width"`
	SQWidth       int `json:"sq_width" toml:"sq_width"`

	// L1IBandwidth is the number of L1I requests issued and returns
	// handled per cycle.
	L1IBandwidth int `json:"l1i_bandwidth" toml:"l1i_bandwidth"`
	// L1DBandwidth is the number of L1D returns handled per cycle.
	L1DBandwidth int `json:"l1d_bandwidth" toml:"l1d_bandwidth"`

	IFetchBufferSize   int `json:"ifetch_buffer_size" toml:"ifetch_buffer_size"`
	DecodeBufferSize   int `json:"decode_buffer_size" toml:"decode_buffer_size"`
	DispatchBufferSize int `json:"dispatch_buffer_size" toml:"dispatch_buffer_size"`
	ROBSize            int `json:"rob_size" toml:"rob_size"`
	LQSize             int `json:"lq_size" toml:"lq_size"`
	SQSize             int `json:"sq_size" toml:"sq_size"`

	// InputQueueSize is the length of the primary instruction queue.
	InputQueueSize int `json:"input_queue_size" toml:"input_queue_size"`
	// LookaheadSize is the length of the lookahead queue the skip target
	// search can see beyond the primary queue.
	LookaheadSize int `json:"lookahead_size" toml:"lookahead_size"`
}

// DefaultWidthConfig returns a wide out-of-order configuration.
func DefaultWidthConfig() WidthConfig {
	return WidthConfig{
		FetchWidth:         6,
		DecodeWidth:        6,
		DispatchWidth:      6,
		SchedulerSize:      128,
		ExecWidth:          4,
		RetireWidth:        5,
		LQWidth:            2,
		SQWidth:            2,
		L1IBandwidth:       1,
		L1DBandwidth:       1,
		IFetchBufferSize:   64,
		DecodeBufferSize:   32,
		DispatchBufferSize: 32,
		ROBSize:            352,
		LQSize:             128,
		SQSize:             72,
		InputQueueSize:     128,
		LookaheadSize:      512,
	}
}

// ScalarWidthConfig returns a configuration where every width is one.
func ScalarWidthConfig() WidthConfig {
	return WidthConfig{
		FetchWidth:         1,
		DecodeWidth:        1,
		DispatchWidth:      1,
		SchedulerSize:      1,
		ExecWidth:          1,
		RetireWidth:        1,
		LQWidth:            1,
		SQWidth:            1,
		L1IBandwidth:       1,
		L1DBandwidth:       1,
		IFetchBufferSize:   8,
		DecodeBufferSize:   8,
		DispatchBufferSize: 8,
		ROBSize:            16,
		LQSize:             8,
		SQSize:             8,
		InputQueueSize:     8,
		LookaheadSize:      64,
	}
}

// Validate checks that every width and size is positive.
func (c WidthConfig) Validate() error {
	var err error
	check := func(name string, v int) {
		if v <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be > 0, got %d", name, v))
		}
	}

	check("fetch_width", c.FetchWidth)
	check("decode_width", c.DecodeWidth)
	check("dispatch_width", c.DispatchWidth)
	check("scheduler_size", c.SchedulerSize)
	check("exec_width", c.ExecWidth)
	check("retire_width", c.RetireWidth)
	check("lq_width", c.LQWidth)
	check("sq_width", c.SQWidth)
	check("l1i_bandwidth", c.L1IBandwidth)
	check("l1d_bandwidth", c.L1DBandwidth)
	check("ifetch_buffer_size", c.IFetchBufferSize)
	check("decode_buffer_size", c.DecodeBufferSize)
	check("dispatch_buffer_size", c.DispatchBufferSize)
	check("rob_size", c.ROBSize)
	check("lq_size", c.LQSize)
	check("sq_size", c.SQSize)
	check("input_queue_size", c.InputQueueSize)
	check("lookahead_size", c.LookaheadSize)

	return err
}

// WithWidths sets the stage widths and buffer sizes.
func WithWidths(config WidthConfig) PipelineOption {
	return func(p *Pipeline) {
		p.widths = config
	}
}

// WithScalarWidths makes every stage one instruction wide.
func WithScalarWidths() PipelineOption {
	return func(p *Pipeline) {
		p.widths = ScalarWidthConfig()
	}
}
