package core

import (
	"github.com/sarchlab/akita/v4/sim"
)

// Component drives a Core from an akita event engine, one pipeline cycle
// per tick.
type Component struct {
	*sim.TickingComponent

	core *Core
	err  error
}

// NewComponent wraps core in a ticking component clocked at freq.
func NewComponent(name string, engine sim.Engine, freq sim.Freq, core *Core) *Component {
	c := &Component{core: core}
	c.TickingComponent = sim.NewTickingComponent(name, engine, freq, c)
	return c
}

// Tick advances the core by one cycle. The component stops ticking once
// the core is done or has failed.
func (c *Component) Tick() bool {
	if c.err != nil || c.core.Done() {
		return false
	}

	if err := c.core.Tick(); err != nil {
		c.err = err
		return false
	}

	return !c.core.Done()
}

// Core returns the wrapped core.
func (c *Component) Core() *Core {
	return c.core
}

// Err returns the error that stopped the core, if any.
func (c *Component) Err() error {
	return c.err
}
