package pipeline

import (
	"fmt"
	"strings"

	"github.com/sarchlab/bcsim/insts"
)

// DeadlockError is returned by Tick when the pipeline made no progress for
// longer than the deadlock threshold.
type DeadlockError struct {
	CPU   int
	Cycle uint64
	// Dump lists the content of every buffer and queue.
	Dump string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock on cpu %d at cycle %d", e.CPU, e.Cycle)
}

func dumpInstructions(sb *strings.Builder, name string, buf []*insts.Instruction) {
	fmt.Fprintf(sb, "cpu %s (%d):\n", name, len(buf))
	for _, inst := range buf {
		fmt.Fprintf(sb, "  %v\n", inst)
	}
}

// Dump formats every buffer and queue of the pipeline for diagnostics.
func (p *Pipeline) Dump() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "cpu %d cycle %d fetch_resume %d\n", p.cpu, p.cycle, p.fetchResume)
	dumpInstructions(&sb, "ifetch", p.ifetch)
	dumpInstructions(&sb, "decode", p.decodeBuf)
	dumpInstructions(&sb, "dispatch", p.dispatchBuf)
	dumpInstructions(&sb, "rob", p.rob.Entries())

	fmt.Fprintf(&sb, "cpu lq (%d free of %d):\n", p.freeLQSlots(), len(p.lq))
	for slot, e := range p.lq {
		if e == nil {
			continue
		}
		producer := "-"
		if e.WaitsOnStore() {
			producer = fmt.Sprint(e.ProducerID)
		}
		fmt.Fprintf(&sb, "  [%d] id=%d addr=%#x issued=%v event=%d waits_on=%s\n",
			slot, e.InstrID, e.Address, e.Issued, e.EventCycle, producer)
	}

	fmt.Fprintf(&sb, "cpu sq (%d):\n", len(p.sq))
	for _, s := range p.sq {
		fmt.Fprintf(&sb, "  id=%d addr=%#x issued=%v event=%d lq_waiting=%v\n",
			s.InstrID, s.Address, s.Issued, s.EventCycle, s.Dependents)
	}

	fmt.Fprintf(&sb, "cpu bytecode buffer:\n%s", p.bc.Buffer.Dump())
	fmt.Fprintf(&sb, "cpu stream:\n%s", p.stream.Dump())

	return sb.String()
}

// StallProfile returns a formatted string summarizing the run.
func (p *Pipeline) StallProfile() string {
	s := p.stats
	return fmt.Sprintf(
		"Stall Profile:\n"+
			"  Cycles:                    %d\n"+
			"  Instructions:              %d\n"+
			"  CPI:                       %.3f\n"+
			"  Idle Cycles:               %d\n"+
			"  Skipped Instructions:      %d\n"+
			"  Bytecodes Seen:            %d\n"+
			"  Bytecode Mispredictions:   %d\n"+
			"  Bytecode Miss Penalty:     %d\n"+
			"  Branch Mispredictions:     %d\n",
		s.Cycles,
		s.Instructions,
		s.CPI(),
		s.IdleCycles,
		s.Skipped,
		s.BytecodesSeen,
		s.MissBPC,
		s.MissBPCPenalty,
		s.TotalBranchMisses(),
	)
}
