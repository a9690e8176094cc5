package pipeline

import (
	"github.com/sarchlab/bcsim/insts"
	"github.com/sarchlab/bcsim/timing/cache"
)

// Every stage returns the number of instructions or requests it advanced.
// The sum over all stages is the pipeline's progress for the cycle.

// retire removes the completed prefix of the ROB.
func (p *Pipeline) retire() int {
	n := 0
	for _, inst := range p.rob.Entries() {
		if n == p.widths.RetireWidth || inst.Executed != insts.Completed {
			break
		}
		n++
	}

	p.rob.PopFront(n)
	p.stats.Instructions += uint64(n)
	return n
}

// completeExecution finishes executing instructions whose latency has
// elapsed and whose memory operands are done.
func (p *Pipeline) completeExecution() int {
	bw := p.widths.ExecWidth
	for _, inst := range p.rob.Entries() {
		if bw == 0 {
			break
		}
		if inst.Executed != insts.InFlight || inst.EventCycle > p.cycle ||
			inst.CompletedMemOps != inst.NumMemOps() {
			continue
		}

		p.regs.Complete(inst, p.rob)
		inst.Executed = insts.Completed
		if inst.Mispredicted {
			p.fetchResume = p.cycle + p.penalty()
		}
		bw--
	}
	return p.widths.ExecWidth - bw
}

// execute starts scheduled instructions with no outstanding producer.
func (p *Pipeline) execute() int {
	bw := p.widths.ExecWidth
	for _, inst := range p.rob.Entries() {
		if bw == 0 {
			break
		}
		if inst.Scheduled != insts.Completed || inst.Executed != insts.NotStarted ||
			inst.NumRegDependent != 0 || inst.EventCycle > p.cycle {
			continue
		}

		p.startExecution(inst)
		bw--
	}
	return p.widths.ExecWidth - bw
}

func (p *Pipeline) startExecution(inst *insts.Instruction) {
	ready := p.cycle
	if !p.warmup {
		ready += p.latencyTable.GetLatency(inst)
	}

	inst.Executed = insts.InFlight
	inst.EventCycle = ready

	if !p.latencyTable.IsMemoryOp(inst) {
		return
	}
	for _, e := range p.lq {
		if e != nil && e.InstrID == inst.ID {
			e.EventCycle = ready
		}
	}
	for _, s := range p.sq {
		if s.InstrID == inst.ID {
			s.EventCycle = ready
		}
	}
}

// schedule registers register dependencies for unscheduled ROB entries.
// The window covers the first SchedulerSize entries that have not started
// executing.
func (p *Pipeline) schedule() int {
	searchBW := p.widths.SchedulerSize
	progress := 0
	for _, inst := range p.rob.Entries() {
		if searchBW == 0 {
			break
		}
		if inst.Scheduled == insts.NotStarted {
			p.regs.Schedule(inst, p.rob)
			inst.Scheduled = insts.Completed
			inst.EventCycle = p.cycle
			if !p.warmup {
				inst.EventCycle += p.latencyTable.Config().SchedulingLatency
			}
			progress++
		}
		if inst.Executed == insts.NotStarted {
			searchBW--
		}
	}
	return progress
}

// dispatch moves decoded instructions into the ROB and allocates their
// load and store queue entries.
func (p *Pipeline) dispatch() int {
	bw := p.widths.DispatchWidth
	for bw > 0 && len(p.dispatchBuf) > 0 {
		inst := p.dispatchBuf[0]
		if inst.EventCycle >= p.cycle || p.rob.Full() ||
			p.freeLQSlots() < len(inst.SrcMem) ||
			len(inst.DstMem)+len(p.sq) > p.widths.SQSize {
			break
		}

		p.dispatchBuf[0] = nil
		p.dispatchBuf = p.dispatchBuf[1:]
		p.rob.Push(inst)
		p.scheduleMemory(inst)
		bw--
	}
	return p.widths.DispatchWidth - bw
}

// decode moves ready decode buffer entries to the dispatch buffer. Direct
// branches and conditionals with a correct direction resolve their
// misprediction here.
func (p *Pipeline) decode() int {
	bw := min(p.widths.DecodeWidth, p.widths.DispatchBufferSize-len(p.dispatchBuf))

	n := 0
	for n < bw && n < len(p.decodeBuf) && p.decodeBuf[n].EventCycle <= p.cycle {
		inst := p.decodeBuf[n]
		p.dib.Fill(inst.PC)

		if inst.Mispredicted && resolvesAtDecode(inst) {
			inst.Mispredicted = false
			p.fetchResume = p.cycle + p.penalty()
		}

		inst.EventCycle = p.cycle
		if !p.warmup {
			inst.EventCycle += p.latencyTable.Config().DispatchLatency
		}
		n++
	}

	p.dispatchBuf = append(p.dispatchBuf, p.decodeBuf[:n]...)
	p.decodeBuf = shift(p.decodeBuf, n)
	return n
}

func resolvesAtDecode(inst *insts.Instruction) bool {
	switch inst.BranchType {
	case insts.BranchDirectJump, insts.BranchDirectCall:
		return true
	case insts.BranchConditional, insts.BranchOther:
		return inst.Taken == inst.PredictedTaken
	}
	return false
}

// promoteToDecode moves the fetched prefix of the ifetch buffer to the
// decode buffer.
func (p *Pipeline) promoteToDecode() int {
	bw := min(p.widths.FetchWidth, p.widths.DecodeBufferSize-len(p.decodeBuf))

	n := 0
	for n < bw && n < len(p.ifetch) {
		inst := p.ifetch[n]
		if inst.Fetched != insts.Completed || inst.EventCycle > p.cycle {
			break
		}

		inst.EventCycle = p.cycle
		if !p.warmup && inst.Decoded != insts.Completed {
			inst.EventCycle += p.latencyTable.Config().DecodeLatency
		}
		n++
	}

	p.decodeBuf = append(p.decodeBuf, p.ifetch[:n]...)
	p.ifetch = shift(p.ifetch, n)
	return n
}

// fetch issues one L1I read per run of fetch-ready instructions in the same
// cache block.
func (p *Pipeline) fetch() int {
	ready := func(inst *insts.Instruction) bool {
		return inst.DIBChecked == insts.Completed && inst.Fetched == insts.NotStarted
	}

	progress := 0
	begin := 0
	for begin < len(p.ifetch) && !ready(p.ifetch[begin]) {
		begin++
	}

	for toRead := p.widths.L1IBandwidth; toRead > 0 && begin < len(p.ifetch); toRead-- {
		end := begin + 1
		for end < len(p.ifetch) && ready(p.ifetch[end]) &&
			sameBlock(p.ifetch[end].PC, p.ifetch[end-1].PC) {
			end++
		}

		group := p.ifetch[begin:end]
		req := &cache.Request{
			Address:  group[0].PC,
			InstrID:  group[0].ID,
			PC:       group[0].PC,
			LoadType: group[0].LoadType,
		}
		for _, inst := range group {
			req.Dependents = append(req.Dependents, inst.ID)
		}

		if p.l1i.IssueRead(req) {
			for _, inst := range group {
				inst.Fetched = insts.InFlight
			}
			progress++
		}

		begin = end
		for begin < len(p.ifetch) && !ready(p.ifetch[begin]) {
			begin++
		}
	}

	return progress
}

// checkDIB looks the next FetchWidth unchecked ifetch entries up in the
// decoded instruction buffer. A hit skips fetch and decode.
func (p *Pipeline) checkDIB() int {
	begin := 0
	for begin < len(p.ifetch) && p.ifetch[begin].DIBChecked == insts.Completed {
		begin++
	}
	end := min(begin+p.widths.FetchWidth, len(p.ifetch))

	for _, inst := range p.ifetch[begin:end] {
		if p.dib.Hit(inst.PC) {
			inst.Fetched = insts.Completed
			inst.Decoded = insts.Completed
			inst.EventCycle = p.cycle
			p.stats.DIBHits++
		}
		inst.DIBChecked = insts.Completed
	}

	return end - begin
}

// shift drops the first n entries of a stage buffer.
func shift(buf []*insts.Instruction, n int) []*insts.Instruction {
	for i := 0; i < n; i++ {
		buf[i] = nil
	}
	return buf[n:]
}
