package pipeline

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/sarchlab/bcsim/insts"
	"github.com/sarchlab/bcsim/timing/cache"
)

// initialize admits instructions from the stream into the ifetch buffer.
// With skip-ahead enabled, bytecode loads never enter the core: they drive
// the bytecode tables and may elide the dispatch sequence that follows.
func (p *Pipeline) initialize() error {
	if err := p.stream.Refill(); err != nil {
		return fmt.Errorf("cpu %d: %w", p.cpu, err)
	}

	p.retryBytecodeRead()

	skip := p.bc.Config().SkipDispatch
	n := min(p.widths.FetchWidth, p.widths.IFetchBufferSize-len(p.ifetch))
	for p.cycle >= p.fetchResume && n > 0 && !p.stream.Empty() {
		n--

		if skip {
			head := p.stream.Front()
			if head.LoadType == insts.LoadInitial || head.LoadType == insts.LoadBytecode {
				p.stream.Reorder()
			}
		}

		front := p.stream.Front()
		stop := p.initInstruction(front)

		if !skip || front.LoadType != insts.LoadBytecode || len(front.SrcMem) == 0 {
			p.stream.Pop()
			front.EventCycle = p.cycle
			p.ifetch = append(p.ifetch, front)
		} else if p.initBytecodeLoad(front) {
			stop = true
		}

		if stop {
			n = 0
		}
	}

	return nil
}

// initInstruction applies warmup simplifications and predicts the
// instruction's control flow. It returns true when initialization must stop
// for this cycle.
func (p *Pipeline) initInstruction(inst *insts.Instruction) bool {
	if p.warmup {
		inst.SrcRegs = nil
		inst.DstRegs = nil
	}
	return p.predictBranch(inst)
}

// predictBranch consults the branch predictor for every instruction and,
// for branches, checks the prediction against the recorded outcome.
func (p *Pipeline) predictBranch(inst *insts.Instruction) bool {
	p.stats.BranchTypes[inst.BranchType]++

	pred := p.predictor.Predict(inst.PC)
	inst.PredictedTaken = pred.Taken
	target := pred.PredictedTarget()

	if !inst.IsBranch {
		return false
	}

	if p.observer != nil {
		p.observer.BranchOperate(inst.PC, inst.BranchType, target)
	}

	stop := false
	directional := inst.BranchType == insts.BranchConditional || inst.BranchType == insts.BranchOther
	if target != inst.Target || (directional && inst.Taken != inst.PredictedTaken) {
		p.stats.BranchMisses[inst.BranchType]++
		if !p.warmup {
			p.fetchResume = math.MaxUint64
			stop = true
			inst.Mispredicted = true
			if inst.LoadType.IsJump() {
				p.stats.WrongBytecodeJumps++
			}
		}
	} else {
		stop = inst.Taken
		if inst.LoadType == insts.LoadJumpPoint {
			p.stats.CorrectBytecodeJumps++
		}
	}

	p.predictor.Update(inst.PC, inst.BranchType, inst.Taken, inst.Target)
	return stop
}

// initBytecodeLoad handles a bytecode load at the head of the stream. It
// verifies and makes bytecode predictions, manages the prefetch buffer, and
// skips to the handler when the confidence gate trusts the opcode. It
// returns true when initialization must stop for this cycle.
func (p *Pipeline) initBytecodeLoad(front *insts.Instruction) bool {
	bc := p.bc
	p.stats.BytecodesSeen++

	bpc := front.SrcMem[0]
	opcode := int(front.LoadValue & 0xFF)
	oparg := 0
	if front.LoadSize != 8 {
		oparg = int(front.LoadValue >> 8)
	}

	hit := bc.Buffer.Hit(bpc)
	target := p.stream.FindTarget(front)
	correct := false
	fetchPC := bc.SequentialPC(bpc)

	var shouldFetch bool
	if hit {
		if target != nil {
			correct = bc.CorrectPrediction(bpc)
			fetchPC = bc.PredictBranching(opcode, oparg, bpc)
		}
		shouldFetch = bc.Buffer.ShouldFetch(fetchPC)
	} else {
		fetchPC = bpc
		shouldFetch = bc.Buffer.ShouldFetch(bpc)
		if target != nil && !p.warmup {
			if addr, pending := bc.Buffer.Demand(); pending {
				p.logger.Warn("bytecode demand fetch while another is pending",
					zap.Uint64("pending", addr), zap.Uint64("bpc", bpc))
			}
			p.fetchResume = math.MaxUint64
			p.bytecodeBufferMiss = true
			bc.Buffer.SetDemand(bpc)
		}
		if !shouldFetch {
			bc.Buffer.CountInflightMiss()
		}
	}

	stop := false
	if target != nil && bc.Gate.Hit(opcode) {
		marked := false
		if !correct {
			marker := front.Clone()
			marker.LoadType = insts.LoadMissPrediction
			marker.EventCycle = p.cycle
			p.ifetch = append(p.ifetch, marker)
			p.missBPCCycle = p.cycle
			p.stats.MissBPC++
			marked = true
		}

		stop = true
		skipped := uint64(p.stream.SkipTo(target) - 1)
		p.stats.Skipped += skipped
		p.stats.Instructions += skipped
		if !marked {
			p.stats.Instructions++
		}
	} else {
		p.stream.Pop()
		p.stats.Instructions++
	}

	if shouldFetch {
		p.fetchBytecode(fetchPC, hit)
	}

	return stop
}

// fetchBytecode starts filling a prefetch buffer window around addr.
func (p *Pipeline) fetchBytecode(addr uint64, prefetch bool) {
	tag, ok := p.bc.Buffer.StartFetch(addr, p.cycle, prefetch)
	if !ok {
		return
	}

	if prefetch {
		p.stats.BytecodePrefetches++
	} else {
		p.stats.BytecodeDemandFetches++
	}

	var id uint64
	if next := p.stream.Front(); next != nil {
		id = next.ID
	}

	req := &cache.Request{
		Address:  addr,
		InstrID:  id,
		PC:       addr,
		LoadType: insts.LoadBytecode,
		Tag:      tag,
	}
	if !p.l1i.IssueRead(req) {
		p.pendingBytecodeReads = append(p.pendingBytecodeReads, req)
	}
}

// retryBytecodeRead reissues bytecode window reads the L1I port rejected.
func (p *Pipeline) retryBytecodeRead() {
	for len(p.pendingBytecodeReads) > 0 {
		if !p.l1i.IssueRead(p.pendingBytecodeReads[0]) {
			return
		}
		p.pendingBytecodeReads[0] = nil
		p.pendingBytecodeReads = p.pendingBytecodeReads[1:]
	}
}
