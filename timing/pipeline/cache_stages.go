package pipeline

import (
	"math"

	"github.com/sarchlab/bcsim/insts"
	"github.com/sarchlab/bcsim/timing/cache"
)

// noProducer marks a load that does not wait on a store.
const noProducer = math.MaxUint64

// blockBits is log2 of the cache block size used to match returned blocks.
const blockBits = 6

func sameBlock(a, b uint64) bool {
	return a>>blockBits == b>>blockBits
}

// MemoryPort is the bus between the core and one cache. Issue calls never
// block: false means the request was not admitted and must be retried.
type MemoryPort interface {
	IssueRead(req *cache.Request) bool
	IssueWrite(req *cache.Request) bool
	// Returned lists completed reads, oldest first.
	Returned() []*cache.Request
	PopReturned(n int)
}

// LQEntry is an occupied load queue slot.
type LQEntry struct {
	InstrID  uint64
	Address  uint64
	PC       uint64
	LoadType insts.LoadType
	// ProducerID is the id of the store this load is forwarded from, or
	// noProducer.
	ProducerID uint64
	Issued     bool
	EventCycle uint64
}

// WaitsOnStore reports whether the load is waiting for a store to forward
// its data.
func (e *LQEntry) WaitsOnStore() bool {
	return e.ProducerID != noProducer
}

// SQEntry is a store queue entry. It lives until the cache accepts its
// write.
type SQEntry struct {
	InstrID uint64
	Address uint64
	PC      uint64
	// Issued is set once the store's data is ready. Issued entries form a
	// prefix of the store queue.
	Issued     bool
	EventCycle uint64
	// Dependents holds the load queue slots forwarded from this store.
	Dependents []int
}

// freeLQSlots returns the number of empty load queue slots.
func (p *Pipeline) freeLQSlots() int {
	n := 0
	for _, e := range p.lq {
		if e == nil {
			n++
		}
	}
	return n
}

// finishMemOp marks one memory operand of instruction id complete.
func (p *Pipeline) finishMemOp(id uint64) {
	if inst := p.rob.Find(id); inst != nil {
		inst.CompletedMemOps++
	}
}

// finishLoad completes the load in slot and frees it.
func (p *Pipeline) finishLoad(slot int) {
	p.finishMemOp(p.lq[slot].InstrID)
	p.lq[slot] = nil
}

// scheduleMemory allocates load and store queue entries for inst and
// forwards loads from older stores to the same address.
func (p *Pipeline) scheduleMemory(inst *insts.Instruction) {
	for _, addr := range inst.SrcMem {
		if inst.LoadType == insts.LoadMissPrediction {
			p.stats.MissBPCPenalty += p.cycle - p.missBPCCycle
		}

		slot := -1
		for i, e := range p.lq {
			if e == nil {
				slot = i
				break
			}
		}
		if slot < 0 {
			panic("load queue full after dispatch admitted a load")
		}

		entry := &LQEntry{
			InstrID:    inst.ID,
			Address:    addr,
			PC:         inst.PC,
			LoadType:   inst.LoadType,
			ProducerID: noProducer,
			EventCycle: math.MaxUint64,
		}
		p.lq[slot] = entry

		var store *SQEntry
		for _, s := range p.sq {
			if s.Address == addr && (store == nil || s.InstrID > store.InstrID) {
				store = s
			}
		}
		if store == nil {
			continue
		}

		if store.Issued {
			p.lq[slot] = nil
			inst.CompletedMemOps++
			p.stats.ForwardedLoads++
			continue
		}

		store.Dependents = append(store.Dependents, slot)
		entry.ProducerID = store.InstrID
	}

	for _, addr := range inst.DstMem {
		p.sq = append(p.sq, &SQEntry{
			InstrID:    inst.ID,
			Address:    addr,
			PC:         inst.PC,
			EventCycle: math.MaxUint64,
		})
	}
}

// finishStore completes the store's own memory operand and every load
// forwarded from it.
func (p *Pipeline) finishStore(s *SQEntry) {
	p.finishMemOp(s.InstrID)

	for _, slot := range s.Dependents {
		dep := p.lq[slot]
		if dep == nil || dep.ProducerID != s.InstrID {
			panic("load forwarded from a store lost its queue slot")
		}
		p.finishLoad(slot)
		p.stats.ForwardedLoads++
	}
	s.Dependents = nil
}

// operateLSQ issues ready stores, writes retired stores to the cache and
// issues ready loads.
func (p *Pipeline) operateLSQ() int {
	storeBW := p.widths.SQWidth

	start := 0
	for start < len(p.sq) && p.sq[start].Issued {
		start++
	}
	for i := start; i < len(p.sq) && storeBW > 0; i++ {
		s := p.sq[i]
		if s.Issued || s.EventCycle > p.cycle {
			break
		}
		p.finishStore(s)
		s.Issued = true
		s.EventCycle = p.cycle
		storeBW--
	}

	completeID := uint64(math.MaxUint64)
	if front := p.rob.Front(); front != nil {
		completeID = front.ID
	}

	written := 0
	for written < len(p.sq) && storeBW > 0 {
		s := p.sq[written]
		if s.InstrID >= completeID || s.EventCycle > p.cycle {
			break
		}
		if !p.l1d.IssueWrite(&cache.Request{Address: s.Address, InstrID: s.InstrID, PC: s.PC}) {
			break
		}
		written++
		storeBW--
	}
	for i := 0; i < written; i++ {
		p.sq[i] = nil
	}
	p.sq = p.sq[written:]

	loadBW := p.widths.LQWidth
	for slot, e := range p.lq {
		if loadBW == 0 {
			break
		}
		if e == nil || e.WaitsOnStore() || e.Issued || e.EventCycle >= p.cycle {
			continue
		}
		if !p.executeLoad(e) {
			continue
		}

		loadBW--
		e.Issued = true
		if e.LoadType == insts.LoadMissPrediction {
			p.finishLoad(slot)
		}
	}

	return (p.widths.SQWidth - storeBW) + (p.widths.LQWidth - loadBW)
}

// executeLoad sends a load to the cache. Miss-prediction markers complete
// without touching the bus.
func (p *Pipeline) executeLoad(e *LQEntry) bool {
	if e.LoadType == insts.LoadMissPrediction {
		return true
	}
	return p.l1d.IssueRead(&cache.Request{
		Address:  e.Address,
		InstrID:  e.InstrID,
		PC:       e.PC,
		LoadType: e.LoadType,
	})
}

// handleMemoryReturn consumes instruction and data responses.
func (p *Pipeline) handleMemoryReturn() int {
	progress := 0

	fetchBW := p.widths.FetchWidth
	for toRead := p.widths.L1IBandwidth; fetchBW > 0 && toRead > 0; toRead-- {
		returned := p.l1i.Returned()
		if len(returned) == 0 {
			break
		}
		req := returned[0]

		if !req.Notified {
			req.Notified = true
			if req.LoadType == insts.LoadBytecode && len(req.Dependents) == 0 {
				p.bytecodeReturned(req.Tag)
			}
		}

		for fetchBW > 0 && len(req.Dependents) > 0 {
			inst := p.findIFetch(req.Dependents[0])
			if inst != nil && sameBlock(inst.PC, req.Address) && inst.Fetched != insts.NotStarted {
				inst.Fetched = insts.Completed
				fetchBW--
				progress++
			}
			req.Dependents = req.Dependents[1:]
		}

		if len(req.Dependents) == 0 {
			p.l1i.PopReturned(1)
			progress++
		}
	}

	returned := p.l1d.Returned()
	n := 0
	for ; n < p.widths.L1DBandwidth && n < len(returned); n++ {
		for slot, e := range p.lq {
			if e != nil && e.Issued && sameBlock(e.Address, returned[n].Address) {
				p.finishLoad(slot)
				progress++
			}
		}
		progress++
	}
	p.l1d.PopReturned(n)

	return progress
}

// bytecodeReturned installs a returned bytecode window and resumes fetch
// when it satisfies the demand fetch stalls are waiting on.
func (p *Pipeline) bytecodeReturned(tag uint64) {
	if !p.bc.Buffer.CompleteFetch(tag, p.cycle) {
		return
	}
	if p.bytecodeBufferMiss && p.fetchResume > p.cycle {
		p.fetchResume = p.cycle
		p.bytecodeBufferMiss = false
		p.bc.Buffer.ClearDemand()
	}
}

func (p *Pipeline) findIFetch(id uint64) *insts.Instruction {
	for _, inst := range p.ifetch {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}
