package pipeline

import "github.com/sarchlab/bcsim/insts"

// TAGE geometry. Table 0 is an untagged base predictor indexed by PC only;
// the tagged tables use a geometric series of global history lengths.
const (
	tageTaggedTables = 4
	tageIndexBits    = 10
	tageEntries      = 1 << tageIndexBits
	tageTagBits      = 13
	tageMaxCounter   = 7
	tageNeutral      = 4
	tageAgeInterval  = 1024
)

var tageHistoryLengths = [tageTaggedTables]int{4, 8, 16, 32}

type tageEntry struct {
	valid   bool
	tag     uint16
	counter uint8
	useful  bool
}

// TAGEPredictor is a tagged geometric history length direction predictor
// sharing the bimodal target buffer.
type TAGEPredictor struct {
	base    [tageEntries]uint8
	tables  [tageTaggedTables][tageEntries]tageEntry
	history uint64
	updates uint64

	btb *targetBuffer

	stats BranchPredictorStats
}

// NewTAGEPredictor creates a TAGE predictor. Only config.BTBSize is used.
func NewTAGEPredictor(config BranchPredictorConfig) *TAGEPredictor {
	p := &TAGEPredictor{btb: newTargetBuffer(config.BTBSize)}
	for i := range p.base {
		p.base[i] = tageNeutral
	}
	return p
}

func tageIndex(pc, history uint64, historyLen int) uint32 {
	pcBits := uint32((pc >> 2) & (tageEntries - 1))
	if historyLen == 0 {
		return pcBits
	}

	h := history & (uint64(1)<<historyLen - 1)
	for h > tageEntries-1 {
		h = (h & (tageEntries - 1)) ^ (h >> tageIndexBits)
	}
	return (pcBits ^ uint32(h)) & (tageEntries - 1)
}

func tageTag(pc uint64) uint16 {
	return uint16((pc >> (2 + tageIndexBits)) & (1<<tageTagBits - 1))
}

// provider returns the longest-history table holding pc, or -1.
func (p *TAGEPredictor) provider(pc uint64) (int, uint32) {
	tag := tageTag(pc)
	for t := tageTaggedTables - 1; t >= 0; t-- {
		idx := tageIndex(pc, p.history, tageHistoryLengths[t])
		e := &p.tables[t][idx]
		if e.valid && e.tag == tag {
			return t, idx
		}
	}
	return -1, 0
}

func (p *TAGEPredictor) direction(pc uint64) bool {
	if t, idx := p.provider(pc); t >= 0 {
		return p.tables[t][idx].counter >= tageNeutral
	}
	return p.base[tageIndex(pc, 0, 0)] >= tageNeutral
}

// Predict makes a branch prediction for the given PC.
func (p *TAGEPredictor) Predict(pc uint64) Prediction {
	pred := Prediction{Taken: p.direction(pc)}

	if e, ok := p.btb.lookup(pc); ok {
		pred.Target = e.target
		pred.TargetKnown = true
		pred.Taken = pred.Taken || e.alwaysTaken
		p.stats.BTBHits++
	} else {
		p.stats.BTBMisses++
	}

	p.stats.Predictions++
	return pred
}

func saturate(counter uint8, taken bool) uint8 {
	if taken && counter < tageMaxCounter {
		return counter + 1
	}
	if !taken && counter > 0 {
		return counter - 1
	}
	return counter
}

// Update trains the provider entry, allocates a longer-history entry on a
// misprediction, and shifts the outcome into the global history.
func (p *TAGEPredictor) Update(pc uint64, branchType insts.BranchType, taken bool, target uint64) {
	t, idx := p.provider(pc)

	var predicted bool
	if t >= 0 {
		e := &p.tables[t][idx]
		predicted = e.counter >= tageNeutral
		e.useful = predicted == taken
		e.counter = saturate(e.counter, taken)
	} else {
		b := tageIndex(pc, 0, 0)
		predicted = p.base[b] >= tageNeutral
		p.base[b] = saturate(p.base[b], taken)
	}

	if predicted == taken {
		p.stats.Correct++
	} else {
		p.stats.Mispredictions++
		p.allocate(pc, t+1, taken)
	}

	p.btb.update(pc, branchType, taken, target)

	p.history = p.history<<1 | boolBit(taken)
	p.updates++
	if p.updates%tageAgeInterval == 0 {
		p.age()
	}
}

func (p *TAGEPredictor) allocate(pc uint64, from int, taken bool) {
	for t := from; t < tageTaggedTables; t++ {
		idx := tageIndex(pc, p.history, tageHistoryLengths[t])
		e := &p.tables[t][idx]
		if e.valid && e.useful {
			e.useful = false
			continue
		}

		counter := uint8(tageNeutral - 1)
		if taken {
			counter = tageNeutral
		}
		*e = tageEntry{valid: true, tag: tageTag(pc), counter: counter}
		return
	}
}

func (p *TAGEPredictor) age() {
	for t := range p.tables {
		for i := range p.tables[t] {
			p.tables[t][i].useful = false
		}
	}
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Stats returns the branch predictor statistics.
func (p *TAGEPredictor) Stats() BranchPredictorStats {
	return p.stats
}

// ResetStats clears statistics and keeps the learned state.
func (p *TAGEPredictor) ResetStats() {
	p.stats = BranchPredictorStats{}
}
