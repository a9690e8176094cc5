package pipeline

import (
	"fmt"

	"github.com/sarchlab/bcsim/insts"
)

// BranchPredictor is the direction and target predictor consulted once for
// every instruction entering the core.
type BranchPredictor interface {
	// Predict returns the direction and, when known, the target for pc.
	Predict(pc uint64) Prediction
	// Update trains the predictor with the resolved outcome of a branch.
	Update(pc uint64, branchType insts.BranchType, taken bool, target uint64)
	Stats() BranchPredictorStats
	ResetStats()
}

// BranchObserver is notified of every predicted branch. Instruction
// prefetchers implement it.
type BranchObserver interface {
	BranchOperate(pc uint64, branchType insts.BranchType, predictedTarget uint64)
}

// BranchPredictorConfig holds configuration for the branch predictor.
type BranchPredictorConfig struct {
	// Kind selects the algorithm: "bimodal" or "tage".
	Kind string `json:"kind" toml:"kind"`
	// BHTSize is the number of entries in the Branch History Table.
	// Must be a power of 2. Default is 1024.
	BHTSize uint32 `json:"bht_size" toml:"bht_size"`
	// BTBSize is the number of entries in the Branch Target Buffer.
	// Must be a power of 2. Default is 256.
	BTBSize uint32 `json:"btb_size" toml:"btb_size"`
}

// DefaultBranchPredictorConfig returns a default configuration.
func DefaultBranchPredictorConfig() BranchPredictorConfig {
	return BranchPredictorConfig{
		Kind:    "bimodal",
		BHTSize: 1024,
		BTBSize: 256,
	}
}

// NewBranchPredictorFromConfig builds the predictor selected by config.Kind.
func NewBranchPredictorFromConfig(config BranchPredictorConfig) (BranchPredictor, error) {
	switch config.Kind {
	case "", "bimodal":
		return NewBranchPredictor(config), nil
	case "tage":
		return NewTAGEPredictor(config), nil
	default:
		return nil, fmt.Errorf("unknown branch predictor %q", config.Kind)
	}
}

// BranchPredictorStats holds statistics for the branch predictor.
type BranchPredictorStats struct {
	// Predictions is the total number of branch predictions made.
	Predictions uint64 `json:"predictions"`
	// Correct is the number of correct direction predictions.
	Correct uint64 `json:"correct"`
	// Mispredictions is the number of incorrect direction predictions.
	Mispredictions uint64 `json:"mispredictions"`
	BTBHits        uint64 `json:"btb_hits"`
	BTBMisses      uint64 `json:"btb_misses"`
}

// Accuracy returns the prediction accuracy as a percentage.
func (s BranchPredictorStats) Accuracy() float64 {
	total := s.Correct + s.Mispredictions
	if total == 0 {
		return 0
	}
	return float64(s.Correct) / float64(total) * 100
}

// MispredictionRate returns the misprediction rate as a percentage.
func (s BranchPredictorStats) MispredictionRate() float64 {
	total := s.Correct + s.Mispredictions
	if total == 0 {
		return 0
	}
	return float64(s.Mispredictions) / float64(total) * 100
}

// BTBHitRate returns the BTB hit rate as a percentage.
func (s BranchPredictorStats) BTBHitRate() float64 {
	total := s.BTBHits + s.BTBMisses
	if total == 0 {
		return 0
	}
	return float64(s.BTBHits) / float64(total) * 100
}

// Prediction represents a branch prediction result.
type Prediction struct {
	// Taken indicates whether the branch is predicted to be taken.
	Taken bool
	// Target is the predicted target address (if known from BTB).
	Target uint64
	// TargetKnown indicates whether the target address is known.
	TargetKnown bool
}

// PredictedTarget returns the target the core acts on: zero unless the
// branch is predicted taken with a known target.
func (p Prediction) PredictedTarget() uint64 {
	if !p.Taken || !p.TargetKnown {
		return 0
	}
	return p.Target
}

// targetBuffer is a direct-mapped branch target buffer shared by the
// predictors. Unconditional branches are remembered as always taken.
type targetBuffer struct {
	entries []btbEntry
	size    uint32
}

// btbEntry represents an entry in the Branch Target Buffer.
type btbEntry struct {
	valid       bool
	pc          uint64
	target      uint64
	alwaysTaken bool
}

func newTargetBuffer(size uint32) *targetBuffer {
	if size == 0 {
		size = 256
	}
	return &targetBuffer{entries: make([]btbEntry, size), size: size}
}

func (t *targetBuffer) index(pc uint64) uint32 {
	return uint32((pc >> 2) & uint64(t.size-1))
}

func (t *targetBuffer) lookup(pc uint64) (btbEntry, bool) {
	e := t.entries[t.index(pc)]
	return e, e.valid && e.pc == pc
}

func (t *targetBuffer) update(pc uint64, branchType insts.BranchType, taken bool, target uint64) {
	if !taken {
		return
	}
	t.entries[t.index(pc)] = btbEntry{
		valid:  true,
		pc:     pc,
		target: target,
		alwaysTaken: branchType != insts.BranchConditional &&
			branchType != insts.BranchOther,
	}
}

func (t *targetBuffer) reset() {
	for i := range t.entries {
		t.entries[i] = btbEntry{}
	}
}

// BimodalPredictor implements a 2-bit saturating counter predictor with a
// Branch Target Buffer.
type BimodalPredictor struct {
	// Branch History Table (BHT) - 2-bit saturating counters
	// States: 0=Strongly Not Taken, 1=Weakly Not Taken,
	//         2=Weakly Taken, 3=Strongly Taken
	bht     []uint8
	bhtSize uint32

	btb *targetBuffer

	stats BranchPredictorStats
}

// NewBranchPredictor creates a bimodal predictor with the given
// configuration.
func NewBranchPredictor(config BranchPredictorConfig) *BimodalPredictor {
	bhtSize := config.BHTSize
	if bhtSize == 0 {
		bhtSize = 1024
	}

	bp := &BimodalPredictor{
		bht:     make([]uint8, bhtSize),
		bhtSize: bhtSize,
		btb:     newTargetBuffer(config.BTBSize),
	}

	// Biased towards taken.
	for i := range bp.bht {
		bp.bht[i] = 2
	}

	return bp
}

// bhtIndex computes the BHT index for a given PC.
func (bp *BimodalPredictor) bhtIndex(pc uint64) uint32 {
	return uint32((pc >> 2) & uint64(bp.bhtSize-1))
}

// Predict makes a branch prediction for the given PC.
func (bp *BimodalPredictor) Predict(pc uint64) Prediction {
	pred := Prediction{Taken: bp.bht[bp.bhtIndex(pc)] >= 2}

	if e, ok := bp.btb.lookup(pc); ok {
		pred.Target = e.target
		pred.TargetKnown = true
		pred.Taken = pred.Taken || e.alwaysTaken
		bp.stats.BTBHits++
	} else {
		bp.stats.BTBMisses++
	}

	bp.stats.Predictions++
	return pred
}

// Update updates the predictor with the actual branch outcome.
func (bp *BimodalPredictor) Update(pc uint64, branchType insts.BranchType, taken bool, target uint64) {
	idx := bp.bhtIndex(pc)
	counter := bp.bht[idx]

	if (counter >= 2) == taken {
		bp.stats.Correct++
	} else {
		bp.stats.Mispredictions++
	}

	if taken {
		if counter < 3 {
			bp.bht[idx] = counter + 1
		}
	} else if counter > 0 {
		bp.bht[idx] = counter - 1
	}

	bp.btb.update(pc, branchType, taken, target)
}

// Stats returns the branch predictor statistics.
func (bp *BimodalPredictor) Stats() BranchPredictorStats {
	return bp.stats
}

// ResetStats clears statistics and keeps the learned state.
func (bp *BimodalPredictor) ResetStats() {
	bp.stats = BranchPredictorStats{}
}

// Reset clears all predictor state and statistics.
func (bp *BimodalPredictor) Reset() {
	for i := range bp.bht {
		bp.bht[i] = 2
	}
	bp.btb.reset()
	bp.stats = BranchPredictorStats{}
}
