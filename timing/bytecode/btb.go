package bytecode

import "sort"

// Jump predictor constants.
const (
	MaxUsage           = 8
	StartingUsage      = 4
	MaxConfidence      = 3
	StartingConfidence = 3
	StartingBTBRecency = 1 << 12
)

// BTBEntry predicts the distance between a bytecode and the next one
// executed after it.
type BTBEntry struct {
	Opcode int
	Oparg  int
	// Jump is the predicted distance in bytes. Zero means not yet seeded.
	Jump       int64
	Valid      bool
	Usage      int
	Confidence int
	Recency    int64

	Hits   uint64
	Misses uint64

	inner []*BTBEntry
}

func newBTBEntry(opcode, oparg int) *BTBEntry {
	return &BTBEntry{
		Opcode:     opcode,
		Oparg:      oparg,
		Valid:      true,
		Usage:      StartingUsage,
		Confidence: StartingConfidence,
		Recency:    StartingBTBRecency,
	}
}

type updateOutcome int

const (
	outcomeIgnored updateOutcome = iota
	outcomeSeeded
	outcomeHit
	outcomeMiss
)

func (e *BTBEntry) update(jump int64) updateOutcome {
	if !e.Valid {
		return outcomeIgnored
	}

	if e.Jump == 0 {
		e.Jump = jump
		return outcomeSeeded
	}

	if jump == e.Jump {
		if e.Confidence < MaxConfidence {
			e.Confidence++
		}
		if e.Usage < MaxUsage {
			e.Usage++
		}
		e.Hits++
		return outcomeHit
	}

	if e.Confidence > 1 {
		e.Confidence--
	} else {
		e.Confidence = StartingConfidence
		e.Jump = jump
	}
	if e.Usage > 0 {
		e.Usage--
	} else {
		e.Valid = false
	}
	e.Misses++
	return outcomeMiss
}

func (e *BTBEntry) prediction() int64 {
	if !e.Valid {
		return 0
	}
	return e.Jump
}

// HitRate returns the percentage of correct observations of this entry and
// its operand entries.
func (e BTBEntry) HitRate() float64 {
	hits, misses := e.Hits, e.Misses
	for _, in := range e.inner {
		hits += in.Hits
		misses += in.Misses
	}
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses) * 100
}

// OperandEntries returns copies of the per-operand entries.
func (e BTBEntry) OperandEntries() []BTBEntry {
	out := make([]BTBEntry, 0, len(e.inner))
	for _, in := range e.inner {
		out = append(out, *in)
	}
	return out
}

// JumpStats is a histogram of observed bytecode jump distances.
type JumpStats struct {
	Small     uint64 `json:"small"`
	Large     uint64 `json:"large"`
	VeryLarge uint64 `json:"very_large"`
}

// OpcodeStats counts prediction outcomes of one opcode.
type OpcodeStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// BTBStats holds jump predictor statistics.
type BTBStats struct {
	Hits      uint64                `json:"hits"`
	Misses    uint64                `json:"misses"`
	Evictions uint64                `json:"evictions"`
	Dropped   uint64                `json:"dropped"`
	Jumps     JumpStats             `json:"jumps"`
	PerOpcode map[int]OpcodeStats   `json:"per_opcode"`
}

// Accuracy returns the percentage of observations that matched the stored
// jump.
func (s BTBStats) Accuracy() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// BTB is the bytecode jump predictor. Outer entries are keyed by opcode;
// with operands enabled an opcode whose jump depends on its operand grows
// per-operand entries.
type BTB struct {
	capacity     int
	useOperands  bool
	bytecodeSize int64

	entries []*BTBEntry

	stats     BTBStats
	perOpcode map[int]*OpcodeStats
}

// NewBTB creates a jump predictor with room for capacity opcodes.
func NewBTB(capacity int, useOperands bool, bytecodeSize uint64) *BTB {
	return &BTB{
		capacity:     capacity,
		useOperands:  useOperands,
		bytecodeSize: int64(bytecodeSize),
		perOpcode:    make(map[int]*OpcodeStats),
	}
}

func (b *BTB) find(opcode int) *BTBEntry {
	for _, e := range b.entries {
		if e.Opcode == opcode {
			return e
		}
	}
	return nil
}

// findInner returns the entry responsible for oparg, the outer entry itself
// when operands are not used, or nil if no operand entry exists yet.
func (b *BTB) findInner(outer *BTBEntry, oparg int) *BTBEntry {
	if !b.useOperands || oparg == 0 {
		return outer
	}
	for _, in := range outer.inner {
		if in.Oparg == oparg {
			return in
		}
	}
	return nil
}

// Prediction returns the predicted jump for the bytecode, or zero when
// there is no usable prediction.
func (b *BTB) Prediction(opcode, oparg int) int64 {
	outer := b.find(opcode)
	if outer == nil {
		return 0
	}

	in := b.findInner(outer, oparg)
	if in == nil {
		return outer.prediction()
	}
	return in.prediction()
}

// Update trains the predictor with an observed jump.
func (b *BTB) Update(opcode, oparg int, jump int64) {
	switch {
	case jump > 16:
		b.stats.Jumps.VeryLarge++
	case jump > 4:
		b.stats.Jumps.Large++
	default:
		b.stats.Jumps.Small++
	}

	outer := b.find(opcode)
	if outer == nil {
		// Sequential bytecodes need no prediction.
		if jump == b.bytecodeSize || jump == 0 {
			return
		}
		if !b.makeRoom() {
			b.stats.Dropped++
			return
		}
		outer = newBTBEntry(opcode, 0)
		b.entries = append(b.entries, outer)
	}

	target := b.findInner(outer, oparg)
	if target == nil {
		if jump != outer.Jump {
			in := newBTBEntry(opcode, oparg)
			in.Jump = jump
			outer.inner = append(outer.inner, in)
		}
		target = outer
	}

	b.record(opcode, target.update(jump))

	for _, e := range b.entries {
		e.Recency--
	}
	target.Recency++
}

func (b *BTB) record(opcode int, outcome updateOutcome) {
	s := b.perOpcode[opcode]
	if s == nil {
		s = &OpcodeStats{}
		b.perOpcode[opcode] = s
	}

	switch outcome {
	case outcomeHit:
		b.stats.Hits++
		s.Hits++
	case outcomeMiss:
		b.stats.Misses++
		s.Misses++
	}
}

// makeRoom evicts the least recently used valid entry when the table is
// full. It returns false if nothing can be evicted.
func (b *BTB) makeRoom() bool {
	if len(b.entries) < b.capacity {
		return true
	}

	victim := -1
	for i, e := range b.entries {
		if !e.Valid {
			continue
		}
		if victim < 0 || e.Recency < b.entries[victim].Recency {
			victim = i
		}
	}
	if victim < 0 {
		return false
	}

	b.entries = append(b.entries[:victim], b.entries[victim+1:]...)
	b.stats.Evictions++
	return true
}

// Entry returns a copy of the outer entry for opcode.
func (b *BTB) Entry(opcode int) (BTBEntry, bool) {
	e := b.find(opcode)
	if e == nil {
		return BTBEntry{}, false
	}
	return *e, true
}

// Entries returns copies of all outer entries ordered by opcode.
func (b *BTB) Entries() []BTBEntry {
	out := make([]BTBEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Opcode < out[j].Opcode })
	return out
}

// Len returns the number of outer entries.
func (b *BTB) Len() int {
	return len(b.entries)
}

// Stats returns predictor statistics.
func (b *BTB) Stats() BTBStats {
	s := b.stats
	s.PerOpcode = make(map[int]OpcodeStats, len(b.perOpcode))
	for op, os := range b.perOpcode {
		s.PerOpcode[op] = *os
	}
	return s
}

// ResetStats clears statistics but keeps the learned entries.
func (b *BTB) ResetStats() {
	b.stats = BTBStats{}
	b.perOpcode = make(map[int]*OpcodeStats)
}
