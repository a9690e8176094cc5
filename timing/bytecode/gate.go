package bytecode

import "sort"

// StartingGateRecency is the recency given to an opcode on every use.
const StartingGateRecency = 1 << 12

// GateEntry is the trust state of one opcode.
type GateEntry struct {
	Opcode  int
	Valid   bool
	Recency int

	TimesSwitchedOut uint64
	Hits             uint64
	Misses           uint64
}

// GateEntryStats is the per-opcode part of GateStats.
type GateEntryStats struct {
	Opcode           int    `json:"opcode"`
	TimesSwitchedOut uint64 `json:"times_switched_out"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
}

// GateStats holds confidence gate statistics.
type GateStats struct {
	Hits      uint64           `json:"hits"`
	Misses    uint64           `json:"misses"`
	Evictions uint64           `json:"evictions"`
	Entries   []GateEntryStats `json:"entries,omitempty"`
}

// ConfidenceGate decides per opcode whether jump predictions may be used
// to skip the dispatch sequence. At most capacity opcodes are trusted at a
// time. Evicted opcodes keep their row and have to earn trust again.
type ConfidenceGate struct {
	capacity int
	entries  []*GateEntry
	stats    GateStats
}

// NewConfidenceGate creates a gate trusting at most capacity opcodes.
func NewConfidenceGate(capacity int) *ConfidenceGate {
	return &ConfidenceGate{capacity: capacity}
}

func (g *ConfidenceGate) find(opcode int) *GateEntry {
	for _, e := range g.entries {
		if e.Opcode == opcode {
			return e
		}
	}
	return nil
}

// Hit reports whether opcode is trusted, training the gate as a side effect.
func (g *ConfidenceGate) Hit(opcode int) bool {
	e := g.find(opcode)
	if e != nil && e.Valid {
		e.Hits++
		g.stats.Hits++
		g.decrementRecency()
		e.Recency = StartingGateRecency
		return true
	}

	if e != nil {
		e.Valid = true
		e.Recency = StartingGateRecency
		e.Misses++
		if g.ValidCount() > g.capacity {
			g.evict(e)
		}
		g.decrementRecency()
	} else {
		if g.ValidCount() >= g.capacity {
			g.evict(nil)
		}
		g.decrementRecency()
		g.entries = append(g.entries, &GateEntry{
			Opcode:  opcode,
			Valid:   true,
			Recency: StartingGateRecency,
			Misses:  1,
		})
	}

	g.stats.Misses++
	return false
}

func (g *ConfidenceGate) decrementRecency() {
	for _, e := range g.entries {
		if e.Valid && e.Recency > 0 {
			e.Recency--
		}
	}
}

func (g *ConfidenceGate) evict(keep *GateEntry) {
	var victim *GateEntry
	for _, e := range g.entries {
		if !e.Valid || e == keep {
			continue
		}
		if victim == nil || e.Recency < victim.Recency {
			victim = e
		}
	}
	if victim == nil {
		return
	}

	victim.Valid = false
	victim.TimesSwitchedOut++
	g.stats.Evictions++
}

// ValidCount returns the number of trusted opcodes.
func (g *ConfidenceGate) ValidCount() int {
	n := 0
	for _, e := range g.entries {
		if e.Valid {
			n++
		}
	}
	return n
}

// Entry returns a copy of the state of opcode.
func (g *ConfidenceGate) Entry(opcode int) (GateEntry, bool) {
	e := g.find(opcode)
	if e == nil {
		return GateEntry{}, false
	}
	return *e, true
}

// Stats returns gate statistics including per-opcode counters.
func (g *ConfidenceGate) Stats() GateStats {
	s := g.stats
	s.Entries = make([]GateEntryStats, 0, len(g.entries))
	for _, e := range g.entries {
		s.Entries = append(s.Entries, GateEntryStats{
			Opcode:           e.Opcode,
			TimesSwitchedOut: e.TimesSwitchedOut,
			Hits:             e.Hits,
			Misses:           e.Misses,
		})
	}
	sort.Slice(s.Entries, func(i, j int) bool { return s.Entries[i].Opcode < s.Entries[j].Opcode })
	return s
}

// ResetStats clears the counters but keeps trust state.
func (g *ConfidenceGate) ResetStats() {
	g.stats = GateStats{}
	for _, e := range g.entries {
		e.TimesSwitchedOut = 0
		e.Hits = 0
		e.Misses = 0
	}
}
