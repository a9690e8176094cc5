package bytecode

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// StartingWindowRecency is the recency given to a window when its fetch
// completes.
const StartingWindowRecency = 1 << 12

// Window is one prefetch buffer window. The resident range and the in-flight
// range are both inclusive. The resident range stays readable while the
// window fetches its replacement.
type Window struct {
	Index int

	Base  uint64
	Max   uint64
	Valid bool

	FetchBase  uint64
	FetchMax   uint64
	Fetching   bool
	Prefetch   bool
	FetchCycle uint64
	// Tag identifies the fetch currently in flight.
	Tag uint64

	Recency int

	TimesSwitchedOut   uint64
	TimesReset         uint64
	Hits               uint64
	HitsSinceSwitch    uint64
	SwitchedWithNoHits uint64
}

// Contains reports whether addr is resident in the window.
func (w *Window) Contains(addr uint64) bool {
	return w.Valid && addr >= w.Base && addr <= w.Max
}

// InFlight reports whether addr is covered by the window's pending fetch.
func (w *Window) InFlight(addr uint64) bool {
	return w.Fetching && addr >= w.FetchBase && addr <= w.FetchMax
}

func (w *Window) reset() {
	w.Fetching = false
	w.Recency = 0
	w.TimesReset++
}

// WindowStats is the per-window part of BufferStats.
type WindowStats struct {
	Index              int    `json:"index"`
	TimesSwitchedOut   uint64 `json:"times_switched_out"`
	TimesReset         uint64 `json:"times_reset"`
	Hits               uint64 `json:"hits"`
	SwitchedWithNoHits uint64 `json:"switched_with_no_hits"`
}

// BufferStats holds prefetch buffer statistics.
type BufferStats struct {
	Hits                 uint64        `json:"hits"`
	Misses               uint64        `json:"misses"`
	TotalMissWait        uint64        `json:"total_miss_wait"`
	Prefetches           uint64        `json:"prefetches"`
	InflightMisses       uint64        `json:"inflight_misses"`
	AggressivePrefetches uint64        `json:"aggressive_prefetches"`
	DeclinedPrefetches   uint64        `json:"declined_prefetches"`
	UnexpectedReturns    uint64        `json:"unexpected_returns"`
	StaleReturns         uint64        `json:"stale_returns"`
	Windows              []WindowStats `json:"windows,omitempty"`
}

// AverageWaitTime returns the mean number of cycles a miss waited for its
// window.
func (s BufferStats) AverageWaitTime() float64 {
	if s.Misses == 0 {
		return 0
	}
	return float64(s.TotalMissWait) / float64(s.Misses)
}

// HitRate returns the percentage of lookups that found their bytecode.
func (s BufferStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// PrefetchBuffer holds a few windows of upcoming bytecode. Resident and
// in-flight windows never overlap.
type PrefetchBuffer struct {
	windowSize   uint64
	bytecodeSize uint64
	fetchOffset  uint64

	windows []*Window
	lastTag uint64

	demandPending bool
	demandAddr    uint64

	stats  BufferStats
	logger *zap.Logger
}

// BufferOption configures a PrefetchBuffer.
type BufferOption func(*PrefetchBuffer)

// WithBufferLogger sets the logger for demand fetches that find no victim.
func WithBufferLogger(l *zap.Logger) BufferOption {
	return func(b *PrefetchBuffer) {
		b.logger = l
	}
}

// NewPrefetchBuffer creates a buffer of numWindows windows, each holding
// windowSize bytecodes of bytecodeSize bytes. fetchOffset bytecodes before
// the requested address are fetched along with it.
func NewPrefetchBuffer(
	numWindows int,
	windowSize, bytecodeSize, fetchOffset uint64,
	opts ...BufferOption,
) *PrefetchBuffer {
	b := &PrefetchBuffer{
		windowSize:   windowSize,
		bytecodeSize: bytecodeSize,
		fetchOffset:  fetchOffset,
		logger:       zap.NewNop(),
	}
	for i := 0; i < numWindows; i++ {
		b.windows = append(b.windows, &Window{Index: i})
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *PrefetchBuffer) align(addr uint64) uint64 {
	if b.bytecodeSize == 0 {
		return addr
	}
	return addr - addr%b.bytecodeSize
}

func (b *PrefetchBuffer) resident(addr uint64) *Window {
	for _, w := range b.windows {
		if w.Contains(addr) {
			return w
		}
	}
	return nil
}

func (b *PrefetchBuffer) decrementRecency() {
	for _, w := range b.windows {
		if w.Valid && w.Recency > 0 {
			w.Recency--
		}
	}
}

// Hit looks addr up and updates hit bookkeeping.
func (b *PrefetchBuffer) Hit(addr uint64) bool {
	w := b.resident(addr)
	if w == nil {
		b.stats.Misses++
		return false
	}

	b.stats.Hits++
	b.decrementRecency()
	w.Recency++
	w.Hits++
	w.HitsSinceSwitch++
	return true
}

// Contains reports whether addr is resident without touching statistics.
func (b *PrefetchBuffer) Contains(addr uint64) bool {
	return b.resident(addr) != nil
}

// ShouldFetch reports whether a fetch of addr is needed, that is addr is
// neither resident nor in flight.
func (b *PrefetchBuffer) ShouldFetch(addr uint64) bool {
	for _, w := range b.windows {
		if w.Contains(addr) {
			if w.Fetching {
				b.stats.AggressivePrefetches++
			}
			return false
		}
		if w.InFlight(addr) {
			return false
		}
	}
	return true
}

// CurrentlyFetching reports whether any window has addr in flight.
func (b *PrefetchBuffer) CurrentlyFetching(addr uint64) bool {
	for _, w := range b.windows {
		if w.InFlight(addr) {
			return true
		}
	}
	return false
}

// CountInflightMiss records a demand miss on an address already in flight.
func (b *PrefetchBuffer) CountInflightMiss() {
	b.stats.InflightMisses++
}

func (b *PrefetchBuffer) findVictim(prefetch bool) *Window {
	var victim *Window
	for _, w := range b.windows {
		if !w.Fetching && (victim == nil || w.Recency < victim.Recency) {
			victim = w
		}
	}
	if victim != nil {
		return victim
	}

	for _, w := range b.windows {
		if w.Prefetch && (victim == nil || w.Recency < victim.Recency) {
			victim = w
		}
	}
	if victim != nil || prefetch {
		return victim
	}

	b.logger.Warn("no prefetch buffer window for demand fetch",
		zap.String("windows", b.Dump()))
	for _, w := range b.windows {
		if victim == nil || w.FetchCycle < victim.FetchCycle {
			victim = w
		}
	}
	return victim
}

// fetchRange returns the range to fetch for addr, clipped against every
// other resident or in-flight window. Range bounds stay bytecode aligned.
func (b *PrefetchBuffer) fetchRange(addr uint64, victim *Window) (uint64, uint64, bool) {
	base := b.align(addr)
	start := uint64(0)
	if off := b.fetchOffset * b.bytecodeSize; base > off {
		start = base - off
	}
	end := base + (b.windowSize-b.fetchOffset)*b.bytecodeSize

	clip := func(lo, hi uint64) bool {
		switch {
		case addr >= lo && addr <= hi:
			return false
		case hi < addr && hi >= start:
			start = hi + b.bytecodeSize
		case lo > addr && lo <= end:
			end = lo - b.bytecodeSize
		}
		return true
	}

	for _, w := range b.windows {
		if w == victim {
			continue
		}
		if w.Valid && !clip(w.Base, w.Max) {
			return 0, 0, false
		}
		if w.Fetching && !clip(w.FetchBase, w.FetchMax) {
			return 0, 0, false
		}
	}
	return start, end, true
}

// Fetch starts fetching the window around addr. A prefetch is declined
// when every window is busy with a demand fetch. It returns whether a fetch
// was started.
func (b *PrefetchBuffer) Fetch(addr, cycle uint64, prefetch bool) bool {
	_, ok := b.StartFetch(addr, cycle, prefetch)
	return ok
}

// StartFetch is Fetch that also returns the tag of the started fetch, to be
// handed back to CompleteFetch when the read returns.
func (b *PrefetchBuffer) StartFetch(addr, cycle uint64, prefetch bool) (uint64, bool) {
	victim := b.findVictim(prefetch)
	if victim == nil {
		b.stats.DeclinedPrefetches++
		return 0, false
	}

	start, end, ok := b.fetchRange(addr, victim)
	if !ok {
		if prefetch {
			b.stats.DeclinedPrefetches++
		}
		return 0, false
	}

	if victim.Fetching {
		victim.reset()
	}

	b.lastTag++
	victim.Fetching = true
	victim.Prefetch = prefetch
	victim.TimesSwitchedOut++
	victim.FetchBase = start
	victim.FetchMax = end
	victim.FetchCycle = cycle
	victim.Tag = b.lastTag

	if prefetch {
		b.stats.Prefetches++
	}
	return victim.Tag, true
}

// Complete marks the window fetching addr resident. It returns true when
// the completed window holds the address of a pending demand.
func (b *PrefetchBuffer) Complete(addr, cycle uint64) bool {
	a := b.align(addr)

	var done *Window
	for _, w := range b.windows {
		if w.InFlight(a) && (done == nil || w.FetchBase < done.FetchBase) {
			done = w
		}
	}
	if done == nil {
		if !b.Contains(a) {
			b.stats.UnexpectedReturns++
			b.logger.Warn("bytecode window returned without a fetch",
				zap.Uint64("addr", addr))
		}
		return false
	}

	return b.complete(done, cycle)
}

// CompleteFetch completes the fetch started with tag. A return whose window
// has since been reclaimed for another fetch is stale and changes nothing.
func (b *PrefetchBuffer) CompleteFetch(tag, cycle uint64) bool {
	for _, w := range b.windows {
		if w.Fetching && w.Tag == tag {
			return b.complete(w, cycle)
		}
	}

	b.stats.StaleReturns++
	return false
}

func (b *PrefetchBuffer) complete(done *Window, cycle uint64) bool {
	b.stats.TotalMissWait += cycle - done.FetchCycle
	done.Valid = true
	done.Fetching = false
	if done.HitsSinceSwitch == 0 {
		done.SwitchedWithNoHits++
	}
	done.HitsSinceSwitch = 0
	done.Base = done.FetchBase
	done.Max = done.FetchMax
	done.Recency = StartingWindowRecency
	b.decrementRecency()
	done.Recency++

	return b.demandPending && done.Contains(b.demandAddr)
}

// SetDemand records that the core is stalled waiting for addr.
func (b *PrefetchBuffer) SetDemand(addr uint64) {
	b.demandPending = true
	b.demandAddr = addr
}

// Demand returns the pending demand address, if any.
func (b *PrefetchBuffer) Demand() (uint64, bool) {
	return b.demandAddr, b.demandPending
}

// ClearDemand drops the pending demand.
func (b *PrefetchBuffer) ClearDemand() {
	b.demandPending = false
}

// Windows returns copies of all windows.
func (b *PrefetchBuffer) Windows() []Window {
	out := make([]Window, 0, len(b.windows))
	for _, w := range b.windows {
		out = append(out, *w)
	}
	return out
}

// Stats returns buffer statistics including per-window counters.
func (b *PrefetchBuffer) Stats() BufferStats {
	s := b.stats
	s.Windows = make([]WindowStats, 0, len(b.windows))
	for _, w := range b.windows {
		s.Windows = append(s.Windows, WindowStats{
			Index:              w.Index,
			TimesSwitchedOut:   w.TimesSwitchedOut,
			TimesReset:         w.TimesReset,
			Hits:               w.Hits,
			SwitchedWithNoHits: w.SwitchedWithNoHits,
		})
	}
	return s
}

// ResetStats clears all counters but keeps window contents.
func (b *PrefetchBuffer) ResetStats() {
	b.stats = BufferStats{}
	for _, w := range b.windows {
		w.TimesSwitchedOut = 0
		w.TimesReset = 0
		w.Hits = 0
		w.SwitchedWithNoHits = 0
	}
}

// Dump formats every window for diagnostics.
func (b *PrefetchBuffer) Dump() string {
	var sb strings.Builder
	for _, w := range b.windows {
		fmt.Fprintf(&sb,
			"[%d] valid=%v range=%#x-%#x fetching=%v prefetch=%v fetch=%#x-%#x "+
				"cycle=%d recency=%d hits=%d switches=%d\n",
			w.Index, w.Valid, w.Base, w.Max, w.Fetching, w.Prefetch,
			w.FetchBase, w.FetchMax, w.FetchCycle, w.Recency, w.Hits, w.TimesSwitchedOut)
	}
	return sb.String()
}
