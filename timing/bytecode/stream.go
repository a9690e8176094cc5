package bytecode

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/sarchlab/bcsim/insts"
	"github.com/sarchlab/bcsim/loader"
)

// StreamStats counts skip-ahead search and reorder outcomes.
type StreamStats struct {
	TargetsFound  uint64 `json:"targets_found"`
	NotFound      uint64 `json:"not_found"`
	StoppedEarly  uint64 `json:"stopped_early"`
	NonSkipStops  uint64 `json:"non_skip_stops"`
	Reorders      uint64 `json:"reorders"`
	ReorderAborts uint64 `json:"reorder_aborts"`
	Elided        uint64 `json:"elided"`

	UnusualTargets           uint64 `json:"unusual_targets"`
	JumpTargetMismatches     uint64 `json:"jump_target_mismatches"`
	CombinedTargetMismatches uint64 `json:"combined_target_mismatches"`
	DoubleBytecodes          uint64 `json:"double_bytecodes"`
}

// Stream is the not-yet-initialized part of the instruction stream. It is
// made of a primary queue fed by a lookahead queue which is in turn fed by
// an instruction source. Search, reorder and skip treat both queues as one
// sequence.
type Stream struct {
	src           loader.Source
	primarySize   int
	lookaheadSize int

	primary   []*insts.Instruction
	lookahead []*insts.Instruction

	nextID    uint64
	exhausted bool

	stats  StreamStats
	logger *zap.Logger
	seen   map[string]map[uint64]struct{}
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithStreamLogger sets the logger anomalies are reported to.
func WithStreamLogger(l *zap.Logger) StreamOption {
	return func(s *Stream) {
		s.logger = l
	}
}

// WithFirstID sets the id given to the first admitted instruction.
func WithFirstID(id uint64) StreamOption {
	return func(s *Stream) {
		s.nextID = id
	}
}

// NewStream creates a stream reading from src. Instruction ids are assigned
// on admission.
func NewStream(src loader.Source, primarySize, lookaheadSize int, opts ...StreamOption) *Stream {
	s := &Stream{
		src:           src,
		primarySize:   primarySize,
		lookaheadSize: lookaheadSize,
		nextID:        1,
		logger:        zap.NewNop(),
		seen:          make(map[string]map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refill tops both queues up from the source.
func (s *Stream) Refill() error {
	s.promote()

	for !s.exhausted && s.Len() < s.primarySize+s.lookaheadSize {
		inst, err := s.src.Next()
		if errors.Is(err, io.EOF) {
			s.exhausted = true
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read instruction %d: %w", s.nextID, err)
		}

		inst.ID = s.nextID
		s.nextID++
		s.lookahead = append(s.lookahead, inst)
		s.promote()
	}

	return nil
}

func (s *Stream) promote() {
	for len(s.primary) < s.primarySize && len(s.lookahead) > 0 {
		s.primary = append(s.primary, s.lookahead[0])
		s.lookahead = s.lookahead[1:]
	}
}

// Exhausted reports whether the source has been fully read.
func (s *Stream) Exhausted() bool {
	return s.exhausted
}

// Drained reports whether the source is exhausted and both queues are empty.
func (s *Stream) Drained() bool {
	return s.exhausted && s.Len() == 0
}

// Len returns the total number of queued instructions.
func (s *Stream) Len() int {
	return len(s.primary) + len(s.lookahead)
}

// PrimaryLen returns the length of the primary queue.
func (s *Stream) PrimaryLen() int {
	return len(s.primary)
}

// LookaheadLen returns the length of the lookahead queue.
func (s *Stream) LookaheadLen() int {
	return len(s.lookahead)
}

// Empty reports whether the primary queue is empty.
func (s *Stream) Empty() bool {
	return len(s.primary) == 0
}

// Front returns the head of the stream, or nil.
func (s *Stream) Front() *insts.Instruction {
	if len(s.primary) == 0 {
		return nil
	}
	return s.primary[0]
}

// At returns the i-th instruction of the concatenated queues.
func (s *Stream) At(i int) *insts.Instruction {
	if i < len(s.primary) {
		return s.primary[i]
	}
	return s.lookahead[i-len(s.primary)]
}

func (s *Stream) set(i int, inst *insts.Instruction) {
	if i < len(s.primary) {
		s.primary[i] = inst
		return
	}
	s.lookahead[i-len(s.primary)] = inst
}

// Pop removes the head and moves one instruction from the lookahead queue
// into the primary queue.
func (s *Stream) Pop() *insts.Instruction {
	if len(s.primary) == 0 {
		return nil
	}

	head := s.primary[0]
	s.primary[0] = nil
	s.primary = s.primary[1:]
	s.promote()
	return head
}

// FindTarget searches the stream for the handler entry the dispatch
// sequence starting at front jumps to. It returns nil when the search runs
// into another bytecode load, a non-skippable instruction, or the end of the
// queued stream.
func (s *Stream) FindTarget(front *insts.Instruction) *insts.Instruction {
	var predicted uint64
	last := insts.LoadNone

	for i := 0; i < s.Len(); i++ {
		inst := s.At(i)

		if predicted != 0 && inst.PC == predicted {
			if !last.IsJump() {
				s.stats.UnusualTargets++
				s.anomaly("unusual skip target", front, inst)
			}
			s.stats.TargetsFound++
			return inst
		}

		switch inst.LoadType {
		case insts.LoadBytecode:
			if inst.ID != front.ID {
				s.stats.StoppedEarly++
				s.anomaly("skip target search stopped at another bytecode load", front, inst)
				return nil
			}
		case insts.LoadDispatchTable:
			predicted = inst.LoadValue
		case insts.LoadCombinedJump:
			predicted = inst.Target
		case insts.LoadNotSkip:
			s.stats.NonSkipStops++
			s.anomaly("skip target search reached a non-skippable instruction", front, inst)
			return nil
		}

		last = inst.LoadType
	}

	s.stats.NotFound++
	s.anomaly("skip target not found", front, nil)
	return nil
}

// Reorder rearranges the dispatch window at the head of the stream so that
// it starts with its bytecode load. Non-skippable instructions found in the
// window are moved ahead of it. The window ends at the first jump point or
// combined jump. It returns whether the stream was changed.
func (s *Stream) Reorder() bool {
	head := s.Front()
	if head == nil ||
		(head.LoadType != insts.LoadInitial && head.LoadType != insts.LoadBytecode) {
		return false
	}
	if !s.reorderNeeded() {
		return false
	}

	total, primaryLen := s.Len(), len(s.primary)

	rebuilt, ok := s.rebuildWindow()
	if !ok {
		s.stats.ReorderAborts++
		return false
	}

	id := head.ID
	for i, inst := range rebuilt {
		if inst.OrigPC == 0 {
			inst.OrigPC = inst.PC
		}
		inst.ID = id + uint64(i)
		s.set(i, inst)
	}

	if s.Len() != total || len(s.primary) != primaryLen {
		panic(fmt.Sprintf("stream reorder changed the instruction count: %d/%d -> %d/%d",
			primaryLen, total, len(s.primary), s.Len()))
	}

	s.stats.Reorders++
	return true
}

func (s *Stream) reorderNeeded() bool {
	for i := 1; i < s.Len(); i++ {
		inst := s.At(i)
		switch {
		case inst.LoadType == insts.LoadBytecode || inst.LoadType == insts.LoadNotSkip:
			return true
		case inst.LoadType.IsJump():
			return false
		case inst.Taken:
			return false
		}
	}
	return false
}

// rebuildWindow classifies the window at the head of the stream and returns
// its new order. The stream itself is not modified.
func (s *Stream) rebuildWindow() ([]*insts.Instruction, bool) {
	var nonSkip, dispatch []*insts.Instruction
	var jmpAddr uint64
	foundBytecode := false

	for i := 0; i < s.Len(); i++ {
		inst := s.At(i)

		switch {
		case inst.LoadType == insts.LoadNotSkip:
			if inst.Taken {
				return nil, false
			}
			nonSkip = append(nonSkip, inst)

		case inst.LoadType == insts.LoadBytecode:
			if foundBytecode {
				s.stats.DoubleBytecodes++
				s.anomaly("two bytecode loads in one dispatch window", s.Front(), inst)
			}
			foundBytecode = true
			dispatch = append([]*insts.Instruction{inst}, dispatch...)

		case inst.LoadType == insts.LoadDispatchTable:
			jmpAddr = inst.LoadValue
			dispatch = append(dispatch, inst)

		case inst.LoadType.IsJump():
			dispatch = append(dispatch, inst)
			s.checkJump(inst, i, jmpAddr)
			return append(nonSkip, dispatch...), true

		default:
			if inst.Taken {
				return nil, false
			}
			dispatch = append(dispatch, inst)
		}
	}

	return nil, false
}

// checkJump applies the consistency rule of the jump closing a window at
// index i.
func (s *Stream) checkJump(jump *insts.Instruction, i int, jmpAddr uint64) {
	switch jump.LoadType {
	case insts.LoadJumpPoint:
		if jump.Target != jmpAddr {
			s.stats.JumpTargetMismatches++
			s.anomaly("jump point target differs from dispatch table value", s.Front(), jump)
		}
	case insts.LoadCombinedJump:
		if i+1 < s.Len() && s.At(i+1).PC != jump.Target {
			s.stats.CombinedTargetMismatches++
			s.anomaly("combined jump target differs from next instruction", s.Front(), jump)
		}
	}
}

// SkipTo elides every instruction ahead of target and returns how many were
// removed. target must be queued in the stream.
func (s *Stream) SkipTo(target *insts.Instruction) int {
	n := 0
	for len(s.primary) > 0 && s.primary[0].ID < target.ID {
		s.Pop()
		n++
	}
	s.stats.Elided += uint64(n)
	return n
}

func (s *Stream) anomaly(msg string, front, inst *insts.Instruction) {
	seen := s.seen[msg]
	if seen == nil {
		seen = make(map[uint64]struct{})
		s.seen[msg] = seen
	}
	if _, ok := seen[front.PC]; ok {
		return
	}
	seen[front.PC] = struct{}{}

	fields := []zap.Field{
		zap.Uint64("front_id", front.ID),
		zap.String("front_pc", fmt.Sprintf("%#x", front.PC)),
	}
	if inst != nil {
		fields = append(fields,
			zap.String("pc", fmt.Sprintf("%#x", inst.PC)),
			zap.Stringer("type", inst.LoadType))
	}
	s.logger.Warn(msg, fields...)
}

// Stats returns search and reorder statistics.
func (s *Stream) Stats() StreamStats {
	return s.stats
}

// ResetStats clears statistics. Anomalies already reported stay silenced.
func (s *Stream) ResetStats() {
	s.stats = StreamStats{}
}

// Dump formats the queued instructions for diagnostics.
func (s *Stream) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "primary (%d):\n", len(s.primary))
	for _, inst := range s.primary {
		fmt.Fprintf(&sb, "  %v\n", inst)
	}
	fmt.Fprintf(&sb, "lookahead (%d):\n", len(s.lookahead))
	for _, inst := range s.lookahead {
		fmt.Fprintf(&sb, "  %v\n", inst)
	}
	return sb.String()
}
