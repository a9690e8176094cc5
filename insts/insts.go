// Package insts provides the in-flight instruction model for the out-of-order
// core and the decoding of classified trace records.
//
// Every instruction entering the core carries a load classification tag that
// tells the bytecode skip-ahead logic which role the instruction plays in the
// interpreter's dispatch loop.
//
// Usage:
//
//	decoder := insts.NewDecoder()
//	inst, err := decoder.Decode(record)
//	fmt.Printf("PC: %#x, type: %v, branch: %v\n", inst.PC, inst.LoadType, inst.BranchType)
package insts

import "fmt"

// LoadType classifies an instruction's role in the interpreter dispatch loop.
type LoadType uint8

// Load classification tags.
const (
	LoadNone          LoadType = iota // Ordinary instruction
	LoadStandardData                  // Data load not related to dispatch
	LoadBytecode                      // Load of the next bytecode word
	LoadDispatchTable                 // Load from the opcode jump table
	LoadCombinedJump                  // Jump whose target is the handler address
	LoadJumpPoint                     // Indirect jump into the handler
	LoadNotSkip                       // Must never be elided
	LoadInitial                       // Interpreter loop entry marker
	LoadMissPrediction                // Marker for a mispredicted skipped bytecode
)

var loadTypeNames = [...]string{
	LoadNone:           "none",
	LoadStandardData:   "standard-data",
	LoadBytecode:       "bytecode",
	LoadDispatchTable:  "dispatch-table",
	LoadCombinedJump:   "combined-jump",
	LoadJumpPoint:      "jump-point",
	LoadNotSkip:        "not-skip",
	LoadInitial:        "initial",
	LoadMissPrediction: "miss-prediction",
}

// String returns the tag name.
func (t LoadType) String() string {
	if int(t) < len(loadTypeNames) {
		return loadTypeNames[t]
	}
	return fmt.Sprintf("LoadType(%d)", uint8(t))
}

// IsJump reports whether the tag marks the end of a dispatch sequence.
func (t LoadType) IsJump() bool {
	return t == LoadCombinedJump || t == LoadJumpPoint
}

// BranchType is the control-flow class of an instruction.
type BranchType uint8

// Branch types.
const (
	NotBranch BranchType = iota
	BranchDirectJump
	BranchIndirect
	BranchConditional
	BranchDirectCall
	BranchIndirectCall
	BranchReturn
	BranchOther
)

var branchTypeNames = [...]string{
	NotBranch:          "not-branch",
	BranchDirectJump:   "direct-jump",
	BranchIndirect:     "indirect",
	BranchConditional:  "conditional",
	BranchDirectCall:   "direct-call",
	BranchIndirectCall: "indirect-call",
	BranchReturn:       "return",
	BranchOther:        "other",
}

// NumBranchTypes is the number of distinct branch types.
const NumBranchTypes = len(branchTypeNames)

// String returns the branch type name.
func (b BranchType) String() string {
	if int(b) < len(branchTypeNames) {
		return branchTypeNames[b]
	}
	return fmt.Sprintf("BranchType(%d)", uint8(b))
}

// StageState tracks an instruction's progress through one pipeline stage.
type StageState uint8

// Stage states.
const (
	NotStarted StageState = iota
	InFlight
	Completed
)

// Instruction is one dynamic instruction in flight in the core.
type Instruction struct {
	// ID is the program-order sequence number assigned on admission.
	ID uint64
	// PC is the instruction address.
	PC uint64
	// OrigPC is the address recorded when the instruction was first moved
	// by a dispatch-window reorder. Zero if never moved.
	OrigPC uint64

	LoadType  LoadType
	LoadValue uint64
	LoadSize  uint8

	IsBranch       bool
	BranchType     BranchType
	Taken          bool
	PredictedTaken bool
	Mispredicted   bool
	Target         uint64

	SrcRegs []uint8
	DstRegs []uint8
	SrcMem  []uint64
	DstMem  []uint64

	DIBChecked StageState
	Fetched    StageState
	Decoded    StageState
	Scheduled  StageState
	Executed   StageState

	// EventCycle is the earliest cycle at which the next stage may act.
	EventCycle uint64

	// NumRegDependent counts unresolved register producers.
	NumRegDependent int
	// RegDependents holds the ids of consumers waiting on this instruction.
	RegDependents []uint64

	CompletedMemOps int
}

// NumMemOps returns the number of memory operands.
func (i *Instruction) NumMemOps() int {
	return len(i.SrcMem) + len(i.DstMem)
}

// Clone returns a copy that shares no slices with the receiver.
func (i *Instruction) Clone() *Instruction {
	c := *i
	c.SrcRegs = append([]uint8(nil), i.SrcRegs...)
	c.DstRegs = append([]uint8(nil), i.DstRegs...)
	c.SrcMem = append([]uint64(nil), i.SrcMem...)
	c.DstMem = append([]uint64(nil), i.DstMem...)
	c.RegDependents = append([]uint64(nil), i.RegDependents...)
	return &c
}

// String formats the instruction for deadlock dumps and logs.
func (i *Instruction) String() string {
	return fmt.Sprintf(
		"id=%d pc=%#x type=%v fetched=%d decoded=%d scheduled=%d executed=%d "+
			"event=%d deps=%d mem=%d/%d",
		i.ID, i.PC, i.LoadType, i.Fetched, i.Decoded, i.Scheduled, i.Executed,
		i.EventCycle, i.NumRegDependent, i.CompletedMemOps, i.NumMemOps())
}
