// Package benchmarks provides synthetic interpreter workloads and a harness
// that measures the skip-ahead core on them.
package benchmarks

import "github.com/sarchlab/bcsim/insts"

// Address map of the synthetic interpreter.
const (
	dispatchPC   = 0x1000
	handlerBase  = 0x2000
	handlerSpace = 0x100
	tableBase    = 0x9000
	bytecodeBase = 0x40000
	stackBase    = 0x80000
	evalBreaker  = 0x7000
	bytecodeSize = 2
)

// Registers used by the synthetic interpreter.
const (
	regOpcode uint8 = 1
	regTarget uint8 = 2
	regBPC    uint8 = 3
	regSP     uint8 = 4
	regTOS    uint8 = 5
	regTmp    uint8 = 6
)

// DispatchStyle selects how the interpreter reaches a handler.
type DispatchStyle int

const (
	// SwitchDispatch is a shared dispatch loop: bytecode load, table load,
	// indirect jump, and a jump back to the loop from every handler.
	SwitchDispatch DispatchStyle = iota
	// ThreadedDispatch replicates the dispatch sequence at the end of every
	// handler.
	ThreadedDispatch
	// CombinedDispatch jumps to the handler with a single instruction that
	// computes the target from the opcode.
	CombinedDispatch
)

// Op is one executed bytecode.
type Op struct {
	Opcode uint8
	Oparg  uint8
	// Jump is the distance to the next executed bytecode, in bytecodes.
	// Zero means the next one in sequence.
	Jump int
}

// Handler describes the body of an opcode handler.
type Handler struct {
	ALU    int
	Loads  int
	Stores int
}

// Interpreter emits the classified instruction stream of a bytecode
// interpreter running a sequence of ops.
type Interpreter struct {
	Style DispatchStyle
	// EvalBreaker places an interrupt check inside every dispatch window.
	EvalBreaker bool
	Handlers    map[uint8]Handler

	out []*insts.Instruction
	bpc uint64
	sp  uint64
	// site is the PC of the next dispatch sequence.
	site uint64
}

// NewInterpreter creates an interpreter whose handlers are all given by
// handlers, falling back to two ALU instructions for unknown opcodes.
func NewInterpreter(style DispatchStyle, handlers map[uint8]Handler) *Interpreter {
	return &Interpreter{
		Style:    style,
		Handlers: handlers,
		bpc:      bytecodeBase,
		sp:       stackBase,
		site:     dispatchPC,
	}
}

func handlerPC(opcode uint8) uint64 {
	return handlerBase + uint64(opcode)*handlerSpace
}

func (it *Interpreter) emit(inst *insts.Instruction) {
	it.out = append(it.out, inst)
}

// Run appends the dispatch and handler of every op.
func (it *Interpreter) Run(ops []Op) *Interpreter {
	for _, op := range ops {
		it.dispatch(op)
		it.handle(op)
	}
	return it
}

// Instructions returns the emitted stream.
func (it *Interpreter) Instructions() []*insts.Instruction {
	return it.out
}

func (it *Interpreter) dispatch(op Op) {
	pc := it.site
	target := handlerPC(op.Opcode)

	it.emit(&insts.Instruction{
		PC:        pc,
		LoadType:  insts.LoadBytecode,
		LoadValue: uint64(op.Opcode) | uint64(op.Oparg)<<8,
		LoadSize:  bytecodeSize,
		SrcRegs:   []uint8{regBPC},
		SrcMem:    []uint64{it.bpc},
		DstRegs:   []uint8{regOpcode},
	})
	pc += 4

	if it.EvalBreaker {
		it.emit(&insts.Instruction{
			PC:       pc,
			LoadType: insts.LoadNotSkip,
			SrcMem:   []uint64{evalBreaker},
			DstRegs:  []uint8{regTmp},
		})
		pc += 4
	}

	if it.Style == CombinedDispatch {
		it.emit(&insts.Instruction{
			PC:         pc,
			LoadType:   insts.LoadCombinedJump,
			IsBranch:   true,
			BranchType: insts.BranchIndirect,
			Taken:      true,
			Target:     target,
			SrcRegs:    []uint8{regOpcode},
		})
		return
	}

	it.emit(&insts.Instruction{
		PC:        pc,
		LoadType:  insts.LoadDispatchTable,
		LoadValue: target,
		SrcRegs:   []uint8{regOpcode},
		SrcMem:    []uint64{tableBase + uint64(op.Opcode)*8},
		DstRegs:   []uint8{regTarget},
	})
	it.emit(&insts.Instruction{
		PC:         pc + 4,
		LoadType:   insts.LoadJumpPoint,
		IsBranch:   true,
		BranchType: insts.BranchIndirect,
		Taken:      true,
		Target:     target,
		SrcRegs:    []uint8{regTarget},
	})
}

func (it *Interpreter) handle(op Op) {
	h, ok := it.Handlers[op.Opcode]
	if !ok {
		h = Handler{ALU: 2}
	}

	pc := handlerPC(op.Opcode)
	next := func() uint64 {
		cur := pc
		pc += 4
		return cur
	}

	for i := 0; i < h.Loads; i++ {
		it.sp -= 8
		it.emit(&insts.Instruction{
			PC:       next(),
			LoadType: insts.LoadStandardData,
			SrcRegs:  []uint8{regSP},
			SrcMem:   []uint64{it.sp},
			DstRegs:  []uint8{regTOS},
		})
	}
	for i := 0; i < h.ALU; i++ {
		it.emit(&insts.Instruction{
			PC:      next(),
			SrcRegs: []uint8{regTOS},
			DstRegs: []uint8{regTOS},
		})
	}
	for i := 0; i < h.Stores; i++ {
		it.emit(&insts.Instruction{
			PC:      next(),
			SrcRegs: []uint8{regSP, regTOS},
			DstMem:  []uint64{it.sp},
		})
		it.sp += 8
	}

	if op.Jump != 0 {
		it.emit(&insts.Instruction{
			PC:         next(),
			IsBranch:   true,
			BranchType: insts.BranchConditional,
			Taken:      false,
			Target:     pc + 0x40,
			SrcRegs:    []uint8{regTOS},
		})
		it.bpc = uint64(int64(it.bpc) + int64(op.Jump)*bytecodeSize)
	} else {
		it.bpc += bytecodeSize
	}
	it.emit(&insts.Instruction{
		PC:      next(),
		SrcRegs: []uint8{regBPC},
		DstRegs: []uint8{regBPC},
	})

	switch it.Style {
	case ThreadedDispatch:
		it.site = pc
	default:
		it.emit(&insts.Instruction{
			PC:         pc,
			IsBranch:   true,
			BranchType: insts.BranchDirectJump,
			Taken:      true,
			Target:     dispatchPC,
		})
		it.site = dispatchPC
	}
}

// Workload is a named instruction stream generator.
type Workload struct {
	Name        string
	Description string
	Build       func() []*insts.Instruction
}

var stackHandlers = map[uint8]Handler{
	1: {ALU: 1, Stores: 1},           // push constant
	2: {Loads: 1, ALU: 1, Stores: 1}, // unary op
	3: {Loads: 2, ALU: 2, Stores: 1}, // binary op
	4: {Loads: 1, ALU: 1},            // pop
	5: {ALU: 3},                      // jump
}

// loopBody is a counted loop in bytecode: it ends with a backward jump to
// its first bytecode.
func loopBody(opcodes []uint8, iterations int) []Op {
	var ops []Op
	for i := 0; i < iterations; i++ {
		for j, opc := range opcodes {
			op := Op{Opcode: opc, Oparg: uint8(j)}
			if j == len(opcodes)-1 {
				op.Jump = -(len(opcodes) - 1)
			}
			ops = append(ops, op)
		}
	}
	return ops
}

// lcgOps draws n opcodes from {1..k} with a fixed-seed linear congruential
// generator.
func lcgOps(n, k int) []Op {
	ops := make([]Op, n)
	state := uint32(12345)
	for i := range ops {
		state = state*1103515245 + 12345
		ops[i] = Op{Opcode: uint8(state>>16)%uint8(k) + 1}
	}
	return ops
}

// GetWorkloads returns the standard set of synthetic workloads.
func GetWorkloads() []Workload {
	return []Workload{
		{
			Name:        "uniform_switch",
			Description: "one opcode repeated through a shared dispatch loop",
			Build: func() []*insts.Instruction {
				ops := make([]Op, 2000)
				for i := range ops {
					ops[i] = Op{Opcode: 1}
				}
				return NewInterpreter(SwitchDispatch, stackHandlers).Run(ops).Instructions()
			},
		},
		{
			Name:        "loop_switch",
			Description: "bytecode loop of stack ops with a backward jump",
			Build: func() []*insts.Instruction {
				ops := loopBody([]uint8{1, 1, 3, 2, 4, 5}, 300)
				return NewInterpreter(SwitchDispatch, stackHandlers).Run(ops).Instructions()
			},
		},
		{
			Name:        "loop_threaded",
			Description: "bytecode loop with the dispatch sequence replicated per handler",
			Build: func() []*insts.Instruction {
				ops := loopBody([]uint8{1, 1, 3, 2, 4, 5}, 300)
				return NewInterpreter(ThreadedDispatch, stackHandlers).Run(ops).Instructions()
			},
		},
		{
			Name:        "loop_combined",
			Description: "bytecode loop dispatched by a single computed jump",
			Build: func() []*insts.Instruction {
				ops := loopBody([]uint8{1, 1, 3, 2, 4, 5}, 300)
				return NewInterpreter(CombinedDispatch, stackHandlers).Run(ops).Instructions()
			},
		},
		{
			Name:        "loop_eval_breaker",
			Description: "bytecode loop with an interrupt check inside every dispatch window",
			Build: func() []*insts.Instruction {
				it := NewInterpreter(SwitchDispatch, stackHandlers)
				it.EvalBreaker = true
				return it.Run(loopBody([]uint8{1, 1, 3, 2, 4, 5}, 300)).Instructions()
			},
		},
		{
			Name:        "random_opcodes",
			Description: "pseudo-random opcode sequence defeating the jump predictor",
			Build: func() []*insts.Instruction {
				return NewInterpreter(SwitchDispatch, stackHandlers).Run(lcgOps(1500, 5)).Instructions()
			},
		},
		{
			Name:        "straight_line",
			Description: "non-interpreter baseline of independent ALU work and loads",
			Build: func() []*insts.Instruction {
				out := make([]*insts.Instruction, 0, 6000)
				for i := 0; i < 6000; i++ {
					inst := &insts.Instruction{
						PC:      0x100000 + uint64(i%512)*4,
						SrcRegs: []uint8{uint8(i%8 + 8)},
						DstRegs: []uint8{uint8((i+1)%8 + 8)},
					}
					if i%4 == 0 {
						inst.LoadType = insts.LoadStandardData
						inst.SrcMem = []uint64{0x200000 + uint64(i)*8}
					}
					out = append(out, inst)
				}
				return out
			},
		},
	}
}

// GetCoreWorkloads returns a minimal set for quick validation.
func GetCoreWorkloads() []Workload {
	all := GetWorkloads()
	return []Workload{all[0], all[1], all[6]}
}
