package insts

import (
	"encoding/binary"
	"fmt"
)

// Architectural registers with special meaning in trace records.
const (
	RegStackPointer       uint8 = 6
	RegFlags              uint8 = 25
	RegInstructionPointer uint8 = 26
)

// Record geometry.
const (
	NumDstRegs = 2
	NumSrcRegs = 4
	NumDstMem  = 2
	NumSrcMem  = 4

	// RecordSize is the encoded size of one trace record in bytes.
	RecordSize = 8 + 4 + NumDstRegs + NumSrcRegs + 8*NumDstMem + 8*NumSrcMem + 8
)

// Record is one classified trace record as stored on disk.
// Zero registers and zero addresses denote unused slots.
type Record struct {
	IP       uint64
	IsBranch bool
	Taken    bool
	LoadType LoadType
	LoadSize uint8
	DstRegs  [NumDstRegs]uint8
	SrcRegs  [NumSrcRegs]uint8
	DstMem   [NumDstMem]uint64
	SrcMem   [NumSrcMem]uint64
	LoadVal  uint64
}

// ParseRecord decodes a little-endian trace record.
func ParseRecord(buf []byte) (Record, error) {
	var r Record
	if len(buf) < RecordSize {
		return r, fmt.Errorf("short trace record: %d bytes, want %d", len(buf), RecordSize)
	}

	le := binary.LittleEndian
	off := 0
	r.IP = le.Uint64(buf[off:])
	off += 8
	r.IsBranch = buf[off] != 0
	r.Taken = buf[off+1] != 0
	r.LoadType = LoadType(buf[off+2])
	r.LoadSize = buf[off+3]
	off += 4
	off += copy(r.DstRegs[:], buf[off:off+NumDstRegs])
	off += copy(r.SrcRegs[:], buf[off:off+NumSrcRegs])
	for i := range r.DstMem {
		r.DstMem[i] = le.Uint64(buf[off:])
		off += 8
	}
	for i := range r.SrcMem {
		r.SrcMem[i] = le.Uint64(buf[off:])
		off += 8
	}
	r.LoadVal = le.Uint64(buf[off:])

	if int(r.LoadType) >= len(loadTypeNames) {
		return r, fmt.Errorf("unknown load type %d at ip %#x", r.LoadType, r.IP)
	}

	return r, nil
}

// AppendRecord appends the encoding of r to buf.
func AppendRecord(buf []byte, r Record) []byte {
	le := binary.LittleEndian
	buf = le.AppendUint64(buf, r.IP)
	buf = append(buf, boolByte(r.IsBranch), boolByte(r.Taken), byte(r.LoadType), r.LoadSize)
	buf = append(buf, r.DstRegs[:]...)
	buf = append(buf, r.SrcRegs[:]...)
	for _, a := range r.DstMem {
		buf = le.AppendUint64(buf, a)
	}
	for _, a := range r.SrcMem {
		buf = le.AppendUint64(buf, a)
	}
	return le.AppendUint64(buf, r.LoadVal)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Decoder turns trace records into in-flight instructions.
type Decoder struct {
	// FoldStackPointer drops the stack pointer from the destinations of
	// instructions whose new stack pointer is known at decode.
	FoldStackPointer bool
}

// NewDecoder creates a decoder with stack-pointer folding enabled.
func NewDecoder() *Decoder {
	return &Decoder{FoldStackPointer: true}
}

// Decode converts a record. The branch target of a taken branch is not part
// of the record; the instruction source fills it from the next record.
func (d *Decoder) Decode(r Record) *Instruction {
	inst := &Instruction{
		PC:        r.IP,
		LoadType:  r.LoadType,
		LoadValue: r.LoadVal,
		LoadSize:  r.LoadSize,
		Taken:     r.Taken,
	}

	for _, reg := range r.DstRegs {
		if reg != 0 {
			inst.DstRegs = appendUnique(inst.DstRegs, reg)
		}
	}
	for _, reg := range r.SrcRegs {
		if reg != 0 {
			inst.SrcRegs = appendUnique(inst.SrcRegs, reg)
		}
	}
	for _, a := range r.DstMem {
		if a != 0 {
			inst.DstMem = append(inst.DstMem, a)
		}
	}
	for _, a := range r.SrcMem {
		if a != 0 {
			inst.SrcMem = append(inst.SrcMem, a)
		}
	}

	inst.BranchType = ClassifyBranch(inst.SrcRegs, inst.DstRegs)
	inst.IsBranch = inst.BranchType != NotBranch
	if !inst.IsBranch {
		inst.Taken = false
	}

	if d.FoldStackPointer {
		foldStackPointer(inst)
	}

	return inst
}

// ClassifyBranch infers the branch type from register usage.
func ClassifyBranch(src, dst []uint8) BranchType {
	writesSP := contains(dst, RegStackPointer)
	writesIP := contains(dst, RegInstructionPointer)
	readsSP := contains(src, RegStackPointer)
	readsFlags := contains(src, RegFlags)
	readsIP := contains(src, RegInstructionPointer)
	readsOther := false
	for _, r := range src {
		if r != RegStackPointer && r != RegFlags && r != RegInstructionPointer {
			readsOther = true
		}
	}

	switch {
	case !writesIP:
		return NotBranch
	case !readsSP && !readsFlags && !readsOther:
		return BranchDirectJump
	case !readsSP && !readsFlags && readsOther:
		return BranchIndirect
	case !readsSP && readsIP && !writesSP && readsFlags && !readsOther:
		return BranchConditional
	case readsSP && readsIP && writesSP && !readsFlags && !readsOther:
		return BranchDirectCall
	case readsSP && readsIP && writesSP && !readsFlags && readsOther:
		return BranchIndirectCall
	case readsSP && !readsIP && writesSP:
		return BranchReturn
	default:
		return BranchOther
	}
}

func foldStackPointer(inst *Instruction) {
	if !contains(inst.DstRegs, RegStackPointer) {
		return
	}

	readsOther := false
	for _, r := range inst.SrcRegs {
		if r != RegStackPointer && r != RegFlags && r != RegInstructionPointer {
			readsOther = true
		}
	}

	if inst.IsBranch || inst.NumMemOps() > 0 || !readsOther {
		kept := inst.DstRegs[:0]
		for _, r := range inst.DstRegs {
			if r != RegStackPointer {
				kept = append(kept, r)
			}
		}
		inst.DstRegs = kept
	}
}

func contains(regs []uint8, reg uint8) bool {
	for _, r := range regs {
		if r == reg {
			return true
		}
	}
	return false
}

func appendUnique(regs []uint8, reg uint8) []uint8 {
	if contains(regs, reg) {
		return regs
	}
	return append(regs, reg)
}
