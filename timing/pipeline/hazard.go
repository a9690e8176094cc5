package pipeline

import (
	"sort"

	"github.com/sarchlab/bcsim/insts"
)

// ROB is the reorder buffer. Entries stay sorted by id, so instructions are
// looked up by id with a binary search. Dependency lists and load queue
// producers refer to instructions by id only.
type ROB struct {
	entries []*insts.Instruction
	size    int
}

// NewROB creates a reorder buffer with room for size instructions.
func NewROB(size int) *ROB {
	return &ROB{size: size}
}

// Len returns the number of instructions in the ROB.
func (r *ROB) Len() int {
	return len(r.entries)
}

// Full reports whether the ROB has no free entry.
func (r *ROB) Full() bool {
	return len(r.entries) >= r.size
}

// Entries returns the instructions in program order.
func (r *ROB) Entries() []*insts.Instruction {
	return r.entries
}

// Front returns the oldest instruction, or nil.
func (r *ROB) Front() *insts.Instruction {
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[0]
}

// Push appends an instruction younger than every entry.
func (r *ROB) Push(inst *insts.Instruction) {
	r.entries = append(r.entries, inst)
}

// PopFront removes the n oldest instructions.
func (r *ROB) PopFront(n int) {
	for i := 0; i < n; i++ {
		r.entries[i] = nil
	}
	r.entries = r.entries[n:]
}

// Find returns the instruction with the given id, or nil.
func (r *ROB) Find(id uint64) *insts.Instruction {
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].ID >= id
	})
	if i < len(r.entries) && r.entries[i].ID == id {
		return r.entries[i]
	}
	return nil
}

// numRegisters covers every architectural register number of a trace record.
const numRegisters = 256

// DependencyTracker holds, per architectural register, the ids of the
// in-flight instructions writing it, oldest first.
type DependencyTracker struct {
	producers [numRegisters][]uint64
}

// NewDependencyTracker creates an empty tracker.
func NewDependencyTracker() *DependencyTracker {
	return &DependencyTracker{}
}

// Schedule registers inst as a consumer of the youngest in-flight producer
// of each source register and as a producer of each destination register.
func (d *DependencyTracker) Schedule(inst *insts.Instruction, rob *ROB) {
	for _, reg := range inst.SrcRegs {
		list := d.producers[reg]
		if len(list) == 0 {
			continue
		}

		prior := rob.Find(list[len(list)-1])
		if prior == nil {
			continue
		}

		deps := prior.RegDependents
		if len(deps) == 0 || deps[len(deps)-1] != inst.ID {
			prior.RegDependents = append(deps, inst.ID)
			inst.NumRegDependent++
		}
	}

	for _, reg := range inst.DstRegs {
		list := d.producers[reg]
		i := sort.Search(len(list), func(i int) bool { return list[i] >= inst.ID })
		list = append(list, 0)
		copy(list[i+1:], list[i:])
		list[i] = inst.ID
		d.producers[reg] = list
	}
}

// Complete removes inst from the producer lists of its destination
// registers and releases its dependents. It returns the number of
// dependents that have no producer left.
func (d *DependencyTracker) Complete(inst *insts.Instruction, rob *ROB) int {
	for _, reg := range inst.DstRegs {
		list := d.producers[reg]
		for i, id := range list {
			if id == inst.ID {
				d.producers[reg] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}

	released := 0
	for _, id := range inst.RegDependents {
		dep := rob.Find(id)
		if dep == nil || dep.NumRegDependent == 0 {
			continue
		}
		dep.NumRegDependent--
		if dep.NumRegDependent == 0 {
			released++
		}
	}
	inst.RegDependents = nil

	return released
}

// Producers returns the in-flight writers of reg, oldest first.
func (d *DependencyTracker) Producers(reg uint8) []uint64 {
	return d.producers[reg]
}

// InFlight returns the number of registers with at least one producer.
func (d *DependencyTracker) InFlight() int {
	n := 0
	for _, list := range d.producers {
		if len(list) > 0 {
			n++
		}
	}
	return n
}
