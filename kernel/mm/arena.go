// Package mm provides the memory primitive the multitasking core consumes:
// a fixed-capacity arena of task stacks. Each spawned task owns exactly one
// arena slot for its lifetime; the slot index travels with the task so the
// reclamation sweep can return the stack without consulting the memory
// manager. General purpose physical and virtual memory management lives
// outside this package.
package mm

import (
	"math/bits"

	"github.com/yubrot/ors/kernel"
)

// PageSize is the size of a page frame in bytes.
const PageSize = 4096

var (
	errBadArenaGeometry = &kernel.Error{Module: "mm", Message: "stack arena geometry must be a positive number of page-multiple slots"}
	errOutOfStackSlots  = &kernel.Error{Module: "mm", Message: "out of stack slots"}
	errBadSlot          = &kernel.Error{Module: "mm", Message: "stack slot is out of range or not allocated"}
)

// StackArena owns a contiguous block of memory divided into equally sized
// stack slots with a bitmap tracking slot occupancy. Slots never alias: two
// live tasks can never observe overlapping stack memory.
type StackArena struct {
	slotSize int
	backing  []byte
	occupied []uint64
	inUse    int
}

// NewStackArena allocates an arena of slots stacks of slotSize bytes each.
// slotSize must be a positive multiple of the page size.
func NewStackArena(slots, slotSize int) (*StackArena, *kernel.Error) {
	if slots <= 0 || slotSize <= 0 || slotSize%PageSize != 0 {
		return nil, errBadArenaGeometry
	}

	return &StackArena{
		slotSize: slotSize,
		backing:  make([]byte, slots*slotSize),
		occupied: make([]uint64, (slots+63)/64),
		inUse:    0,
	}, nil
}

// Alloc reserves the lowest free slot and returns its index together with
// the zeroed stack memory backing it.
func (a *StackArena) Alloc() (int, []byte, *kernel.Error) {
	for word := range a.occupied {
		free := ^a.occupied[word]
		if free == 0 {
			continue
		}

		bit := bits.TrailingZeros64(free)
		slot := word*64 + bit
		if slot >= a.Slots() {
			break
		}

		a.occupied[word] |= 1 << bit
		a.inUse++

		stack := a.slot(slot)
		for i := range stack {
			stack[i] = 0
		}
		return slot, stack, nil
	}

	return -1, nil, errOutOfStackSlots
}

// Free returns slot to the arena. Freeing a slot that is out of range or
// not currently allocated indicates corrupted task bookkeeping and is
// reported rather than masked.
func (a *StackArena) Free(slot int) *kernel.Error {
	if slot < 0 || slot >= a.Slots() {
		return errBadSlot
	}

	word, bit := slot/64, uint(slot%64)
	if a.occupied[word]&(1<<bit) == 0 {
		return errBadSlot
	}

	a.occupied[word] &^= 1 << bit
	a.inUse--
	return nil
}

// Slots returns the arena capacity.
func (a *StackArena) Slots() int {
	return len(a.backing) / a.slotSize
}

// InUse returns the number of currently allocated slots.
func (a *StackArena) InUse() int {
	return a.inUse
}

// SlotSize returns the stack size in bytes handed to each task.
func (a *StackArena) SlotSize() int {
	return a.slotSize
}

func (a *StackArena) slot(slot int) []byte {
	start := slot * a.slotSize
	end := start + a.slotSize
	return a.backing[start:end:end]
}
