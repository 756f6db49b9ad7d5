// Package gdt installs the global descriptor table and programs the segment
// selector registers that every task context references. The table is built
// once at boot and never changes afterwards; malformed descriptors are not
// detected here but cause a processor fault on the next affected
// instruction, so correctness is pinned by the package tests instead of
// runtime checks.
package gdt

import (
	"encoding/binary"
	"unsafe"

	"github.com/yubrot/ors/kernel"
	"github.com/yubrot/ors/kernel/kfmt"
)

// Selector identifies a descriptor table slot: the slot index shifted left
// by three with the requested privilege level in the two low bits.
type Selector uint16

// Descriptor table slot assignments. The SYSCALL/SYSRET instructions force
// the relative positions of the code and data slots, so the layout below is
// load-bearing even though ring 3 is not populated yet.
const (
	slotNull = iota
	slotKernelCode
	slotKernelData
	slotUserCode // reserved for ring 3 code, not populated
	slotUserData // reserved for ring 3 data, not populated
	slotTSS      // 16-byte system descriptor, spans two slots
	slotTSSHigh
	slotCount
)

// Fixed selector values established once at boot and referenced by every
// task context from then on. No runtime renumbering.
const (
	NullSelector       Selector = slotNull << 3
	KernelCodeSelector Selector = slotKernelCode << 3
	KernelDataSelector Selector = slotKernelData << 3
	UserCodeSelector   Selector = slotUserCode<<3 | 3
	UserDataSelector   Selector = slotUserData<<3 | 3
	tssSelector        Selector = slotTSS << 3
)

// Descriptor attribute bits (Intel SDM Vol. 3, 3.4.5). The base and limit
// fields stay zero: 64-bit mode ignores both for code and data segments.
const (
	descTypeData   uint64 = 0x2 << 40 // data, read/write
	descTypeCode   uint64 = 0xa << 40 // code, execute/read
	descTypeTSS    uint64 = 0x9 << 40 // available 64-bit TSS
	descCodeOrData uint64 = 1 << 44
	descPresent    uint64 = 1 << 47
	descLongCode   uint64 = 1 << 53
	descOpSize32   uint64 = 1 << 54
)

// DoubleFaultISTSlot is the interrupt stack table slot reserved for the
// double fault handler. The interrupt dispatch collaborator points its
// double fault gate at this slot.
const DoubleFaultISTSlot = 1

// Descriptor is a single 8-byte descriptor table entry.
type Descriptor uint64

// Pointer describes the value loaded into the GDTR register: the table
// limit (size minus one) followed by the table base address.
type Pointer struct {
	Limit uint16
	Base  uint64
}

// bytes packs p into the 10-byte little-endian format the lgdt instruction
// expects. The Go struct layout pads Base to offset 8 so p cannot be handed
// to lgdt as-is.
func (p Pointer) bytes() (out [10]byte) {
	binary.LittleEndian.PutUint16(out[0:2], p.Limit)
	binary.LittleEndian.PutUint64(out[2:10], p.Base)
	return out
}

// TaskStateSegment is the 104-byte 64-bit TSS. Hardware task switching does
// not exist in long mode but a TSS is still required to locate the ring 0
// and interrupt stacks. The uint32 backing array sidesteps the unaligned
// 64-bit fields of the hardware layout.
type TaskStateSegment [26]uint32

// SetRSP records the stack to switch to when an interrupt lowers the
// privilege level to ring. Only rings 0 to 2 have slots.
func (t *TaskStateSegment) SetRSP(ring int, top uint64) *kernel.Error {
	if ring < 0 || ring > 2 {
		return errBadTSSSlot
	}
	t[1+ring*2] = uint32(top)
	t[2+ring*2] = uint32(top >> 32)
	return nil
}

// SetIST records the stack for interrupt stack table slot slot. Slots are
// numbered 1 to 7 as in the gate descriptors that reference them.
func (t *TaskStateSegment) SetIST(slot int, top uint64) *kernel.Error {
	if slot < 1 || slot > 7 {
		return errBadTSSSlot
	}
	t[7+slot*2] = uint32(top)
	t[8+slot*2] = uint32(top >> 32)
	return nil
}

// SetIOMapBase records the offset of the I/O permission bitmap. Pointing it
// past the TSS limit denies all ports to ring 3.
func (t *TaskStateSegment) SetIOMapBase(off uint16) {
	t[25] = uint32(off) << 16
}

var (
	// gdtTable is the live descriptor table. It must be statically
	// allocated: the CPU dereferences it on every privilege check for as
	// long as the kernel runs.
	gdtTable [slotCount]Descriptor

	// tss is the task state segment referenced by gdtTable's TSS slots.
	tss TaskStateSegment

	errBadAlignment = &kernel.Error{Module: "gdt", Message: "descriptor table is not 8-byte aligned"}
	errBadTSSSlot   = &kernel.Error{Module: "gdt", Message: "TSS stack slot out of range"}

	// The fn variables below are mocked by tests to override the privileged
	// instructions, which would fault if executed in user mode.
	loadGDTFn          = loadGDT
	loadTaskRegisterFn = loadTaskRegister
	setCSFn            = setCS
	setDataSelectorsFn = setDataSelectors
	setSSFn            = setSS
)

// SetIST exposes the package TSS's interrupt stack table to boot code. It
// must be called before Init so the loaded TSS already carries the entry.
func SetIST(slot int, top uintptr) *kernel.Error {
	return tss.SetIST(slot, uint64(top))
}

// Init builds the descriptor table, loads it and programs the segment
// selector registers. It must run before the first context switch; the
// selector constants above are meaningless until it returns.
func Init() *kernel.Error {
	if err := installDescriptorTable(); err != nil {
		return err
	}
	SetSegmentSelectors(NullSelector, KernelCodeSelector, KernelDataSelector)
	loadTaskRegisterFn(tssSelector)

	kfmt.Printf("[gdt] loaded %d descriptors; cs=0x%x ss=0x%x\n", slotCount, uint16(KernelCodeSelector), uint16(KernelDataSelector))
	return nil
}

// installDescriptorTable populates gdtTable and points the GDTR register at
// it. The reserved ring 3 slots stay zero (not present) until user mode
// support needs them.
func installDescriptorTable() *kernel.Error {
	tableBase := uintptr(unsafe.Pointer(&gdtTable))
	if tableBase&7 != 0 {
		return errBadAlignment
	}

	tssBase := uintptr(unsafe.Pointer(&tss))
	tssLimit := uint32(unsafe.Sizeof(tss) - 1)
	tss.SetIOMapBase(uint16(tssLimit) + 1)

	gdtTable[slotNull] = 0
	gdtTable[slotKernelCode] = kernelCodeDescriptor()
	gdtTable[slotKernelData] = kernelDataDescriptor()
	gdtTable[slotUserCode] = 0
	gdtTable[slotUserData] = 0
	gdtTable[slotTSS], gdtTable[slotTSSHigh] = tssDescriptors(tssBase, tssLimit)

	gdtr := Pointer{
		Limit: uint16(unsafe.Sizeof(gdtTable) - 1),
		Base:  uint64(tableBase),
	}.bytes()
	loadGDTFn(&gdtr)

	return nil
}

// SetSegmentSelectors programs the selector registers. The data selector
// lands in DS, ES, FS and GS, the stack selector in SS. The code selector
// cannot be written with a plain move and is installed last via a far
// return.
func SetSegmentSelectors(data, code, stack Selector) {
	setDataSelectorsFn(data)
	setSSFn(stack)
	setCSFn(code)
}

func kernelCodeDescriptor() Descriptor {
	return Descriptor(descTypeCode | descCodeOrData | descPresent | descLongCode)
}

func kernelDataDescriptor() Descriptor {
	return Descriptor(descTypeData | descCodeOrData | descPresent | descOpSize32)
}

// tssDescriptors encodes the two-slot system descriptor for a 64-bit TSS at
// base with the supplied limit.
func tssDescriptors(base uintptr, limit uint32) (low, high Descriptor) {
	low = Descriptor(uint64(limit&0xffff) |
		uint64(base&0xffffff)<<16 |
		descTypeTSS |
		descPresent |
		uint64(limit&0xf0000)<<32 |
		uint64((base>>24)&0xff)<<56)
	high = Descriptor(base >> 32)
	return low, high
}

// loadGDT points the GDTR register at the 10-byte descriptor pointed to by
// gdtr. The CPU copies the value during the instruction so gdtr may live on
// the stack.
func loadGDT(gdtr *[10]byte)

// loadTaskRegister loads the task register with the TSS selector.
func loadTaskRegister(sel Selector)

// setCS reloads the code segment register via a far return, the only way to
// write CS in long mode.
func setCS(sel Selector)

// csReloaded is the far-return landing point setCS pushes; it runs with the
// new CS in place and returns to setCS's caller. Declared so the toolchain
// emits proper funcdata for the assembly-only symbol.
func csReloaded()

// setDataSelectors writes sel into the DS, ES, FS and GS registers.
func setDataSelectors(sel Selector)

// setSS writes sel into the SS register.
func setSS(sel Selector)
