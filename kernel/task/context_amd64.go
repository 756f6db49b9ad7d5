package task

import (
	"sync/atomic"
	"unsafe"

	"github.com/yubrot/ors/kernel"
	"github.com/yubrot/ors/kernel/cpu"
	"github.com/yubrot/ors/kernel/gdt"
)

const (
	// rflagsReserved is bit 1 of RFLAGS which always reads as one.
	rflagsReserved = 0x2

	// rflagsInterruptEnable is the IF bit. Task bodies run with it set, but
	// a parked context always stores it clear: suspension happens inside an
	// interrupt-off section, and the activation path re-enables interrupts
	// when the dispatch guard is released rather than through IRETQ.
	rflagsInterruptEnable = 0x200

	// mxcsrInit masks all SSE exceptions for a freshly spawned task.
	mxcsrInit = 0x1f80

	// mxcsrOffset is the position of the MXCSR register image inside an
	// FXSAVE area.
	mxcsrOffset = 24
)

var errContextAlignment = &kernel.Error{Module: "task", Message: "context storage is not 16-byte aligned"}

// Context is the register file of a suspended task. The switch assembly in
// switch_amd64.s addresses every field by its fixed offset, pinned by the
// layout assertions below; field order and types must not change without
// updating both.
//
// A Context is complete and resumable only while its saved flag reads one.
// The flag is published by the atomic exchange inside switchContext once
// the save half has finished, and cleared by the scheduler when it hands
// the context back to the CPU.
type Context struct {
	cr3      uint64
	rip      uint64
	rflags   uint64
	reserved uint64
	cs       uint64
	ss       uint64
	fs       uint64
	gs       uint64
	rax      uint64
	rbx      uint64
	rcx      uint64
	rdx      uint64
	rdi      uint64
	rsi      uint64
	rsp      uint64
	rbp      uint64
	r8       uint64
	r9       uint64
	r10      uint64
	r11      uint64
	r12      uint64
	r13      uint64
	r14      uint64
	r15      uint64

	// fxsaveArea receives the FXSAVE64 image of the SSE/x87 state. The
	// instruction requires a 16-byte aligned destination; Context.init
	// rejects misaligned storage.
	fxsaveArea [512]byte

	// saved is the publication flag guarding every other field. Accessed
	// only through the atomic helpers below and the XCHG in the switch
	// assembly.
	saved uint32
}

// The offsets switch_amd64.s relies on. Indexing a one-element array with
// the difference between the real and the expected offset fails compilation
// the moment the layout drifts.
func _() {
	var x [1]struct{}
	_ = x[unsafe.Offsetof(Context{}.cr3)-0x00]
	_ = x[unsafe.Offsetof(Context{}.rip)-0x08]
	_ = x[unsafe.Offsetof(Context{}.rflags)-0x10]
	_ = x[unsafe.Offsetof(Context{}.reserved)-0x18]
	_ = x[unsafe.Offsetof(Context{}.cs)-0x20]
	_ = x[unsafe.Offsetof(Context{}.ss)-0x28]
	_ = x[unsafe.Offsetof(Context{}.fs)-0x30]
	_ = x[unsafe.Offsetof(Context{}.gs)-0x38]
	_ = x[unsafe.Offsetof(Context{}.rax)-0x40]
	_ = x[unsafe.Offsetof(Context{}.rbx)-0x48]
	_ = x[unsafe.Offsetof(Context{}.rcx)-0x50]
	_ = x[unsafe.Offsetof(Context{}.rdx)-0x58]
	_ = x[unsafe.Offsetof(Context{}.rdi)-0x60]
	_ = x[unsafe.Offsetof(Context{}.rsi)-0x68]
	_ = x[unsafe.Offsetof(Context{}.rsp)-0x70]
	_ = x[unsafe.Offsetof(Context{}.rbp)-0x78]
	_ = x[unsafe.Offsetof(Context{}.r8)-0x80]
	_ = x[unsafe.Offsetof(Context{}.r9)-0x88]
	_ = x[unsafe.Offsetof(Context{}.r10)-0x90]
	_ = x[unsafe.Offsetof(Context{}.r11)-0x98]
	_ = x[unsafe.Offsetof(Context{}.r12)-0xa0]
	_ = x[unsafe.Offsetof(Context{}.r13)-0xa8]
	_ = x[unsafe.Offsetof(Context{}.r14)-0xb0]
	_ = x[unsafe.Offsetof(Context{}.r15)-0xb8]
	_ = x[unsafe.Offsetof(Context{}.fxsaveArea)-0xc0]
	_ = x[unsafe.Offsetof(Context{}.saved)-0x2c0]
	_ = x[unsafe.Sizeof(Context{})-0x2c8]
}

// init builds a parked, never-run context in place. The task resumes for
// the first time at the taskEntry trampoline with owner and arg staged in
// RDI and RSI, running on stack with the given page table root. The stack
// pointer is aligned down to 16 bytes and then adjusted by one slot to
// mimic the stack shape after a call, as the SysV ABI expects at a function
// entry point.
//
// The context is published as saved: a parked task that never ran is
// authoritative by construction.
func (c *Context) init(stackTop uintptr, owner *Task, arg uint64, pdt uintptr) *kernel.Error {
	if uintptr(unsafe.Pointer(c))&0xf != 0 {
		return errContextAlignment
	}

	*c = Context{}
	c.cr3 = uint64(pdt)
	c.rip = uint64(funcPC(taskEntry))
	c.rflags = rflagsReserved
	c.cs = uint64(gdt.KernelCodeSelector)
	c.ss = uint64(gdt.KernelDataSelector)
	c.rdi = uint64(uintptr(unsafe.Pointer(owner)))
	c.rsi = arg
	c.rsp = uint64(stackTop)&^0xf - 8
	*(*uint32)(unsafe.Pointer(&c.fxsaveArea[mxcsrOffset])) = mxcsrInit

	atomic.StoreUint32(&c.saved, 1)
	return nil
}

// isSaved reports whether the context is complete and resumable.
func (c *Context) isSaved() bool {
	return atomic.LoadUint32(&c.saved) != 0
}

// waitSaved spins until the context save in flight on another CPU has been
// published. On a single CPU the flag is always already set when the
// scheduler gets here, because the suspending switch finished before any
// other code could run.
func (c *Context) waitSaved() {
	for atomic.LoadUint32(&c.saved) == 0 {
		cpu.Pause()
	}
}

// clearSaved marks the context as consumed just before the CPU starts
// mutating the register file it describes.
func (c *Context) clearSaved() {
	atomic.StoreUint32(&c.saved, 0)
}

// funcPC returns the entry address of f.
func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}
