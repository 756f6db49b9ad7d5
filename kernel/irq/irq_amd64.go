// Package irq carries the interrupt-facing plumbing the multitasking core
// needs: the frame and register layouts handed over by the interrupt entry
// stubs, the handler registration seam those stubs dispatch through, and a
// depth-tracked interrupts-disabled section used around every scheduling
// operation. Building the hardware dispatch table itself (IDT, entry stubs,
// controller EOI) belongs to the interrupt dispatch layer, not this package.
package irq

import (
	"github.com/yubrot/ors/kernel"
)

// Vector identifies an interrupt descriptor table slot.
type Vector uint8

const (
	// DoubleFault is raised when an exception occurs while the CPU is
	// already delivering an exception. Its gate runs on the dedicated
	// stack registered under gdt.DoubleFaultISTSlot.
	DoubleFault = Vector(8)

	// GeneralProtectionFault is raised on privilege and segment limit
	// violations.
	GeneralProtectionFault = Vector(13)

	// PageFault is raised on access to an unmapped or protected page.
	PageFault = Vector(14)

	// Timer is the vector the interrupt controller delivers the periodic
	// timer on. The first 32 slots are reserved for CPU exceptions.
	Timer = Vector(32)
)

// TimerFrequency is the rate in Hz at which the periodic timer fires, and
// therefore the granularity of involuntary preemption.
const TimerFrequency = 250

// Handler processes one interrupt. Modifications to the supplied frame and
// register snapshot are propagated back to the interrupted code when the
// handler returns.
type Handler func(*Frame, *Regs)

var (
	handlers [256]Handler

	errUnhandledInterrupt = &kernel.Error{Module: "irq", Message: "unhandled interrupt"}

	// panicFn is mocked by tests.
	panicFn = kernel.Panic
)

// HandleInterrupt registers handler for the given vector, replacing any
// previous registration.
func HandleInterrupt(vector Vector, handler Handler) {
	handlers[vector] = handler
}

// Dispatch routes an interrupt raised on vector to its registered handler.
// The interrupt entry stubs call it with interrupts disabled and with the
// hardware frame and pushed registers of the interrupted code. An
// unregistered vector is fatal: the kernel cannot know how to acknowledge
// or recover from it.
func Dispatch(vector Vector, frame *Frame, regs *Regs) {
	handler := handlers[vector]
	if handler == nil {
		frame.Print()
		regs.Print()
		panicFn(errUnhandledInterrupt)
		return
	}

	handler(frame, regs)
}
