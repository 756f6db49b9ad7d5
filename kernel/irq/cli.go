package irq

import (
	"github.com/yubrot/ors/kernel"
	"github.com/yubrot/ors/kernel/cpu"
)

// Nested interrupts-disabled sections are tracked per CPU. PushCli sections
// may nest (a scheduling operation inside a handler that already runs with
// interrupts off) and the flag state from before the outermost section is
// restored only when the last PopCli unwinds.
var (
	// ncli is the nesting depth of PushCli sections.
	ncli uint32

	// zcli records whether interrupts were already disabled before the
	// outermost PushCli.
	zcli bool

	errUnbalancedPopCli = &kernel.Error{Module: "irq", Message: "PopCli without a matching PushCli"}
	errPoppedEnabled    = &kernel.Error{Module: "irq", Message: "interrupts enabled inside a PushCli section"}

	// The fn variables below are mocked by tests, which model the
	// interrupt flag as a plain boolean.
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
	interruptsEnabledFn = cpu.InterruptsEnabled
)

// PushCli disables interrupts and enters a nested critical section.
func PushCli() {
	wasDisabled := !interruptsEnabledFn()
	disableInterruptsFn()
	if ncli == 0 {
		zcli = wasDisabled
	}
	ncli++
}

// PopCli leaves the innermost critical section and re-enables interrupts
// only if this was the outermost section and interrupts were enabled before
// it was entered. Popping with interrupts enabled or without a matching
// PushCli indicates corrupted critical section bookkeeping and is fatal.
func PopCli() {
	if interruptsEnabledFn() {
		panicFn(errPoppedEnabled)
		return
	}
	if ncli == 0 {
		panicFn(errUnbalancedPopCli)
		return
	}
	ncli--
	if ncli == 0 && !zcli {
		enableInterruptsFn()
	}
}

// CliDepth returns the current PushCli nesting depth. The scheduler asserts
// a depth of exactly one before a context switch to catch callers that hold
// additional critical sections across a switch.
func CliDepth() int {
	return int(ncli)
}

// OutermostEnabled reports whether interrupts were enabled before the
// outermost PushCli, i.e. whether the final PopCli will re-enable them.
func OutermostEnabled() bool {
	return !zcli
}

// SetOutermostEnabled overrides the interrupt state the final PopCli
// restores. A context switch happens inside a PushCli section and resumes
// inside another task's section, so the scheduler saves this value across
// the switch to keep each task's interrupt-enable disposition its own.
func SetOutermostEnabled(enabled bool) {
	zcli = !enabled
}
