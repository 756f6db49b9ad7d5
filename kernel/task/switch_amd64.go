package task

import "unsafe"

// switchContextFn is mocked by the scheduler tests, which model the switch
// with goroutine handoffs instead of executing the assembly on the host.
var switchContextFn = switchContext

// switchContext suspends the calling task into current and resumes next.
// It does not return in the conventional sense: control next appears at
// current's resumption point when some later switch selects it again, or
// at the taskEntry trampoline if next has never run. The save half deposits
// every register, the flags, the segment selectors, the page table root and
// the FXSAVE64 image into current and then publishes current.saved with an
// atomic exchange; the restore half rebuilds the CPU from next and leaves
// through IRETQ. Callers enter with interrupts disabled and they stay
// disabled throughout, since parked contexts always carry a clear IF.
//
// A malformed next faults the CPU on resume; this primitive trusts the
// scheduler completely.
func switchContext(next, current *Context)

// taskEntry is the first instruction stream of every spawned task. It moves
// the owning Task and the spawn argument from the registers staged by
// Context.init into taskMain's stack arguments.
func taskEntry()

// taskMain runs on the spawned task's own stack. The dispatch that
// activated the task entered its interrupt-off section on another stack and
// cannot unwind it here, so the first step is releasing that guard, which
// also enables interrupts for the task body.
func taskMain(taskPtr, arg uint64) {
	t := (*Task)(unsafe.Pointer(uintptr(taskPtr)))

	setCliEnabledFn(true)
	popCliFn()

	t.entry(arg)
	t.sched.ExitCurrent()
}
