package kmain

import (
	"unsafe"

	"github.com/yubrot/ors/kernel"
	"github.com/yubrot/ors/kernel/bootinfo"
	"github.com/yubrot/ors/kernel/cpu"
	"github.com/yubrot/ors/kernel/gdt"
	"github.com/yubrot/ors/kernel/irq"
	"github.com/yubrot/ors/kernel/kfmt"
	"github.com/yubrot/ors/kernel/mm"
	"github.com/yubrot/ors/kernel/sync"
	"github.com/yubrot/ors/kernel/task"
)

const (
	// maxTasks bounds the number of concurrently live tasks; the stack
	// arena is sized for it at boot.
	maxTasks = 64

	// doubleFaultStackSize is the size of the dedicated stack the CPU
	// switches to when a double fault fires, so the fault can be reported
	// even when the faulting task's stack is the problem.
	doubleFaultStackSize = 4 * mm.PageSize
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// doubleFaultStack is allocated statically: the TSS references it for
	// as long as the kernel runs and it must exist before any allocator.
	doubleFaultStack [doubleFaultStackSize]byte

	// The fn variables below are mocked by tests to keep Kmain runnable on
	// a host where the real implementations would execute privileged
	// instructions or never return.
	gdtSetISTFn        = gdt.SetIST
	gdtInitFn          = gdt.Init
	arenaFn            = newBootArena
	spawnRootFn        = spawnRoot
	idleFn             = idle
	enableInterruptsFn = cpu.EnableInterrupts
	isIntelFn          = cpu.IsIntel
	panicFn            = kernel.Panic
)

// Kmain is the kernel entry point. The loader trampoline invokes it after
// exiting UEFI boot services, passing pointers to the framebuffer
// description and the usable-memory map it assembled.
//
// Kmain brings the CPU descriptor tables and the task scheduler up, spawns
// the root task and then becomes the idle task. It is not expected to
// return; if it does, the CPU is halted through kernel.Panic.
//
//go:noinline
func Kmain(frameBufferPtr, memoryMapPtr uintptr) {
	bootinfo.SetInfoPtrs(frameBufferPtr, memoryMapPtr)

	kfmt.Printf("[kmain] ors kernel starting\n")
	if isIntelFn() {
		kfmt.Printf("[kmain] cpu vendor: intel\n")
	}
	if fb := bootinfo.GetFrameBuffer(); fb != nil {
		kfmt.Printf("[kmain] framebuffer %dx%d %s, stride %d\n",
			fb.Width, fb.Height, fb.Format.String(), fb.Stride)
	}
	kfmt.Printf("[kmain] usable memory: %d pages\n", bootinfo.TotalUsablePages())

	// The IST entry must be in the TSS before gdt.Init loads it.
	istTop := uintptr(unsafe.Pointer(&doubleFaultStack[0])) + doubleFaultStackSize
	if err := gdtSetISTFn(gdt.DoubleFaultISTSlot, istTop); err != nil {
		panicFn(err)
	}
	if err := gdtInitFn(); err != nil {
		panicFn(err)
	}

	arena, err := arenaFn()
	if err != nil {
		panicFn(err)
	}
	sched := task.NewScheduler(arena)

	irq.HandleInterrupt(irq.Timer, func(*irq.Frame, *irq.Regs) {
		sched.OnTimerTick()
	})
	sync.SetYield(sched.YieldNow)

	if err := spawnRootFn(sched); err != nil {
		panicFn(err)
	}

	kfmt.Printf("[kmain] preempting at %d Hz; root task spawned\n", irq.TimerFrequency)
	enableInterruptsFn()

	idleFn(sched)

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

func newBootArena() (*mm.StackArena, *kernel.Error) {
	return mm.NewStackArena(maxTasks, task.DefaultStackSize)
}

func spawnRoot(sched *task.Scheduler) *kernel.Error {
	_, err := sched.Spawn(rootTask, 0)
	return err
}

// rootTask is the first task the scheduler runs. Follow-up bring-up
// (drivers, user space) starts from here; for now it reports that
// multitasking is live and exits, handing the CPU back to the idle task.
func rootTask(_ uint64) {
	kfmt.Printf("[kmain] root task running\n")
}

// idle is the boot flow of control's final shape: sweep the stacks of
// exited tasks, then sleep until the next interrupt delivers more work.
// Preemption rotates the ready queue under it.
func idle(sched *task.Scheduler) {
	for {
		sched.ReapFinished()
		cpu.WaitForInterrupt()
	}
}
