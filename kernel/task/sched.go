package task

import (
	"sync/atomic"
	"unsafe"

	"github.com/yubrot/ors/kernel"
	"github.com/yubrot/ors/kernel/cpu"
	"github.com/yubrot/ors/kernel/irq"
	"github.com/yubrot/ors/kernel/mm"
	"github.com/yubrot/ors/kernel/sync"
)

var (
	errNoRunnableTask = &kernel.Error{Module: "task", Message: "no runnable task left to switch to"}
	errGuardDepth     = &kernel.Error{Module: "task", Message: "context switch attempted with the interrupt guard nested"}
)

var (
	// The scheduler's touch points with the hardware and the rest of the
	// kernel; mocked by tests.
	pushCliFn       = irq.PushCli
	popCliFn        = irq.PopCli
	cliDepthFn      = irq.CliDepth
	cliEnabledFn    = irq.OutermostEnabled
	setCliEnabledFn = irq.SetOutermostEnabled
	activePDTFn     = cpu.ActivePDT
	panicFn         = kernel.Panic
)

// parkMode selects where reschedule leaves the calling task.
type parkMode uint8

const (
	parkReady parkMode = iota
	parkBlocked
	parkSleeping
	parkFinished
)

// Scheduler owns every task and decides which one the CPU runs. It is
// created exactly once, after the descriptor tables are in place and before
// any task is spawned, and is passed explicitly to the interrupt
// collaborators that drive preemption.
//
// The policy is plain FIFO round-robin: the ready queue order is the only
// tie-break, which keeps scheduling decisions deterministic. All queues are
// guarded by a spinlock that is only ever acquired with interrupts
// disabled and never held across a switch.
type Scheduler struct {
	lock     sync.Spinlock
	ready    taskList
	blocked  taskList
	sleeping taskList
	finished taskList
	current  *Task

	arena   *mm.StackArena
	ticks   uint64
	idGen   uint64
	chanGen uint64
}

// NewScheduler creates a scheduler drawing task stacks from arena and
// adopts the calling flow of control as the first task. The adopted task
// has no arena stack and an undefined context: the CPU's live register file
// is the authoritative copy until the first switch away saves it.
func NewScheduler(arena *mm.StackArena) *Scheduler {
	s := &Scheduler{arena: arena}
	s.current = &Task{
		id:    s.issueTaskID(),
		state: StateRunning,
		slot:  -1,
		sched: s,
	}
	return s
}

func (s *Scheduler) issueTaskID() TaskID {
	return TaskID(atomic.AddUint64(&s.idGen, 1) - 1)
}

// NewWaitChannel issues a wait channel identity for use with Sleep and
// Wakeup.
func (s *Scheduler) NewWaitChannel() WaitChannel {
	return WaitChannel(atomic.AddUint64(&s.chanGen, 1) - 1)
}

// Spawn creates a task that will run entry(arg) on its own zeroed stack and
// appends it to the back of the ready queue. No switch happens; the new
// task first runs when the rotation reaches it. The context captures the
// live page table root, so tasks spawned before an address space change
// keep the mappings they were spawned under.
func (s *Scheduler) Spawn(entry func(arg uint64), arg uint64) (TaskID, *kernel.Error) {
	t := &Task{
		id:    s.issueTaskID(),
		state: StateRunnable,
		entry: entry,
		slot:  -1,
		sched: s,
	}

	pushCliFn()
	s.lock.Acquire()

	slot, stack, err := s.arena.Alloc()
	if err == nil {
		t.slot = slot
		top := uintptr(unsafe.Pointer(&stack[0])) + uintptr(len(stack))
		if err = t.ctx.init(top, t, arg, activePDTFn()); err != nil {
			if freeErr := s.arena.Free(slot); freeErr != nil {
				err = freeErr
			}
		} else {
			s.ready.pushBack(t)
		}
	}

	s.lock.Release()
	popCliFn()

	if err != nil {
		return 0, err
	}
	return t.id, nil
}

// YieldNow gives up the CPU voluntarily. The calling task moves to the back
// of the ready queue and the task at the front runs next; the call returns
// when the rotation comes back around. With no other runnable task it
// degenerates to a switch onto itself, which still runs the full
// save/restore for uniformity.
func (s *Scheduler) YieldNow() {
	s.reschedule(parkReady, 0, 0)
}

// OnTimerTick is the involuntary preemption entry point, called by the
// timer interrupt collaborator with interrupts already disabled. It
// advances the tick counter, releases sleepers whose deadline has passed
// and then rotates the ready queue exactly like YieldNow: cooperative and
// preemptive scheduling share one mechanism and differ only in the caller.
// The timer device itself is acknowledged by the interrupt collaborator,
// not here.
func (s *Scheduler) OnTimerTick() {
	now := atomic.AddUint64(&s.ticks, 1)

	pushCliFn()
	s.lock.Acquire()
	s.wakeSleepers(now)
	s.lock.Release()
	popCliFn()

	s.reschedule(parkReady, 0, 0)
}

// ExitCurrent ends the calling task and never returns. The task moves to
// the finished list, out of reach of any further scheduling decision, and
// its stack stays allocated until ReapFinished observes its final context
// save. Exiting the last runnable task leaves the kernel with no work and
// is fatal.
func (s *Scheduler) ExitCurrent() {
	s.reschedule(parkFinished, 0, 0)
}

// Sleep parks the calling task on ch until another task calls Wakeup with
// the same channel. When no other task is runnable the park is cancelled
// and Sleep returns immediately, so callers must re-check their wait
// condition in a loop.
func (s *Scheduler) Sleep(ch WaitChannel) {
	s.reschedule(parkBlocked, ch, 0)
}

// SleepTicks parks the calling task until n more timer ticks have been
// observed. The wait granularity is the tick, not wall time. Like Sleep,
// the park is cancelled when no other task is runnable.
func (s *Scheduler) SleepTicks(n uint64) {
	s.reschedule(parkSleeping, 0, atomic.LoadUint64(&s.ticks)+n)
}

// Wakeup moves every task parked on ch back to the ready queue in the
// order they went to sleep. It performs no switch, so it is safe to call
// from interrupt handlers.
func (s *Scheduler) Wakeup(ch WaitChannel) {
	pushCliFn()
	s.lock.Acquire()

	for prev, t := (*Task)(nil), s.blocked.head; t != nil; {
		if t.wchan == ch {
			after := t.next
			s.blocked.removeAfter(prev)
			t.state = StateRunnable
			s.ready.pushBack(t)
			t = after
		} else {
			prev, t = t, t.next
		}
	}

	s.lock.Release()
	popCliFn()
}

// ReapFinished reclaims the arena stacks of exited tasks and returns how
// many it reclaimed. A task is reclaimable only once its final context
// save has been published, which guarantees no CPU still runs on its
// stack; unpublished tasks stay on the finished list for a later sweep.
func (s *Scheduler) ReapFinished() int {
	reaped := 0

	pushCliFn()
	s.lock.Acquire()

	for prev, t := (*Task)(nil), s.finished.head; t != nil; {
		if t.ctx.isSaved() {
			after := t.next
			s.finished.removeAfter(prev)
			if t.slot >= 0 {
				if err := s.arena.Free(t.slot); err != nil {
					panicFn(err)
				}
				t.slot = -1
			}
			reaped++
			t = after
		} else {
			prev, t = t, t.next
		}
	}

	s.lock.Release()
	popCliFn()

	return reaped
}

// Ticks returns the number of timer ticks observed so far.
func (s *Scheduler) Ticks() uint64 {
	return atomic.LoadUint64(&s.ticks)
}

// Current returns the id of the task resident on the CPU.
func (s *Scheduler) Current() TaskID {
	pushCliFn()
	s.lock.Acquire()
	id := s.current.id
	s.lock.Release()
	popCliFn()
	return id
}

// Len returns the number of tasks waiting in the ready queue, not counting
// the running task.
func (s *Scheduler) Len() int {
	pushCliFn()
	s.lock.Acquire()
	n := s.ready.len()
	s.lock.Release()
	popCliFn()
	return n
}

// wakeSleepers moves every sleeping task whose deadline has passed back to
// the ready queue. Call with the lock held.
func (s *Scheduler) wakeSleepers(now uint64) {
	for prev, t := (*Task)(nil), s.sleeping.head; t != nil; {
		if t.deadline <= now {
			after := t.next
			s.sleeping.removeAfter(prev)
			t.state = StateRunnable
			s.ready.pushBack(t)
			t = after
		} else {
			prev, t = t, t.next
		}
	}
}

// reschedule parks the calling task according to mode, dispatches the task
// at the front of the ready queue and returns when the caller is next
// scheduled. This is the only place a context switch happens.
//
// The saved flag handshake: a task is dispatched only after its flag reads
// one (the parked context is complete), the flag is reset just before the
// dispatch, and the suspending switch publishes the outgoing task's flag
// after its save half. A task therefore runs with its flag clear and sits
// in a queue with it set. The degenerate switch onto oneself skips the wait
// (the caller's own flag cannot be set yet) and restores the running-task
// flag state after the save/restore completes.
func (s *Scheduler) reschedule(mode parkMode, ch WaitChannel, deadline uint64) {
	pushCliFn()
	if cliDepthFn() != 1 {
		popCliFn()
		panicFn(errGuardDepth)
		return
	}

	s.lock.Acquire()

	prev := s.current
	next := s.ready.popFront()

	if next == nil {
		switch mode {
		case parkReady:
			next = prev
		case parkBlocked, parkSleeping:
			// Nothing else could run; cancel the park instead of
			// deadlocking the CPU.
			s.lock.Release()
			popCliFn()
			return
		case parkFinished:
			s.lock.Release()
			popCliFn()
			panicFn(errNoRunnableTask)
			return
		}
	}

	if next != prev {
		switch mode {
		case parkReady:
			prev.state = StateRunnable
			s.ready.pushBack(prev)
		case parkBlocked:
			prev.state = StateBlocked
			prev.wchan = ch
			s.blocked.pushBack(prev)
		case parkSleeping:
			prev.state = StateBlocked
			prev.deadline = deadline
			s.sleeping.pushBack(prev)
		case parkFinished:
			prev.state = StateFinished
			s.finished.pushBack(prev)
		}

		next.ctx.waitSaved()
		next.ctx.clearSaved()
		next.state = StateRunning
		s.current = next
	}

	s.lock.Release()

	// The lock is released but interrupts stay off until the resumed
	// task unwinds its own guard. Each task carries its interrupt-enable
	// disposition across the switch in its suspended frame.
	wasEnabled := cliEnabledFn()
	switchContextFn(&next.ctx, &prev.ctx)

	// Resumption point of prev. After a switch onto oneself the save half
	// published the context even though the task kept running; mark it
	// stale again.
	if next == prev {
		prev.ctx.clearSaved()
	}

	setCliEnabledFn(wasEnabled)
	popCliFn()
}
