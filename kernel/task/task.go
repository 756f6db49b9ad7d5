// Package task implements kernel multitasking: per-task execution contexts,
// the context-switch primitive and a round-robin scheduler driven both by
// voluntary yields and by timer interrupts.
package task

// DefaultStackSize is the stack size each spawned task receives.
const DefaultStackSize = 4096 * 256 // 1MiB

// TaskID uniquely identifies a task for the lifetime of the kernel. IDs are
// never reused.
type TaskID uint64

// WaitChannel identifies a condition that tasks can park on with Sleep and
// be released from with Wakeup. Channels carry no payload; they are plain
// rendezvous identities issued by the scheduler.
type WaitChannel uint64

// State tracks a task through its lifecycle.
type State uint8

const (
	// StateRunnable marks a task waiting in the ready queue.
	StateRunnable State = iota

	// StateRunning marks the task currently resident on the CPU.
	StateRunning

	// StateBlocked marks a task parked on a wait channel or tick deadline.
	StateBlocked

	// StateFinished marks a task that exited and awaits stack reclamation.
	StateFinished
)

// Task is a schedulable unit of execution owning a stack slot and a saved
// context. Tasks move between the scheduler queues through their intrusive
// next link; they are allocated once at spawn time and never copied, since
// the switch assembly holds their context address across suspensions.
type Task struct {
	// ctx is kept first so that its 16-byte alignment requirement follows
	// directly from the alignment of the Task allocation.
	ctx Context

	id    TaskID
	state State

	// entry is the function the task body runs; the trampoline invokes it
	// on the task's own stack on first activation.
	entry func(arg uint64)

	// slot is the stack arena slot owned by this task, or -1 when the task
	// runs on a stack the arena does not manage (the adopted boot task).
	slot int

	// wchan is the channel the task is parked on while Blocked via Sleep.
	wchan WaitChannel

	// deadline is the tick count that releases the task while Blocked via
	// SleepTicks.
	deadline uint64

	sched *Scheduler
	next  *Task
}

// ID returns the task's identity.
func (t *Task) ID() TaskID {
	return t.id
}

// taskList is an intrusive FIFO list threaded through Task.next. The
// scheduler uses one list per parking reason; a task is on at most one list
// at any time.
type taskList struct {
	head, tail *Task
}

func (l *taskList) pushBack(t *Task) {
	t.next = nil
	if l.tail == nil {
		l.head = t
	} else {
		l.tail.next = t
	}
	l.tail = t
}

func (l *taskList) popFront() *Task {
	t := l.head
	if t == nil {
		return nil
	}
	l.head = t.next
	if l.head == nil {
		l.tail = nil
	}
	t.next = nil
	return t
}

// removeAfter unlinks and returns the task following prev, or the head when
// prev is nil. The caller guarantees such a task exists.
func (l *taskList) removeAfter(prev *Task) *Task {
	var t *Task
	if prev == nil {
		t = l.head
		l.head = t.next
	} else {
		t = prev.next
		prev.next = t.next
	}
	if l.tail == t {
		l.tail = prev
	}
	t.next = nil
	return t
}

func (l *taskList) len() int {
	n := 0
	for t := l.head; t != nil; t = t.next {
		n++
	}
	return n
}
