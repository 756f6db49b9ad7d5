// Package sync provides synchronization primitive implementations that are
// safe to use from kernel context where the Go runtime scheduler is not
// available.
package sync

import (
	"sync/atomic"

	"github.com/yubrot/ors/kernel/cpu"
)

// spinAttempts is the number of busy-wait iterations that Acquire performs
// on a contended lock before offering the CPU to another runnable task.
const spinAttempts = 1024

var (
	// yieldFn surrenders the CPU while a lock remains contended. It is wired
	// to the task scheduler once context-switching is enabled; until then
	// contended locks plain busy-wait.
	yieldFn func()
)

// SetYield registers the function that contended locks invoke to surrender
// the CPU. The kernel points it at the scheduler's voluntary switch entry
// once task switching is initialized.
func SetYield(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		for i := 0; i < spinAttempts; i++ {
			if atomic.LoadUint32(&l.state) == 0 {
				break
			}
			cpu.Pause()
		}

		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
