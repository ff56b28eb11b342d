// Package sync provides synchronization primitive implementations for spinlocks.
package sync

import (
	"sync/atomic"

	"github.com/CodeStix/kokos-sub000/kernel/cpu"
)

const (
	// attemptsBeforeYielding is the number of pause cycles a waiter spends
	// on a held lock before invoking yieldFn, if one is installed.
	attemptsBeforeYielding = 64
)

var (
	// yieldFn is only set by hosted code that runs the kernel packages on
	// top of the Go scheduler; the kernel itself never yields a spinning CPU.
	yieldFn func()

	pauseFn = cpu.Pause

	disableInterruptsFn = func() uintptr { return 0 }
	restoreInterruptsFn = func(uintptr) {}
)

// SetInterruptHooks installs the functions used by AcquireIRQSave and
// ReleaseIRQRestore to mask interrupts while a lock is held. Until this
// function is invoked both hooks are no-ops, which is the correct behavior
// for code that does not run in ring 0.
func SetInterruptHooks(disable func() uintptr, restore func(uintptr)) {
	disableInterruptsFn = disable
	restoreInterruptsFn = restore
}

// SetYieldHook installs a function that a waiter invokes after spinning on a
// held lock for a while. Hosted code passes runtime.Gosched so that spinning
// goroutines do not starve the lock holder.
func SetYieldHook(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked spinlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	var attempts uint32
	for !l.TryToAcquire() {
		// Spin on a plain load so that waiters do not keep bouncing the
		// cache line with locked instructions while the lock is held.
		for atomic.LoadUint32(&l.state) != 0 {
			pauseFn()

			if attempts++; attempts == attemptsBeforeYielding {
				attempts = 0
				if yieldFn != nil {
					yieldFn()
				}
			}
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// AcquireIRQSave disables interrupts on the current CPU and then acquires the
// lock. It returns the saved interrupt state that must be passed to
// ReleaseIRQRestore.
func (l *Spinlock) AcquireIRQSave() uintptr {
	state := disableInterruptsFn()
	l.Acquire()
	return state
}

// ReleaseIRQRestore releases the lock and restores the interrupt state
// captured by the matching AcquireIRQSave call.
func (l *Spinlock) ReleaseIRQRestore(state uintptr) {
	l.Release()
	restoreInterruptsFn(state)
}
