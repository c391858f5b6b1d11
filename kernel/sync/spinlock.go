// Package sync provides the synchronization primitives used by kernel code.
// All locks in the kernel spin: the paths that take them are never allowed
// to block or yield to a scheduler while holding one, so hold times must be
// short and bounded.
package sync

import (
	"sync/atomic"

	"helios/kernel/hal"
)

var (
	// pauseFn is invoked between acquisition attempts to emit the
	// hardware spin-wait hint. Tests substitute it to avoid burning a
	// core while contending.
	pauseFn = hal.Pause
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock. There is no fairness guarantee beyond mutual exclusion: when
// multiple tasks spin on the same lock, any of them may acquire it next.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		pauseFn()
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

// IsHeld returns true if the lock is currently held by some task.
func (l *Spinlock) IsHeld() bool {
	return atomic.LoadUint32(&l.state) == 1
}
