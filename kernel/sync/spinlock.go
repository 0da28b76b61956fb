// Package sync provides synchronization primitive implementations for spinlocks
// and recursive spinlocks.
package sync

import (
	"runtime"
	"sync/atomic"
	"vmcore/kernel"
	"vmcore/kernel/cpu"
)

const spinAttemptsBeforeYielding = 64

var (
	yieldFn = runtime.Gosched

	errNotOwner = &kernel.Error{Module: "sync", Message: "recursive spinlock released by a context that does not own it"}
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, spinAttemptsBeforeYielding)
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

// IsLocked returns true if the lock is currently held.
func (l *Spinlock) IsLocked() bool {
	return atomic.LoadUint32(&l.state) != 0
}

// archAcquireSpinlock spins on state and yields to other tasks after every
// attemptsBeforeYielding failed attempts.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for {
		for attempt := uint32(0); attempt < attemptsBeforeYielding; attempt++ {
			if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
				return
			}
		}
		yieldFn()
	}
}

// RecursiveSpinlock is a spinlock that may be re-acquired by the execution
// context that already holds it. The lock is released when Release has been
// called as many times as Acquire.
type RecursiveSpinlock struct {
	lock  Spinlock
	owner uint64
	depth uint32
}

// Acquire blocks until the lock can be acquired by the current context. If
// the current context already holds the lock its nesting depth is increased.
func (l *RecursiveSpinlock) Acquire() {
	id := cpu.ContextID()
	if atomic.LoadUint64(&l.owner) == id {
		l.depth++
		return
	}

	l.lock.Acquire()
	atomic.StoreUint64(&l.owner, id)
	l.depth = 1
}

// TryToAcquire attempts to acquire the lock without blocking. It always
// succeeds if the current context already holds the lock.
func (l *RecursiveSpinlock) TryToAcquire() bool {
	id := cpu.ContextID()
	if atomic.LoadUint64(&l.owner) == id {
		l.depth++
		return true
	}

	if !l.lock.TryToAcquire() {
		return false
	}

	atomic.StoreUint64(&l.owner, id)
	l.depth = 1
	return true
}

// Release decreases the nesting depth of the lock and releases it once the
// depth reaches zero. Releasing a lock that the current context does not hold
// is a fatal error.
func (l *RecursiveSpinlock) Release() {
	if atomic.LoadUint64(&l.owner) != cpu.ContextID() {
		panic(errNotOwner)
	}

	l.depth--
	if l.depth == 0 {
		atomic.StoreUint64(&l.owner, 0)
		l.lock.Release()
	}
}

// IsLockedByCurrent returns true if the current context holds the lock.
func (l *RecursiveSpinlock) IsLockedByCurrent() bool {
	return atomic.LoadUint64(&l.owner) == cpu.ContextID()
}

// Depth returns the nesting depth of the lock if it is held by the current
// context or 0 otherwise.
func (l *RecursiveSpinlock) Depth() uint32 {
	if !l.IsLockedByCurrent() {
		return 0
	}
	return l.depth
}
