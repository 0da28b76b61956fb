// Package irq implements the per-CPU deferred call queue. Code running with
// interrupts disabled or inside a trap handler uses it to postpone work that
// may block or allocate until the CPU reaches a safe point.
package irq

import (
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/sync"
)

// deferredQueueSize is the number of calls that can be pending on each CPU.
const deferredQueueSize = 64

// DeferredCall is a one-shot function executed at the next safe point of the
// CPU that queued it.
type DeferredCall func()

type deferredQueue struct {
	lock     sync.Spinlock
	calls    [deferredQueueSize]DeferredCall
	head     int
	count    int
	draining bool
}

var (
	queues [cpu.MaxCPUs]deferredQueue

	errQueueFull = &kernel.Error{Module: "irq", Message: "deferred call queue is full"}
)

// QueueDeferredCall appends fn to the deferred call queue of the current CPU.
// Queued calls run in FIFO order and cannot be cancelled.
func QueueDeferredCall(fn DeferredCall) *kernel.Error {
	q := &queues[cpu.Index()]

	q.lock.Acquire()
	defer q.lock.Release()

	if q.count == deferredQueueSize {
		return errQueueFull
	}

	q.calls[(q.head+q.count)%deferredQueueSize] = fn
	q.count++
	return nil
}

// RunDeferredCalls executes the pending deferred calls of the current CPU,
// including any calls queued while draining, and returns the number of calls
// that ran. A nested invocation from within a deferred call is a no-op.
func RunDeferredCalls() int {
	q := &queues[cpu.Index()]

	q.lock.Acquire()
	if q.draining {
		q.lock.Release()
		return 0
	}
	q.draining = true
	q.lock.Release()

	var ran int
	for {
		q.lock.Acquire()
		if q.count == 0 {
			q.draining = false
			q.lock.Release()
			return ran
		}

		fn := q.calls[q.head]
		q.calls[q.head] = nil
		q.head = (q.head + 1) % deferredQueueSize
		q.count--
		q.lock.Release()

		fn()
		ran++
	}
}

// PendingDeferredCalls returns the number of calls waiting in the queue of
// the current CPU.
func PendingDeferredCalls() int {
	q := &queues[cpu.Index()]

	q.lock.Acquire()
	defer q.lock.Release()
	return q.count
}
