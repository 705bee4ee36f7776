package sched

import (
	"sync/atomic"

	"github.com/UnknownEclipse/kepler/hal"
	"github.com/UnknownEclipse/kepler/ksync/spinlock"
	"github.com/UnknownEclipse/kepler/task"
)

// overflowQueue is the per-worker unbounded fallback queue a worker's
// ring spills into once full (spec §4.7's "if the local ring is full,
// push to the overflow queue"). Only the owning worker pushes into it;
// the owner and every stealing worker pop from it. It
// is grounded on the original source's task/work_stealing.rs::MpmcQueue:
// a Michael-Scott intrusive singly-linked queue (multi-producer,
// single-consumer by construction) made safe for multiple *consumers*
// by serializing pop behind a spinlock, exactly as the original wraps
// its MpscQueue in a SpinMutex<()> pop lock.
//
// The queue is intrusive: task.Header.QueueNext is the link field, so
// enqueuing a task never allocates. A permanent stub node (never
// exposed to callers) plays the role of the original's static STUB,
// letting push and pop avoid ever observing a nil insert/remove pair.
type overflowQueue struct {
	insert atomic.Pointer[task.Header] // swapped by every producer to append
	remove *task.Header                // followed forward by the lock-holding consumer
	stub   task.Header

	popLock *spinlock.SpinLock[struct{}]

	// count is an approximate depth, maintained only for sched/stats;
	// nothing in the queue's own correctness depends on it.
	count atomic.Int64
}

func newOverflowQueue() *overflowQueue {
	q := &overflowQueue{popLock: spinlock.New(struct{}{}), remove: nil}
	q.insert.Store(&q.stub)
	q.remove = &q.stub
	return q
}

// push enqueues h. Safe for any number of concurrent producers.
func (q *overflowQueue) push(h *task.Header) {
	q.insertRaw(h)
	q.count.Add(1)
}

// insertRaw performs the bare Michael-Scott link-in, used both by push
// and by pop's internal stub requeue (which must not count toward the
// reported depth).
func (q *overflowQueue) insertRaw(h *task.Header) {
	h.QueueNext().Store(nil)
	prev := q.insert.Swap(h)
	prev.QueueNext().Store(h)
}

// pop dequeues the oldest entry, or returns nil if the queue is
// (transiently or genuinely) empty. Safe for any number of concurrent
// consumers: ic is used to disable interrupts for the duration of the
// pop lock, since a worker's idle loop may call this with interrupts
// already disabled.
func (q *overflowQueue) pop(ic hal.Interrupts) *task.Header {
	var result *task.Header
	_ = q.popLock.With(ic, func(*struct{}) error {
		first := q.remove
		next := first.QueueNext().Load()
		if first == &q.stub {
			if next == nil {
				return nil // genuinely empty
			}
			q.remove = next
			first = next
			next = first.QueueNext().Load()
		}
		if next != nil {
			q.remove = next
			result = first
			return nil
		}
		last := q.insert.Load()
		if first != last {
			// A push is in flight between its Swap and the store that
			// links the previous node forward; treat this as a
			// transient empty rather than spinning here.
			return nil
		}
		q.insertRaw(&q.stub)
		next = first.QueueNext().Load()
		if next != nil {
			q.remove = next
			result = first
		}
		return nil
	})
	if result != nil {
		q.count.Add(-1)
	}
	return result
}

// Len returns an approximate depth, for sched/stats only.
func (q *overflowQueue) Len() int64 { return q.count.Load() }
