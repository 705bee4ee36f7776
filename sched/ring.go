package sched

import (
	"sync/atomic"

	"github.com/UnknownEclipse/kepler/task"
)

// ringCapacity is the local run queue's fixed size, per spec §4.7.
const ringCapacity = 256
const ringMask = uint32(ringCapacity - 1)

// ring is the lock-free single-producer/multi-consumer local run
// queue: the owning core pushes and pops without synchronization
// beyond the atomics below; any core may steal from it. It is grounded
// on the original source's task/work_stealing/spmc.rs::UnsafeQueue,
// translated from its raw-pointer buffer into an array of
// atomic.Pointer[task.Header].
type ring struct {
	head atomic.Uint32
	tail atomic.Uint32
	buf  [ringCapacity]atomic.Pointer[task.Header]
}

func idx(v uint32) uint32 { return v & ringMask }

// Len returns an approximate depth, for sched/stats only.
func (r *ring) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// pop is the owner's fast-path dequeue. Only the owning worker calls
// this.
func (r *ring) pop() *task.Header {
	for {
		head := r.head.Load()
		tail := r.tail.Load()
		if head == tail {
			return nil
		}
		if r.head.CompareAndSwap(head, head+1) {
			return r.buf[idx(head)].Load()
		}
	}
}

// push is the owner's fast-path enqueue. Returns false if the ring is
// full, in which case the caller falls back to the overflow queue.
func (r *ring) push(h *task.Header) bool {
	head := r.head.Load()
	tail := r.tail.Load()
	if tail-head >= ringCapacity {
		return false
	}
	r.buf[idx(tail)].Store(h)
	r.tail.Store(tail + 1)
	return true
}

// stealInto moves up to half of r's entries into dst's tail, returning
// the single most-recently-stolen entry directly (so the stealer does
// not need a second pop). This is the exact half-steal algorithm of
// spmc.rs::steal_raw: the stolen range is copied first, then the
// source head is advanced with one CAS, and only on success is the
// destination's tail (and the return value) committed.
func (r *ring) stealInto(dst *ring) *task.Header {
	for {
		head := r.head.Load()
		tail := r.tail.Load()
		n := tail - head
		if n > ringCapacity {
			continue // torn read across a concurrent wraparound; retry
		}
		if n == 0 {
			return nil
		}
		half := n - n/2

		dstTail := dst.tail.Load()
		for i := uint32(0); i < half; i++ {
			v := r.buf[idx(head+i)].Load()
			dst.buf[idx(dstTail+i)].Store(v)
		}

		if r.head.CompareAndSwap(head, head+half) {
			newTail := dstTail + half
			dst.tail.Store(newTail - 1)
			return dst.buf[idx(newTail-1)].Load()
		}
		// Lost the race with another stealer or the owner's pop; retry
		// from scratch rather than partially committing the copy.
	}
}
