// Package ksync implements the sleeping synchronization primitives of
// spec §4.8-§4.9: a futex table built on task parking, and the
// adaptive Mutex/Once/Barrier derived from it. The interrupt-aware
// SpinLock used where sleeping is forbidden (spec §4.10) lives in the
// sibling package ksync/spinlock instead of here, so that package can
// be imported by mem, vm, and sched without creating an import cycle
// through this package's dependency on sched for park/unpark.
package ksync

import (
	"hash/maphash"
	"sync/atomic"
	"unsafe"

	"github.com/UnknownEclipse/kepler/hal"
	"github.com/UnknownEclipse/kepler/ksync/spinlock"
	"github.com/UnknownEclipse/kepler/sched"
	"github.com/UnknownEclipse/kepler/task"
)

// futexBuckets is the table's bucket count: a power of two, per spec
// §4.8 ("64 is the canonical choice").
const futexBuckets = 64

// waiter is one parked task's entry in a bucket's list. It is grounded
// on the original source's futex.rs::Waiter (key plus a task handle),
// translated from an intrusive doubly-linked list into a singly-linked
// one since buckets here only ever need forward traversal (wake scans
// from the head and removes in place).
type waiter struct {
	key  uint64
	ref  task.Ref
	next *waiter
}

type bucketState struct {
	head *waiter
	tail *waiter
}

func (b *bucketState) pushBack(w *waiter) {
	if b.tail == nil {
		b.head, b.tail = w, w
		return
	}
	b.tail.next = w
	b.tail = w
}

// removeMatching finds and unlinks the first waiter whose key equals
// key, returning it (or nil if none matched).
func (b *bucketState) removeMatching(key uint64) *waiter {
	var prev *waiter
	for w := b.head; w != nil; w = w.next {
		if w.key != key {
			prev = w
			continue
		}
		if prev == nil {
			b.head = w.next
		} else {
			prev.next = w.next
		}
		if b.tail == w {
			b.tail = prev
		}
		w.next = nil
		return w
	}
	return nil
}

// drainMatching unlinks every waiter whose key equals key, returning
// them in FIFO order.
func (b *bucketState) drainMatching(key uint64) []*waiter {
	var out []*waiter
	var prev *waiter
	w := b.head
	for w != nil {
		next := w.next
		if w.key != key {
			prev = w
			w = next
			continue
		}
		if prev == nil {
			b.head = next
		} else {
			prev.next = next
		}
		if b.tail == w {
			b.tail = prev
		}
		w.next = nil
		out = append(out, w)
		w = next
	}
	return out
}

// FutexTable routes wait/wake calls keyed by a 32-bit word's address
// into one of futexBuckets spinlock-guarded waiter lists, per spec
// §4.8.
type FutexTable struct {
	platform *hal.Platform
	seed     maphash.Seed
	buckets  [futexBuckets]*spinlock.SpinLock[bucketState]
}

// NewFutexTable builds an empty table over the given platform's
// interrupt-control primitives (buckets are spinlocks, per spec §4.10).
func NewFutexTable(platform *hal.Platform) *FutexTable {
	t := &FutexTable{platform: platform, seed: maphash.MakeSeed()}
	for i := range t.buckets {
		t.buckets[i] = spinlock.New(bucketState{})
	}
	return t
}

func keyOf(addr *atomic.Uint32) uint64 {
	return uint64(uintptr(unsafe.Pointer(addr)))
}

func (t *FutexTable) bucketFor(key uint64) *spinlock.SpinLock[bucketState] {
	var h maphash.Hash
	h.SetSeed(t.seed)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(key >> (8 * i))
	}
	h.Write(buf[:])
	return t.buckets[h.Sum64()&(futexBuckets-1)]
}

// Wait implements spec §4.8's wait: with the bucket locked, if *addr
// no longer equals expected the call returns immediately (the
// condition that would have made the caller wait already changed);
// otherwise the calling task enqueues itself, commits its own
// Active->Parked transition, and only then releases the bucket lock
// and switches away. The check-then-enqueue-then-commit is atomic with
// respect to wakers because it all happens under the bucket lock.
//
// Committing Active->Parked before the lock releases (rather than
// leaving it to an ordinary Park call afterward) matters: the waiter
// becomes visible to WakeOne/WakeAll the moment this lock is released,
// and removal there happens under the same lock. If the state
// transition instead ran after the unlock, a wake could win the race,
// remove the waiter, and call Unpark while the task was still Active;
// Unpark's Parked->Queued CAS would then fail and the wakeup would be
// lost permanently (spec P5). Committing it here closes that window.
func (t *FutexTable) Wait(s *sched.Scheduler, addr *atomic.Uint32, expected uint32) {
	key := keyOf(addr)
	b := t.bucketFor(key)

	self := s.CurrentHeader()
	parked := false

	_ = b.With(t.platform.Interrupts, func(st *bucketState) error {
		if addr.Load() != expected {
			return nil
		}
		st.pushBack(&waiter{key: key, ref: task.FromHeader(self)})
		self.ChangeState(task.StateActive, task.StateParked)
		parked = true
		return nil
	})

	if !parked {
		return
	}
	s.ParkSelf()
}

// WakeOne implements spec §4.8's wake_one: remove the first matching
// waiter under the bucket lock and unpark it.
func (t *FutexTable) WakeOne(addr *atomic.Uint32) {
	key := keyOf(addr)
	b := t.bucketFor(key)

	var woken *waiter
	_ = b.With(t.platform.Interrupts, func(st *bucketState) error {
		woken = st.removeMatching(key)
		return nil
	})
	if woken == nil {
		return
	}
	unparkWaiter(woken)
}

// WakeAll implements spec §4.8's wake_all: drain and unpark every
// matching waiter.
func (t *FutexTable) WakeAll(addr *atomic.Uint32) {
	key := keyOf(addr)
	b := t.bucketFor(key)

	var woken []*waiter
	_ = b.With(t.platform.Interrupts, func(st *bucketState) error {
		woken = st.drainMatching(key)
		return nil
	})
	for _, w := range woken {
		unparkWaiter(w)
	}
}

func unparkWaiter(w *waiter) {
	s, ok := w.ref.Header().Scheduler().(*sched.Scheduler)
	if !ok || s == nil {
		panic("ksync: woke a waiter with no recorded scheduler")
	}
	s.Unpark(w.ref)
}
