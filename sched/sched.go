// Package sched implements the work-stealing multicore scheduler of
// spec §4.7: one Worker per hardware thread, each holding a local SPMC
// ring buffer and an MPMC overflow queue, plus the enter/park/unpark/
// yield/exit public operations. It is grounded on the original
// source's task/work_stealing.rs WorkStealingScheduler/Worker, adapted
// from its Vec<Worker>-plus-thread-local-index design into an explicit
// core-indexed slice addressed through hal.Platform.CoreID, since Go has
// no native concept of "the calling hardware thread."
package sched

import (
	"fmt"
	"sync/atomic"

	"github.com/UnknownEclipse/kepler/hal"
	"github.com/UnknownEclipse/kepler/klog"
	"github.com/UnknownEclipse/kepler/task"
	"github.com/UnknownEclipse/kepler/vm"
)

// worker is one core's scheduling state, per spec §3's "Scheduler
// per-core worker."
type worker struct {
	index    int
	current  atomic.Pointer[task.Header]
	ring     *ring
	overflow *overflowQueue
	rngState uint64

	// idle is this core's fallback context: the one Enter runs its loop
	// on, and the switch target for Park/Exit when no other task is
	// runnable. It never enters the Queued/Parked states and is never
	// reference-counted; it exists purely so a switch away from the last
	// runnable task always has somewhere defined to resume, the same
	// role a kernel's per-core idle thread plays on real hardware.
	idle *task.Header

	// exited holds the run queue's own reference to the task that most
	// recently finished on this core, between the moment it switches
	// away and the moment some other task resumes here and releases it.
	// Delaying the release this long is required: releasing the last
	// reference while still executing on the exiting task's own stack
	// would deallocate the stack out from under the CPU before the
	// switch instruction finishes using it (spec §4.6/§4.7).
	exited atomic.Pointer[task.Header]
}

// Scheduler owns one worker per hardware thread and the address space
// new task stacks are carved out of.
type Scheduler struct {
	platform *hal.Platform
	stacks   *vm.AddressSpace
	workers  []*worker
}

// New builds a scheduler with numCores workers, one per hardware
// thread the platform reports. stacks is the address space new task
// stacks are allocated from (spec §3's "boxed region in the kernel
// address space").
func New(platform *hal.Platform, stacks *vm.AddressSpace, numCores int) *Scheduler {
	s := &Scheduler{platform: platform, stacks: stacks, workers: make([]*worker, numCores)}
	fingerprint := hal.FeatureFingerprint()
	for i := range s.workers {
		s.workers[i] = &worker{
			index:    i,
			ring:     &ring{},
			overflow: newOverflowQueue(),
			rngState: newRNGSeed(i, fingerprint),
		}
	}
	return s
}

func (s *Scheduler) worker() *worker {
	return s.workers[s.platform.CoreID()]
}

// Enter initializes the calling core's idle task and runs the
// scheduling loop on it forever, exactly per spec §4.7's table: on an
// empty steal attempt it enables interrupts and halts rather than
// busy-spinning. Every Park/Exit that finds no other runnable task
// switches back into this same loop, so it keeps running across the
// whole lifetime of the core rather than only once at boot.
func (s *Scheduler) Enter() {
	w := s.worker()
	w.idle = task.NewHeader(&task.VTable{
		DropInPlace: func(*task.Header) {},
		Deallocate:  func(*task.Header) {},
	}, task.NewPolicy(task.PolicyLow, 0), fmt.Sprintf("idle:%d", w.index))
	w.idle.ChangeStateToActive()
	w.idle.SetSchedulerOnce(s)
	w.current.Store(w.idle)

	klog.Debug("sched: core %d entering scheduling loop", w.index)

	for {
		w.releaseExited()
		next := s.popNext(w)
		if next == nil {
			s.platform.Interrupts.Enable()
			s.platform.Interrupts.WaitForInterrupt()
			continue
		}
		s.switchTo(w, next)
	}
}

func (w *worker) releaseExited() {
	if h := w.exited.Swap(nil); h != nil {
		task.FromHeader(h).Release()
	}
}

// popNext implements spec §4.7's steal protocol: local ring, then
// local overflow, then the other cores in pseudo-random order, each
// tried overflow-then-ring.
func (s *Scheduler) popNext(w *worker) *task.Header {
	if h := w.ring.pop(); h != nil {
		return h
	}
	if h := w.overflow.pop(s.platform.Interrupts); h != nil {
		return h
	}
	n := len(s.workers)
	if n <= 1 {
		return nil
	}
	start := int(wyrandNext(&w.rngState) % uint64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if idx == w.index {
			continue
		}
		victim := s.workers[idx]
		if h := victim.overflow.pop(s.platform.Interrupts); h != nil {
			return h
		}
		if h := victim.ring.stealInto(w.ring); h != nil {
			return h
		}
	}
	return nil
}

// switchTo transitions next to Active, installs it as the core's
// current task, and switches the hardware thread onto it. It returns
// once some other switch resumes this goroutine/core. next's own FSM
// transition is skipped when it is the core's idle task, which never
// participates in the Queued/Parked/Exited state machine.
func (s *Scheduler) switchTo(w *worker, next *task.Header) {
	cur := w.current.Load()
	if next != w.idle {
		next.ChangeStateToActive()
	}
	next.SetSchedulerOnce(s)
	w.current.Store(next)
	s.platform.Switch(cur.StackPtrAddr(), next.StackPtr())
	w.releaseExited()
}

// enqueue places h onto the calling core's local queue,
// falling back to the overflow queue when the ring is full, per
// spec §4.7.
func (s *Scheduler) enqueue(h *task.Header) {
	w := s.worker()
	if !w.ring.push(h) {
		w.overflow.push(h)
	}
}

// Current clone-returns a reference to the task currently running on
// the calling core.
func (s *Scheduler) Current() task.Ref {
	return task.FromHeader(s.CurrentHeader()).Clone()
}

// CurrentHeader returns the raw header of the task currently running
// on the calling core, without affecting its refcount. It is for
// callers that already participate in the task's ownership discipline
// by construction (e.g. FutexTable.Wait, which only ever calls this
// from the task's own currently-Active goroutine and hands the result
// straight into the scheduler's own park/unpark bookkeeping) and would
// otherwise have to immediately undo an extra Current clone.
func (s *Scheduler) CurrentHeader() *task.Header {
	return s.worker().current.Load()
}

// YieldNow implements spec §4.7's yield_now: if another task is
// available, the caller requeues itself and switches to it; otherwise
// it returns immediately without switching.
func (s *Scheduler) YieldNow() {
	w := s.worker()
	next := s.popNext(w)
	if next == nil {
		return
	}
	self := w.current.Load()
	self.ChangeState(task.StateActive, task.StateQueued)
	s.enqueue(self)
	s.switchTo(w, next)
}

// Park implements spec §4.7's park: the caller transitions
// Active->Parked and switches to the next available task, falling back
// to the core's idle task when nothing else is runnable.
func (s *Scheduler) Park() {
	w := s.worker()
	self := w.current.Load()
	self.ChangeState(task.StateActive, task.StateParked)
	s.parkCommitted(w)
}

// ParkSelf switches the calling core away from its current task under
// the assumption that the task's Active->Parked transition has already
// been committed by the caller. FutexTable.Wait uses this: it commits
// that transition itself while still holding the bucket spinlock, so
// that a concurrent WakeOne/WakeAll cannot observe the waiter (removal
// also happens under that same lock) before the transition has run. If
// the transition were left to an ordinary Park call instead, it would
// happen only after the bucket lock was released and the waiter had
// already become visible to wakers; a wake landing in that window would
// call Unpark while the task was still Active, fail its Parked->Queued
// CAS, and drop the wakeup permanently (spec P5, no lost wakeup).
func (s *Scheduler) ParkSelf() {
	s.parkCommitted(s.worker())
}

func (s *Scheduler) parkCommitted(w *worker) {
	next := s.popNext(w)
	if next == nil {
		next = w.idle
	}
	s.switchTo(w, next)
}

// Unpark implements spec §4.7's unpark: it CASes the task
// Parked->Queued and, on success, pushes it onto the calling core's
// local queue. ref's ownership transfers to the scheduler; it is
// released when the task later exits.
func (s *Scheduler) Unpark(ref task.Ref) {
	h := ref.Header()
	if !h.TryChangeState(task.StateParked, task.StateQueued) {
		return
	}
	h.SetSchedulerOnce(s)
	s.enqueue(h)
}

// Exit implements spec §4.7's exit: the caller transitions
// Active->Exited, stashes its own (scheduler-owned) reference in the
// per-core exited slot, and switches away for good, falling back to the
// core's idle task when nothing else is runnable.
func (s *Scheduler) Exit() {
	w := s.worker()
	next := s.popNext(w)
	if next == nil {
		next = w.idle
	}
	self := w.current.Load()
	self.ChangeState(task.StateActive, task.StateExited)
	w.exited.Store(self)
	s.switchTo(w, next)
}

// Spawn allocates a task and its stack, sets its header state to
// Parked, and unparks it onto the calling core, per spec §4.7's spawn
// row. task.DefaultStackPages usable pages are bracketed by a guard page on each
// side (spec §3's "boxed region... with a guard page at each end").
func Spawn[T any](s *Scheduler, policy task.Policy, name string, f func() T) (task.JoinHandle[T], error) {
	region, err := s.stacks.Allocate(vm.AllocOptions{
		NumPages:        task.DefaultStackPages,
		StartGuardPages: 1,
		EndGuardPages:   1,
		EagerCommit:     true,
	})
	if err != nil {
		return task.JoinHandle[T]{}, err
	}

	vtable := &task.VTable{}
	h := task.NewHeader(vtable, policy, name)

	var result T
	trampoline := func() {
		result = f()
		s.Exit()
	}
	sp := s.platform.NewTaskStackPointer(region, trampoline)
	h.SetStackPtr(sp)

	vtable.DropInPlace = func(*task.Header) {}
	vtable.Deallocate = func(*task.Header) {}
	vtable.ReadValueInto = func(_ *task.Header, dst any) {
		*(dst.(*T)) = result
	}

	ref := task.FromHeader(h)
	handle := task.NewJoinHandle[T](ref.Clone())
	s.Unpark(ref)
	return handle, nil
}

// CoreStats is one core's queue-depth snapshot, for sched/stats.
type CoreStats struct {
	Core          int
	RingDepth     int
	OverflowDepth int64
}

// Stats snapshots every core's queue depths. The snapshot is not
// atomic across cores (each depth is read independently), which is
// adequate for the diagnostic export sched/stats produces.
func (s *Scheduler) Stats() []CoreStats {
	out := make([]CoreStats, len(s.workers))
	for i, w := range s.workers {
		out[i] = CoreStats{Core: i, RingDepth: w.ring.Len(), OverflowDepth: w.overflow.Len()}
	}
	return out
}
