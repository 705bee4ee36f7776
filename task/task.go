// Package task implements the reference-counted task object described
// in spec §3/§4.6: a fixed-layout header shared by every task, a
// compare-and-swap state machine, and a vtable that lets the scheduler
// drop and deallocate a task's payload without knowing its concrete
// type. It is grounded on the original source's
// kernel/src/task/task_types.rs Head/Task/TaskVTable/Policy/AtomicState,
// translated from a NonNull<Head>-plus-manual-Drop design into Go's
// GC-backed equivalent: refcounting and the vtable are kept (so the
// spec's P6/S6 properties remain observable) even though Go would
// otherwise reclaim the payload on its own.
package task

import (
	"fmt"
	"sync/atomic"
)

// State is one of the four positions in the task FSM of spec §4.6.
type State uint32

const (
	StateQueued State = iota
	StateActive
	StateParked
	StateExited
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateActive:
		return "active"
	case StateParked:
		return "parked"
	case StateExited:
		return "exited"
	default:
		return "invalid"
	}
}

// Policy is the task's scheduling priority, per spec §9. Low never
// preempts; Normal and High preempt a strictly lower policy, matching
// the original source's Policy::should_preempt.
type Policy struct {
	class PolicyClass
	level uint8
}

type PolicyClass uint8

const (
	PolicyLow PolicyClass = iota
	PolicyNormal
	PolicyHigh
)

func NewPolicy(class PolicyClass, level uint8) Policy { return Policy{class: class, level: level} }

func (p Policy) rank() int { return int(p.class)*256 + int(p.level) }

// ShouldPreempt reports whether a task with policy p should preempt one
// currently running with policy other.
func (p Policy) ShouldPreempt(other Policy) bool {
	if p.class == PolicyLow {
		return false
	}
	return p.rank() > other.rank()
}

// VTable lets the scheduler manipulate a task's payload without static
// knowledge of its closure/return type, per spec §4.6.
type VTable struct {
	// DropInPlace runs the payload's destructor (in Go terms: releases
	// any non-GC resource the payload holds, e.g. unmapping its stack).
	DropInPlace func(*Header)
	// Deallocate releases the header+payload allocation itself.
	Deallocate func(*Header)
	// ReadValueInto moves the completed task's return value into dst.
	// Called at most once, only after the task has reached StateExited.
	ReadValueInto func(h *Header, dst any)
}

// Header is the fixed-layout prefix shared by every task, per spec §3.
type Header struct {
	id    uint64
	refs  atomic.Int64
	state atomic.Uint32
	// stackPtr is deliberately a plain uintptr, not an atomic one: it is
	// written only by the core that currently owns the task (as part of
	// a context switch, with that core's own stack as the only thing
	// racing it), and hal.ContextSwitch's signature takes a *uintptr
	// directly, matching what the assembly-level primitive a real
	// platform supplies actually expects.
	stackPtr    uintptr
	policy      Policy
	preemptible atomic.Bool
	vtable      *VTable
	scheduler   atomic.Pointer[any] // opaque back-pointer, set on first unpark
	name        string

	// queueNext links this header into the scheduler's overflow MPSC
	// queue. It is owned exclusively by whichever queue currently holds
	// the task; a task is never a member of two queues at once.
	queueNext atomic.Pointer[Header]
}

var nextID atomic.Uint64

// NewHeader initializes a task header in StateParked (per spec §4.6,
// "spawn... set header state = Parked"), ready for the caller to
// unpark it onto a scheduler.
func NewHeader(vtable *VTable, policy Policy, name string) *Header {
	h := &Header{
		id:     nextID.Add(1),
		vtable: vtable,
		policy: policy,
		name:   name,
	}
	h.refs.Store(1)
	h.state.Store(uint32(StateParked))
	h.preemptible.Store(true)
	return h
}

func (h *Header) ID() uint64        { return h.id }
func (h *Header) Name() string      { return h.name }
func (h *Header) Policy() Policy    { return h.policy }
func (h *Header) VTable() *VTable   { return h.vtable }
func (h *Header) Preemptible() bool { return h.preemptible.Load() }

// SetPreemptible toggles whether this task may be preempted.
func (h *Header) SetPreemptible(v bool) { h.preemptible.Store(v) }

// Scheduler returns the owning scheduler back-pointer, or nil if this
// task has never been unparked, per spec §9.
func (h *Header) Scheduler() any {
	p := h.scheduler.Load()
	if p == nil {
		return nil
	}
	return *p
}

// SetSchedulerOnce records the owning scheduler the first time a task
// is unparked. Later calls with a different value are a programming
// error: a task header never migrates to a second scheduler.
func (h *Header) SetSchedulerOnce(s any) {
	if !h.scheduler.CompareAndSwap(nil, &s) {
		if existing := h.Scheduler(); existing != s {
			panic(fmt.Sprintf("task: header %d's scheduler back-pointer already set to a different scheduler", h.id))
		}
	}
}

// State returns the task's current FSM state.
func (h *Header) State() State { return State(h.state.Load()) }

// StackPtr returns the raw saved-stack-pointer word's current value.
func (h *Header) StackPtr() uintptr { return h.stackPtr }

// SetStackPtr overwrites the saved-stack-pointer word directly; used
// when priming a freshly spawned task's header before its first switch.
func (h *Header) SetStackPtr(v uintptr) { h.stackPtr = v }

// StackPtrAddr exposes the word's address for hal.ContextSwitch, which
// writes the outgoing task's new stack pointer there directly.
func (h *Header) StackPtrAddr() *uintptr { return &h.stackPtr }

// QueueNext exposes the intrusive link the overflow queue uses. Only
// the owning queue implementation should touch it.
func (h *Header) QueueNext() *atomic.Pointer[Header] { return &h.queueNext }

// ChangeState performs the CAS transition old->new required by spec
// §4.6. An invalid transition is a programming error and panics, since
// it indicates a broken invariant rather than a recoverable condition
// (spec §7).
func (h *Header) ChangeState(old, new State) {
	if !h.state.CompareAndSwap(uint32(old), uint32(new)) {
		panic(fmt.Sprintf("task: invalid state transition %s->%s on task %d (actual state %s)", old, new, h.id, h.State()))
	}
}

// TryChangeState performs the CAS without panicking on failure,
// reporting whether it succeeded. Used by unpark, whose precondition is
// "any state" but whose effect only applies from Parked.
func (h *Header) TryChangeState(old, new State) bool {
	return h.state.CompareAndSwap(uint32(old), uint32(new))
}

// ChangeStateToActive is the run transition: Queued|Parked -> Active.
// Only the scheduler calls this, immediately before resuming a task.
func (h *Header) ChangeStateToActive() {
	prev := State(h.state.Swap(uint32(StateActive)))
	if prev != StateQueued && prev != StateParked {
		panic(fmt.Sprintf("task: invalid transition to active from %s on task %d", prev, h.id))
	}
}

// Ref is a strong, refcounted handle to a task header, the Go analogue
// of the original source's Task(NonNull<Head>) plus its manual
// Clone/Drop impls.
type Ref struct {
	h *Header
}

// FromHeader wraps h in a Ref without incrementing the refcount; the
// caller must already own the reference being transferred (e.g. the
// initial reference returned by Spawn).
func FromHeader(h *Header) Ref { return Ref{h: h} }

// Header returns the wrapped header.
func (r Ref) Header() *Header { return r.h }

// Valid reports whether r wraps a header at all.
func (r Ref) Valid() bool { return r.h != nil }

// Clone increments the refcount and returns a new independent Ref to
// the same task.
func (r Ref) Clone() Ref {
	r.h.refs.Add(1)
	return Ref{h: r.h}
}

// Release decrements the refcount; at zero it runs DropInPlace then
// Deallocate, per spec §4.6's "last drop" rule.
func (r Ref) Release() {
	if r.h == nil {
		return
	}
	if r.h.refs.Add(-1) == 0 {
		r.h.vtable.DropInPlace(r.h)
		r.h.vtable.Deallocate(r.h)
	}
}

func (r Ref) String() string {
	if r.h.name != "" {
		return fmt.Sprintf("<%s>", r.h.name)
	}
	return fmt.Sprintf("task:%d", r.h.id)
}
