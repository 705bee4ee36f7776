package task

import "runtime"

// JoinHandle is the generic, ergonomic Go surface over a raw *Header
// plus VTable's "read-return-value-into" slot. Go generics postdate
// most kernel reference code this package's idiom is drawn from, so
// this type has no direct one-to-one analogue to adapt; it is built
// fresh in the same style used elsewhere for typed wrappers around an
// untyped primitive, the role biscuit's Pg_t/Bytepg_t dual views play
// via unsafe.Pointer.
type JoinHandle[T any] struct {
	ref Ref
}

// NewJoinHandle wraps an owning Ref; the caller transfers that
// reference's ownership to the handle.
func NewJoinHandle[T any](ref Ref) JoinHandle[T] {
	return JoinHandle[T]{ref: ref}
}

// Header returns the wrapped task's header.
func (j JoinHandle[T]) Header() *Header { return j.ref.Header() }

// Join blocks until the task reaches StateExited, then reads its
// return value out through the vtable.
//
// This busy-waits rather than parking the caller on a futex: a
// blocking join built on the futex table would need this package to
// depend on ksync, which already depends on sched, which depends on
// this package -- an import cycle. A caller that is itself a scheduled
// task and wants to block cooperatively should prefer looping this
// check around its own scheduler's YieldNow instead of calling Join
// directly from inside the run loop.
func (j JoinHandle[T]) Join() T {
	h := j.ref.Header()
	for h.State() != StateExited {
		runtime.Gosched()
	}
	var v T
	h.VTable().ReadValueInto(h, &v)
	return v
}

// Release drops the handle's own reference without waiting for the
// task to finish, for callers that only wanted to fire-and-forget.
func (j JoinHandle[T]) Release() { j.ref.Release() }
