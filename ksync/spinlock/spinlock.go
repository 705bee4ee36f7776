// Package spinlock implements the interrupt-aware spinlock of spec
// §4.10: the only primitive usable from the page-fault router and from
// inside the scheduler's own critical sections, because it never
// sleeps. It is grounded on the original source's
// kernel/src/sync/spinlock.rs SpinLock/SpinLockGuard (itself a thin
// wrapper pairing spin::mutex::SpinMutex with
// hal::interrupts::without), adapted into a generic Go type in the
// style of gopheros's kernel/sync.Spinlock CAS loop
// (src/gopheros/kernel/sync/spinlock.go).
package spinlock

import (
	"runtime"
	"sync/atomic"

	"github.com/UnknownEclipse/kepler/hal"
)

// SpinLock guards a value of type T with a busy-wait lock whose
// Acquire disables interrupts before the first CAS attempt and whose
// Release restores whatever interrupt-enabled state was in effect at
// acquire time. Holders must never sleep or block; spec §4.10 bounds
// critical sections to a few hundred instructions.
type SpinLock[T any] struct {
	state atomic.Uint32 // 0 = unlocked, 1 = locked
	value T
}

// New builds a SpinLock already holding value.
func New[T any](value T) *SpinLock[T] {
	return &SpinLock[T]{value: value}
}

// With runs f with the lock held, disabling interrupts for the
// duration via hal.WithoutInterrupts, and restores the prior
// interrupt-enabled state afterward even if f panics.
func (l *SpinLock[T]) With(ic hal.Interrupts, f func(*T) error) error {
	var err error
	hal.WithoutInterrupts(ic, func() {
		l.acquire()
		defer l.release()
		err = f(&l.value)
	})
	return err
}

func (l *SpinLock[T]) acquire() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched() // hosted stand-in for a real PAUSE instruction
	}
}

func (l *SpinLock[T]) release() {
	l.state.Store(0)
}

// TryWith attempts the lock without spinning; it returns false
// immediately if the lock is already held.
func (l *SpinLock[T]) TryWith(ic hal.Interrupts, f func(*T) error) (ran bool, err error) {
	hal.WithoutInterrupts(ic, func() {
		if !l.state.CompareAndSwap(0, 1) {
			return
		}
		defer l.release()
		ran = true
		err = f(&l.value)
	})
	return ran, err
}
