package ksync

import (
	"sync/atomic"

	"github.com/UnknownEclipse/kepler/sched"
)

// Barrier blocks target tasks until all of them have called Wait,
// per spec §4.9. It is a generation-counter barrier: count tracks
// arrivals in the current generation, gen is bumped (and everyone
// woken) once the target is reached, which also lets a barrier be
// reused across repeated rounds without reconstruction.
type Barrier struct {
	target uint32
	count  atomic.Uint32
	gen    atomic.Uint32

	s     *sched.Scheduler
	futex *FutexTable
}

// NewBarrier builds a barrier for target participants.
func NewBarrier(s *sched.Scheduler, futex *FutexTable, target uint32) *Barrier {
	return &Barrier{s: s, futex: futex, target: target}
}

// Wait blocks the calling task until target calls to Wait across all
// participants have accumulated, then releases them all together.
func (b *Barrier) Wait() {
	gen := b.gen.Load()
	if b.count.Add(1) == b.target {
		b.count.Store(0)
		b.gen.Add(1)
		b.futex.WakeAll(&b.gen)
		return
	}
	for b.gen.Load() == gen {
		b.futex.Wait(b.s, &b.gen, gen)
	}
}
