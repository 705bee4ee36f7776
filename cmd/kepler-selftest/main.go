// Command kepler-selftest wires mem, vm, task, sched, and ksync
// together over hal/simhal and runs the end-to-end scenarios recorded
// in the testable-properties section of this module's specification
// (S1 eager/lazy commit, S2 guard-page panics, S3 spawn/join/barrier,
// S4 futex ping-pong, S5 work-stealing, S6 first-run trampoline) as an
// executable smoke test, in place of the debug console a real boot
// would print this kind of self-check to. It is grounded on the same
// "boot, then print confirmation of subsystem health" role biscuit's
// own early-boot Phys_init logging plays, generalized here into a set
// of independently checkable scenarios instead of log lines.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/UnknownEclipse/kepler"
	"github.com/UnknownEclipse/kepler/hal"
	"github.com/UnknownEclipse/kepler/hal/simhal"
	"github.com/UnknownEclipse/kepler/ksync"
	"github.com/UnknownEclipse/kepler/mem"
	"github.com/UnknownEclipse/kepler/sched"
	"github.com/UnknownEclipse/kepler/task"
	"github.com/UnknownEclipse/kepler/vm"
	"github.com/UnknownEclipse/kepler/vm/fault"
)

type world struct {
	platform *hal.Platform
	frames   *mem.Allocator
	pt       *vm.PageTable
	heap     *vm.AddressSpace
	router   *fault.Router
	sched    *sched.Scheduler
	futex    *ksync.FutexTable
}

func newWorld(numCores int) *world {
	arena := simhal.NewArena(16, 1<<16)
	p := simhal.NewPlatform(numCores)
	p.MemoryMap = arena.MemoryMap()
	p.DirectMapBase = arena.DirectMapBase()

	frames := mem.NewAllocator(&p.Platform)
	root, err := frames.AllocateFrame()
	if err != nil {
		panic(err)
	}
	for i := range frames.FrameBytes(root) {
		frames.FrameBytes(root)[i] = 0
	}

	pt := vm.NewPageTable(&p.Platform, root)
	heap := vm.NewKernelAddressSpace(&p.Platform, frames, pt, 0x1000_0000_0000, 0x2000_0000_0000)
	stacks := vm.NewKernelAddressSpace(&p.Platform, frames, pt, 0x4000_0000_0000, 0x5000_0000_0000)
	s := sched.New(&p.Platform, stacks, numCores)
	return &world{
		platform: &p.Platform,
		frames:   frames,
		pt:       pt,
		heap:     heap,
		router:   fault.NewRouter(heap),
		sched:    s,
		futex:    ksync.NewFutexTable(&p.Platform),
	}
}

func main() {
	checks := []struct {
		name string
		run  func() error
	}{
		{"S1 eager-vs-lazy commit", checkEagerVsLazy},
		{"S2 guard-page panic", checkGuardPanic},
		{"S3 spawn/join/barrier", checkSpawnJoinBarrier},
		{"S4 futex ping-pong", checkFutexPingPong},
		{"S5 work-stealing", checkWorkStealing},
		{"S6 first-run trampoline", checkTrampoline},
	}

	failed := false
	for _, c := range checks {
		err := runCheck(c.run)
		if err != nil {
			fmt.Printf("FAIL %s: %v\n", c.name, err)
			failed = true
			continue
		}
		fmt.Printf("ok   %s\n", c.name)
	}
	if failed {
		os.Exit(1)
	}
}

// runCheck recovers a panic from the checked scenario itself (S2
// deliberately panics on a simulated guard-page fault; everything else
// panicking is a genuine bug) and turns it into a normal error so one
// failing scenario does not take the whole smoke test down with it.
func runCheck(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f()
}

func checkEagerVsLazy() error {
	w := newWorld(1)

	eager, err := w.heap.Allocate(vm.AllocOptions{NumPages: 16, EagerCommit: true})
	if err != nil {
		return err
	}
	for va := eager.Start.Base; va < eager.End.Base; va = va.Add(kepler.PageSize) {
		page, _ := kepler.PageFromVA(va)
		if result := w.pt.Lookup(page); result.Status != vm.StatusPresent {
			return fmt.Errorf("eager page %s not committed up front, got %+v", page, result)
		}
	}

	lazy, err := w.heap.Allocate(vm.AllocOptions{NumPages: 16, EagerCommit: false})
	if err != nil {
		return err
	}
	for va := lazy.Start.Base; va < lazy.End.Base; va = va.Add(kepler.PageSize) {
		page, _ := kepler.PageFromVA(va)
		faultOnce := func() (faulted bool) {
			defer func() {
				if recover() != nil {
					faulted = false
				}
			}()
			w.router.Handle(hal.FaultContext{FaultAddr: va})
			return true
		}
		if !faultOnce() {
			return fmt.Errorf("lazy page %s unexpectedly panicked on first touch", page)
		}
		if result := w.pt.Lookup(page); result.Status != vm.StatusPresent {
			return fmt.Errorf("lazy page %s not committed after first touch, got %+v", page, result)
		}
	}
	return nil
}

func checkGuardPanic() error {
	w := newWorld(1)
	region, err := w.heap.Allocate(vm.AllocOptions{NumPages: 4, StartGuardPages: 1, EndGuardPages: 1, EagerCommit: true})
	if err != nil {
		return err
	}

	before := region.Start.Base - kepler.PageSize
	if err := mustGuardPanic(w, before); err != nil {
		return fmt.Errorf("leading guard page: %w", err)
	}
	after := region.End.Base
	if err := mustGuardPanic(w, after); err != nil {
		return fmt.Errorf("trailing guard page: %w", err)
	}

	first, _ := kepler.PageFromVA(region.Start.Base)
	if result := w.pt.Lookup(first); result.Status != vm.StatusPresent {
		return fmt.Errorf("first in-region page should already be mapped, got %+v", result)
	}
	return nil
}

func mustGuardPanic(w *world, va kepler.VA) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			err = fmt.Errorf("expected a panic touching a guard page, got none")
			return
		}
		msg, ok := r.(string)
		if !ok || !strings.Contains(msg, "guard") {
			err = fmt.Errorf("expected a guard-page panic, got %v", r)
		}
	}()
	w.router.Handle(hal.FaultContext{FaultAddr: va})
	return nil
}

func checkSpawnJoinBarrier() error {
	const n = 300
	w := newWorld(2)

	var mu = ksync.NewMutex[[]int](w.sched, w.futex, nil)
	barrier := ksync.NewBarrier(w.sched, w.futex, n)
	done := make(chan struct{}, n)

	go func() {
		simhal.BindCurrentGoroutine(0)
		for i := 0; i < n; i++ {
			i := i
			_, err := sched.Spawn(w.sched, task.NewPolicy(task.PolicyNormal, 0), "s3", func() struct{} {
				mu.With(func(v *[]int) { *v = append(*v, i) })
				barrier.Wait()
				done <- struct{}{}
				return struct{}{}
			})
			if err != nil {
				panic(err)
			}
		}
		w.sched.Enter()
	}()
	go func() {
		simhal.BindCurrentGoroutine(1)
		w.sched.Enter()
	}()

	for i := 0; i < n; i++ {
		<-done
	}

	var got []int
	mu.With(func(v *[]int) { got = append(got, *v...) })
	sort.Ints(got)
	for i, v := range got {
		if v != i {
			return fmt.Errorf("expected multiset {0..%d}, mismatch at index %d: %d", n-1, i, v)
		}
	}
	return nil
}

func checkFutexPingPong() error {
	const target = 2_000_000
	w := newWorld(2)

	var counter atomic.Uint32
	done := make(chan struct{}, 2)

	// turn takes the counter's own parity ("our turn" == counter.Load()
	// %2 == parity): parks on the shared word via futex.Wait whenever
	// it is the peer's turn, and wakes the peer with WakeOne right
	// after every increment, instead of busy-polling. This is what
	// actually exercises the futex table's wait/wake path (and, by
	// extension, the park/unpark race the scheduler must not lose a
	// wakeup across).
	turn := func(parity uint32) {
		for {
			v := counter.Load()
			if v >= target {
				w.futex.WakeOne(&counter)
				return
			}
			if v%2 != parity {
				w.futex.Wait(w.sched, &counter, v)
				continue
			}
			counter.Store(v + 1)
			w.futex.WakeOne(&counter)
		}
	}

	go func() {
		simhal.BindCurrentGoroutine(0)
		_, err := sched.Spawn(w.sched, task.NewPolicy(task.PolicyNormal, 0), "ping", func() struct{} {
			turn(0)
			done <- struct{}{}
			return struct{}{}
		})
		if err != nil {
			panic(err)
		}
		w.sched.Enter()
	}()
	go func() {
		simhal.BindCurrentGoroutine(1)
		_, err := sched.Spawn(w.sched, task.NewPolicy(task.PolicyNormal, 0), "pong", func() struct{} {
			turn(1)
			done <- struct{}{}
			return struct{}{}
		})
		if err != nil {
			panic(err)
		}
		w.sched.Enter()
	}()

	<-done
	<-done
	if got := counter.Load(); got != target {
		return fmt.Errorf("expected %d, got %d", target, got)
	}
	return nil
}

func checkWorkStealing() error {
	const numCores = 4
	const perCore = 10
	const numTasks = numCores * perCore

	w := newWorld(numCores)
	var ran [numCores]atomic.Int64
	done := make(chan struct{}, numTasks)

	for core := 0; core < numCores; core++ {
		core := core
		go func() {
			simhal.BindCurrentGoroutine(core)
			if core == 0 {
				for i := 0; i < numTasks; i++ {
					_, err := sched.Spawn(w.sched, task.NewPolicy(task.PolicyNormal, 0), "s5", func() struct{} {
						ran[w.platform.CoreID()].Add(1)
						done <- struct{}{}
						return struct{}{}
					})
					if err != nil {
						panic(err)
					}
				}
			}
			w.sched.Enter()
		}()
	}

	for i := 0; i < numTasks; i++ {
		<-done
	}

	for c := 0; c < numCores; c++ {
		if ran[c].Load() == 0 {
			return fmt.Errorf("core %d never ran a task (starved)", c)
		}
	}
	return nil
}

func checkTrampoline() error {
	w := newWorld(1)
	resultCh := make(chan task.JoinHandle[int], 1)

	go func() {
		simhal.BindCurrentGoroutine(0)
		h, err := sched.Spawn(w.sched, task.NewPolicy(task.PolicyNormal, 0), "s6", func() int { return 42 })
		if err != nil {
			panic(err)
		}
		resultCh <- h
		w.sched.Enter()
	}()

	h := <-resultCh
	if got := h.Join(); got != 42 {
		return fmt.Errorf("expected 42, got %d", got)
	}
	return nil
}
