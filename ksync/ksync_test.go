package ksync_test

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UnknownEclipse/kepler/hal"
	"github.com/UnknownEclipse/kepler/hal/simhal"
	"github.com/UnknownEclipse/kepler/ksync"
	"github.com/UnknownEclipse/kepler/mem"
	"github.com/UnknownEclipse/kepler/sched"
	"github.com/UnknownEclipse/kepler/task"
	"github.com/UnknownEclipse/kepler/vm"
)

// newTestSchedulerWithFutex mirrors sched_test.go's setup, additionally
// returning the raw platform a FutexTable needs.
func newTestSchedulerWithFutex(numCores int) (*hal.Platform, *sched.Scheduler) {
	arena := simhal.NewArena(16, 8192)
	p := simhal.NewPlatform(numCores)
	p.MemoryMap = arena.MemoryMap()
	p.DirectMapBase = arena.DirectMapBase()

	frames := mem.NewAllocator(&p.Platform)
	root, err := frames.AllocateFrame()
	if err != nil {
		panic(err)
	}
	b := frames.FrameBytes(root)
	for i := range b {
		b[i] = 0
	}

	pt := vm.NewPageTable(&p.Platform, root)
	stacks := vm.NewKernelAddressSpace(&p.Platform, frames, pt, 0x4000_0000_0000, 0x5000_0000_0000)
	s := sched.New(&p.Platform, stacks, numCores)
	return &p.Platform, s
}

func TestMutexSerializesConcurrentIncrements(t *testing.T) {
	const numTasks = 32
	platform, s := newTestSchedulerWithFutex(2)
	futex := ksync.NewFutexTable(platform)
	mu := ksync.NewMutex[int](s, futex, 0)

	done := make(chan struct{}, numTasks)

	go func() {
		simhal.BindCurrentGoroutine(0)
		for i := 0; i < numTasks; i++ {
			_, err := sched.Spawn(s, task.NewPolicy(task.PolicyNormal, 0), fmt.Sprintf("locker-%d", i), func() struct{} {
				mu.With(func(v *int) { *v++ })
				done <- struct{}{}
				return struct{}{}
			})
			if err != nil {
				panic(err)
			}
		}
		s.Enter()
	}()
	go func() {
		simhal.BindCurrentGoroutine(1)
		s.Enter()
	}()

	for i := 0; i < numTasks; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for lockers to finish")
		}
	}

	var final int
	mu.With(func(v *int) { final = *v })
	if final != numTasks {
		t.Fatalf("expected %d increments to serialize to %d, got %d", numTasks, numTasks, final)
	}
}

func TestOnceRunsInitializerExactlyOnce(t *testing.T) {
	const numTasks = 16
	platform, s := newTestSchedulerWithFutex(2)
	futex := ksync.NewFutexTable(platform)
	once := ksync.NewOnce[int](s, futex)

	var initCalls atomic.Int64
	done := make(chan int, numTasks)

	go func() {
		simhal.BindCurrentGoroutine(0)
		for i := 0; i < numTasks; i++ {
			_, err := sched.Spawn(s, task.NewPolicy(task.PolicyNormal, 0), fmt.Sprintf("once-%d", i), func() struct{} {
				if err := once.TryDo(func() (int, error) {
					initCalls.Add(1)
					return 7, nil
				}); err != nil {
					panic(err)
				}
				v, ok := once.Get()
				if !ok {
					panic("ksync: Get reported incomplete after a successful TryDo")
				}
				done <- v
				return struct{}{}
			})
			if err != nil {
				panic(err)
			}
		}
		s.Enter()
	}()
	go func() {
		simhal.BindCurrentGoroutine(1)
		s.Enter()
	}()

	for i := 0; i < numTasks; i++ {
		select {
		case v := <-done:
			if v != 7 {
				t.Fatalf("expected every caller to observe 7, got %d", v)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for once callers to finish")
		}
	}

	if got := initCalls.Load(); got != 1 {
		t.Fatalf("expected the initializer to run exactly once, got %d", got)
	}
}

func TestBarrierReleasesAllParticipantsTogether(t *testing.T) {
	const n = 8
	platform, s := newTestSchedulerWithFutex(2)
	futex := ksync.NewFutexTable(platform)
	barrier := ksync.NewBarrier(s, futex, n)

	done := make(chan struct{}, n)

	go func() {
		simhal.BindCurrentGoroutine(0)
		for i := 0; i < n; i++ {
			_, err := sched.Spawn(s, task.NewPolicy(task.PolicyNormal, 0), fmt.Sprintf("barrier-%d", i), func() struct{} {
				barrier.Wait()
				done <- struct{}{}
				return struct{}{}
			})
			if err != nil {
				panic(err)
			}
		}
		s.Enter()
	}()
	go func() {
		simhal.BindCurrentGoroutine(1)
		s.Enter()
	}()

	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for barrier participants")
		}
	}
}
