package sched_test

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UnknownEclipse/kepler/hal/simhal"
	"github.com/UnknownEclipse/kepler/mem"
	"github.com/UnknownEclipse/kepler/sched"
	"github.com/UnknownEclipse/kepler/task"
	"github.com/UnknownEclipse/kepler/vm"
)

// newTestScheduler builds a scheduler with numCores simulated cores over
// a fresh simhal platform, with a kernel address space wide enough to
// hand out plenty of guarded task stacks.
func newTestScheduler(numCores int) *sched.Scheduler {
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
	return sched.New(&p.Platform, stacks, numCores)
}

func TestSpawnAndJoinReturnsValue(t *testing.T) {
	s := newTestScheduler(1)

	resultCh := make(chan task.JoinHandle[int], 1)
	go func() {
		simhal.BindCurrentGoroutine(0)
		handle, err := sched.Spawn(s, task.NewPolicy(task.PolicyNormal, 0), "adder", func() int {
			return 21 + 21
		})
		if err != nil {
			panic(err)
		}
		resultCh <- handle
		s.Enter()
	}()

	handle := <-resultCh
	if got := handle.Join(); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestParkThenUnparkResumesTask(t *testing.T) {
	s := newTestScheduler(1)

	parkedHeader := make(chan *task.Header, 1)
	resumed := make(chan struct{}, 1)

	go func() {
		simhal.BindCurrentGoroutine(0)

		_, err := sched.Spawn(s, task.NewPolicy(task.PolicyNormal, 0), "parker", func() struct{} {
			self := s.Current()
			parkedHeader <- self.Header()
			self.Release()
			s.Park()
			resumed <- struct{}{}
			return struct{}{}
		})
		if err != nil {
			panic(err)
		}

		_, err = sched.Spawn(s, task.NewPolicy(task.PolicyNormal, 0), "unparker", func() struct{} {
			h := <-parkedHeader
			s.Unpark(task.FromHeader(h))
			return struct{}{}
		})
		if err != nil {
			panic(err)
		}

		s.Enter()
	}()

	select {
	case <-resumed:
	case <-time.After(5 * time.Second):
		t.Fatal("parked task was never resumed")
	}
}

func TestWorkIsSharedAcrossStealingCores(t *testing.T) {
	const numTasks = 64
	s := newTestScheduler(2)

	var counter atomic.Int64
	type spawnResult struct {
		handle task.JoinHandle[struct{}]
		err    error
	}
	results := make(chan spawnResult, numTasks)

	go func() {
		simhal.BindCurrentGoroutine(0)
		for i := 0; i < numTasks; i++ {
			h, err := sched.Spawn(s, task.NewPolicy(task.PolicyNormal, 0), fmt.Sprintf("worker-%d", i), func() struct{} {
				counter.Add(1)
				return struct{}{}
			})
			results <- spawnResult{handle: h, err: err}
		}
		s.Enter()
	}()

	go func() {
		simhal.BindCurrentGoroutine(1)
		s.Enter()
	}()

	handles := make([]task.JoinHandle[struct{}], 0, numTasks)
	for i := 0; i < numTasks; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("spawn %d failed: %v", i, r.err)
		}
		handles = append(handles, r.handle)
	}
	for _, h := range handles {
		h.Join()
	}

	if got := counter.Load(); got != numTasks {
		t.Fatalf("expected %d completions, got %d", numTasks, got)
	}
}
