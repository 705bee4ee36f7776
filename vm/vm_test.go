package vm_test

import (
	"github.com/UnknownEclipse/kepler"
	"github.com/UnknownEclipse/kepler/hal/simhal"
	"github.com/UnknownEclipse/kepler/mem"
	"github.com/UnknownEclipse/kepler/vm"
)

// newTestSpace builds a single-core simulated platform with numFrames of
// backing memory, a fresh root page table, and a kernel address space
// bump-allocating over [rangeStart, rangeEnd). The calling goroutine is
// bound to core 0 so hal.Platform.CoreID and the interrupt-aware spinlocks
// underneath mem.Allocator/vm.AddressSpace work outside a real scheduler
// loop.
func newTestSpace(numFrames int, rangeStart, rangeEnd kepler.VA) (*mem.Allocator, *vm.PageTable, *vm.AddressSpace) {
	simhal.BindCurrentGoroutine(0)
	arena := simhal.NewArena(16, numFrames)
	p := simhal.NewPlatform(1)
	p.MemoryMap = arena.MemoryMap()
	p.DirectMapBase = arena.DirectMapBase()

	frames := mem.NewAllocator(&p.Platform)
	root, err := frames.AllocateFrame()
	if err != nil {
		panic(err)
	}
	zeroFrame(frames, root)

	pt := vm.NewPageTable(&p.Platform, root)
	as := vm.NewKernelAddressSpace(&p.Platform, frames, pt, rangeStart, rangeEnd)
	return frames, pt, as
}

func zeroFrame(frames *mem.Allocator, f kepler.Frame) {
	b := frames.FrameBytes(f)
	for i := range b {
		b[i] = 0
	}
}
