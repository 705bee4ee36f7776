package mem_test

import (
	"errors"
	"testing"

	"github.com/UnknownEclipse/kepler/hal/simhal"
	"github.com/UnknownEclipse/kepler/kerr"
	"github.com/UnknownEclipse/kepler/mem"
)

func newTestAllocator(numFrames int) *mem.Allocator {
	arena := simhal.NewArena(16, numFrames)
	p := simhal.NewPlatform(1)
	p.MemoryMap = arena.MemoryMap()
	p.DirectMapBase = arena.DirectMapBase()
	return mem.NewAllocator(&p.Platform)
}

func TestAllocatorDrainsMemoryMapThenOOM(t *testing.T) {
	simhal.BindCurrentGoroutine(0)
	a := newTestAllocator(4)

	seen := map[uint64]bool{}
	for i := 0; i < 4; i++ {
		f, err := a.AllocateFrame()
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if seen[f.Number()] {
			t.Fatalf("frame %s allocated twice", f)
		}
		seen[f.Number()] = true
	}

	if _, err := a.AllocateFrame(); !errors.Is(err, kerr.ErrOOM) {
		t.Fatalf("expected ErrOOM once exhausted, got %v", err)
	}
}

func TestAllocatorReusesFreedFramesBeforeMemoryMap(t *testing.T) {
	simhal.BindCurrentGoroutine(0)
	a := newTestAllocator(2)

	f0, err := a.AllocateFrame()
	if err != nil {
		t.Fatal(err)
	}
	f1, err := a.AllocateFrame()
	if err != nil {
		t.Fatal(err)
	}

	a.DeallocateFrame(f1)
	a.DeallocateFrame(f0)

	got0, err := a.AllocateFrame()
	if err != nil {
		t.Fatal(err)
	}
	if got0 != f0 {
		t.Fatalf("expected most-recently-freed frame %s back first, got %s", f0, got0)
	}

	got1, err := a.AllocateFrame()
	if err != nil {
		t.Fatal(err)
	}
	if got1 != f1 {
		t.Fatalf("expected %s, got %s", f1, got1)
	}

	if _, err := a.AllocateFrame(); !errors.Is(err, kerr.ErrOOM) {
		t.Fatalf("expected ErrOOM, got %v", err)
	}
}

func TestFrameBytesRoundTripThroughDirectMap(t *testing.T) {
	simhal.BindCurrentGoroutine(0)
	a := newTestAllocator(1)

	f, err := a.AllocateFrame()
	if err != nil {
		t.Fatal(err)
	}
	b := a.FrameBytes(f)
	b[0] = 0xAB
	if got := a.FrameBytes(f)[0]; got != 0xAB {
		t.Fatalf("expected byte to persist through direct map, got %#x", got)
	}
}
