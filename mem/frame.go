// Package mem is the frame allocator: the core's only source of physical
// page frames. It is grounded on the original source's
// DirectlyMappedLinkedStack (kernel/src/memory/frame_allocator.rs), which
// in turn plays the role biscuit's Physmem_t free list plays (see
// biscuit/src/mem/mem.go's freei/nexti chain) but stores its "next
// pointer" directly in the free frame's own bytes, reached through the
// platform's direct map, instead of in a side array.
package mem

import (
	"sort"

	"github.com/UnknownEclipse/kepler"
	"github.com/UnknownEclipse/kepler/hal"
	"github.com/UnknownEclipse/kepler/kerr"
	"github.com/UnknownEclipse/kepler/klog"
	"github.com/UnknownEclipse/kepler/ksync/spinlock"
)

type allocatorState struct {
	head   uint64 // 0 == empty, else 1+frame number
	ranges []kepler.FrameRange
}

// Allocator hands out and reclaims single physical frames. It is a stack:
// pop returns the most recently pushed frame first. Every entry point is
// serialized by an interrupt-aware spinlock (spec §4.10), since the
// allocator must be callable from the page-fault handler with
// interrupts disabled.
//
// Freed frames are linked through their own backing bytes (via the
// platform direct map): the first eight bytes of a free frame hold
// either 0 (end of chain) or 1+the frame number of the next free frame,
// the same off-by-one NonZeroUsize encoding the original source uses so
// that frame number 0 can still be chained validly.
type Allocator struct {
	platform *hal.Platform
	state    *spinlock.SpinLock[allocatorState]
}

// NewAllocator builds an allocator over every usable region the
// platform's memory map reports, sorted by ascending base so popMemoryMap
// drains from the end of the slice (the highest-based region first)
// exactly as the original source's Vec<Range<Frame>>.pop does.
func NewAllocator(p *hal.Platform) *Allocator {
	var st allocatorState
	var total uint64
	for _, e := range p.MemoryMap {
		if !e.Usable {
			continue
		}
		start, ok := kepler.FrameFromPA(e.Base.AlignUp())
		if !ok {
			continue
		}
		end, ok := kepler.FrameFromPA(e.Base.Add(e.Length).AlignDown())
		if !ok || end.Number() <= start.Number() {
			continue
		}
		st.ranges = append(st.ranges, kepler.FrameRange{Start: start, End: end})
		total += end.Number() - start.Number()
	}
	sort.Slice(st.ranges, func(i, j int) bool {
		return st.ranges[i].Start.Number() < st.ranges[j].Start.Number()
	})
	klog.Debug("mem: %s available across %d region(s)", klog.FormatBytes(total*kepler.PageSize), len(st.ranges))
	return &Allocator{platform: p, state: spinlock.New(st)}
}

// FrameBytes returns the allocator's direct-mapped view of f's bytes.
// Callers that hold an allocated frame (the page-table walker, the
// address-space committer) use this instead of reimplementing the
// direct-map arithmetic themselves. It needs no lock: ownership of f
// itself is the caller's synchronization.
func (a *Allocator) FrameBytes(f kepler.Frame) []byte {
	va := hal.DirectMap(a.platform, f.Base)
	return unsafeSlice(va, kepler.PageSize)
}

// AllocateFrame removes and returns one frame from the allocator,
// preferring the linked free stack over the firmware memory map, per
// spec §3 ("frames freed earlier are reused before virgin memory-map
// frames are touched").
func (a *Allocator) AllocateFrame() (kepler.Frame, error) {
	var result kepler.Frame
	err := a.state.With(a.platform.Interrupts, func(st *allocatorState) error {
		if f, ok := popStack(st, a); ok {
			result = f
			return nil
		}
		if f, ok := popMemoryMap(st); ok {
			result = f
			return nil
		}
		return kerr.ErrOOM
	})
	return result, err
}

func popStack(st *allocatorState, a *Allocator) (kepler.Frame, bool) {
	if st.head == 0 {
		return kepler.Frame{}, false
	}
	fn := st.head - 1
	f := kepler.Frame{Base: kepler.PA(fn * kepler.PageSize)}
	st.head = readNextPointer(a.FrameBytes(f))
	return f, true
}

func popMemoryMap(st *allocatorState) (kepler.Frame, bool) {
	for len(st.ranges) > 0 {
		last := &st.ranges[len(st.ranges)-1]
		if last.Empty() {
			st.ranges = st.ranges[:len(st.ranges)-1]
			continue
		}
		f := last.Start
		last.Start = kepler.Frame{Base: last.Start.Base.Add(kepler.PageSize)}
		return f, true
	}
	return kepler.Frame{}, false
}

// DeallocateFrame returns a frame to the allocator's free stack. The
// caller must not touch the frame's contents afterward; they are
// immediately clobbered with the free-list link.
func (a *Allocator) DeallocateFrame(f kepler.Frame) {
	_ = a.state.With(a.platform.Interrupts, func(st *allocatorState) error {
		writeNextPointer(a.FrameBytes(f), st.head)
		st.head = f.Number() + 1
		return nil
	})
}

// AllocateContiguous allocates n contiguous frames. Nothing in this core
// needs more than a single frame at a time (DMA-capable devices are out
// of scope per spec's Non-goals), so, like the original source's
// allocate_contiguous_frames, this is left unimplemented rather than
// given a half-tested bespoke algorithm.
func (a *Allocator) AllocateContiguous(n int) (kepler.FrameRange, error) {
	return kepler.FrameRange{}, kerr.ErrUnimplemented
}

// DeallocateContiguous is the deallocation counterpart of
// AllocateContiguous; see its doc comment.
func (a *Allocator) DeallocateContiguous(r kepler.FrameRange) error {
	return kerr.ErrUnimplemented
}

func readNextPointer(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func writeNextPointer(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
