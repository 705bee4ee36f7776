// Package simhal is a hosted stand-in for the platform collaborators
// declared in package hal, so the rest of this module can be exercised
// with `go test` instead of a real bootloader. It plays the same role for
// this core that gopher-os's "early" test doubles play for its own
// kernel/kfmt package and that golang.org/x/sync/errgroup plays for
// driving several simulated hardware threads concurrently.
//
// Physical memory is simulated by Arena: one contiguous byte buffer,
// permanently referenced by the Arena so the garbage collector never
// reclaims it out from under a uintptr round-trip; the direct map is
// simulated by choosing DirectMapBase so that base+pa is the address of
// the matching byte of that buffer, reached back through unsafe.Pointer,
// mirroring what biscuit's own Dmap/Dmap_v2p do against real physical
// memory.
package simhal

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/UnknownEclipse/kepler"
	"github.com/UnknownEclipse/kepler/hal"
)

// Arena is simulated physical memory: one contiguous, permanently
// referenced byte buffer standing in for a single run of usable RAM
// reported by the firmware memory map. Addresses within the arena are
// genuinely contiguous (unlike a per-frame map keyed by frame number
// would be), which is what lets the ordinary hal.DirectMap linear
// arithmetic (base+pa) work against it unmodified, exactly as it would
// against a real direct map.
type Arena struct {
	buf       []byte
	physStart kepler.PA
}

// NewArena allocates an arena covering numFrames frames starting at
// physical frame number startFrame, as if that much usable memory had
// been reported by the firmware memory map.
func NewArena(startFrame uint64, numFrames int) *Arena {
	return &Arena{
		buf:       make([]byte, numFrames*kepler.PageSize),
		physStart: kepler.PA(startFrame * kepler.PageSize),
	}
}

// MemoryMap returns the single usable memory-map entry describing this
// arena, as spec §6 says the platform supplies.
func (a *Arena) MemoryMap() []hal.MemoryMapEntry {
	return []hal.MemoryMapEntry{{
		Base:   a.physStart,
		Length: uint64(len(a.buf)),
		Usable: true,
	}}
}

// DirectMapBase is the value a hal.Platform built over this arena must
// use as DirectMapBase: hal.DirectMap adds a physical address to this
// base, so it is chosen such that physStart lands exactly on the arena
// buffer's first byte.
func (a *Arena) DirectMapBase() kepler.VA {
	bufAddr := uintptr(unsafe.Pointer(&a.buf[0]))
	return kepler.VA(bufAddr) - kepler.VA(a.physStart)
}

func (a *Arena) offset(pa kepler.PA) uint64 {
	if pa < a.physStart || uint64(pa-a.physStart) >= uint64(len(a.buf)) {
		panic(fmt.Sprintf("simhal: address %s is not backed by this arena", pa))
	}
	return uint64(pa - a.physStart)
}

// DerefBytes returns a byte slice over the whole frame containing pa,
// through the simulated direct map. This is the simhal equivalent of
// biscuit's mem.Dmap8.
func (a *Arena) DerefBytes(pa kepler.PA) []byte {
	off := a.offset(pa.AlignDown())
	return a.buf[off : off+kepler.PageSize]
}

// coreRegistry maps a goroutine (identified via goroutineID, a
// testing-only introspection helper -- see below) to the simulated core
// it is currently executing on behalf of.
var coreRegistry sync.Map // map[uint64]int

// goroutineID extracts the running goroutine's id by parsing the header
// line of runtime.Stack's output. This is a well-worn hack (predating
// context.Context-based alternatives) that exists only in this hosted
// test-harness package; production code in this module never needs a
// goroutine id, since real hardware threads are identified by hal.CoreID
// without any such trick.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := string(buf[:n])
	// "goroutine 123 [running]:\n..."
	var i int
	for i = len("goroutine "); i < len(s) && s[i] != ' '; i++ {
	}
	id, err := strconv.ParseUint(s[len("goroutine "):i], 10, 64)
	if err != nil {
		panic("simhal: could not parse goroutine id: " + err.Error())
	}
	return id
}

func bindCore(core int) {
	coreRegistry.Store(goroutineID(), core)
}

// Platform builds a hal.Platform whose CoreID/Interrupts/Switch are all
// backed by goroutines: one persistent "core main loop" goroutine per
// core, and one persistent goroutine per task, rendezvousing through
// channels so that, at any instant, exactly one goroutine per core is
// making progress -- the invariant the real scheduler relies on.
type Platform struct {
	hal.Platform
	numCores int
	enabled  []atomic.Bool // interrupts-enabled flag, one per core
}

// control is the simulated backend's stand-in for a task's real saved
// stack pointer: a handle to a channel-based rendezvous point, smuggled
// through the task header's plain uintptr stack-pointer field exactly as a real
// pointer would be.
type control struct {
	resume chan int // sends the resuming core id
}

// NewControl allocates a fresh rendezvous handle and returns it already
// encoded as the uintptr a task header's stack-pointer field expects.
func NewControl() uintptr {
	c := &control{resume: make(chan int)}
	return uintptr(unsafe.Pointer(c))
}

func asControl(sp uintptr) *control {
	return (*control)(unsafe.Pointer(sp))
}

// NewPlatform builds a simulated platform with the given number of
// simulated hardware threads, all interrupts initially enabled.
func NewPlatform(numCores int) *Platform {
	p := &Platform{numCores: numCores, enabled: make([]atomic.Bool, numCores)}
	for i := range p.enabled {
		p.enabled[i].Store(true)
	}
	p.Platform.CoreID = p.coreID
	p.Platform.Interrupts = (*interrupts)(p)
	p.Platform.Switch = p.contextSwitch
	p.Platform.NewTaskStackPointer = newTaskStackPointer
	p.Platform.ABIVersion = hal.MinABIVersion
	return p
}

// newTaskStackPointer implements hal.Platform.NewTaskStackPointer: it
// starts trampoline on a fresh, permanently-parked goroutine that only
// begins running once something switches into its control handle, the
// goroutine equivalent of a real stack primed to resume at the
// trampoline's address. The region argument is unused here -- the
// simulated platform has no real machine stack to prime -- but real
// platforms read it to compute the top-of-stack address.
func newTaskStackPointer(region kepler.Region, trampoline func()) uintptr {
	sp := NewControl()
	ctrl := asControl(sp)
	go func() {
		core := <-ctrl.resume
		bindCore(core)
		trampoline()
	}()
	return sp
}

func (p *Platform) coreID() int {
	v, ok := coreRegistry.Load(goroutineID())
	if !ok {
		panic("simhal: CoreID called from a goroutine that never bound a core")
	}
	return v.(int)
}

type interrupts Platform

func (ic *interrupts) core() int { return (*Platform)(ic).coreID() }
func (ic *interrupts) Disable()  { ic.enabled[ic.core()].Store(false) }
func (ic *interrupts) Enable()   { ic.enabled[ic.core()].Store(true) }
func (ic *interrupts) AreEnabled() bool {
	return ic.enabled[ic.core()].Load()
}
func (ic *interrupts) WaitForInterrupt() {
	// Hosted simulation: yield the OS thread instead of halting. A real
	// halt would never return without an external interrupt source,
	// which this harness does not model.
	runtime.Gosched()
}

// contextSwitch implements hal.ContextSwitch. Per that type's contract,
// outSlot need not already hold anything meaningful: a context being
// switched away from for the first time (a core's idle task, which
// never goes through newTaskStackPointer) has a zero stack-pointer word,
// the simulated equivalent of "no saved context yet". contextSwitch
// lazily mints a control for it here and stores it back through
// outSlot, the same way a real ContextSwitch only ever captures the
// live register state at the moment of the call rather than requiring
// it to be precomputed.
func (p *Platform) contextSwitch(outSlot *uintptr, inSP uintptr) {
	core := p.coreID()
	if *outSlot == 0 {
		*outSlot = NewControl()
	}
	out := asControl(*outSlot)
	in := asControl(inSP)

	in.resume <- core
	<-out.resume
}

// RunCores starts one goroutine per simulated core, each bound to that
// core via bindCore, runs fn(coreIdx) on each, and waits for all of them
// to return (or for the first error). This is the simhal equivalent of
// the platform starting one worker loop per physical CPU at boot. The
// tests and cmd/kepler-selftest in this module do not call it; they bind
// their own goroutines with BindCurrentGoroutine instead.
func RunCores(ctx context.Context, n int, fn func(ctx context.Context, core int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		core := i
		g.Go(func() error {
			bindCore(core)
			return fn(ctx, core)
		})
	}
	return g.Wait()
}

// BindCurrentGoroutine lets a test that starts its own goroutines (no
// errgroup) pin the given simulated core to the calling goroutine before
// calling into code that reads hal.Platform.CoreID.
func BindCurrentGoroutine(core int) { bindCore(core) }
