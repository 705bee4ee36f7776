// Package hal declares the boundary between the kernel core and the
// platform-specific collaborators spec §1 and §6 name: the firmware memory
// map, the higher-half direct map, interrupt primitives, exception/IRQ
// registration, per-core identity, and the assembly context-switch
// primitive. Every other package in this module depends only on these
// interfaces, never on a concrete architecture; gopher-os draws the same
// seam at kernel/hal (src/gopheros/kernel/hal/hal.go), and the original
// Rust source draws it explicitly across the hal/hal-core/hal-x86_64
// crate split.
package hal

import (
	"fmt"

	"golang.org/x/mod/semver"

	"github.com/UnknownEclipse/kepler"
)

// MemoryMapEntry is one (base, length, usable) triple from the firmware
// memory map, per spec §6. Only Usable entries are consumed; the core
// assumes the entries are already disjoint.
type MemoryMapEntry struct {
	Base   kepler.PA
	Length uint64
	Usable bool
}

// Interrupts is the minimal interrupt-control surface spec §6 asks of the
// platform: disable/enable, query, and wait-for-interrupt (used by the
// scheduler's idle loop).
type Interrupts interface {
	Disable()
	Enable()
	AreEnabled() bool
	WaitForInterrupt()
}

// WithoutInterrupts disables interrupts for the duration of f and restores
// the prior enabled/disabled state afterward, even if f panics. This is
// the scoped-closure form of the original source's
// hal::interrupts::without, adopted because it is the idiomatic Go shape
// (defer-based cleanup) for what spec §4.10 otherwise describes as a
// manual disable/restore pair.
func WithoutInterrupts(ic Interrupts, f func()) {
	wasEnabled := ic.AreEnabled()
	ic.Disable()
	defer func() {
		if wasEnabled {
			ic.Enable()
		}
	}()
	f()
}

// FaultErrorCode classifies a page fault per spec §4.5: protection
// violation vs not-present, user vs kernel, read vs write, and whether the
// fault was an instruction fetch.
type FaultErrorCode struct {
	ProtectionViolation bool
	User                bool
	Write               bool
	InstructionFetch    bool
}

// FaultContext is everything the page-fault router needs about the trap
// that invoked it: the faulting address, its classification, and the
// bytes at the faulting instruction pointer (used only for the
// diagnostic disassembly dump on an escalated, panicking fault).
type FaultContext struct {
	FaultAddr kepler.VA
	Code      FaultErrorCode
	RIP       kepler.VA
	CodeBytes []byte
}

// PageFaultHandler is invoked from the IDT trampoline with interrupts
// disabled; it must not sleep (spec §4.5).
type PageFaultHandler func(FaultContext)

// ExceptionHandlers is how the core asks the platform to route page
// faults (and, by extension, any other exception) into the core's own
// handler, per spec §6 ("an ability to register exception and interrupt
// handlers, in particular a page-fault handler").
type ExceptionHandlers interface {
	SetPageFaultHandler(PageFaultHandler)
}

// ContextSwitch is the single assembly primitive spec §4.7/§6 describes:
// it saves the current task's callee-saved registers on its own stack,
// stores the resulting stack pointer at *outSlot, loads inSP into the
// stack pointer register, restores callee-saved registers, and returns --
// now running as whatever task owns inSP. The function never appears to
// return to its original caller; it returns into whichever task next
// switches back to the stack outSlot pointed at.
type ContextSwitch func(outSlot *uintptr, inSP uintptr)

// Platform bundles every external collaborator the core requires, built
// once by boot glue and passed to the packages that need it. ABIVersion
// lets that boot glue and this core's expectations be checked against
// each other once, at init time, rather than assumed.
type Platform struct {
	MemoryMap     []MemoryMapEntry
	DirectMapBase kepler.VA
	Interrupts    Interrupts
	Exceptions    ExceptionHandlers
	CoreID        func() int
	Switch        ContextSwitch
	ABIVersion    string

	// InvalidateVA invalidates a single VA's translation on the local
	// core after a page-table entry changes, per spec §4.2. It is not
	// one of the collaborators spec §6 enumerates by name, but §4.2
	// requires it; platforms that have no stale-translation cache to
	// invalidate (e.g. a hosted test harness) may leave it nil.
	InvalidateVA func(kepler.VA)

	// NewTaskStackPointer primes a freshly allocated stack region so
	// that resuming it via Switch runs trampoline, per spec §4.6's
	// start trampoline and §3's "stack's top word ... contains a saved
	// context whose resume address is the start trampoline." Switch
	// alone can only hand off between two already-initialized stacks;
	// bootstrapping the very first resume is unavoidably
	// platform-specific (it depends on the calling convention's
	// callee-saved register layout), so the platform supplies it as a
	// second, narrower primitive alongside Switch.
	NewTaskStackPointer func(region kepler.Region, trampoline func()) uintptr
}

// MinABIVersion is the oldest platform ABI this core's code was written
// against. It is compared with golang.org/x/mod/semver instead of a
// hand-rolled dotted-version parser, the same way a build tool would
// check a go.mod's `go` directive against a toolchain version.
const MinABIVersion = "v1.0.0"

// CheckABI validates that the platform's reported ABI version is
// semver-valid and not older than MinABIVersion.
func CheckABI(version string) error {
	v := version
	if len(v) == 0 || v[0] != 'v' {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("hal: platform ABI version %q is not valid semver", version)
	}
	if semver.Compare(v, MinABIVersion) < 0 {
		return fmt.Errorf("hal: platform ABI %s is older than minimum supported %s", v, MinABIVersion)
	}
	return nil
}

// DirectMap converts a physical address to its virtual address under the
// platform's higher-half direct map, per spec §6.
func DirectMap(p *Platform, pa kepler.PA) kepler.VA {
	return p.DirectMapBase.Add(uint64(pa))
}
