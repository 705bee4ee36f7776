// Package fault implements the page-fault router described in spec
// §4.5. It is the one place the original source left an explicit
// todo!() (kernel/src/memory/page_fault.rs's PageFaultHandler::handle),
// so its policy is grounded directly on spec §4.5's decision table
// instead of on a concrete original-source implementation.
package fault

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/UnknownEclipse/kepler"
	"github.com/UnknownEclipse/kepler/hal"
	"github.com/UnknownEclipse/kepler/klog"
	"github.com/UnknownEclipse/kepler/vm"
)

// Router classifies and resolves page faults, per spec §4.5. It must be
// callable from interrupt context with interrupts disabled, and may not
// sleep; its only permitted synchronization is the address space's own
// interrupt-aware spinlock.
type Router struct {
	as *vm.AddressSpace
}

// NewRouter builds a router over the kernel address space it resolves
// lazy faults against.
func NewRouter(as *vm.AddressSpace) *Router {
	return &Router{as: as}
}

// Handle is installed as the platform's hal.PageFaultHandler. It either
// resolves the fault (by committing a lazy page) or panics with a
// formatted diagnostic, per spec §4.5's table. It never returns a value
// to the faulting code; resolution means the handler returns normally
// and the platform resumes at the faulting instruction.
func (r *Router) Handle(ctx hal.FaultContext) {
	if ctx.Code.ProtectionViolation {
		if !ctx.Code.User {
			panic(r.describe(ctx, "protection violation in kernel mode"))
		}
		panic(r.describe(ctx, "protection violation in user mode (user faults are not handled by this core)"))
	}

	if !ctx.Code.User {
		page, ok := kepler.PageFromVA(ctx.FaultAddr.AlignDown())
		if !ok {
			panic(r.describe(ctx, "fault address could not be aligned to a page"))
		}
		result := r.as.PageTable().Lookup(page)
		switch result.Status {
		case vm.StatusMissingLeaf:
			switch result.Tag {
			case vm.TagLazy:
				if err := r.as.CommitLazyPage(page); err != nil {
					panic(r.describe(ctx, fmt.Sprintf("failed to commit lazy page: %v", err)))
				}
				klog.Trace("fault: committed lazy page %s", page)
				return
			case vm.TagGuard:
				panic(r.describe(ctx, "stack overflow or guard page touched"))
			default:
				panic(r.describe(ctx, fmt.Sprintf("not-present fault with unexpected tag %s", result.Tag)))
			}
		case vm.StatusMissingSubtable:
			panic(r.describe(ctx, "not-present fault with no recorded mapping or tag"))
		case vm.StatusPresent:
			panic(r.describe(ctx, "not-present fault reported for a page the table reports present"))
		}
		return
	}

	// Not-present in user mode: user-range handling is deliberately
	// deferred; this core treats it as a panic rather than guessing at
	// semantics that are intentionally left open for now.
	panic(r.describe(ctx, "TODO: user-range page faults are not yet handled"))
}

func (r *Router) describe(ctx hal.FaultContext, reason string) string {
	msg := fmt.Sprintf("page fault at %s (rip=%s): %s", ctx.FaultAddr, ctx.RIP, reason)
	if inst, err := x86asm.Decode(ctx.CodeBytes, 64); err == nil {
		msg += fmt.Sprintf("\n  faulting instruction: %s", x86asm.GNUSyntax(inst, uint64(ctx.RIP), nil))
	}
	return msg
}
