package vm

import (
	"github.com/UnknownEclipse/kepler"
	"github.com/UnknownEclipse/kepler/hal"
	"github.com/UnknownEclipse/kepler/kerr"
	"github.com/UnknownEclipse/kepler/ksync/spinlock"
	"github.com/UnknownEclipse/kepler/mem"
)

// AllocOptions parameterizes AddressSpace.Allocate, per spec §4.3's
// table.
type AllocOptions struct {
	NumPages        uint64
	StartGuardPages uint64
	EndGuardPages   uint64
	// EagerCommit, if true, maps every usable page to a fresh frame
	// immediately; if false, each usable page is tagged TagLazy and
	// committed on first fault (§4.5). This is the Open Question §9
	// resolves by folding the repository's two commit-flavored
	// address-space variants into a single allocate-time option.
	EagerCommit bool
}

type addrSpaceState struct {
	bump kepler.VA
}

// AddressSpace is the kernel's single mutable bump allocator over a
// pre-computed virtual range, plus exclusive ownership of the active
// page table, per spec §4.3. It never frees: the kernel virtual range
// is treated as effectively infinite for the kernel's lifetime.
//
// Its bump pointer is guarded by an interrupt-aware spinlock rather
// than an ordinary mutex, since CommitLazyPage is called from the
// page-fault router with interrupts disabled and must never sleep
// (spec §4.5, §4.10).
type AddressSpace struct {
	platform   *hal.Platform
	frames     *mem.Allocator
	pageTable  *PageTable
	rangeStart kepler.VA
	rangeEnd   kepler.VA
	state      *spinlock.SpinLock[addrSpaceState]
}

// NewKernelAddressSpace builds the address-space manager over the given
// page table, bump-allocating from rangeStart up to (but never
// reaching) rangeEnd.
func NewKernelAddressSpace(platform *hal.Platform, frames *mem.Allocator, pt *PageTable, rangeStart, rangeEnd kepler.VA) *AddressSpace {
	return &AddressSpace{
		platform:   platform,
		frames:     frames,
		pageTable:  pt,
		rangeStart: rangeStart,
		rangeEnd:   rangeEnd,
		state:      spinlock.New(addrSpaceState{bump: rangeStart}),
	}
}

// BumpPointer returns the current bump pointer, exposed for the P2
// monotone-bump property and for diagnostics.
func (as *AddressSpace) BumpPointer() kepler.VA {
	var bump kepler.VA
	_ = as.state.With(as.platform.Interrupts, func(st *addrSpaceState) error {
		bump = st.bump
		return nil
	})
	return bump
}

// Allocate reserves options.NumPages usable pages (plus guard pages)
// from the bump range, maps the guard pages with TagGuard, and maps the
// usable pages either eagerly or as TagLazy, per spec §4.3's procedure.
// It returns the usable sub-region only (guard pages are not included).
func (as *AddressSpace) Allocate(options AllocOptions) (kepler.Region, error) {
	var region kepler.Region
	err := as.state.With(as.platform.Interrupts, func(st *addrSpaceState) error {
		total := options.StartGuardPages + options.NumPages + options.EndGuardPages
		span := total * kepler.PageSize

		start := st.bump
		end := start.Add(span)
		if end < start || end > as.rangeEnd {
			return kerr.ErrOOM
		}
		st.bump = end

		cur, _ := kepler.PageFromVA(start)

		for i := uint64(0); i < options.StartGuardPages; i++ {
			if err := as.pageTable.MapMissing(cur, TagGuard, 0, as.frames); err != nil {
				return err
			}
			cur.Base = cur.Base.Add(kepler.PageSize)
		}

		usableStart := cur
		for i := uint64(0); i < options.NumPages; i++ {
			if options.EagerCommit {
				frame, err := as.frames.AllocateFrame()
				if err != nil {
					return err
				}
				zero(as.frames.FrameBytes(frame))
				err = as.pageTable.Map(MapOptions{
					Page:    cur,
					Frame:   frame,
					Write:   true,
					Execute: false,
					User:    false,
					Caching: CachingWriteBack,
				}, as.frames)
				if err != nil {
					return err
				}
			} else {
				if err := as.pageTable.MapMissing(cur, TagLazy, 0, as.frames); err != nil {
					return err
				}
			}
			cur.Base = cur.Base.Add(kepler.PageSize)
		}
		usableEnd := cur

		for i := uint64(0); i < options.EndGuardPages; i++ {
			if err := as.pageTable.MapMissing(cur, TagGuard, 0, as.frames); err != nil {
				return err
			}
			cur.Base = cur.Base.Add(kepler.PageSize)
		}

		region = kepler.Region{Start: usableStart, End: usableEnd}
		return nil
	})
	return region, err
}

// CommitLazyPage resolves a single lazy-tagged page into a present
// mapping, used by the page-fault router (§4.5). It is idempotent only
// in the sense the caller is trusted not to call it twice for the same
// page; a second call would silently allocate and leak a frame, which
// cannot happen because the router only reaches here from a
// not-present fault.
func (as *AddressSpace) CommitLazyPage(page kepler.Page) error {
	return as.state.With(as.platform.Interrupts, func(*addrSpaceState) error {
		frame, err := as.frames.AllocateFrame()
		if err != nil {
			return err
		}
		zero(as.frames.FrameBytes(frame))
		return as.pageTable.Map(MapOptions{
			Page:     page,
			Frame:    frame,
			Write:    true,
			Execute:  false,
			User:     false,
			Caching:  CachingWriteBack,
			FlushTLB: true,
		}, as.frames)
	})
}

// PageTable exposes the underlying table, e.g. for Load() at boot.
func (as *AddressSpace) PageTable() *PageTable { return as.pageTable }
