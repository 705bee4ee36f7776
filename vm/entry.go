// Package vm implements the 4-level page table and the kernel
// address-space manager built on top of it, grounded on biscuit's
// Pmap_t/PTE_* constants (biscuit/src/mem/mem.go, dmap.go) for the
// present-entry bit layout, and on the original source's
// AddrSpace/KernelAddressSpace bump allocator
// (kernel/src/memory/kernel.rs) for the guard-page/eager-lazy commit
// procedure.
package vm

import "fmt"

// Entry is one page-table slot. Bit 0 is the present flag (the
// discriminant spec §3 describes); the remaining 63 bits are either a
// present mapping's address and policy bits, or a non-present tag.
type Entry uint64

const (
	entryPresent = 1 << 0
	entryWrite   = 1 << 1
	entryUser    = 1 << 2
	entryWriteThrough = 1 << 3
	entryAccessed = 1 << 5
	entryDirty    = 1 << 6
	entryNoExecute = 1 << 63

	entryAddrShift = 12
	entryAddrMask  = uint64(0x000f_ffff_ffff_f000)

	entrySoftShift = 52
	entrySoftMask  = uint64(0x7f) << entrySoftShift // 7 software bits when present

	// Non-present layout: bits [1:2] carry the Tag, bits [3:63] carry a
	// swap identifier when Tag == TagSwapped.
	entryTagShift  = 1
	entryTagMask   = uint64(0x3) << entryTagShift
	entrySwapShift = 3
)

// Tag classifies a non-present entry, per spec §3/§9
// ({normal_present, guard, lazy, swapped(id)}; normal_present only ever
// appears on a present entry, so it has no non-present encoding here).
type Tag uint8

const (
	TagNone Tag = iota // a missing intermediate subtable, not a leaf tag
	TagGuard
	TagLazy
	TagSwapped
)

func (t Tag) String() string {
	switch t {
	case TagNone:
		return "none"
	case TagGuard:
		return "guard"
	case TagLazy:
		return "lazy"
	case TagSwapped:
		return "swapped"
	default:
		return "unknown"
	}
}

// Caching selects the memory type of a present mapping.
type Caching uint8

const (
	CachingWriteBack Caching = iota
	CachingWriteThrough
)

func presentEntry(pa uint64, write, user, execute bool, caching Caching, software uint8) Entry {
	e := uint64(entryPresent)
	if write {
		e |= entryWrite
	}
	if user {
		e |= entryUser
	}
	if !execute {
		e |= entryNoExecute
	}
	if caching == CachingWriteThrough {
		e |= entryWriteThrough
	}
	e |= pa & entryAddrMask
	e |= (uint64(software) << entrySoftShift) & entrySoftMask
	return Entry(e)
}

func tagEntry(tag Tag, swapID uint64) Entry {
	e := (uint64(tag) << entryTagShift) & entryTagMask
	if tag == TagSwapped {
		e |= swapID << entrySwapShift
	}
	return Entry(e)
}

// Present reports whether this entry is a hardware-usable mapping.
func (e Entry) Present() bool { return uint64(e)&entryPresent != 0 }

// Addr returns the mapped physical address. Valid only if Present.
func (e Entry) Addr() uint64 { return uint64(e) & entryAddrMask }

// Writable, User, and Executable report the present entry's access
// policy bits.
func (e Entry) Writable() bool   { return uint64(e)&entryWrite != 0 }
func (e Entry) User() bool       { return uint64(e)&entryUser != 0 }
func (e Entry) Executable() bool { return uint64(e)&entryNoExecute == 0 }

// Software returns the up-to-seven software-defined bits of a present
// entry.
func (e Entry) Software() uint8 {
	return uint8((uint64(e) & entrySoftMask) >> entrySoftShift)
}

// Tag returns the non-present tag and, for TagSwapped, the swap
// identifier. Calling it on a present entry is a programming error.
func (e Entry) Tag() (Tag, uint64) {
	if e.Present() {
		panic("vm: Tag called on a present entry")
	}
	tag := Tag((uint64(e) & entryTagMask) >> entryTagShift)
	if tag != TagSwapped {
		return tag, 0
	}
	return tag, uint64(e) >> entrySwapShift
}

// IsZero reports whether e is the all-zero entry: not present and
// untagged, i.e. a genuinely missing slot rather than a recorded tag.
func (e Entry) IsZero() bool { return e == 0 }

func (e Entry) String() string {
	if e.Present() {
		return fmt.Sprintf("present{addr:%#x w:%v u:%v x:%v}", e.Addr(), e.Writable(), e.User(), e.Executable())
	}
	tag, id := e.Tag()
	if tag == TagSwapped {
		return fmt.Sprintf("tag{%s id:%d}", tag, id)
	}
	return fmt.Sprintf("tag{%s}", tag)
}
