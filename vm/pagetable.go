package vm

import (
	"fmt"
	"unsafe"

	"github.com/UnknownEclipse/kepler"
	"github.com/UnknownEclipse/kepler/hal"
	"github.com/UnknownEclipse/kepler/mem"
)

const entriesPerTable = 512

// table is a single level's worth of entries, reached through the
// direct map, mirroring biscuit's Pmap_t [512]Pa_t.
type table [entriesPerTable]Entry

// indices decomposes a page's VA into its four 9-bit page-table
// indices, most significant (L4) first, per spec §4.2.
func indices(p kepler.Page) [4]int {
	va := uint64(p.Base)
	return [4]int{
		int((va >> 39) & 0x1ff),
		int((va >> 30) & 0x1ff),
		int((va >> 21) & 0x1ff),
		int((va >> 12) & 0x1ff),
	}
}

// PageTable is a directly-mapped 4-level radix tree rooted at a single
// L4 frame, per spec §4.2.
type PageTable struct {
	platform *hal.Platform
	root     kepler.Frame
}

// NewPageTable wraps an existing L4 frame -- typically the frame the
// platform reports as already active at boot.
func NewPageTable(platform *hal.Platform, root kepler.Frame) *PageTable {
	return &PageTable{platform: platform, root: root}
}

func (pt *PageTable) tableAt(f kepler.Frame) *table {
	va := hal.DirectMap(pt.platform, f.Base)
	return (*table)(unsafe.Pointer(uintptr(va)))
}

// MapOptions describes a present mapping to install with Map.
type MapOptions struct {
	Page      kepler.Page
	Frame     kepler.Frame
	Write     bool
	Execute   bool
	User      bool
	Caching   Caching
	Software  uint8
	FlushTLB  bool
}

// walkToLeaf walks from L4 down to the L1 table containing page,
// allocating and zeroing a new subtable at each missing intermediate
// level via alloc. It returns the L1 table and the index of page's
// entry within it.
func (pt *PageTable) walkToLeaf(page kepler.Page, alloc *mem.Allocator) (*table, int, error) {
	idx := indices(page)
	cur := pt.root
	for level := 0; level < 3; level++ {
		tbl := pt.tableAt(cur)
		e := tbl[idx[level]]
		if e.Present() {
			cur = kepler.Frame{Base: kepler.PA(e.Addr())}
			continue
		}
		if !e.IsZero() {
			return nil, 0, fmt.Errorf("vm: intermediate level %d holds a non-present tag, not a missing subtable", level)
		}
		f, err := alloc.AllocateFrame()
		if err != nil {
			return nil, 0, err
		}
		zero(alloc.FrameBytes(f))
		tbl[idx[level]] = presentEntry(uint64(f.Base), true, true, true, CachingWriteBack, 0)
		cur = f
	}
	return pt.tableAt(cur), idx[3], nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Map installs a present mapping for options.Page, walking/creating
// subtables as needed via alloc. Overwrites any existing entry, per
// spec §4.2's contract.
func (pt *PageTable) Map(options MapOptions, alloc *mem.Allocator) error {
	leaf, i, err := pt.walkToLeaf(options.Page, alloc)
	if err != nil {
		return err
	}
	leaf[i] = presentEntry(
		uint64(options.Frame.Base),
		options.Write,
		options.User,
		options.Execute,
		options.Caching,
		options.Software,
	)
	if options.FlushTLB {
		pt.invalidate(options.Page.Base)
	}
	return nil
}

// MapMissing installs a non-present entry carrying tag (and, for
// TagSwapped, swapID) for page, walking/creating subtables as needed.
func (pt *PageTable) MapMissing(page kepler.Page, tag Tag, swapID uint64, alloc *mem.Allocator) error {
	leaf, i, err := pt.walkToLeaf(page, alloc)
	if err != nil {
		return err
	}
	leaf[i] = tagEntry(tag, swapID)
	return nil
}

// LookupStatus classifies the result of Lookup.
type LookupStatus int

const (
	// StatusPresent: page is mapped; Result.Frame is valid.
	StatusPresent LookupStatus = iota
	// StatusMissingSubtable: an intermediate level was entirely absent;
	// no tag information exists above the leaf.
	StatusMissingSubtable
	// StatusMissingLeaf: every intermediate level existed, but the leaf
	// entry is non-present; Result.Tag (and SwapID) are valid.
	StatusMissingLeaf
)

// LookupResult is the outcome of walking the table for a single page
// without creating any subtable, per spec §4.2.
type LookupResult struct {
	Status LookupStatus
	Frame  kepler.Frame
	Tag    Tag
	SwapID uint64
}

// Lookup walks the table for page without allocating. A missing
// intermediate level and a non-present leaf are distinguished so
// callers (the page-fault router) can tell "nothing here at all" from
// "a recorded tag."
func (pt *PageTable) Lookup(page kepler.Page) LookupResult {
	idx := indices(page)
	cur := pt.root
	for level := 0; level < 3; level++ {
		tbl := pt.tableAt(cur)
		e := tbl[idx[level]]
		if !e.Present() {
			return LookupResult{Status: StatusMissingSubtable}
		}
		cur = kepler.Frame{Base: kepler.PA(e.Addr())}
	}
	leaf := pt.tableAt(cur)
	e := leaf[idx[3]]
	if e.Present() {
		return LookupResult{Status: StatusPresent, Frame: kepler.Frame{Base: kepler.PA(e.Addr())}}
	}
	tag, id := e.Tag()
	return LookupResult{Status: StatusMissingLeaf, Tag: tag, SwapID: id}
}

// Load activates this table as the current CPU's address space. The
// simulated platform has no MMU to program, so this is a documented
// no-op hook left for a real platform's Switch glue to call into.
func (pt *PageTable) Load() {}

func (pt *PageTable) invalidate(va kepler.VA) {
	if pt.platform.InvalidateVA != nil {
		pt.platform.InvalidateVA(va)
	}
}

// RootFrame returns the frame backing this table's L4 level.
func (pt *PageTable) RootFrame() kepler.Frame { return pt.root }
