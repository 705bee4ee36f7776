package vm

import (
	"sync"
	"unsafe"

	"github.com/UnknownEclipse/kepler"
	"github.com/UnknownEclipse/kepler/kerr"
)

// Heap is a byte-granular allocator over a single region obtained from
// AddressSpace.Allocate with guard pages on both sides, per spec §4.4.
// Only the allocate/deallocate contract is specified; the algorithm
// here is an ordinary first-fit, singly-linked free list of blocks,
// each introduced by a small header stored in the block itself
// -- the same "header lives in the allocation" shape as biscuit's
// mem.Bytepg2pg reinterpretation of raw bytes, generalized to
// variable-sized blocks instead of fixed pages.
type Heap struct {
	mu   sync.Mutex
	base kepler.VA
	size uint64
	free *blockHeader
}

const headerSize = uint64(unsafe.Sizeof(blockHeader{}))
const minBlockSize = 32

type blockHeader struct {
	size uint64 // total size of this block, header included
	next *blockHeader
	used bool
}

func headerAt(va kepler.VA) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(uintptr(va)))
}

func (h *blockHeader) va() kepler.VA {
	return kepler.VA(uintptr(unsafe.Pointer(h)))
}

// NewHeap initializes a heap over region, which must already be mapped
// (eagerly or lazily) in the kernel's address space.
func NewHeap(region kepler.Region) *Heap {
	h := &Heap{
		base: region.Start.Base,
		size: region.NumPages() * kepler.PageSize,
	}
	root := headerAt(h.base)
	*root = blockHeader{size: h.size}
	h.free = root
	return h
}

// Allocate returns a pointer to size bytes of memory, or ErrOOM if no
// free block is large enough.
func (h *Heap) Allocate(size uint64) (kepler.VA, error) {
	if size == 0 {
		size = 1
	}
	need := align8(headerSize + size)

	h.mu.Lock()
	defer h.mu.Unlock()

	var prev *blockHeader
	for b := h.free; b != nil; prev, b = b, b.next {
		if b.size < need {
			continue
		}
		h.removeFree(prev, b)
		h.splitIfWorthwhile(b, need)
		b.used = true
		return b.va().Add(headerSize), nil
	}
	return 0, kerr.ErrOOM
}

// Deallocate returns a previously allocated pointer's block to the free
// list and coalesces it with an immediately-following free neighbor.
// Backward coalescing is intentionally not attempted: it would require
// a doubly-linked physical chain this simple design does not keep, and
// nothing in this core's call pattern (bounded, relatively long-lived
// kernel objects) depends on it.
func (h *Heap) Deallocate(ptr kepler.VA) {
	b := headerAt(ptr - kepler.VA(headerSize))
	h.mu.Lock()
	defer h.mu.Unlock()

	b.used = false

	if next := headerAt(b.va().Add(b.size)); b.va().Add(b.size) < h.base.Add(h.size) && !next.used && h.isFreeListMember(next) {
		h.removeFree(h.freePrev(next), next)
		b.size += next.size
	}

	b.next = h.free
	h.free = b
}

func (h *Heap) splitIfWorthwhile(b *blockHeader, need uint64) {
	remainder := b.size - need
	if remainder < headerSize+minBlockSize {
		return
	}
	b.size = need
	tail := headerAt(b.va().Add(need))
	*tail = blockHeader{size: remainder, next: h.free}
	h.free = tail
}

func (h *Heap) removeFree(prev, b *blockHeader) {
	if prev == nil {
		h.free = b.next
		return
	}
	prev.next = b.next
}

func (h *Heap) freePrev(target *blockHeader) *blockHeader {
	var prev *blockHeader
	for b := h.free; b != nil; prev, b = b, b.next {
		if b == target {
			return prev
		}
	}
	return nil
}

func (h *Heap) isFreeListMember(target *blockHeader) bool {
	for b := h.free; b != nil; b = b.next {
		if b == target {
			return true
		}
	}
	return false
}

func align8(n uint64) uint64 { return (n + 7) &^ 7 }
