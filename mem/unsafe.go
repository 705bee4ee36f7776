package mem

import (
	"unsafe"

	"github.com/UnknownEclipse/kepler"
)

// unsafeSlice views the n bytes starting at the direct-mapped virtual
// address va as a []byte, the same way biscuit's Dmap/Pg2bytes reinterpret
// a *Pg_t as a *Bytepg_t instead of copying.
func unsafeSlice(va kepler.VA, n int) []byte {
	p := unsafe.Pointer(uintptr(va))
	return unsafe.Slice((*byte)(p), n)
}
