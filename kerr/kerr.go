// Package kerr defines the two error kinds that survive to callers of the
// kernel core: allocation failure, returned as an ordinary error, and
// internal fault, which panics. The split mirrors spec §7 and the
// teacher's habit of marking broken invariants with "XXXPANIC" comments
// (biscuit/src/mem/mem.go) instead of threading an error return through
// code paths that should never see the failure in a correct kernel.
package kerr

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrOOM is returned when the frame allocator or an address-space bump
// pointer is exhausted. Callers compare against it with errors.Is.
var ErrOOM = errors.New("kepler: out of memory")

// ErrUnimplemented is returned by operations the core documents as
// optional and not exercised on the hot path (spec §4.1's
// allocate_contiguous/deallocate_contiguous).
var ErrUnimplemented = errors.New("kepler: unimplemented")

// FaultError describes a broken invariant: a double free, an invalid task
// state transition, a negative refcount, anything that indicates a bug
// rather than exhaustion of a finite resource. Constructing one always
// panics; FaultError exists so the panic value carries a structured
// message, and the call site that raised it, instead of an arbitrary
// string.
type FaultError struct {
	Msg  string
	File string
	Line int
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// Fault panics with a *FaultError built from the given format string,
// recording its caller's file and line as the fault's call site. It
// returns an error so that call sites that want a typed signature (e.g. a
// function whose other branches return error) can write
// `return kerr.Fault(...)` even though this line never actually returns.
func Fault(format string, args ...any) error {
	_, file, line, _ := runtime.Caller(1)
	err := &FaultError{Msg: fmt.Sprintf(format, args...), File: file, Line: line}
	panic(err)
}
