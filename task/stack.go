package task

import "github.com/UnknownEclipse/kepler"

// Stack is a boxed region in the kernel address space with a guard
// page at each end, per spec §3. Region covers only the usable
// sub-range (guard pages are not included, matching
// AddressSpace.Allocate's return value); TopWord is the
// platform-primed value installed as a new task's initial StackPtr.
type Stack struct {
	Region  kepler.Region
	TopWord uintptr
}

// DefaultStackPages is the number of usable pages given to a new task's
// stack absent any other configuration; the original source's
// thread.rs::Builder defaults to an 8 KiB stack, which is two 4 KiB
// pages.
const DefaultStackPages = 2
