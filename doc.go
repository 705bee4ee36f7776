// Package kepler defines the address types and boot configuration shared by
// every subsystem of the kernel core: virtual memory (mem, vm, vm/fault),
// scheduling (task, sched), and synchronization (ksync). Everything below
// this package is a leaf that depends on these shared types but not on each
// other except where noted.
package kepler
