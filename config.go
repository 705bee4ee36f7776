package kepler

import "github.com/UnknownEclipse/kepler/kerr"

// BootConfig carries the boot-time literals the core needs from whatever
// glue code parsed the firmware memory map and set up the direct map. There
// is no config file and no flag parsing: by the time any of this code runs
// there is no filesystem and likely no heap yet, so every value here is a
// struct literal the platform builds once during its own boot sequence.
type BootConfig struct {
	// NumCores is the number of hardware threads the scheduler creates one
	// worker per. Must be >= 1.
	NumCores int

	// FutexBuckets is the size of the futex table. Must be a power of two;
	// 64 is the canonical choice.
	FutexBuckets int

	// KernelHeapPages is the number of pages eagerly committed to the
	// kernel heap region at boot.
	KernelHeapPages int
}

// DefaultBootConfig returns the literal constants this core was tuned
// against, mirroring the hardcoded constants in biscuit's own
// Phys_init (mem.go: "respgs := 1 << 16").
func DefaultBootConfig() BootConfig {
	return BootConfig{
		NumCores:        1,
		FutexBuckets:    64,
		KernelHeapPages: 1 << 8,
	}
}

// Validate checks the power-of-two and positivity invariants the rest of
// the core assumes without rechecking them on every call.
func (c BootConfig) Validate() error {
	if c.NumCores < 1 {
		return kerr.Fault("BootConfig.NumCores must be >= 1, got %d", c.NumCores)
	}
	if c.FutexBuckets < 1 || c.FutexBuckets&(c.FutexBuckets-1) != 0 {
		return kerr.Fault("BootConfig.FutexBuckets must be a power of two, got %d", c.FutexBuckets)
	}
	if c.KernelHeapPages < 1 {
		return kerr.Fault("BootConfig.KernelHeapPages must be >= 1, got %d", c.KernelHeapPages)
	}
	return nil
}
