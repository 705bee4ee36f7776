package hal

import "golang.org/x/sys/cpu"

// FeatureFingerprint folds a handful of detected CPU feature bits into a
// single word. The scheduler mixes this into its per-core PRNG seed (used
// for steal-victim selection) so that two otherwise-identical cores don't
// draw the same steal sequence -- the Go-hosted analogue of the entropy
// pool spec §1 lists as an external collaborator ("RNG entropy pool"),
// without needing an actual hardware RNG driver, which is out of the
// core's scope.
func FeatureFingerprint() uint64 {
	var fp uint64
	if cpu.X86.HasAVX2 {
		fp |= 1 << 0
	}
	if cpu.X86.HasAES {
		fp |= 1 << 1
	}
	if cpu.X86.HasRDRAND {
		fp |= 1 << 2
	}
	if cpu.X86.HasRDTSCP {
		fp |= 1 << 3
	}
	if cpu.X86.HasSSE42 {
		fp |= 1 << 4
	}
	return fp
}
