package sched

import "math/bits"

// wyrandNext advances state and returns the next pseudo-random word,
// used only to pick a steal victim's starting index -- speed and
// distribution quality matter far more than unpredictability here, the
// same tradeoff the original source's work_stealing.rs makes by using
// the wyrand crate rather than a cryptographic RNG.
func wyrandNext(state *uint64) uint64 {
	*state += 0xa0761d6478bd642f
	hi, lo := bits.Mul64(*state, *state^0xe7037ed1a0b428db)
	return hi ^ lo
}

// newRNGSeed mixes a per-core salt with hal.FeatureFingerprint so that
// two otherwise-identical cores don't draw the same steal sequence.
func newRNGSeed(core int, fingerprint uint64) uint64 {
	seed := fingerprint ^ (uint64(core) * 0x9e3779b97f4a7c15)
	if seed == 0 {
		seed = 0x2545F4914F6CDD1D
	}
	return seed
}
