// Package entropy provides the deterministic random source threaded through
// simulation state. Every draw advances a 32-bit linear-congruential seed, so
// two runs from the same seed replay identically. Engine code must never fall
// back to an ambient source (math/rand, crypto/rand): replay determinism is
// part of the engine contract.
package entropy

import "math"

// FallbackSeed replaces a zero seed, which would make the LCG degenerate.
const FallbackSeed uint32 = 0x6d2b79f5

// Normalize maps any seed onto a usable LCG state.
func Normalize(seed uint32) uint32 {
	if seed == 0 {
		return FallbackSeed
	}
	return seed
}

// Next advances the seed one LCG step (Numerical Recipes constants) and
// returns the new seed together with a uniform value in [0, 1).
func Next(seed uint32) (uint32, float64) {
	next := seed*1664525 + 1013904223
	return next, float64(next) / float64(1<<32)
}

// IntBetween maps a unit draw onto an integer in [min, max], inclusive.
func IntBetween(min, max int, unit float64) int {
	lo := min
	hi := max
	if hi < lo {
		hi = lo
	}
	return int(math.Floor(unit*float64(hi-lo+1))) + lo
}

// Stream wraps a seed for use within a single synchronous operation. The
// caller reads the final State back into the owning snapshot when done.
type Stream struct {
	State uint32
}

// NewStream normalizes the seed and returns a stream positioned on it.
func NewStream(seed uint32) *Stream {
	return &Stream{State: Normalize(seed)}
}

// Float advances the stream and returns a uniform value in [0, 1).
func (s *Stream) Float() float64 {
	next, unit := Next(s.State)
	s.State = next
	return unit
}

// IntBetween advances the stream and returns an integer in [min, max].
func (s *Stream) IntBetween(min, max int) int {
	return IntBetween(min, max, s.Float())
}
