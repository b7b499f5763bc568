package entropy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, FallbackSeed, Normalize(0))
	assert.Equal(t, uint32(42), Normalize(42))
}

func TestNextIsDeterministic(t *testing.T) {
	next, unit := Next(1)
	assert.Equal(t, uint32(1664525+1013904223), next)
	assert.GreaterOrEqual(t, unit, 0.0)
	assert.Less(t, unit, 1.0)

	again, unitAgain := Next(1)
	assert.Equal(t, next, again)
	assert.Equal(t, unit, unitAgain)
}

func TestStreamReplay(t *testing.T) {
	a := NewStream(12345)
	b := NewStream(12345)
	for i := 0; i < 100; i++ {
		require.Equal(t, a.Float(), b.Float(), "draw %d diverged", i)
	}
	assert.Equal(t, a.State, b.State)
}

func TestIntBetween(t *testing.T) {
	assert.Equal(t, 3, IntBetween(3, 7, 0))
	assert.Equal(t, 7, IntBetween(3, 7, 0.999999))
	assert.Equal(t, 5, IntBetween(5, 5, 0.5))
	// Inverted bounds collapse to the lower bound.
	assert.Equal(t, 9, IntBetween(9, 2, 0.5))
}

func TestStreamIntBetweenStaysInRange(t *testing.T) {
	s := NewStream(777)
	for i := 0; i < 1000; i++ {
		v := s.IntBetween(2, 4)
		require.GreaterOrEqual(t, v, 2)
		require.LessOrEqual(t, v, 4)
	}
}
