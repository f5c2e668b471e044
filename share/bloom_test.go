package share

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/direct-connect/dcpp-engine/adc"
)

func TestBloomBoundZero(t *testing.T) {
	assert.Zero(t, BloomBound(0, 5), "BloomBound(0, k)")
	assert.Zero(t, BloomBound(100, 0), "BloomBound(n, 0)")
}

func TestBloomBoundRoundsUpTo64(t *testing.T) {
	m := BloomBound(1, 1)
	require.Positive(t, m)
	assert.Zero(t, m%(5*64), "bound should be a multiple of 5*64=320: got %d", m)
}

func TestBloomBoundGrowsWithN(t *testing.T) {
	small := BloomBound(10, 5)
	large := BloomBound(10000, 5)
	assert.Greater(t, large, small, "bound should grow with file count")
}

func newTTH(seed byte) adc.TTH {
	var h adc.TTH
	for i := range h {
		h[i] = seed + byte(i)
	}
	return h
}

func TestBuildBloomZeroSizeReturnsNil(t *testing.T) {
	assert.Nil(t, BuildBloom([]adc.TTH{newTTH(1)}, 5, 24, 0), "expected nil for m<=0")
}

func TestBuildBloomSetsSomeBits(t *testing.T) {
	hashes := []adc.TTH{newTTH(1), newTTH(50), newTTH(200)}
	m := BloomBound(len(hashes), 5)
	out := BuildBloom(hashes, 5, 24, m)
	require.NotEmpty(t, out)
	var set int
	for _, b := range out {
		for i := 0; i < 8; i++ {
			if b&(1<<uint(i)) != 0 {
				set++
			}
		}
	}
	assert.Positive(t, set, "expected at least one bit set for non-empty hash list")
}

func TestBuildBloomEmptyHashesNoBitsSet(t *testing.T) {
	out := BuildBloom(nil, 5, 24, 320)
	for _, b := range out {
		assert.Zero(t, b, "expected all-zero filter for an empty hash list")
	}
}
