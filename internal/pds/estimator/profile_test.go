package estimator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfiles(t *testing.T) {
	for p := MinPrecision; p <= MaxPrecision; p++ {
		profile, ok := ProfileFor(p)
		require.True(t, ok)
		assert.Equal(t, p, profile.Precision)
		assert.Equal(t, 1<<p, profile.Registers)
		assert.Equal(t, Alpha(1<<p), profile.Alpha)
		assert.InDelta(t, 1.04/math.Sqrt(float64(profile.Registers)), profile.StandardError, 1e-15)
	}

	_, ok := ProfileFor(3)
	assert.False(t, ok)
	_, ok = ProfileFor(19)
	assert.False(t, ok)
}

func TestAlpha(t *testing.T) {
	assert.Equal(t, 0.673, Alpha(16))
	assert.Equal(t, 0.697, Alpha(32))
	assert.Equal(t, 0.709, Alpha(64))
	assert.InDelta(t, 0.7213/(1+1.079/1024), Alpha(1024), 1e-15)
}

func TestMinWidth(t *testing.T) {
	testCases := []struct {
		p, hashWidth, want uint8
	}{
		{4, 32, 5},  // max rank 29
		{10, 32, 5}, // max rank 23
		{17, 32, 5}, // max rank 16
		{18, 32, 4}, // max rank 15
		{4, 64, 6},  // max rank 61
		{14, 64, 6}, // max rank 51
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, MinWidth(tc.p, tc.hashWidth), "p=%d width=%d", tc.p, tc.hashWidth)
	}
}

func TestPrecisionSet(t *testing.T) {
	assert.Equal(t, []uint8{4, 5, 6, 7, 8}, LowPrecisions.Precisions())
	assert.Equal(t, []uint8{9, 10, 11, 12, 13}, MediumPrecisions.Precisions())
	assert.Equal(t, []uint8{14, 15, 16, 17, 18}, HighPrecisions.Precisions())
	assert.Len(t, AllPrecisions.Precisions(), 15)

	s := PrecisionsOf(10, 12, 3, 30)
	assert.True(t, s.Has(10))
	assert.True(t, s.Has(12))
	assert.False(t, s.Has(11))
	assert.False(t, s.Has(3))
	assert.Equal(t, "precision_10,precision_12", s.String())
}

func TestParsePrecisionSet(t *testing.T) {
	s, err := ParsePrecisionSet([]string{"low", "precision_14"})
	require.NoError(t, err)
	assert.Equal(t, LowPrecisions|PrecisionsOf(14), s)

	s, err = ParsePrecisionSet([]string{"ALL"})
	require.NoError(t, err)
	assert.Equal(t, AllPrecisions, s)

	s, err = ParsePrecisionSet([]string{"medium_precisions", "high"})
	require.NoError(t, err)
	assert.Equal(t, MediumPrecisions|HighPrecisions, s)

	_, err = ParsePrecisionSet([]string{"precision_3"})
	require.Error(t, err)

	_, err = ParsePrecisionSet([]string{"ultra"})
	require.Error(t, err)
}
