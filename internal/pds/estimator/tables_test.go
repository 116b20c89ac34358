package estimator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTables(t *testing.T) {
	tables := Default()
	require.NotNil(t, tables)
	assert.Same(t, tables, Default(), "tables are parsed once and shared")
	assert.Equal(t, AllPrecisions, tables.Precisions())

	for p := MinPrecision; p <= MaxPrecision; p++ {
		pt, ok := tables.Precision(p)
		require.True(t, ok, "precision %d", p)
		assert.Equal(t, p, pt.Precision)
		assert.Len(t, pt.Beta, BetaCoefficients)
		assert.Equal(t, len(pt.Raw), len(pt.Bias))
		assert.Positive(t, pt.Threshold)

		// The bias curve covers the region where the raw estimate is
		// corrected, up to 5m.
		m := float64(int(1) << p)
		assert.Greater(t, pt.Raw[len(pt.Raw)-1], 4*m, "precision %d", p)
	}

	_, ok := tables.Precision(3)
	assert.False(t, ok)
	_, ok = tables.Precision(40)
	assert.False(t, ok)
}

const smallTable = `
precisions:
  - precision: 4
    threshold: 10
    raw: [10, 20, 40]
    bias: [8, 4, 0]
    beta: [0, 0, 0, 0, 0, 0, 0, 0]
`

func TestLoad(t *testing.T) {
	tables, err := Load(strings.NewReader(smallTable))
	require.NoError(t, err)
	assert.Equal(t, PrecisionsOf(4), tables.Precisions())

	testCases := []struct {
		name string
		yaml string
	}{
		{"malformed", "precisions: ["},
		{"unknown field", "precisions:\n  - precision: 4\n    colour: red\n"},
		{"precision out of range", strings.Replace(smallTable, "precision: 4", "precision: 19", 1)},
		{"mismatched lists", strings.Replace(smallTable, "bias: [8, 4, 0]", "bias: [8, 4]", 1)},
		{"descending raw", strings.Replace(smallTable, "raw: [10, 20, 40]", "raw: [10, 40, 20]", 1)},
		{"short beta", strings.Replace(smallTable, "beta: [0, 0, 0, 0, 0, 0, 0, 0]", "beta: [0, 0]", 1)},
		{"zero threshold", strings.Replace(smallTable, "threshold: 10", "threshold: 0", 1)},
		{"duplicate precision", smallTable + strings.TrimPrefix(smallTable, "\nprecisions:\n")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			require.ErrorIs(t, err, ErrInvalidTables)
		})
	}
}

func TestRestrict(t *testing.T) {
	restricted := Default().Restrict(LowPrecisions)
	assert.Equal(t, LowPrecisions, restricted.Precisions())

	_, ok := restricted.Precision(14)
	assert.False(t, ok)

	full, _ := Default().Precision(8)
	low, ok := restricted.Precision(8)
	require.True(t, ok)
	assert.Same(t, full, low)
}

func TestBiasAt(t *testing.T) {
	tables, err := Load(strings.NewReader(smallTable))
	require.NoError(t, err)
	pt, _ := tables.Precision(4)

	testCases := []struct {
		raw  float64
		want float64
	}{
		{5, 8},   // below the table: first entry
		{10, 8},  // exact hit
		{15, 6},  // halfway between 10 and 20
		{20, 4},  // exact hit
		{30, 2},  // halfway between 20 and 40
		{35, 1},  // three quarters
		{40, 0},  // last entry
		{100, 0}, // above the table: last entry
	}

	for _, tc := range testCases {
		assert.InDelta(t, tc.want, pt.BiasAt(tc.raw), 1e-12, "raw=%v", tc.raw)
	}
}

func TestBetaAt(t *testing.T) {
	pt := &PrecisionTable{Beta: []float64{2, 1, 0, 0, 0, 0, 0, 3}}

	// z=0: every term vanishes.
	assert.Zero(t, pt.BetaAt(0))

	// z=e-1: ln(z+1) = 1, so beta = 2z + 1 + 3.
	z := 1.718281828459045
	assert.InDelta(t, 2*z+4, pt.BetaAt(z), 1e-9)
}
