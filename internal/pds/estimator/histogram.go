package estimator

import "math"

// Histogram summarizes a register array: Counts[v] is the number of
// registers holding v.
type Histogram struct {
	Counts []int

	// Registers is m, the total number of registers.
	Registers int

	// MaxRank is the largest value a register can take, the point at which
	// it saturates. It is min(2^b-1, hashWidth-p+1).
	MaxRank uint8
}

// HistogramOf builds a histogram from plain register values.
func HistogramOf(values []uint8, maxRank uint8) Histogram {
	counts := make([]int, int(maxRank)+1)
	for _, v := range values {
		counts[min(v, maxRank)]++
	}
	return Histogram{Counts: counts, Registers: len(values), MaxRank: maxRank}
}

// Zeros returns the number of registers equal to zero.
func (h Histogram) Zeros() int {
	if len(h.Counts) == 0 {
		return h.Registers
	}
	return h.Counts[0]
}

// Count returns the number of registers holding v.
func (h Histogram) Count(v int) int {
	if v < 0 || v >= len(h.Counts) {
		return 0
	}
	return h.Counts[v]
}

// HarmonicSum returns the sum of 2^-v over all registers.
func (h Histogram) HarmonicSum() float64 {
	sum := 0.0
	for v, c := range h.Counts {
		if c != 0 {
			sum += float64(c) * math.Ldexp(1, -v)
		}
	}
	return sum
}
