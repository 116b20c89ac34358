package estimator

import "math"

// alphaInf is the limit of alpha for m -> infinity, 1/(2 ln 2).
const alphaInf = 0.721347520444481703680

// sigma is the sigma(x) helper of Ertl's improved estimator.
//
// It adds the contribution of registers that are equal to zero.
func sigma(x float64) float64 {
	if x == 1. {
		return math.Inf(1)
	}

	zPrime := 0.0
	y := 1.0
	z := x

	for {
		x *= x
		zPrime = z
		z += x * y
		y += y

		if zPrime == z {
			break
		}
	}

	return z
}

// tau is the tau(x) helper of Ertl's improved estimator.
//
// It corrects for registers that reached the saturation value.
func tau(x float64) float64 {
	if x == 0. || x == 1. {
		return 0.
	}

	zPrime := 0.0
	y := 1.0
	z := 1 - x

	for {
		x = math.Sqrt(x)
		zPrime = z
		y *= 0.5
		z -= (1 - x) * (1 - x) * y

		if zPrime == z {
			break
		}
	}

	return z / 3
}

// ImprovedEstimate computes Ertl's table-free estimate from the histogram.
func ImprovedEstimate(h Histogram) float64 {
	//
	// DESIGN
	// ------
	//
	// With q = MaxRank-1 rank bits, registers equal to q+1 are saturated and
	// carry no upper bound on the rank. tau accounts for them, sigma for the
	// empty registers, and the registers in between are folded in by halving
	// from the top value down:
	//
	//	z = m*tau(1 - C[q+1]/m)
	//	for j = q..1: z = (z + C[j]) / 2
	//	z += m*sigma(C[0]/m)
	//
	m := float64(h.Registers)
	if h.Zeros() == h.Registers {
		return 0
	}

	q := int(h.MaxRank) - 1
	z := m * tau((m-float64(h.Count(q+1)))/m)
	for j := q; j >= 1; j-- {
		z += float64(h.Count(j))
		z *= 0.5
	}
	z += m * sigma(float64(h.Zeros())/m)

	// Every register saturated: bound the estimate as if each held q.
	if z == 0 {
		z = m * math.Ldexp(1, -q)
	}

	return alphaInf * m * m / z
}
