package estimator

import (
	"errors"
	"fmt"
	"math"
)

const (
	DefaultMLETolerance     = 1e-9
	DefaultMLEMaxIterations = 50

	// expLimit bounds the exponent passed to math.Exp; beyond it the terms
	// of the likelihood derivative are zero in float64.
	expLimit = 700

	// maxStep caps one Newton step in log space, so a poor seed cannot
	// throw the iteration far past the root.
	maxStep = 2.0
)

// ErrNonConvergence reports that the likelihood iteration did not meet its
// tolerance within the iteration cap, or that the histogram has no finite
// maximum.
var ErrNonConvergence = errors.New("estimator: maximum likelihood did not converge")

// SolveLikelihood returns the cardinality that maximizes the likelihood of
// the histogram under the Poisson model, and the number of Newton iterations
// used.
func SolveLikelihood(h Histogram, seed float64, tolerance float64, maxIterations int) (float64, int, error) {
	//
	// DESIGN
	// ------
	//
	// Under the Poisson model with rate lambda per register (n = m*lambda),
	// a register is below k with probability exp(-lambda/2^(k-1)). Writing
	// x_k = lambda/2^k' the log-likelihood derivative, scaled by lambda, is
	//
	//	g(lambda) = -a*lambda + sum_k C[k] * x_k / (exp(x_k) - 1)
	//
	// where a = C[0] + sum_{k=1..top-1} C[k]/2^k, k' = k for k < top and
	// k' = top-1 for the saturated value top. g is strictly decreasing, so
	// its root is the unique maximum. Newton's method runs on t = ln(lambda)
	// which keeps lambda positive and makes the curve close to linear.
	//
	m := float64(h.Registers)
	zeros := h.Zeros()
	if zeros == h.Registers {
		return 0, 0, nil
	}

	top := int(h.MaxRank)
	a := float64(zeros)
	for k := 1; k < top; k++ {
		a += math.Ldexp(float64(h.Count(k)), -k)
	}
	if a == 0 {
		// Every register is saturated: the likelihood grows without bound.
		return 0, 0, fmt.Errorf("%w: all registers saturated", ErrNonConvergence)
	}

	if seed <= 0 || math.IsNaN(seed) || math.IsInf(seed, 0) {
		seed = m
	}
	t := math.Log(seed / m)

	for it := 1; it <= maxIterations; it++ {
		lambda := math.Exp(t)
		g := -a * lambda
		dg := -a * lambda

		for k := 1; k <= top; k++ {
			c := h.Count(k)
			if c == 0 {
				continue
			}
			exp := k
			if k == top {
				exp = top - 1
			}
			x := math.Ldexp(lambda, -exp)
			f, df := likelihoodTerm(x)
			g += float64(c) * f
			dg += float64(c) * df
		}

		if dg >= 0 || math.IsNaN(g) || math.IsNaN(dg) {
			return 0, it, fmt.Errorf("%w: degenerate derivative at iteration %d", ErrNonConvergence, it)
		}

		step := g / dg
		step = math.Max(-maxStep, math.Min(maxStep, step))
		t -= step

		if math.Abs(step) < tolerance {
			return m * math.Exp(t), it, nil
		}
	}

	return 0, maxIterations, fmt.Errorf("%w: %d iterations", ErrNonConvergence, maxIterations)
}

// likelihoodTerm returns f(x) = x/(e^x-1) and x*f'(x).
func likelihoodTerm(x float64) (f, df float64) {
	switch {
	case x > expLimit:
		return 0, 0
	case x < 1e-5:
		// Series expansion; the closed form cancels catastrophically here.
		return 1 - x/2 + x*x/12, -x/2 + x*x/6
	}

	em1 := math.Expm1(x)
	f = x / em1
	df = x * (em1 - x*(em1+1)) / (em1 * em1)
	return f, df
}
