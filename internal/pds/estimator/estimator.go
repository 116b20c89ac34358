// Package estimator turns the register histogram of a HyperLogLog sketch into
// a cardinality estimate.
//
// Methods
// =======
//
// Every method starts from the histogram C[v], the number of registers
// holding the value v, and from the harmonic sum S = sum_v C[v] * 2^-v.
//
//  1. MethodOfMoments: the raw estimate alpha(m) * m^2 / S, replaced by linear
//     counting m*ln(m/C[0]) for small cardinalities and corrected with an
//     empirical bias curve otherwise [1].
//  2. Beta: alpha(m) * m * (m - z) / (beta(z) + S), where z = C[0] and beta
//     is a polynomial in ln(z+1) fitted per precision [2]. It is continuous
//     across the whole range and needs no threshold.
//  3. MaximumLikelihood: the root of the derivative of the Poisson-model
//     log-likelihood, found with Newton's method [3]. When the iteration
//     fails the engine falls back to Beta.
//  4. Improved: Ertl's table-free estimator built on the sigma and tau
//     helpers [3].
//
// The method is fixed when an Engine is built. Sketches that are compared or
// combined must use the same method, otherwise their error bounds are not
// comparable.
//
// [1] Heule, Nunkesser, Hall: HyperLogLog in Practice: Algorithmic
//
//	Engineering of a State of The Art Cardinality Estimation Algorithm.
//
// [2] J. Qin, D. Kim, Y. Tung: LogLog-Beta and More: A New Algorithm for
//
//	Cardinality Estimation Based on LogLog Counting.
//
// [3] O. Ertl. New cardinality estimation algorithms for HyperLogLog sketches.
//
// Correction Tables
// =================
//
// The bias curves, linear counting thresholds and beta coefficients are
// produced offline by simulation and embedded as tables.yaml. They are
// parsed once, on first use, and never modified afterwards.
package estimator

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
)

// Method selects how an Engine computes estimates.
type Method uint8

const (
	MethodOfMoments Method = iota
	Beta
	MaximumLikelihood
	Improved
)

var ErrMissingTable = errors.New("estimator: no correction table for precision")

// ErrUnknownMethod is returned by ParseMethod.
var ErrUnknownMethod = errors.New("estimator: unknown method")

var methodNames = [...]string{
	MethodOfMoments:   "method_of_moments",
	Beta:              "beta",
	MaximumLikelihood: "mle",
	Improved:          "improved",
}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return fmt.Sprintf("Method(%d)", uint8(m))
}

// ParseMethod returns the Method named s, ignoring case.
func ParseMethod(s string) (Method, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for m, n := range methodNames {
		if n == name {
			return Method(m), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// needsTable reports whether the method reads the correction tables. MLE
// does because its fallback is Beta.
func (m Method) needsTable() bool {
	return m != Improved
}

// Settings configures an Engine.
type Settings struct {
	Precision uint8
	HashWidth uint8

	// Tables defaults to the embedded tables when nil.
	Tables *Tables

	// ZeroCountCorrection enables the linear counting branch of
	// MethodOfMoments.
	ZeroCountCorrection bool

	MLETolerance     float64
	MLEMaxIterations int

	Logger *slog.Logger
}

// Engine computes estimates for sketches of one precision.
type Engine struct {
	method  Method
	profile Profile
	table   *PrecisionTable
	width   uint8
	zcc     bool
	tol     float64
	maxIter int
	logger  *slog.Logger
}

// NewEngine builds an Engine for method. It fails with ErrMissingTable when
// the method reads a table that the settings do not provide.
func NewEngine(method Method, s Settings) (*Engine, error) {
	if int(method) >= len(methodNames) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, method)
	}

	profile, ok := ProfileFor(s.Precision)
	if !ok {
		return nil, fmt.Errorf("estimator: precision %d out of range [%d, %d]",
			s.Precision, MinPrecision, MaxPrecision)
	}

	tables := s.Tables
	if tables == nil {
		tables = Default()
	}
	table, ok := tables.Precision(s.Precision)
	if !ok && method.needsTable() {
		return nil, fmt.Errorf("%w: %d", ErrMissingTable, s.Precision)
	}

	e := &Engine{
		method:  method,
		profile: profile,
		table:   table,
		width:   s.HashWidth,
		zcc:     s.ZeroCountCorrection,
		tol:     s.MLETolerance,
		maxIter: s.MLEMaxIterations,
		logger:  s.Logger,
	}
	if e.tol <= 0 {
		e.tol = DefaultMLETolerance
	}
	if e.maxIter <= 0 {
		e.maxIter = DefaultMLEMaxIterations
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}

	return e, nil
}

func (e *Engine) Method() Method { return e.method }

// Estimate returns the cardinality estimate of the histogram. It is exactly
// zero when every register is zero.
func (e *Engine) Estimate(h Histogram) float64 {
	if h.Zeros() == h.Registers {
		return 0
	}

	switch e.method {
	case MethodOfMoments:
		return e.MethodOfMoments(h)
	case MaximumLikelihood:
		return e.MaximumLikelihood(h)
	case Improved:
		return ImprovedEstimate(h)
	default:
		return e.Beta(h)
	}
}

// Raw returns the uncorrected estimate alpha(m) * m^2 / S.
func (e *Engine) Raw(h Histogram) float64 {
	m := float64(h.Registers)
	return e.profile.Alpha * m * m / h.HarmonicSum()
}

// LinearCounting returns m * ln(m / zeros). It is +Inf when zeros is 0.
func LinearCounting(m, zeros int) float64 {
	if zeros == 0 {
		return math.Inf(1)
	}
	return float64(m) * math.Log(float64(m)/float64(zeros))
}

// MethodOfMoments returns the raw estimate with small-range and bias
// corrections applied.
func (e *Engine) MethodOfMoments(h Histogram) float64 {
	m := h.Registers
	zeros := h.Zeros()
	if zeros == m {
		return 0
	}

	if e.zcc && zeros > 0 {
		if lc := LinearCounting(m, zeros); lc <= e.table.Threshold {
			return lc
		}
	}

	est := e.Raw(h)
	if est <= 5*float64(m) {
		est -= e.table.BiasAt(est)
	}

	return e.largeRange(est)
}

// Beta returns the beta-corrected estimate.
func (e *Engine) Beta(h Histogram) float64 {
	m := float64(h.Registers)
	zeros := float64(h.Zeros())
	if zeros == m {
		return 0
	}

	denom := e.table.BetaAt(zeros) + h.HarmonicSum()
	if denom <= 0 {
		// The fitted polynomial is only trusted on register configurations
		// that occur in practice. Anything else gets the table path.
		return e.MethodOfMoments(h)
	}

	est := e.profile.Alpha * m * (m - zeros) / denom
	return e.largeRange(est)
}

// MaximumLikelihood returns the likelihood estimate, or the Beta estimate when
// the iteration does not converge.
func (e *Engine) MaximumLikelihood(h Histogram) float64 {
	seed := e.Raw(h)
	if zeros := h.Zeros(); zeros > 0 && seed <= 2.5*float64(h.Registers) {
		seed = LinearCounting(h.Registers, zeros)
	}

	est, iterations, err := SolveLikelihood(h, seed, e.tol, e.maxIter)
	if err != nil {
		e.logger.Debug("maximum likelihood fell back to beta",
			"precision", e.profile.Precision,
			"iterations", iterations,
			"error", err)
		return e.Beta(h)
	}
	return est
}

// largeRange corrects for hash collisions when 32-bit codes approach
// saturation.
func (e *Engine) largeRange(est float64) float64 {
	const two32 = 1 << 32
	if e.width != 32 || est <= two32/30.0 {
		return est
	}
	if est >= two32 {
		return est
	}
	return -two32 * math.Log(1-est/two32)
}
