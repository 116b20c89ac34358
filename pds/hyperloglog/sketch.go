// Package hyperloglog implements a bit-packed HyperLogLog sketch for
// cardinality estimation.
//
// A HyperLogLog sketch estimates the number of distinct elements of a
// multiset in a fixed amount of memory. It supports union of sketches without
// loss, and estimates the size of an intersection by inclusion-exclusion.
//
// This implementation is based on the following ideas:
//
//   - Registers of b bits packed with no padding, so that 2^14 registers of
//     5 bits take 10KB instead of 16KB.
//   - Precision p between 4 and 18, chosen at construction and validated
//     against a profile table rather than compiled in.
//   - A choice of estimators: method of moments with the empirical bias
//     correction of [1], the LogLog-Beta correction of [2], and the maximum
//     likelihood and improved estimators of [3].
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
// The Algorithm
// =============
//
// Each element is hashed to a code of 32 (default) or 64 bits. The code is
// then split:
//
//  1. The top p bits select one of m=2^p registers.
//  2. The remaining bits give the "rank": one plus the number of leading
//     zeros. An all-zero remainder gives the maximum rank, width-p+1.
//
// Each register keeps the largest rank observed for its index. Registers only
// ever grow, which makes union an element-wise maximum: it is commutative,
// associative and idempotent on the exact register values, not merely on
// the estimates.
//
// Register Width
// ==============
//
// The register width must hold the maximum rank. With 32-bit codes, 5 bits
// are enough for every precision. With 64-bit codes at least 6 bits are
// needed. New refuses widths that are too small, so in practice a rank is
// never clamped; the clamp only exists as a guard.
//
// Sparse Representation
// =====================
//
// A sketch built with WithSparse starts as a sorted list of (index, value)
// pairs holding only non-zero registers. Once the list grows beyond its
// threshold it is converted, one way, into the packed array. Both forms give
// the same register values, estimates and serialized bytes.
//
// Concurrency
// ===========
//
// A Sketch is not safe for concurrent use. Neighbouring registers share a
// 64-bit word, so even writes to different registers race. Use one writer
// per sketch, wrap it in a Synchronized, or build one sketch per goroutine
// and combine them with Union.
package hyperloglog

import (
	"encoding/binary"
	"fmt"
	"math"

	"loglog.lopezb.com/internal/pds/estimator"
	"loglog.lopezb.com/internal/pds/hashing"
	"loglog.lopezb.com/internal/pds/registers"
)

type Sketch struct {
	precision uint8
	width     uint8
	m         int
	regMax    uint8 // 2^width - 1
	maxRank   uint8 // largest rank reachable from the hash width

	hash   hashing.Strategy
	engine *estimator.Engine
	opts   options

	regs            *registers.Array // nil while sparse
	sparseData      []sparseRegister
	sparseThreshold int

	zeros int
}

// WordsFor returns the number of 64-bit words the packed registers of a
// sketch take. It is the size a buffer passed to WithBuffer must have.
func WordsFor(precision, width uint8) int {
	return registers.WordsFor(1<<precision, width)
}

// New creates an empty sketch with 2^precision registers of width bits,
// hashing elements with the given seed.
func New(precision, width uint8, seed uint64, opts ...Option) (*Sketch, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newSketch(precision, width, seed, o)
}

func newSketch(precision, width uint8, seed uint64, o options) (*Sketch, error) {
	if precision < MinPrecision || precision > MaxPrecision {
		return nil, fmt.Errorf("%w: precision %d outside [%d, %d]",
			ErrConfigurationMismatch, precision, MinPrecision, MaxPrecision)
	}
	if !o.precisions.Has(precision) {
		return nil, fmt.Errorf("%w: precision %d is not enabled (enabled: %s)",
			ErrConfigurationMismatch, precision, o.precisions)
	}

	hash, err := hashing.New(o.hashKind, seed, o.hashWidth)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigurationMismatch, err)
	}

	// The register must hold every rank the hash can produce.
	maxRank := hashing.MaxRank(precision, o.hashWidth)
	minWidth := max(estimator.MinWidth(precision, o.hashWidth), registers.MinWidth)
	if width < minWidth || width > registers.MaxWidth {
		return nil, fmt.Errorf("%w: register width %d outside [%d, %d] for precision %d and %d-bit hash",
			ErrConfigurationMismatch, width, minWidth, registers.MaxWidth, precision, o.hashWidth)
	}

	if o.sparse && o.buffer != nil {
		return nil, fmt.Errorf("%w: sparse representation cannot use a fixed buffer", ErrConfigurationMismatch)
	}

	engine, err := estimator.NewEngine(o.method, estimator.Settings{
		Precision:           precision,
		HashWidth:           o.hashWidth,
		Tables:              o.tables,
		ZeroCountCorrection: o.zcc,
		MLETolerance:        o.mleTol,
		MLEMaxIterations:    o.mleIter,
		Logger:              o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigurationMismatch, err)
	}

	m := 1 << precision
	s := &Sketch{
		precision: precision,
		width:     width,
		m:         m,
		regMax:    uint8(1<<width - 1),
		maxRank:   maxRank,
		hash:      hash,
		engine:    engine,
		opts:      o,
		zeros:     m,
	}

	switch {
	case o.sparse:
		s.sparseThreshold = o.sparseThreshold
		if s.sparseThreshold <= 0 {
			s.sparseThreshold = defaultSparseThreshold(m, width)
		}
		s.sparseData = make([]sparseRegister, 0, 8)
	case o.buffer != nil:
		s.regs, err = registers.NewWithBuffer(m, width, o.buffer)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigurationMismatch, err)
		}
	default:
		s.regs, err = registers.New(m, width)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigurationMismatch, err)
		}
	}

	return s, nil
}

// emptyLike returns a new empty sketch with the configuration of s. The new
// sketch never shares a fixed buffer with s.
func (s *Sketch) emptyLike() *Sketch {
	o := s.opts
	o.buffer = nil

	out, err := newSketch(s.precision, s.width, s.hash.Seed(), o)
	if err != nil {
		// s was built from the same options.
		panic(fmt.Sprintf("hyperloglog: rebuilding a valid configuration: %v", err))
	}
	return out
}

// Insert adds an element and reports whether a register changed. Inserting
// an element that was already added never changes a register.
func (s *Sketch) Insert(data []byte) bool {
	code := s.hash.Sum(data)
	index := int(code.Index(s.precision))
	rank := code.Rank(s.precision, s.regMax)

	return s.setIfGreater(index, rank)
}

// InsertString adds the bytes of v.
func (s *Sketch) InsertString(v string) bool {
	return s.Insert([]byte(v))
}

// InsertUint64 adds the 8-byte little-endian encoding of v.
func (s *Sketch) InsertUint64(v uint64) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return s.Insert(buf[:])
}

func (s *Sketch) setIfGreater(index int, value uint8) bool {
	if s.regs == nil {
		return s.sparseSet(index, value)
	}

	old := s.regs.Get(index)
	if !s.regs.SetIfGreater(index, value) {
		return false
	}
	if old == 0 {
		s.zeros--
	}
	return true
}

func (s *Sketch) get(index int) uint8 {
	if s.regs == nil {
		return s.sparseGet(index)
	}
	return s.regs.Get(index)
}

// MayContain reports whether data could have been inserted. It never returns
// false for an inserted element, but may return true for one that was not.
func (s *Sketch) MayContain(data []byte) bool {
	code := s.hash.Sum(data)
	index := int(code.Index(s.precision))
	rank := code.Rank(s.precision, s.regMax)

	return s.get(index) >= rank
}

// histogram builds the register histogram consumed by the estimator. Values
// above the reachable maximum rank can only come from decoded data; they
// are counted as saturated.
func (s *Sketch) histogram() estimator.Histogram {
	counts := make([]int, int(s.maxRank)+1)

	if s.regs == nil {
		counts[0] = s.m - len(s.sparseData)
		for _, r := range s.sparseData {
			counts[min(r.value, s.maxRank)]++
		}
	} else {
		s.regs.ForEach(func(_ int, v uint8) {
			counts[min(v, s.maxRank)]++
		})
	}

	return estimator.Histogram{Counts: counts, Registers: s.m, MaxRank: s.maxRank}
}

// Estimate returns the estimated number of distinct elements. It is exactly
// zero for an empty sketch.
func (s *Sketch) Estimate() float64 {
	if s.zeros == s.m {
		return 0
	}
	return s.engine.Estimate(s.histogram())
}

// Count returns Estimate rounded to the nearest integer.
func (s *Sketch) Count() uint64 {
	return roundCount(s.Estimate())
}

// roundCount rounds an estimate, clamping to the range of uint64.
func roundCount(est float64) uint64 {
	switch {
	case math.IsNaN(est) || est <= 0:
		return 0
	case est >= 1<<64:
		return math.MaxUint64
	}
	return uint64(math.Round(est))
}

// Compatible returns a *MismatchError naming the first configuration field on
// which s and other differ, or nil if they can be combined.
func (s *Sketch) Compatible(other *Sketch) error {
	switch {
	case s.precision != other.precision:
		return &MismatchError{Field: "precision", Left: s.precision, Right: other.precision}
	case s.width != other.width:
		return &MismatchError{Field: "register width", Left: s.width, Right: other.width}
	case s.hash.Seed() != other.hash.Seed():
		return &MismatchError{Field: "hash seed", Left: s.hash.Seed(), Right: other.hash.Seed()}
	case s.hash.Kind() != other.hash.Kind():
		return &MismatchError{Field: "hash kind", Left: s.hash.Kind(), Right: other.hash.Kind()}
	case s.hash.Width() != other.hash.Width():
		return &MismatchError{Field: "hash width", Left: s.hash.Width(), Right: other.hash.Width()}
	case s.engine.Method() != other.engine.Method():
		return &MismatchError{Field: "estimator", Left: s.engine.Method(), Right: other.engine.Method()}
	}
	return nil
}

// Union returns a new sketch whose registers are the element-wise maximum of
// s and other. Neither input is modified.
func (s *Sketch) Union(other *Sketch) (*Sketch, error) {
	if err := s.Compatible(other); err != nil {
		return nil, err
	}

	out := s.Clone()
	out.mergeFrom(other)
	return out, nil
}

// Merge raises the registers of s to those of other, in place. Merging is
// idempotent, and s.Merge(s) is a no-op.
func (s *Sketch) Merge(other *Sketch) error {
	if err := s.Compatible(other); err != nil {
		return err
	}
	if s == other {
		return nil
	}

	s.mergeFrom(other)
	return nil
}

func (s *Sketch) mergeFrom(other *Sketch) {
	switch {
	case other.regs == nil:
		for _, r := range other.sparseData {
			s.setIfGreater(int(r.index), r.value)
		}
	case s.regs == nil:
		s.convertToDense()
		s.mergeFrom(other)
	default:
		if changed, _ := s.regs.MergeMaxInPlace(other.regs); changed {
			s.zeros = s.regs.ZeroCount()
		}
	}
}

// IntersectionEstimate estimates the number of elements present in both s and
// other as est(s) + est(other) - est(s ∪ other), clamped at zero.
//
// The three estimates carry independent errors, so the result is much less
// accurate than any of them, especially when the intersection is small
// relative to the union.
func (s *Sketch) IntersectionEstimate(other *Sketch) (float64, error) {
	union, err := s.Union(other)
	if err != nil {
		return 0, err
	}

	return max(0, s.Estimate()+other.Estimate()-union.Estimate()), nil
}

// Meet returns a new sketch whose registers are the element-wise minimum of s
// and other.
func (s *Sketch) Meet(other *Sketch) (*Sketch, error) {
	if err := s.Compatible(other); err != nil {
		return nil, err
	}

	out := s.Clone()
	if out.regs == nil {
		out.convertToDense()
	}

	if changed, _ := out.regs.MergeMin(other.denseView()); changed {
		out.zeros = out.regs.ZeroCount()
	}
	return out, nil
}

// denseView returns the packed registers of s, building a temporary array
// when s is sparse.
func (s *Sketch) denseView() *registers.Array {
	if s.regs != nil {
		return s.regs
	}

	arr, _ := registers.New(s.m, s.width)
	for _, r := range s.sparseData {
		arr.SetIfGreater(int(r.index), r.value)
	}
	return arr
}

// IsEmpty reports whether no element has been inserted.
func (s *Sketch) IsEmpty() bool {
	return s.zeros == s.m
}

// Len returns the number of registers, m = 2^precision.
func (s *Sketch) Len() int {
	return s.m
}

// ZeroRegisters returns the number of registers equal to zero.
func (s *Sketch) ZeroRegisters() int {
	return s.zeros
}

// HarmonicSum returns the sum of 2^-v over all registers.
func (s *Sketch) HarmonicSum() float64 {
	if s.regs == nil {
		return s.histogram().HarmonicSum()
	}
	return s.regs.HarmonicSum()
}

// Registers returns a copy of the register values, one byte per register.
func (s *Sketch) Registers() []uint8 {
	if s.regs == nil {
		out := make([]uint8, s.m)
		for _, r := range s.sparseData {
			out[r.index] = r.value
		}
		return out
	}
	return s.regs.Values()
}

// FromRegisters builds a sketch from plain register values. len(values) must
// be a power of two in [2^4, 2^18].
func FromRegisters(values []uint8, width uint8, seed uint64, opts ...Option) (*Sketch, error) {
	n := len(values)
	if n == 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("%w: %d registers is not a power of two", ErrConfigurationMismatch, n)
	}

	precision := uint8(0)
	for 1<<precision < n {
		precision++
	}

	s, err := New(precision, width, seed, opts...)
	if err != nil {
		return nil, err
	}

	for i, v := range values {
		if v > s.regMax {
			return nil, fmt.Errorf("%w: register %d holds %d, above the %d-bit maximum %d",
				ErrCorruptData, i, v, width, s.regMax)
		}
		if v != 0 {
			s.setIfGreater(i, v)
		}
	}
	return s, nil
}

// Clone returns a deep copy of s. The copy always owns its registers, even
// when s uses a fixed buffer.
func (s *Sketch) Clone() *Sketch {
	out := *s
	out.opts.buffer = nil

	if s.regs != nil {
		out.regs = s.regs.Clone()
	}
	if s.sparseData != nil {
		out.sparseData = make([]sparseRegister, len(s.sparseData), cap(s.sparseData))
		copy(out.sparseData, s.sparseData)
	}
	return &out
}

// Reset clears every register. A sketch promoted to the packed array stays
// packed.
func (s *Sketch) Reset() {
	if s.regs == nil {
		s.sparseData = s.sparseData[:0]
	} else {
		s.regs.Reset()
	}
	s.zeros = s.m
}

func (s *Sketch) Precision() uint8      { return s.precision }
func (s *Sketch) Width() uint8          { return s.width }
func (s *Sketch) Seed() uint64          { return s.hash.Seed() }
func (s *Sketch) HashKind() HashKind    { return s.hash.Kind() }
func (s *Sketch) HashWidth() uint8      { return s.hash.Width() }
func (s *Sketch) Method() Method        { return s.engine.Method() }
func (s *Sketch) IsSparse() bool        { return s.regs == nil }
func (s *Sketch) StandardError() float64 {
	return 1.04 / math.Sqrt(float64(s.m))
}

// SizeInBytes returns the memory taken by the register storage.
func (s *Sketch) SizeInBytes() int {
	if s.regs == nil {
		return cap(s.sparseData) * sparseRegisterSize
	}
	return len(s.regs.Words()) * 8
}
