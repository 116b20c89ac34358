// Package hashing maps arbitrary elements to fixed-width hash codes and splits
// those codes into the two fields a HyperLogLog sketch needs: a register index
// and a rank.
//
// Hash Codes
// ==========
//
// Every strategy produces a 64-bit value. A Code keeps either all 64 bits or
// only the low 32 bits, depending on the configured width. The width matters
// because it bounds the largest rank that can ever be observed, and therefore
// the register width a sketch needs:
//
//	maxRank = width - p + 1
//
// With a 32-bit code and p=10 the maximum rank is 23, which fits in 5 bits.
// With a 64-bit code the same precision needs 6 bits.
//
// Index and Rank
// ==============
//
// The code is split as follows:
//
//	+------------- width bits --------------+
//	| index (p bits) | remainder (w-p bits) |
//	+----------------+----------------------+
//
//  1. The top p bits select one of m=2^p registers.
//  2. The rank is 1 + the number of leading zero bits of the remainder. An
//     all-zero remainder yields the maximum rank, w-p+1.
//
// The rank is clamped to the largest value the register can hold. This only
// triggers for register widths that cannot represent every reachable rank,
// and the clamp is a silent, documented underestimate rather than an error.
package hashing

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/cespare/xxhash/v2"
	metro "github.com/dgryski/go-metro"
	"github.com/spaolacci/murmur3"
	"github.com/zeebo/xxh3"
)

// Kind identifies a hash function.
type Kind uint8

const (
	XXHash64 Kind = iota // XXHash64 is the default strategy.
	Murmur3
	XXH3
	Metro
)

const (
	Width32 uint8 = 32
	Width64 uint8 = 64
)

var (
	ErrUnknownKind  = errors.New("hashing: unknown hash kind")
	ErrInvalidWidth = errors.New("hashing: hash width must be 32 or 64")
)

var kindNames = [...]string{
	XXHash64: "xxhash64",
	Murmur3:  "murmur3",
	XXH3:     "xxh3",
	Metro:    "metro",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind returns the Kind whose name matches s, ignoring case.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Strategy is a deterministic mapping from an element to a Code.
type Strategy interface {
	Sum(data []byte) Code
	Kind() Kind
	Seed() uint64
	Width() uint8
}

type strategy struct {
	kind  Kind
	seed  uint64
	width uint8
	sum   func(data []byte, seed uint64) uint64
}

// New returns the Strategy for kind, seeded with seed and producing codes of
// the given width.
func New(kind Kind, seed uint64, width uint8) (Strategy, error) {
	if width != Width32 && width != Width64 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWidth, width)
	}

	s := &strategy{kind: kind, seed: seed, width: width}
	switch kind {
	case XXHash64:
		s.sum = sumXXHash64
	case Murmur3:
		s.sum = sumMurmur3
	case XXH3:
		s.sum = xxh3.HashSeed
	case Metro:
		s.sum = metro.Hash64
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}

	return s, nil
}

func (s *strategy) Sum(data []byte) Code {
	return NewCode(s.sum(data, s.seed), s.width)
}

func (s *strategy) Kind() Kind   { return s.kind }
func (s *strategy) Seed() uint64 { return s.seed }
func (s *strategy) Width() uint8 { return s.width }

func sumXXHash64(data []byte, seed uint64) uint64 {
	if seed == 0 {
		return xxhash.Sum64(data)
	}
	// A stack Digest keeps seeded inserts free of allocations.
	var d xxhash.Digest
	d.ResetWithSeed(seed)
	_, _ = d.Write(data)
	return d.Sum64()
}

func sumMurmur3(data []byte, seed uint64) uint64 {
	// murmur3 takes a 32-bit seed; fold both halves so no seed bit is lost.
	return murmur3.Sum64WithSeed(data, uint32(seed)^uint32(seed>>32))
}

// Code is a hash value truncated to a fixed width.
type Code struct {
	value uint64
	width uint8
}

// NewCode truncates h to width bits.
func NewCode(h uint64, width uint8) Code {
	if width == Width32 {
		h &= 0xFFFFFFFF
	}
	return Code{value: h, width: width}
}

func (c Code) Value() uint64 { return c.value }
func (c Code) Width() uint8  { return c.width }

// Index returns the top p bits of the code, a register index in [0, 2^p).
func (c Code) Index(p uint8) uint32 {
	return uint32(c.value >> (c.width - p))
}

// Rank returns 1 + the number of leading zeros of the remainder (the low
// width-p bits), clamped to limit.
func (c Code) Rank(p uint8, limit uint8) uint8 {
	q := uint(c.width - p)
	remainder := c.value & (uint64(1)<<q - 1)

	// bits.Len64 of an all-zero remainder is 0, which gives the maximum
	// rank q+1 without a guard bit.
	rank := q - uint(bits.Len64(remainder)) + 1
	if rank > uint(limit) {
		return limit
	}
	return uint8(rank)
}

// MaxRank returns the largest rank reachable for precision p at the given
// code width.
func MaxRank(p, width uint8) uint8 {
	return width - p + 1
}
