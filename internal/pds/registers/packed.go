// Package registers implements the bit-packed register array that stores the
// state of a HyperLogLog sketch.
//
// Layout
// ======
//
// An Array holds m registers of b bits each (4 <= b <= 8). The registers form
// one contiguous little-endian bit stream stored in 64-bit words, with no
// padding between registers:
//
//	word 0                                   word 1
//	+-------+-------+-- ... --+-------+----+ +--+-------+-- ...
//	| reg 0 | reg 1 |   ...   | reg11 | r12| |12| reg13 |
//	+-------+-------+-- ... --+-------+----+ +--+-------+-- ...
//	 bit 0                                63   0
//
// Register i occupies bits [i*b, i*b+b) of the stream. When b does not
// divide 64 a register can straddle two words (register 12 above, for b=5),
// so both the read and the write path handle a low part in word w and a high
// part in word w+1.
//
// The memory footprint is ceil(m*b/64) words. For m=16384 and b=5 that is
// 10,240 bytes, against 16,384 for one byte per register.
//
// Byte Order
// ==========
//
// AppendBytes serializes the bit stream as ceil(m*b/8) bytes. Because the
// words are written little-endian, register 0 occupies the lowest bits of the
// first byte and the byte stream is independent of the host architecture.
//
// Concurrency
// ===========
//
// An Array is not safe for concurrent use. Neighbouring registers share a
// word, so two goroutines writing *different* indices still race on the same
// memory. Callers need a single writer or an external lock.
package registers

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	wordBits = 64

	MinWidth uint8 = 4
	MaxWidth uint8 = 8
)

var (
	ErrInvalidShape   = errors.New("registers: invalid register count or width")
	ErrShapeMismatch  = errors.New("registers: arrays have different shapes")
	ErrBufferTooSmall = errors.New("registers: buffer too small")
	ErrCorruptData    = errors.New("registers: corrupt packed data")
)

// Array is a fixed-length array of b-bit registers packed into 64-bit words.
type Array struct {
	words []uint64
	count int
	width uint8
	mask  uint64
}

// WordsFor returns the number of 64-bit words needed to store count
// registers of the given width.
func WordsFor(count int, width uint8) int {
	return (count*int(width) + wordBits - 1) / wordBits
}

// BytesFor returns the number of bytes of the serialized bit stream.
func BytesFor(count int, width uint8) int {
	return (count*int(width) + 7) / 8
}

func validate(count int, width uint8) error {
	if count <= 0 || width < MinWidth || width > MaxWidth {
		return fmt.Errorf("%w: count=%d width=%d", ErrInvalidShape, count, width)
	}
	return nil
}

// New allocates a zeroed Array of count registers.
func New(count int, width uint8) (*Array, error) {
	if err := validate(count, width); err != nil {
		return nil, err
	}

	return &Array{
		words: make([]uint64, WordsFor(count, width)),
		count: count,
		width: width,
		mask:  uint64(1)<<width - 1,
	}, nil
}

// NewWithBuffer builds an Array on top of a caller-owned buffer. The buffer
// must hold at least WordsFor(count, width) words; it is zeroed and used
// directly, so no allocation takes place.
func NewWithBuffer(count int, width uint8, buf []uint64) (*Array, error) {
	if err := validate(count, width); err != nil {
		return nil, err
	}

	n := WordsFor(count, width)
	if len(buf) < n {
		return nil, fmt.Errorf("%w: need %d words, got %d", ErrBufferTooSmall, n, len(buf))
	}

	words := buf[:n:n]
	clear(words)

	return &Array{
		words: words,
		count: count,
		width: width,
		mask:  uint64(1)<<width - 1,
	}, nil
}

func (a *Array) Len() int     { return a.count }
func (a *Array) Width() uint8 { return a.width }

// Max returns the largest value a register can hold, 2^b - 1.
func (a *Array) Max() uint8 { return uint8(a.mask) }

// Words exposes the backing words. Callers must not modify them.
func (a *Array) Words() []uint64 { return a.words }

// Get returns the value of register i.
func (a *Array) Get(i int) uint8 {
	offset := uint(i) * uint(a.width)
	w := offset / wordBits
	s := offset % wordBits

	v := a.words[w] >> s
	if s+uint(a.width) > wordBits {
		// The register straddles a word boundary: its high bits start at
		// bit 0 of the next word.
		v |= a.words[w+1] << (wordBits - s)
	}

	return uint8(v & a.mask)
}

// set writes v into register i. v must already fit in the register.
func (a *Array) set(i int, v uint8) {
	offset := uint(i) * uint(a.width)
	w := offset / wordBits
	s := offset % wordBits
	val := uint64(v)

	a.words[w] = a.words[w]&^(a.mask<<s) | val<<s
	if s+uint(a.width) > wordBits {
		shift := wordBits - s
		a.words[w+1] = a.words[w+1]&^(a.mask>>shift) | val>>shift
	}
}

// SetIfGreater stores v in register i only if it exceeds the current value,
// and reports whether the register changed. Values above Max are clamped.
func (a *Array) SetIfGreater(i int, v uint8) bool {
	if uint64(v) > a.mask {
		v = uint8(a.mask)
	}

	if v <= a.Get(i) {
		return false
	}

	a.set(i, v)
	return true
}

func (a *Array) sameShape(other *Array) error {
	if a.count != other.count || a.width != other.width {
		return fmt.Errorf("%w: %d x %d bits vs %d x %d bits",
			ErrShapeMismatch, a.count, a.width, other.count, other.width)
	}
	return nil
}

// MergeMax returns a new Array holding the element-wise maximum of a and
// other. Neither input is modified.
func (a *Array) MergeMax(other *Array) (*Array, error) {
	if err := a.sameShape(other); err != nil {
		return nil, err
	}

	out := a.Clone()
	out.mergeMax(other)
	return out, nil
}

// MergeMaxInPlace raises every register of a to the matching register of
// other. It reports whether any register changed.
func (a *Array) MergeMaxInPlace(other *Array) (bool, error) {
	if err := a.sameShape(other); err != nil {
		return false, err
	}

	if a == other {
		return false, nil
	}

	return a.mergeMax(other), nil
}

func (a *Array) mergeMax(other *Array) bool {
	changed := false
	b := uint(a.width)

	for w, ow := range other.words {
		// A zero word cannot raise anything. Registers straddling into it
		// are visited from the neighbouring word.
		if ow == 0 {
			continue
		}

		// Registers that have at least one bit in word w.
		first := uint(w) * wordBits / b
		last := min((uint(w)+1)*wordBits/b+1, uint(a.count))

		for i := first; i < last; i++ {
			if v := other.Get(int(i)); v > a.Get(int(i)) {
				a.set(int(i), v)
				changed = true
			}
		}
	}

	return changed
}

// MergeMin lowers every register of a to the matching register of other.
// It reports whether any register changed.
func (a *Array) MergeMin(other *Array) (bool, error) {
	if err := a.sameShape(other); err != nil {
		return false, err
	}

	changed := false
	for i := 0; i < a.count; i++ {
		if v := other.Get(i); v < a.Get(i) {
			a.set(i, v)
			changed = true
		}
	}
	return changed, nil
}

// ForEach calls fn for every register in index order. The registers are
// decoded sequentially from the bit stream, which is cheaper than calling
// Get for every index.
func (a *Array) ForEach(fn func(i int, v uint8)) {
	var (
		buf   uint64 // undecoded bits, lowest first
		avail uint   // number of valid bits in buf
		next  int    // next word to load
		b     = uint(a.width)
	)

	for i := 0; i < a.count; i++ {
		if avail >= b {
			fn(i, uint8(buf&a.mask))
			buf >>= b
			avail -= b
			continue
		}

		// Refill: the register is made of the avail leftover bits plus the
		// low bits of the next word.
		word := a.words[next]
		next++
		v := (buf | word<<avail) & a.mask
		fn(i, uint8(v))

		used := b - avail
		buf = word >> used
		avail = wordBits - used
	}
}

// Values returns the registers as a plain byte slice, one byte per register.
func (a *Array) Values() []uint8 {
	out := make([]uint8, a.count)
	a.ForEach(func(i int, v uint8) {
		out[i] = v
	})
	return out
}

// Histogram counts registers per value. dst is reused when it has room for
// Max()+1 entries; the returned slice has exactly Max()+1 entries.
func (a *Array) Histogram(dst []int) []int {
	n := int(a.mask) + 1
	if cap(dst) >= n {
		dst = dst[:n]
		clear(dst)
	} else {
		dst = make([]int, n)
	}

	a.ForEach(func(_ int, v uint8) {
		dst[v]++
	})
	return dst
}

// ZeroCount returns the number of registers equal to zero.
func (a *Array) ZeroCount() int {
	zeros := 0
	a.ForEach(func(_ int, v uint8) {
		if v == 0 {
			zeros++
		}
	})
	return zeros
}

// HarmonicSum returns the sum of 2^-v over all registers.
func (a *Array) HarmonicSum() float64 {
	sum := 0.0
	a.ForEach(func(_ int, v uint8) {
		sum += math.Ldexp(1, -int(v))
	})
	return sum
}

// Equal reports whether both arrays have the same shape and registers.
func (a *Array) Equal(other *Array) bool {
	if a.sameShape(other) != nil {
		return false
	}
	for i, w := range a.words {
		if w != other.words[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of a, always backed by freshly allocated words.
func (a *Array) Clone() *Array {
	words := make([]uint64, len(a.words))
	copy(words, a.words)
	return &Array{
		words: words,
		count: a.count,
		width: a.width,
		mask:  a.mask,
	}
}

// CopyFrom overwrites a with the registers of other without allocating.
func (a *Array) CopyFrom(other *Array) error {
	if err := a.sameShape(other); err != nil {
		return err
	}
	copy(a.words, other.words)
	return nil
}

// Reset zeroes every register.
func (a *Array) Reset() {
	clear(a.words)
}

// AppendBytes appends the packed bit stream, ceil(m*b/8) bytes, to dst.
func (a *Array) AppendBytes(dst []byte) []byte {
	n := BytesFor(a.count, a.width)

	var scratch [8]byte
	for _, w := range a.words {
		binary.LittleEndian.PutUint64(scratch[:], w)
		take := min(8, n)
		dst = append(dst, scratch[:take]...)
		n -= take
	}

	return dst
}

// FromBytes decodes a bit stream produced by AppendBytes. The data must be
// exactly BytesFor(count, width) long and its padding bits must be zero.
func FromBytes(count int, width uint8, data []byte) (*Array, error) {
	a, err := New(count, width)
	if err != nil {
		return nil, err
	}
	if err := a.readBytes(data); err != nil {
		return nil, err
	}
	return a, nil
}

// ReadBytes decodes a bit stream into an existing array, replacing its
// registers. It never allocates, so it also serves fixed-buffer arrays.
func (a *Array) ReadBytes(data []byte) error {
	return a.readBytes(data)
}

func (a *Array) readBytes(data []byte) error {
	n := BytesFor(a.count, a.width)
	if len(data) != n {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrCorruptData, n, len(data))
	}

	var scratch [8]byte
	for w := range a.words {
		start := w * 8
		end := min(start+8, n)

		clear(scratch[:])
		copy(scratch[:], data[start:end])
		a.words[w] = binary.LittleEndian.Uint64(scratch[:])
	}

	// Bits beyond the last register must be zero, otherwise the input did
	// not come from AppendBytes and a later merge would read garbage.
	used := uint(a.count) * uint(a.width) % wordBits
	if used != 0 {
		last := a.words[len(a.words)-1]
		if last>>used != 0 {
			a.Reset()
			return fmt.Errorf("%w: non-zero padding bits", ErrCorruptData)
		}
	}

	return nil
}
