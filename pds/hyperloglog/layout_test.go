package hyperloglog

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	testCases := []struct {
		precision uint8
		width     uint8
		n         int
	}{
		{4, 5, 10},
		{4, 8, 1000},
		{10, 5, 3000},
		{12, 6, 0},
		{14, 5, 50000},
		{18, 4, 1000},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("p%d_b%d_n%d", tc.precision, tc.width, tc.n), func(t *testing.T) {
			r := rand.New(rand.NewPCG(uint64(tc.precision), uint64(tc.n)))
			s := mustNew(t, tc.precision, tc.width, 0xDEADBEEF)
			fill(s, r, tc.n)

			data := s.Serialize()
			require.Len(t, data, SerializedSize(tc.precision, tc.width))

			got, err := Deserialize(data)
			require.NoError(t, err)
			assert.Equal(t, s.Precision(), got.Precision())
			assert.Equal(t, s.Width(), got.Width())
			assert.Equal(t, s.Seed(), got.Seed())
			assert.Equal(t, s.ZeroRegisters(), got.ZeroRegisters())
			assert.Empty(t, cmp.Diff(s.Registers(), got.Registers()))
			assert.Equal(t, s.Estimate(), got.Estimate())
		})
	}
}

func TestSerializeHeader(t *testing.T) {
	s := mustNew(t, 4, 5, 0x0102030405060708)
	s.regs.SetIfGreater(0, 3)
	s.regs.SetIfGreater(1, 5)

	data := s.Serialize()
	require.Len(t, data, HeaderSize+10)
	assert.Equal(t, []byte{4, 5, 8, 7, 6, 5, 4, 3, 2, 1}, data[:HeaderSize])

	// Register 0 occupies the low five bits of the first payload byte.
	assert.Equal(t, byte(0b101_00011), data[HeaderSize])
	assert.Equal(t, uint64(0x0102030405060708), binary.LittleEndian.Uint64(data[2:]))

	appended := s.AppendBinary([]byte("prefix"))
	assert.Equal(t, "prefix", string(appended[:6]))
	assert.Equal(t, data, appended[6:])
}

func TestSparseSerializesPacked(t *testing.T) {
	r := rand.New(rand.NewPCG(20, 20))
	keys := make([]uint64, 40)
	for i := range keys {
		keys[i] = r.Uint64()
	}

	sparse := mustNew(t, 12, 5, 0, WithSparse(0))
	dense := mustNew(t, 12, 5, 0)
	for _, k := range keys {
		sparse.InsertUint64(k)
		dense.InsertUint64(k)
	}
	require.True(t, sparse.IsSparse())
	assert.Equal(t, dense.Serialize(), sparse.Serialize())

	// Decoding into a sparse configuration keeps the sparse list.
	got, err := Deserialize(sparse.Serialize(), WithSparse(0))
	require.NoError(t, err)
	assert.True(t, got.IsSparse())
	assert.Empty(t, cmp.Diff(sparse.Registers(), got.Registers()))
}

func TestDeserializeOptions(t *testing.T) {
	s := mustNew(t, 10, 5, 1, WithHash(Murmur3), WithEstimator(MaximumLikelihood))
	s.InsertString("configured")

	got, err := Deserialize(s.Serialize(), WithHash(Murmur3), WithEstimator(MaximumLikelihood))
	require.NoError(t, err)
	require.NoError(t, s.Compatible(got))
	assert.True(t, got.MayContain([]byte("configured")))

	// The layout does not record the hash kind.
	other, err := Deserialize(s.Serialize())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Compatible(other), ErrConfigurationMismatch)
}

func TestDeserializeIntoBuffer(t *testing.T) {
	r := rand.New(rand.NewPCG(21, 21))
	s := mustNew(t, 10, 5, 0)
	fill(s, r, 500)

	buf := make([]uint64, WordsFor(10, 5))
	got, err := Deserialize(s.Serialize(), WithBuffer(buf))
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(s.regs.Words(), buf))
	assert.Equal(t, s.Estimate(), got.Estimate())
}

func TestDeserializeCorrupt(t *testing.T) {
	valid := mustNew(t, 10, 5, 0).Serialize()

	withByte := func(i int, b byte) []byte {
		data := append([]byte(nil), valid...)
		data[i] = b
		return data
	}

	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", valid[:HeaderSize-1]},
		{"precision too small", withByte(0, 3)},
		{"precision too large", withByte(0, 19)},
		{"width too small", withByte(1, 3)},
		{"width too large", withByte(1, 9)},
		{"truncated payload", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte(nil), valid...), 0)},
		{"header only", valid[:HeaderSize]},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Deserialize(tc.data)
			require.ErrorIs(t, err, ErrCorruptData)
		})
	}

	// A well-formed header for a shape this configuration rejects.
	_, err := Deserialize(withByte(1, 4))
	require.Error(t, err)
}

func TestBinaryMarshaler(t *testing.T) {
	r := rand.New(rand.NewPCG(22, 22))
	s := mustNew(t, 11, 6, 3)
	fill(s, r, 4000)

	data, err := s.MarshalBinary()
	require.NoError(t, err)

	var zero Sketch
	require.NoError(t, zero.UnmarshalBinary(data))
	assert.Equal(t, uint8(11), zero.Precision())
	assert.Empty(t, cmp.Diff(s.Registers(), zero.Registers()))

	// A configured receiver keeps its options and is unchanged on error.
	target := mustNew(t, 11, 6, 3, WithEstimator(Improved))
	target.InsertString("kept")
	before := target.Registers()

	require.ErrorIs(t, target.UnmarshalBinary(data[:5]), ErrCorruptData)
	assert.Empty(t, cmp.Diff(before, target.Registers()))

	require.NoError(t, target.UnmarshalBinary(data))
	assert.Equal(t, Improved, target.Method())
	assert.Empty(t, cmp.Diff(s.Registers(), target.Registers()))
}
