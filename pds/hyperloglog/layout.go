package hyperloglog

import (
	"encoding/binary"
	"fmt"

	"loglog.lopezb.com/internal/pds/registers"
)

// HeaderSize is the length of the header that precedes the packed registers.
const HeaderSize = 10

// SerializedSize returns the length of the serialized form of a sketch.
func SerializedSize(precision, width uint8) int {
	return HeaderSize + registers.BytesFor(1<<precision, width)
}

// Serialize encodes the sketch in its persisted layout.
func (s *Sketch) Serialize() []byte {
	return s.AppendBinary(make([]byte, 0, SerializedSize(s.precision, s.width)))
}

// AppendBinary appends the persisted layout of s to dst.
func (s *Sketch) AppendBinary(dst []byte) []byte {
	//
	// DESIGN
	// ------
	//
	// The layout is a fixed 10-byte header followed by the packed register
	// bit stream:
	//
	// +------+-----------+-----+--------------------------------------+
	// | Bytes| Field     | Size| Notes                                |
	// +------+-----------+-----+--------------------------------------+
	// | 0    | Precision | 1   | p, 4..18                             |
	// | 1    | Width     | 1   | b, 4..8                              |
	// | 2-9  | Seed      | 8   | hash seed, little-endian             |
	// | 10-  | Registers | *   | ceil(m*b/8) bytes, register 0 in the |
	// |      |           |     | lowest bits of the first byte        |
	// +------+-----------+-----+--------------------------------------+
	//
	// Sparse sketches are written in the same packed form, so a reader never
	// needs to know which representation produced the bytes. The hash kind,
	// hash width and estimator are not stored: the reader supplies them.
	//
	dst = append(dst, s.precision, s.width)
	dst = binary.LittleEndian.AppendUint64(dst, s.hash.Seed())

	return s.denseView().AppendBytes(dst)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s *Sketch) MarshalBinary() ([]byte, error) {
	return s.Serialize(), nil
}

// Deserialize decodes a sketch written by Serialize. opts supply the parts of
// the configuration that the layout does not record.
func Deserialize(data []byte, opts ...Option) (*Sketch, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return deserialize(data, o)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. A sketch created with
// New keeps its options, including a fixed buffer; a zero Sketch uses the
// defaults. On error the receiver is unchanged.
func (s *Sketch) UnmarshalBinary(data []byte) error {
	o := defaultOptions()
	if s.engine != nil {
		o = s.opts
	}

	out, err := deserialize(data, o)
	if err != nil {
		return err
	}
	*s = *out
	return nil
}

func deserialize(data []byte, o options) (*Sketch, error) {
	precision, width, seed, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	// Everything is validated before the sketch is built, so that a fixed
	// buffer is never cleared for bytes that are then rejected.
	payload := data[HeaderSize:]
	if err := checkPayload(payload, precision, width); err != nil {
		return nil, err
	}

	s, err := newSketch(precision, width, seed, o)
	if err != nil {
		return nil, err
	}

	if s.regs != nil {
		if err := s.regs.ReadBytes(payload); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptData, err)
		}
		s.zeros = s.regs.ZeroCount()
		return s, nil
	}

	arr, err := registers.FromBytes(s.m, width, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptData, err)
	}
	arr.ForEach(func(i int, v uint8) {
		if v != 0 {
			s.setIfGreater(i, v)
		}
	})
	return s, nil
}

func parseHeader(data []byte) (precision, width uint8, seed uint64, err error) {
	if len(data) < HeaderSize {
		return 0, 0, 0, fmt.Errorf("%w: %d bytes is too short for the header", ErrCorruptData, len(data))
	}

	precision, width = data[0], data[1]
	if precision < MinPrecision || precision > MaxPrecision {
		return 0, 0, 0, fmt.Errorf("%w: precision %d outside [%d, %d]",
			ErrCorruptData, precision, MinPrecision, MaxPrecision)
	}
	if width < registers.MinWidth || width > registers.MaxWidth {
		return 0, 0, 0, fmt.Errorf("%w: register width %d outside [%d, %d]",
			ErrCorruptData, width, registers.MinWidth, registers.MaxWidth)
	}

	return precision, width, binary.LittleEndian.Uint64(data[2:HeaderSize]), nil
}

func checkPayload(payload []byte, precision, width uint8) error {
	want := registers.BytesFor(1<<precision, width)
	if len(payload) != want {
		return fmt.Errorf("%w: expected %d register bytes for precision %d and width %d, got %d",
			ErrCorruptData, want, precision, width, len(payload))
	}
	return nil
}
