package hyperloglog

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigurationMismatch is returned when sketches with different
	// configurations are combined, and when a sketch is constructed with
	// parameters that cannot work together.
	ErrConfigurationMismatch = errors.New("hyperloglog: configuration mismatch")

	// ErrCorruptData is returned when decoding bytes that were not produced
	// by Serialize.
	ErrCorruptData = errors.New("hyperloglog: corrupt serialized data")

	ErrNoSketches = errors.New("hyperloglog: no sketches to combine")
)

// MismatchError names the first configuration field on which two sketches
// differ. It matches ErrConfigurationMismatch with errors.Is.
type MismatchError struct {
	Field string
	Left  any
	Right any
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: %s %v != %v", ErrConfigurationMismatch, e.Field, e.Left, e.Right)
}

func (e *MismatchError) Unwrap() error {
	return ErrConfigurationMismatch
}
