package estimator

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
)

const (
	MinPrecision uint8 = 4
	MaxPrecision uint8 = 18
)

// Profile holds the constants that depend only on the precision.
type Profile struct {
	Precision uint8
	Registers int

	// Alpha corrects the multiplicative bias of the harmonic mean for a
	// finite number of registers.
	Alpha float64

	// Width is the smallest register width that holds every rank reachable
	// with the default 32-bit hash code.
	Width uint8

	// StandardError is the theoretical relative standard error, 1.04/sqrt(m).
	StandardError float64
}

var profiles [MaxPrecision + 1]Profile

func init() {
	for p := MinPrecision; p <= MaxPrecision; p++ {
		m := 1 << p
		profiles[p] = Profile{
			Precision:     p,
			Registers:     m,
			Alpha:         Alpha(m),
			Width:         MinWidth(p, 32),
			StandardError: 1.04 / math.Sqrt(float64(m)),
		}
	}
}

// ProfileFor returns the profile of precision p.
func ProfileFor(p uint8) (Profile, bool) {
	if p < MinPrecision || p > MaxPrecision {
		return Profile{}, false
	}
	return profiles[p], true
}

// Alpha returns the bias correction constant for m registers.
func Alpha(m int) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	default:
		return 0.7213 / (1 + 1.079/float64(m))
	}
}

// MinWidth returns the smallest register width able to hold the maximum rank
// width-p+1 of a hashWidth-bit code.
func MinWidth(p, hashWidth uint8) uint8 {
	maxRank := uint(hashWidth) - uint(p) + 1
	return uint8(bits.Len(maxRank))
}

// PrecisionSet is the set of precisions a process supports. Only enabled
// precisions carry correction tables.
type PrecisionSet uint32

const (
	LowPrecisions    PrecisionSet = 0b11111 << 4      // 4..8
	MediumPrecisions PrecisionSet = 0b11111 << 9      // 9..13
	HighPrecisions   PrecisionSet = 0b11111 << 14     // 14..18
	AllPrecisions                 = LowPrecisions | MediumPrecisions | HighPrecisions
)

// PrecisionsOf returns the set holding exactly ps.
func PrecisionsOf(ps ...uint8) PrecisionSet {
	var s PrecisionSet
	for _, p := range ps {
		if p >= MinPrecision && p <= MaxPrecision {
			s |= 1 << p
		}
	}
	return s
}

// Has reports whether precision p is in the set.
func (s PrecisionSet) Has(p uint8) bool {
	return p >= MinPrecision && p <= MaxPrecision && s&(1<<p) != 0
}

// Precisions lists the members of the set in ascending order.
func (s PrecisionSet) Precisions() []uint8 {
	var out []uint8
	for p := MinPrecision; p <= MaxPrecision; p++ {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s PrecisionSet) String() string {
	names := make([]string, 0, bits.OnesCount32(uint32(s)))
	for _, p := range s.Precisions() {
		names = append(names, fmt.Sprintf("precision_%d", p))
	}
	return strings.Join(names, ",")
}

// ParsePrecisionSet builds a set from names such as "precision_10", "low",
// "medium", "high" or "all".
func ParsePrecisionSet(names []string) (PrecisionSet, error) {
	var s PrecisionSet
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "all":
			s |= AllPrecisions
		case "low", "low_precisions":
			s |= LowPrecisions
		case "medium", "medium_precisions":
			s |= MediumPrecisions
		case "high", "high_precisions":
			s |= HighPrecisions
		default:
			var p uint8
			if _, err := fmt.Sscanf(name, "precision_%d", &p); err != nil {
				return 0, fmt.Errorf("estimator: unknown precision name %q", raw)
			}
			if p < MinPrecision || p > MaxPrecision {
				return 0, fmt.Errorf("estimator: precision %d out of range [%d, %d]", p, MinPrecision, MaxPrecision)
			}
			s |= 1 << p
		}
	}
	return s, nil
}
