package estimator

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// BetaCoefficients is the number of coefficients of the beta function.
const BetaCoefficients = 8

var ErrInvalidTables = errors.New("estimator: invalid correction tables")

//go:embed tables.yaml
var embeddedTables []byte

var (
	defaultOnce   sync.Once
	defaultTables *Tables
)

// PrecisionTable holds the empirical corrections of one precision.
type PrecisionTable struct {
	Precision uint8 `yaml:"precision"`

	// Threshold is the largest linear counting estimate that is preferred
	// over the bias-corrected raw estimate.
	Threshold float64 `yaml:"threshold"`

	// Raw and Bias are parallel lists: Bias[i] is the mean bias observed
	// when the raw estimate was Raw[i]. Raw is strictly ascending.
	Raw  []float64 `yaml:"raw"`
	Bias []float64 `yaml:"bias"`

	// Beta holds c0..c7 of the beta function.
	Beta []float64 `yaml:"beta"`
}

// Tables is an immutable set of per-precision correction tables.
type Tables struct {
	byPrecision [MaxPrecision + 1]*PrecisionTable
}

type tablesFile struct {
	Precisions []*PrecisionTable `yaml:"precisions"`
}

// Default returns the tables embedded in the binary. They are parsed on first
// use and shared by every caller afterwards.
func Default() *Tables {
	defaultOnce.Do(func() {
		t, err := Load(bytes.NewReader(embeddedTables))
		if err != nil {
			panic(fmt.Sprintf("estimator: embedded tables: %v", err))
		}
		defaultTables = t
	})
	return defaultTables
}

// Load parses and validates tables in YAML form.
func Load(r io.Reader) (*Tables, error) {
	var file tablesFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTables, err)
	}

	t := &Tables{}
	for _, pt := range file.Precisions {
		if pt == nil {
			continue
		}
		if err := pt.validate(); err != nil {
			return nil, err
		}
		if t.byPrecision[pt.Precision] != nil {
			return nil, fmt.Errorf("%w: precision %d listed twice", ErrInvalidTables, pt.Precision)
		}
		t.byPrecision[pt.Precision] = pt
	}

	return t, nil
}

func (pt *PrecisionTable) validate() error {
	if pt.Precision < MinPrecision || pt.Precision > MaxPrecision {
		return fmt.Errorf("%w: precision %d out of range", ErrInvalidTables, pt.Precision)
	}
	if len(pt.Raw) == 0 || len(pt.Raw) != len(pt.Bias) {
		return fmt.Errorf("%w: precision %d: %d raw values for %d bias values",
			ErrInvalidTables, pt.Precision, len(pt.Raw), len(pt.Bias))
	}
	for i := 1; i < len(pt.Raw); i++ {
		if pt.Raw[i] <= pt.Raw[i-1] {
			return fmt.Errorf("%w: precision %d: raw estimates not ascending at %d",
				ErrInvalidTables, pt.Precision, i)
		}
	}
	if len(pt.Beta) != BetaCoefficients {
		return fmt.Errorf("%w: precision %d: want %d beta coefficients, got %d",
			ErrInvalidTables, pt.Precision, BetaCoefficients, len(pt.Beta))
	}
	if pt.Threshold <= 0 {
		return fmt.Errorf("%w: precision %d: non-positive threshold", ErrInvalidTables, pt.Precision)
	}
	return nil
}

// Precision returns the table of precision p, if present.
func (t *Tables) Precision(p uint8) (*PrecisionTable, bool) {
	if t == nil || p > MaxPrecision {
		return nil, false
	}
	pt := t.byPrecision[p]
	return pt, pt != nil
}

// Precisions returns the set of precisions that have a table.
func (t *Tables) Precisions() PrecisionSet {
	var s PrecisionSet
	for p, pt := range t.byPrecision {
		if pt != nil {
			s |= 1 << p
		}
	}
	return s
}

// Restrict returns a view of t holding only the precisions in set. The
// per-precision tables are shared, not copied.
func (t *Tables) Restrict(set PrecisionSet) *Tables {
	out := &Tables{}
	for p, pt := range t.byPrecision {
		if set.Has(uint8(p)) {
			out.byPrecision[p] = pt
		}
	}
	return out
}

// BiasAt interpolates the bias of a raw estimate. Between two entries the
// bias is linear in the raw estimate; outside the table the nearest edge
// value is used.
func (pt *PrecisionTable) BiasAt(raw float64) float64 {
	n := len(pt.Raw)
	if raw <= pt.Raw[0] {
		return pt.Bias[0]
	}
	if raw >= pt.Raw[n-1] {
		return pt.Bias[n-1]
	}

	// First entry at or above raw; the bracket is [hi-1, hi].
	hi := sort.SearchFloat64s(pt.Raw, raw)
	if pt.Raw[hi] == raw {
		return pt.Bias[hi]
	}
	lo := hi - 1

	frac := (raw - pt.Raw[lo]) / (pt.Raw[hi] - pt.Raw[lo])
	return pt.Bias[lo] + frac*(pt.Bias[hi]-pt.Bias[lo])
}

// BetaAt evaluates c0*z + sum_{i=1..7} c_i * ln(z+1)^i for z zero registers.
func (pt *PrecisionTable) BetaAt(zeros float64) float64 {
	zl := math.Log1p(zeros)

	// Horner over the logarithmic terms, lowest power factored out.
	acc := 0.0
	for i := BetaCoefficients - 1; i >= 1; i-- {
		acc = (acc + pt.Beta[i]) * zl
	}
	return pt.Beta[0]*zeros + acc
}
