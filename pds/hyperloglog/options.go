package hyperloglog

import (
	"io"
	"log/slog"

	"loglog.lopezb.com/internal/pds/estimator"
	"loglog.lopezb.com/internal/pds/hashing"
)

// Method selects the estimator of a sketch.
type Method = estimator.Method

const (
	MethodOfMoments   = estimator.MethodOfMoments
	Beta              = estimator.Beta
	MaximumLikelihood = estimator.MaximumLikelihood
	Improved          = estimator.Improved
)

// HashKind selects the hash function of a sketch.
type HashKind = hashing.Kind

const (
	XXHash64 = hashing.XXHash64
	Murmur3  = hashing.Murmur3
	XXH3     = hashing.XXH3
	Metro    = hashing.Metro
)

// PrecisionSet is a set of enabled precisions.
type PrecisionSet = estimator.PrecisionSet

const (
	LowPrecisions    = estimator.LowPrecisions
	MediumPrecisions = estimator.MediumPrecisions
	HighPrecisions   = estimator.HighPrecisions
	AllPrecisions    = estimator.AllPrecisions
)

// Tables holds the correction tables read by the estimators.
type Tables = estimator.Tables

// LoadTables parses correction tables in the YAML form of the embedded asset.
func LoadTables(r io.Reader) (*Tables, error) {
	return estimator.Load(r)
}

const (
	MinPrecision = estimator.MinPrecision
	MaxPrecision = estimator.MaxPrecision
)

// Option configures a Sketch at construction.
type Option func(*options)

type options struct {
	method     estimator.Method
	hashKind   hashing.Kind
	hashWidth  uint8
	zcc        bool
	mleTol     float64
	mleIter    int
	tables     *Tables
	precisions estimator.PrecisionSet
	buffer     []uint64

	sparse          bool
	sparseThreshold int

	logger *slog.Logger
}

func defaultOptions() options {
	return options{
		method:     estimator.Beta,
		hashKind:   hashing.XXHash64,
		hashWidth:  hashing.Width32,
		zcc:        true,
		mleTol:     estimator.DefaultMLETolerance,
		mleIter:    estimator.DefaultMLEMaxIterations,
		precisions: estimator.AllPrecisions,
		logger:     slog.New(slog.DiscardHandler),
	}
}

// WithEstimator selects the estimation method. The default is Beta.
func WithEstimator(m Method) Option {
	return func(o *options) { o.method = m }
}

// WithHash selects the hash function. The default is XXHash64.
func WithHash(k HashKind) Option {
	return func(o *options) { o.hashKind = k }
}

// WithHashWidth sets the width of the hash codes, 32 (default) or 64 bits.
// 64-bit codes need registers of at least 6 bits.
func WithHashWidth(w uint8) Option {
	return func(o *options) { o.hashWidth = w }
}

// WithZeroCountCorrection toggles the linear counting branch of the method of
// moments estimator. It is enabled by default.
func WithZeroCountCorrection(enabled bool) Option {
	return func(o *options) { o.zcc = enabled }
}

// WithMLE sets the convergence tolerance and iteration cap of the maximum
// likelihood estimator.
func WithMLE(tolerance float64, maxIterations int) Option {
	return func(o *options) {
		o.mleTol = tolerance
		o.mleIter = maxIterations
	}
}

// WithTables replaces the embedded correction tables.
func WithTables(t *Tables) Option {
	return func(o *options) { o.tables = t }
}

// WithPrecisions restricts the precisions a sketch may be built with.
func WithPrecisions(set PrecisionSet) Option {
	return func(o *options) { o.precisions = set }
}

// WithBuffer stores the registers in buf instead of allocating. buf must hold
// at least WordsFor(precision, width) words and must not be shared with
// another sketch.
func WithBuffer(buf []uint64) Option {
	return func(o *options) { o.buffer = buf }
}

// WithSparse starts the sketch in the sparse representation. It is promoted
// to the packed array once it holds more than threshold registers; a
// threshold of 0 promotes when the list would outgrow the packed array.
func WithSparse(threshold int) Option {
	return func(o *options) {
		o.sparse = true
		o.sparseThreshold = threshold
	}
}

// WithLogger sets the logger used for debug events. Sketches log nothing by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
