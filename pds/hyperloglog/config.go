package hyperloglog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"loglog.lopezb.com/internal/pds/estimator"
	"loglog.lopezb.com/internal/pds/hashing"
	"loglog.lopezb.com/internal/pds/registers"
)

// EnvPrefix prefixes the environment variables read by LoadConfig, for
// example LOGLOG_PRECISION.
const EnvPrefix = "LOGLOG"

const (
	AllocationHeap  = "heap"
	AllocationFixed = "fixed"
)

// Config is the file and environment form of the sketch options.
type Config struct {
	Precision     uint8  `mapstructure:"precision"`
	RegisterWidth uint8  `mapstructure:"register_width"`
	HashSeed      uint64 `mapstructure:"hash_seed"`
	Hash          string `mapstructure:"hash"`
	HashWidth     uint8  `mapstructure:"hash_width"`

	// Estimator is one of method_of_moments, beta, mle or improved.
	Estimator           string `mapstructure:"estimator"`
	ZeroCountCorrection bool   `mapstructure:"zero_count_correction"`

	// Precisions lists the enabled precisions: precision_N, low, medium,
	// high or all.
	Precisions []string `mapstructure:"precisions"`

	// Allocation is "heap", or "fixed" to store the registers in a buffer
	// allocated once at construction.
	Allocation string `mapstructure:"allocation"`

	// SparseThreshold enables the sparse representation when positive.
	SparseThreshold int `mapstructure:"sparse_threshold"`

	MLETolerance     float64 `mapstructure:"mle_tolerance"`
	MLEMaxIterations int     `mapstructure:"mle_max_iterations"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Precision:           14,
		RegisterWidth:       5,
		HashSeed:            0,
		Hash:                hashing.XXHash64.String(),
		HashWidth:           hashing.Width32,
		Estimator:           estimator.Beta.String(),
		ZeroCountCorrection: true,
		Precisions:          []string{"all"},
		Allocation:          AllocationHeap,
		MLETolerance:        estimator.DefaultMLETolerance,
		MLEMaxIterations:    estimator.DefaultMLEMaxIterations,
	}
}

// LoadConfig reads a configuration file (YAML, JSON or TOML, by extension)
// on top of the defaults, then applies LOGLOG_* environment overrides. An
// empty path reads the environment only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	def := DefaultConfig()
	v.SetDefault("precision", def.Precision)
	v.SetDefault("register_width", def.RegisterWidth)
	v.SetDefault("hash_seed", def.HashSeed)
	v.SetDefault("hash", def.Hash)
	v.SetDefault("hash_width", def.HashWidth)
	v.SetDefault("estimator", def.Estimator)
	v.SetDefault("zero_count_correction", def.ZeroCountCorrection)
	v.SetDefault("precisions", def.Precisions)
	v.SetDefault("allocation", def.Allocation)
	v.SetDefault("sparse_threshold", def.SparseThreshold)
	v.SetDefault("mle_tolerance", def.MLETolerance)
	v.SetDefault("mle_max_iterations", def.MLEMaxIterations)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("hyperloglog: reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("hyperloglog: decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration without building a sketch.
func (c Config) Validate() error {
	_, err := c.Options()
	if err != nil {
		return err
	}

	if c.Precision < MinPrecision || c.Precision > MaxPrecision {
		return fmt.Errorf("%w: precision %d outside [%d, %d]",
			ErrConfigurationMismatch, c.Precision, MinPrecision, MaxPrecision)
	}
	if set, _ := estimator.ParsePrecisionSet(c.Precisions); !set.Has(c.Precision) {
		return fmt.Errorf("%w: precision %d is not enabled (enabled: %s)",
			ErrConfigurationMismatch, c.Precision, set)
	}

	minWidth := max(estimator.MinWidth(c.Precision, c.HashWidth), registers.MinWidth)
	if c.RegisterWidth < minWidth || c.RegisterWidth > registers.MaxWidth {
		return fmt.Errorf("%w: register width %d outside [%d, %d] for precision %d and %d-bit hash",
			ErrConfigurationMismatch, c.RegisterWidth, minWidth, registers.MaxWidth, c.Precision, c.HashWidth)
	}
	return nil
}

// Options converts the configuration into construction options. The fixed
// allocation mode is not an option by itself; NewFromConfig sizes the buffer.
func (c Config) Options() ([]Option, error) {
	var errs []error

	kind, err := hashing.ParseKind(c.Hash)
	if err != nil {
		errs = append(errs, err)
	}
	method, err := estimator.ParseMethod(c.Estimator)
	if err != nil {
		errs = append(errs, err)
	}
	precisions, err := estimator.ParsePrecisionSet(c.Precisions)
	if err != nil {
		errs = append(errs, err)
	}
	if c.HashWidth != hashing.Width32 && c.HashWidth != hashing.Width64 {
		errs = append(errs, fmt.Errorf("%w: got %d", hashing.ErrInvalidWidth, c.HashWidth))
	}
	if c.Allocation != AllocationHeap && c.Allocation != AllocationFixed {
		errs = append(errs, fmt.Errorf("unknown allocation %q, want %q or %q",
			c.Allocation, AllocationHeap, AllocationFixed))
	}
	if c.Allocation == AllocationFixed && c.SparseThreshold > 0 {
		errs = append(errs, errors.New("sparse representation cannot use fixed allocation"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrConfigurationMismatch, errors.Join(errs...))
	}

	opts := []Option{
		WithHash(kind),
		WithHashWidth(c.HashWidth),
		WithEstimator(method),
		WithZeroCountCorrection(c.ZeroCountCorrection),
		WithPrecisions(precisions),
		WithMLE(c.MLETolerance, c.MLEMaxIterations),
	}
	if c.SparseThreshold > 0 {
		opts = append(opts, WithSparse(c.SparseThreshold))
	}
	return opts, nil
}

// NewFromConfig builds an empty sketch from cfg. extra options are applied
// after those derived from cfg.
func NewFromConfig(cfg Config, extra ...Option) (*Sketch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts, _ := cfg.Options()
	if cfg.Allocation == AllocationFixed {
		opts = append(opts, WithBuffer(make([]uint64, WordsFor(cfg.Precision, cfg.RegisterWidth))))
	}
	opts = append(opts, extra...)

	return New(cfg.Precision, cfg.RegisterWidth, cfg.HashSeed, opts...)
}
