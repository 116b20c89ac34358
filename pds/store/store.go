// Package store keeps named HyperLogLog sketches in memory and persists them
// as a single binary snapshot.
//
// Sharding Strategy
// =================
//
// Keys are spread across 256 shards, each with its own read-write lock and
// map. A key's shard is its FNV-1a hash modulo 256. Operations on different
// keys usually land on different shards and do not contend.
//
// Every sketch in a store is built from the same Config, so any two of them
// can be combined. Callers never receive a sketch owned by the store: Get
// returns a clone, and multi-key operations read sources under their shard's
// read lock.
//
// Multi-Key Operations
// ====================
//
// EstimateUnion and Merge fold their sources into an accumulator sketch taken
// from a sync.Pool, one source at a time, holding only that source's shard
// lock. The accumulator is reset before use and returned to the pool after.
// No operation holds two shard locks at once, so there is no lock ordering to
// respect.
package store

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"

	"loglog.lopezb.com/pds/hyperloglog"
)

// shardCount is the number of independent maps. It must fit in a byte, since
// the snapshot format stores the shard index in one.
const shardCount = 256

var (
	ErrKeyNotFound      = errors.New("store: key not found")
	ErrSnapshotCorrupt  = errors.New("store: snapshot corrupt")
	ErrChecksumMismatch = errors.New("store: snapshot checksum mismatch")
)

type shard struct {
	mu   sync.RWMutex
	data map[string]*hyperloglog.Sketch
}

// Store maps keys to sketches that share one configuration.
type Store struct {
	shards [shardCount]*shard

	cfg      hyperloglog.Config
	opts     []hyperloglog.Option
	template *hyperloglog.Sketch
	pool     sync.Pool
	logger   *slog.Logger
}

// New creates an empty store whose sketches are built from cfg. A nil logger
// discards everything.
func New(cfg hyperloglog.Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// Sketches report promotions and estimator fallbacks to the same logger.
	template, err := hyperloglog.NewFromConfig(cfg, hyperloglog.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	opts, _ := cfg.Options()
	opts = append(opts, hyperloglog.WithLogger(logger))

	s := &Store{
		cfg:      cfg,
		opts:     opts,
		template: template,
		logger:   logger,
	}
	s.pool.New = func() any {
		return s.template.Clone()
	}
	for i := range s.shards {
		s.shards[i] = &shard{data: make(map[string]*hyperloglog.Sketch)}
	}
	return s, nil
}

// Config returns the configuration every sketch in the store is built from.
func (s *Store) Config() hyperloglog.Config {
	return s.cfg
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[shardIndex(key)]
}

// newSketch returns an empty sketch with the store's configuration. It has
// its own registers even when the configuration asks for fixed allocation.
func (s *Store) newSketch() *hyperloglog.Sketch {
	out := s.template.Clone()
	out.Reset()
	return out
}

// getAccumulator returns an empty sketch from the pool. The caller must hand
// it back with putAccumulator.
func (s *Store) getAccumulator() *hyperloglog.Sketch {
	acc := s.pool.Get().(*hyperloglog.Sketch)
	acc.Reset()
	return acc
}

func (s *Store) putAccumulator(acc *hyperloglog.Sketch) {
	s.pool.Put(acc)
}

// Add inserts elements into the sketch at key, creating it if needed, and
// reports whether any register changed.
func (s *Store) Add(key string, elements ...[]byte) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sk, ok := sh.data[key]
	if !ok {
		sk = s.newSketch()
		sh.data[key] = sk
	}

	changed := false
	for _, el := range elements {
		if sk.Insert(el) {
			changed = true
		}
	}
	return changed
}

// Estimate returns the estimated cardinality of the sketch at key.
func (s *Store) Estimate(key string) (float64, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	sk, ok := sh.data[key]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return sk.Estimate(), nil
}

// EstimateUnion returns the estimated cardinality of the union of the
// sketches at keys. Missing keys count as empty sketches.
func (s *Store) EstimateUnion(keys ...string) (float64, error) {
	acc := s.getAccumulator()
	defer s.putAccumulator(acc)

	if err := s.foldInto(acc, keys); err != nil {
		return 0, err
	}
	return acc.Estimate(), nil
}

// foldInto merges the sketches at keys into acc, skipping missing keys.
func (s *Store) foldInto(acc *hyperloglog.Sketch, keys []string) error {
	for _, key := range keys {
		sh := s.shardFor(key)

		sh.mu.RLock()
		src, ok := sh.data[key]
		var err error
		if ok {
			err = acc.Merge(src)
		}
		sh.mu.RUnlock()

		if err != nil {
			return fmt.Errorf("store: merging %q: %w", key, err)
		}
	}
	return nil
}

// Intersection estimates the number of elements present in both sketches.
func (s *Store) Intersection(a, b string) (float64, error) {
	left, err := s.Get(a)
	if err != nil {
		return 0, err
	}
	right, err := s.Get(b)
	if err != nil {
		return 0, err
	}
	return left.IntersectionEstimate(right)
}

// Merge raises the sketch at dest to the union of itself and the sketches at
// sources, creating dest if needed. Missing sources are skipped.
func (s *Store) Merge(dest string, sources ...string) error {
	//
	// DESIGN
	// ------
	//
	// The merge runs in two phases. The sources are first folded into a
	// pooled accumulator, each under its own shard's read lock. The
	// destination shard is then locked once and raised to the accumulator.
	// A concurrent Add to a source between the two phases may or may not be
	// reflected in dest; an Add to dest is never lost.
	//
	acc := s.getAccumulator()
	defer s.putAccumulator(acc)

	if err := s.foldInto(acc, sources); err != nil {
		return err
	}

	sh := s.shardFor(dest)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sk, ok := sh.data[dest]
	if !ok {
		sk = s.newSketch()
		sh.data[dest] = sk
	}
	if err := sk.Merge(acc); err != nil {
		return fmt.Errorf("store: merging into %q: %w", dest, err)
	}
	return nil
}

// Get returns a copy of the sketch at key.
func (s *Store) Get(key string) (*hyperloglog.Sketch, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	sk, ok := sh.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return sk.Clone(), nil
}

// Put stores a copy of sk at key, replacing any previous sketch. sk must be
// compatible with the store's configuration.
func (s *Store) Put(key string, sk *hyperloglog.Sketch) error {
	if err := s.template.Compatible(sk); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.data[key] = sk.Clone()
	return nil
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	_, ok := sh.data[key]
	if ok {
		delete(sh.data, key)
	}
	return ok
}

// Keys returns every key in the store, sorted.
func (s *Store) Keys() []string {
	var keys []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.data {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys in the store.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.data)
		sh.mu.RUnlock()
	}
	return n
}
