package hyperloglog

import "sync"

// Synchronized guards a Sketch with a read-write lock and caches its
// estimate until the next change.
type Synchronized struct {
	mu           sync.RWMutex
	sketch       *Sketch
	cached       float64
	cacheInvalid bool
}

// NewSynchronized takes ownership of s. The caller must not use s directly
// afterwards.
func NewSynchronized(s *Sketch) *Synchronized {
	return &Synchronized{sketch: s, cacheInvalid: true}
}

// Insert adds an element and reports whether a register changed.
func (s *Synchronized) Insert(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.sketch.Insert(data)
	if changed {
		s.cacheInvalid = true
	}
	return changed
}

// Estimate returns the estimated cardinality, reusing the last result when
// no register changed since it was computed.
func (s *Synchronized) Estimate() float64 {
	//
	// DESIGN
	// ------
	//
	// Estimating scans every register, so the result is cached. Readers take
	// the read lock and return the cached value when it is valid. When it is
	// not, one goroutine promotes to the write lock and recomputes; the
	// validity is checked again after acquiring it because another
	// goroutine may have recomputed while this one was waiting.
	//
	s.mu.RLock()
	if !s.cacheInvalid {
		cached := s.cached
		s.mu.RUnlock()
		return cached
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cacheInvalid {
		return s.cached
	}

	s.cached = s.sketch.Estimate()
	s.cacheInvalid = false
	return s.cached
}

// Count returns Estimate rounded to the nearest integer.
func (s *Synchronized) Count() uint64 {
	return roundCount(s.Estimate())
}

// Merge raises the registers to those of other. other must not be modified
// concurrently; to merge another Synchronized, pass its Snapshot.
func (s *Synchronized) Merge(other *Sketch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sketch.Merge(other); err != nil {
		return err
	}
	s.cacheInvalid = true
	return nil
}

// Snapshot returns an independent copy of the current sketch.
func (s *Synchronized) Snapshot() *Sketch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sketch.Clone()
}
