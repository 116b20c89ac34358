package hyperloglog

import (
	"sort"
	"unsafe"

	"loglog.lopezb.com/internal/pds/registers"
)

type sparseRegister struct {
	index uint32
	value uint8
}

const sparseRegisterSize = int(unsafe.Sizeof(sparseRegister{}))

// defaultSparseThreshold is the number of entries at which the sparse list
// takes as much memory as the packed array.
func defaultSparseThreshold(m int, width uint8) int {
	return max(1, registers.WordsFor(m, width)*8/sparseRegisterSize)
}

// convertToDense transforms the sketch from the sparse to the packed
// representation. This is a one-way operation that is triggered when the
// sparse list grows beyond its threshold, or when an operation needs the
// packed array.
func (s *Sketch) convertToDense() {
	regs, _ := registers.New(s.m, s.width)
	for _, pair := range s.sparseData {
		regs.SetIfGreater(int(pair.index), pair.value)
	}

	s.opts.logger.Debug("sparse sketch promoted to packed registers",
		"precision", s.precision,
		"entries", len(s.sparseData),
		"threshold", s.sparseThreshold)

	s.regs = regs
	s.sparseData = nil // Free the memory from the old slice.
}

func (s *Sketch) sparseSearch(index int) int {
	target := uint32(index)
	return sort.Search(len(s.sparseData), func(i int) bool {
		return s.sparseData[i].index >= target
	})
}

func (s *Sketch) sparseGet(index int) uint8 {
	i := s.sparseSearch(index)
	if i < len(s.sparseData) && s.sparseData[i].index == uint32(index) {
		return s.sparseData[i].value
	}
	return 0
}

func (s *Sketch) sparseSet(index int, value uint8) bool {
	if value == 0 {
		return false
	}
	value = min(value, s.regMax)

	i := s.sparseSearch(index)
	if i < len(s.sparseData) && s.sparseData[i].index == uint32(index) {
		if value <= s.sparseData[i].value {
			return false
		}
		s.sparseData[i].value = value
		return true
	}

	// Grow by one and shift the tail right; copy maps to memmove and avoids
	// a temporary slice.
	s.sparseData = append(s.sparseData, sparseRegister{})
	copy(s.sparseData[i+1:], s.sparseData[i:])
	s.sparseData[i] = sparseRegister{index: uint32(index), value: value}
	s.zeros--

	if len(s.sparseData) > s.sparseThreshold {
		s.convertToDense()
	}
	return true
}
