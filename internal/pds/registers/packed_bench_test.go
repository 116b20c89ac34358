package registers

import "testing"

/*
 * Micro-benchmarks for the packed register array.
 *
 * Run with: go test -bench=. -benchmem ./internal/pds/registers/
 */

func BenchmarkGet(b *testing.B) {
	a, _ := New(16384, 5)
	for i := 0; i < 16384; i++ {
		a.SetIfGreater(i, uint8(i%31))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = a.Get(i & 16383)
	}
}

func BenchmarkMergeMaxInPlace(b *testing.B) {
	x, _ := New(16384, 5)
	y, _ := New(16384, 5)
	for i := 0; i < 16384; i++ {
		y.SetIfGreater(i, uint8(i%31))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		x.Reset()
		_, _ = x.MergeMaxInPlace(y)
	}
}
