package hyperloglog

import (
	"math/rand/v2"
	"testing"
)

/*
 * Micro-benchmarks for the sketch.
 *
 * Run with: go test -bench=. -benchmem ./pds/hyperloglog/
 */

func BenchmarkInsert(b *testing.B) {
	for _, width := range []uint8{5, 6, 8} {
		b.Run(fmtWidth(width), func(b *testing.B) {
			s := mustNew(b, 14, width, 0)
			r := rand.New(rand.NewPCG(1, 2))

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				s.InsertUint64(r.Uint64())
			}
		})
	}
}

/*
 * Inserts while the sketch stays sparse. The sketch is reset before it can
 * reach the promotion threshold.
 */
func BenchmarkInsertSparse(b *testing.B) {
	s := mustNew(b, 14, 5, 0, WithSparse(0))
	r := rand.New(rand.NewPCG(3, 4))

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.InsertUint64(r.Uint64())
		if i%1000 == 999 {
			s.Reset()
		}
	}
}

func BenchmarkEstimate(b *testing.B) {
	for _, method := range allMethods {
		b.Run(method.String(), func(b *testing.B) {
			s := mustNew(b, 14, 5, 0, WithEstimator(method))
			fill(s, rand.New(rand.NewPCG(5, 6)), 100000)

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = s.Estimate()
			}
		})
	}
}

/*
 * Merge of two dense sketches at the default precision. This is the inner
 * loop of every union.
 */
func BenchmarkMerge(b *testing.B) {
	r := rand.New(rand.NewPCG(7, 8))
	dst := mustNew(b, 14, 5, 0)
	src := mustNew(b, 14, 5, 0)
	fill(dst, r, 50000)
	fill(src, r, 50000)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = dst.Merge(src)
	}
}

func BenchmarkSerialize(b *testing.B) {
	s := mustNew(b, 14, 5, 0)
	fill(s, rand.New(rand.NewPCG(9, 10)), 50000)
	buf := make([]byte, 0, SerializedSize(14, 5))

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf = s.AppendBinary(buf[:0])
	}
}

func fmtWidth(width uint8) string {
	return "width_" + string(rune('0'+width))
}
