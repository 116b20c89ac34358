package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loglog.lopezb.com/pds/hyperloglog"
)

func testConfig() hyperloglog.Config {
	cfg := hyperloglog.DefaultConfig()
	cfg.Precision = 10
	return cfg
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(testConfig(), nil)
	require.NoError(t, err)
	return s
}

func addRange(s *Store, key string, from, to int) {
	for i := from; i < to; i++ {
		s.Add(key, []byte(fmt.Sprintf("element-%d", i)))
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RegisterWidth = 3

	_, err := New(cfg, nil)
	require.ErrorIs(t, err, hyperloglog.ErrConfigurationMismatch)
}

func TestAddAndEstimate(t *testing.T) {
	s := newTestStore(t)

	// 1. Adding to a missing key creates it.
	assert.True(t, s.Add("visitors", []byte("alice"), []byte("bob")))
	assert.Equal(t, 1, s.Len())

	// 2. Duplicates change nothing.
	assert.False(t, s.Add("visitors", []byte("alice")))

	// 3. The estimate matches a standalone sketch fed the same elements.
	want, err := hyperloglog.NewFromConfig(testConfig())
	require.NoError(t, err)
	want.InsertString("alice")
	want.InsertString("bob")

	got, err := s.Estimate("visitors")
	require.NoError(t, err)
	assert.Equal(t, want.Estimate(), got)

	_, err = s.Estimate("missing")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestEstimateUnion(t *testing.T) {
	s := newTestStore(t)
	addRange(s, "a", 0, 500)
	addRange(s, "b", 500, 1200)

	got, err := s.EstimateUnion("a", "b", "missing")
	require.NoError(t, err)
	assert.InDelta(t, 1200, got, 120)

	// Missing keys count as empty.
	empty, err := s.EstimateUnion("missing", "also-missing")
	require.NoError(t, err)
	assert.Equal(t, 0.0, empty)

	// The pooled accumulator is reset between calls.
	single, err := s.EstimateUnion("a")
	require.NoError(t, err)
	estA, err := s.Estimate("a")
	require.NoError(t, err)
	assert.Equal(t, estA, single)
}

func TestIntersection(t *testing.T) {
	cfg := testConfig()
	cfg.Precision = 14
	s, err := New(cfg, nil)
	require.NoError(t, err)
	addRange(s, "a", 0, 3000)
	addRange(s, "b", 2000, 5000)

	got, err := s.Intersection("a", "b")
	require.NoError(t, err)
	assert.InDelta(t, 1000, got, 250)

	_, err = s.Intersection("a", "missing")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMerge(t *testing.T) {
	s := newTestStore(t)
	addRange(s, "a", 0, 400)
	addRange(s, "b", 300, 800)
	addRange(s, "dest", 1000, 1100)

	require.NoError(t, s.Merge("dest", "a", "b", "missing"))

	a, err := s.Get("a")
	require.NoError(t, err)
	b, err := s.Get("b")
	require.NoError(t, err)
	dest, err := s.Get("dest")
	require.NoError(t, err)

	for i, v := range dest.Registers() {
		require.GreaterOrEqual(t, v, max(a.Registers()[i], b.Registers()[i]), "register %d", i)
	}
	assert.InEpsilon(t, 900, dest.Estimate(), 0.1)

	// Merging into a missing key creates it.
	require.NoError(t, s.Merge("copy", "a"))
	c, err := s.Get("copy")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(a.Registers(), c.Registers()))
}

func TestGetReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	s.Add("k", []byte("x"))

	sk, err := s.Get("k")
	require.NoError(t, err)
	sk.Reset()

	est, err := s.Estimate("k")
	require.NoError(t, err)
	assert.Greater(t, est, 0.0)
}

func TestPut(t *testing.T) {
	s := newTestStore(t)

	sk, err := hyperloglog.NewFromConfig(testConfig())
	require.NoError(t, err)
	sk.InsertString("stored")
	require.NoError(t, s.Put("k", sk))

	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(sk.Registers(), got.Registers()))

	other, err := hyperloglog.New(12, 5, 0)
	require.NoError(t, err)
	require.ErrorIs(t, s.Put("k", other), hyperloglog.ErrConfigurationMismatch)
}

func TestDeleteKeysLen(t *testing.T) {
	s := newTestStore(t)
	for _, k := range []string{"c", "a", "b"} {
		s.Add(k, []byte(k))
	}

	assert.Equal(t, []string{"a", "b", "c"}, s.Keys())
	assert.Equal(t, 3, s.Len())

	assert.True(t, s.Delete("b"))
	assert.False(t, s.Delete("b"))
	assert.Equal(t, []string{"a", "c"}, s.Keys())
	assert.Equal(t, 2, s.Len())
}

func TestConcurrentAccess(t *testing.T) {
	s := newTestStore(t)

	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("key-%d", i%16)
				s.Add(key, []byte(fmt.Sprintf("w%d-%d", w, i)))
				_, _ = s.EstimateUnion(key, "shared")
				if i%50 == 0 {
					_ = s.Merge("shared", key)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 17, s.Len())
	total, err := s.EstimateUnion(s.Keys()...)
	require.NoError(t, err)
	assert.InEpsilon(t, workers*500, total, 0.15)
}
