package hyperloglog

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// UnionAll folds sketches into a new sketch with Union, left to right. The
// inputs are not modified.
func UnionAll(sketches ...*Sketch) (*Sketch, error) {
	if len(sketches) == 0 {
		return nil, ErrNoSketches
	}

	out := sketches[0].Clone()
	for i, s := range sketches[1:] {
		if err := out.Merge(s); err != nil {
			return nil, fmt.Errorf("sketch %d: %w", i+1, err)
		}
	}
	return out, nil
}

// ParallelUnion combines sketches with a pairwise tree reduction, running the
// unions of each level concurrently. Because union is associative and
// commutative the result has the same registers as UnionAll. The inputs are
// not modified.
func ParallelUnion(ctx context.Context, sketches []*Sketch) (*Sketch, error) {
	if len(sketches) == 0 {
		return nil, ErrNoSketches
	}

	// Reject mismatches up front so that no partial work is wasted.
	for i, s := range sketches[1:] {
		if err := sketches[0].Compatible(s); err != nil {
			return nil, fmt.Errorf("sketch %d: %w", i+1, err)
		}
	}

	level := sketches
	if len(level) == 1 {
		return level[0].Clone(), nil
	}

	for len(level) > 1 {
		next := make([]*Sketch, (len(level)+1)/2)

		eg, ctx := errgroup.WithContext(ctx)
		eg.SetLimit(runtime.GOMAXPROCS(0))

		for i := 0; i+1 < len(level); i += 2 {
			left, right := level[i], level[i+1]
			slot := i / 2
			eg.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				u, err := left.Union(right)
				if err != nil {
					return err
				}
				next[slot] = u
				return nil
			})
		}
		if len(level)%2 == 1 {
			next[len(next)-1] = level[len(level)-1]
		}

		if err := eg.Wait(); err != nil {
			return nil, err
		}
		level = next
	}

	return level[0], nil
}

// BuildParallel creates shards empty sketches configured like template, runs
// fill on each of them concurrently, and returns their union. Each call to
// fill owns its sketch exclusively, so no locking is needed while inserting.
func BuildParallel(ctx context.Context, template *Sketch, shards int,
	fill func(ctx context.Context, shard int, s *Sketch) error) (*Sketch, error) {
	if shards <= 0 {
		return nil, ErrNoSketches
	}

	parts := make([]*Sketch, shards)
	for i := range parts {
		parts[i] = template.emptyLike()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for i, part := range parts {
		eg.Go(func() error {
			return fill(egCtx, i, part)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return ParallelUnion(ctx, parts)
}
