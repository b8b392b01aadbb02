// Package concurrent holds bounded fan-out helpers.
package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one item of MapSettled.
type Result[R any] struct {
	Value R
	Err   error
}

// MapSettled applies fn to every item with at most limit calls in flight and
// returns one Result per item, in input order. A failing item never cancels
// the others; items not yet started when ctx is done report ctx.Err().
func MapSettled[T, R any](ctx context.Context, items []T, limit int, fn func(context.Context, T) (R, error)) []Result[R] {
	if len(items) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 10
	}
	results := make([]Result[R], len(items))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Value, results[i].Err = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
