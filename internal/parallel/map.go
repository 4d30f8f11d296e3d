// Package parallel runs a function over a sequence with bounded
// concurrency.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map calls fn for every element of seq with at most limit calls in
// flight and yields the results in completion order. Errors of seq are
// yielded as they are. Stopping the iteration or cancelling ctx stops the
// remaining work; Map returns only once every started call finished.
//
//	for d, err := range parallel.Map(ctx, 4, input, fn) {}
func Map[E, D any](ctx context.Context, limit int, seq iter.Seq2[E, error], fn func(context.Context, E) (D, error)) iter.Seq2[D, error] {
	if limit < 1 {
		limit = 1
	}
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		results := make(chan result[D], limit)
		send := func(r result[D]) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case results <- r:
				return nil
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer close(results)
			for e, err := range seq {
				if gctx.Err() != nil {
					break
				}
				if err != nil {
					if send(result[D]{e: err}) != nil {
						break
					}
					continue
				}
				g.Go(func() error {
					d, err := fn(gctx, e)
					return send(result[D]{d: d, e: err})
				})
			}
			_ = g.Wait()
		}()

		for r := range results {
			if ctx.Err() != nil || !yield(r.d, r.e) {
				break
			}
		}
		cancel()
		<-done
	}
}
