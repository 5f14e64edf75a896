package fn

import (
	"context"
	"sync"
)

// ParMapResult applies f to every item with at most workers calls in
// flight and returns the Results in input order. Once ctx is done, items
// not yet started fail with ctx.Err() instead of calling f. workers <= 0
// runs every item at once.
func ParMapResult[T, U any](ctx context.Context, items []T, workers int, f func(context.Context, T) Result[U]) []Result[U] {
	out := make([]Result[U], len(items))
	if len(items) == 0 {
		return out
	}
	if workers <= 0 || workers > len(items) {
		workers = len(items)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i, v := range items {
		if !acquire(ctx, sem) {
			for j := i; j < len(items); j++ {
				out[j] = Err[U](ctx.Err())
			}
			break
		}
		wg.Add(1)
		go func() {
			defer func() { <-sem; wg.Done() }()
			out[i] = f(ctx, v)
		}()
	}
	wg.Wait()
	return out
}

func acquire(ctx context.Context, sem chan struct{}) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}
