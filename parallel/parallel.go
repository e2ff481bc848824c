// Package parallel runs per-particle work in fork-join regions.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// For calls fn for every index in [0, n) using at most workers goroutines.
// If workers is non-positive runtime.GOMAXPROCS(0) workers are used.
// For returns once every call has finished and returns the first non-nil error.
func For(n, workers int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	if workers == 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(workers)

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return fn(i)
		})
	}

	return g.Wait()
}
