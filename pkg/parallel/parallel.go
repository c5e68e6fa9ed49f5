// Package parallel holds the process-wide degree-of-parallelism hint and a
// fork/join helper that runs one task per slice of a volume.
package parallel

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// workers is the configured pool size; 0 means runtime.GOMAXPROCS(0)
var workers atomic.Int64

// Workers returns the current degree of parallelism
func Workers() int {
	if n := workers.Load(); n > 0 {
		return int(n)
	}
	return runtime.GOMAXPROCS(0)
}

// SetWorkers sets the degree of parallelism. Values <= 0 restore the default.
func SetWorkers(n int) {
	if n < 0 {
		n = 0
	}
	workers.Store(int64(n))
}

// Slices runs fn once for every index in [0, n) using at most Workers()
// goroutines and waits for all of them. It returns the first error.
func Slices(n int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}

	if n == 1 || Workers() == 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	var group errgroup.Group
	group.SetLimit(Workers())

	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error {
			return fn(i)
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("parallel execution: %w", err)
	}

	return nil
}
