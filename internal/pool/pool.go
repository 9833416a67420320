// Package pool provides the bounded worker pool shared by all blockchain
// provider calls.
package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is the number of concurrent provider calls.
const DefaultSize = 10

// Pool bounds the number of concurrently running tasks across every batch
// submitted to it.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// New returns a pool running at most size tasks at once.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the pool capacity.
func (p *Pool) Size() int {
	return p.size
}

// Run executes fn for every index in [0, n) and waits for all of them.
// The returned slice holds each task's error at its index, so results are
// correlated by index regardless of completion order. Tasks not started
// before ctx is cancelled report ctx.Err().
func (p *Pool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			for j := i; j < n; j++ {
				errs[j] = err
			}
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer p.sem.Release(1)
			errs[i] = fn(ctx, i)
		}(i)
	}
	wg.Wait()
	return errs
}

// FirstError returns the first non-nil error by index.
func FirstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
