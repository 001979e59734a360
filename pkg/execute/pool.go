package execute

import (
	"context"
	"runtime"
	"sync"
)

// Pool is a semaphore-based worker pool for the per-(site, cohort)
// query fan-out. It has no lifecycle: it is ready after creation and
// cleans up when a run completes.
type Pool struct {
	workers int
}

// NewPool creates a pool with the given worker count. Zero or negative
// selects the CPU count.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{workers: workers}
}

// Run invokes fn(i) for i in [0, n), at most p.workers at a time, and
// blocks until every invocation returned. Context cancellation stops
// scheduling of not-yet-started invocations; running ones finish.
func (p *Pool) Run(ctx context.Context, n int, fn func(i int)) {
	if n <= 0 {
		return
	}

	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}

	wg.Wait()
}
