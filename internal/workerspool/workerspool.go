// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements the data-parallel loop used by operator
// execution: a bounded pool of workers that splits the lanes of a tensor
// among goroutines, stealing work one lane at a time.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool schedules data-parallel work with a soft limit of goroutines.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	// 0 disables parallelism (work runs inline), -1 means unlimited.
	maxParallelism int
}

// New returns a new Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (p *Pool) IsEnabled() bool {
	return p.maxParallelism != 0
}

// MaxParallelism is a soft target for parallelism.
// If set to 0, parallelism is disabled. If set to -1, it is unlimited.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// Only change the parallelism while no work is running. If changed during
// execution the behavior is undefined.
func (p *Pool) SetMaxParallelism(maxParallelism int) {
	p.maxParallelism = maxParallelism
}

// ParallelFor calls fn(i) for every i in [0, n), partitioning the iterations
// among the pool's workers, and returns after all calls completed.
//
// Iterations are handed out dynamically (work-stealing), so uneven per-lane
// costs still balance. fn must not call ParallelFor on the same Pool and the
// iterations must be independent: no iteration may observe or mutate data
// written by another.
func (p *Pool) ParallelFor(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	workers := p.maxParallelism
	if workers < 0 || workers > n {
		workers = n
	}
	if workers <= 1 || n == 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var next atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1)) - 1
				if i >= n {
					return
				}
				fn(i)
			}
		}()
	}
	wg.Wait()
}
