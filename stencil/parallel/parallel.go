// Copyright 2025 go-stencil Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package parallel provides a persistent, reusable worker pool for the tile
// scheduler. A Pool is created once and reused across many traversals,
// eliminating per-call goroutine spawn overhead in the inner loops.
//
// The pool supports two parallelism modes over a strided range:
//
//   - flat: one level of workers splitting the iteration count by static
//     chunking
//   - nested: an outer level of workers, each running its own inner
//     parallel loop; the flat thread id is outer*inner_count + inner
//
// Usage:
//
//	pool := parallel.New(outerThreads, innerThreads)
//	defer pool.Close()
//
//	pool.ParallelFor(begin, end, stride, func(start, stop int64, thread int) {
//	    processTiles(start, stop, thread)
//	})
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a persistent two-level worker pool. Outer workers are spawned
// once at creation and reused; inner loops run on transient goroutines
// owned by their outer worker.
type Pool struct {
	outer int
	inner int

	workC     chan workItem
	closeOnce sync.Once
	closed    atomic.Bool
}

// workItem is one outer-worker task plus its completion barrier.
type workItem struct {
	fn      func()
	barrier *sync.WaitGroup
}

// New creates a pool with the given outer and inner thread counts. Counts
// below 1 default to GOMAXPROCS for outer and 1 for inner.
func New(outer, inner int) *Pool {
	if outer <= 0 {
		outer = runtime.GOMAXPROCS(0)
	}
	if inner <= 0 {
		inner = 1
	}
	p := &Pool{
		outer: outer,
		inner: inner,
		workC: make(chan workItem, outer*2),
	}
	for i := 0; i < outer; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for item := range p.workC {
		item.fn()
		item.barrier.Done()
	}
}

// OuterThreads returns the outer worker count.
func (p *Pool) OuterThreads() int { return p.outer }

// InnerThreads returns the inner thread count per outer worker.
func (p *Pool) InnerThreads() int { return p.inner }

// NumThreads returns the flat thread count (outer * inner).
func (p *Pool) NumThreads() int { return p.outer * p.inner }

// Close shuts the pool down. Pending work completes. Safe to call twice.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.workC)
	})
}

// ceilDiv returns ceil(a/b) for non-negative a, positive b.
func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

// divEqually returns the size of part i when distributing n items across
// parts parts, the first n%parts parts receiving one extra.
func divEqually(n, parts, i int64) int64 {
	sz := n / parts
	if i < n%parts {
		sz++
	}
	return sz
}

// ParallelFor runs body over the strided range [begin, end) by stride,
// delivering contiguous sub-ranges [start, stop) and a flat thread id to
// each invocation. It blocks until every sub-range completes (barrier
// semantics): the caller may rely on all writes made by body being visible
// when it returns.
//
// The flat mode is chosen when the inner level is not configured or the
// iteration count does not exceed the outer worker count; otherwise the
// nested mode splits iterations across outer workers with each running an
// inner loop, and the flat id is outer*innerThreads + inner.
func (p *Pool) ParallelFor(begin, end, stride int64, body func(start, stop int64, thread int)) {
	if end <= begin {
		return
	}
	if stride <= 0 {
		stride = end - begin
	}
	iters := ceilDiv(end-begin, stride)

	if p.closed.Load() {
		body(begin, end, 0)
		return
	}

	if p.inner <= 1 || iters <= int64(p.outer) {
		p.flatFor(begin, end, stride, iters, body)
		return
	}
	p.nestedFor(begin, end, stride, iters, body)
}

func (p *Pool) flatFor(begin, end, stride, iters int64, body func(start, stop int64, thread int)) {
	workers := int64(p.outer) * int64(p.inner)
	if workers > iters {
		workers = iters
	}
	if workers == 1 {
		body(begin, end, 0)
		return
	}
	chunk := ceilDiv(iters, workers)

	var wg sync.WaitGroup
	// Flat chunks are dispatched through the outer workers; with more
	// chunks than outer workers the excess queue up behind them.
	for w := int64(0); w < workers; w++ {
		w := w
		start := begin + w*chunk*stride
		stop := min(start+chunk*stride, end)
		if start >= end {
			break
		}
		wg.Add(1)
		p.workC <- workItem{
			fn:      func() { body(start, stop, int(w)) },
			barrier: &wg,
		}
	}
	wg.Wait()
}

func (p *Pool) nestedFor(begin, end, stride, iters int64, body func(start, stop int64, thread int)) {
	outer := int64(p.outer)
	inner := int64(p.inner)

	var outerWG sync.WaitGroup
	for o := int64(0); o < outer; o++ {
		o := o
		oIters := divEqually(iters, outer, o)
		if oIters == 0 {
			continue
		}
		oFirst := cumuParts(iters, outer, o-1)
		oStart := begin + oFirst*stride
		oStop := min(oStart+oIters*stride, end)

		outerWG.Add(1)
		p.workC <- workItem{
			fn: func() {
				// Inner split of this outer worker's range.
				var innerWG sync.WaitGroup
				for in := int64(0); in < inner; in++ {
					iIters := divEqually(oIters, inner, in)
					if iIters == 0 {
						continue
					}
					iFirst := cumuParts(oIters, inner, in-1)
					start := oStart + iFirst*stride
					stop := min(start+iIters*stride, oStop)
					thread := int(o*inner + in)

					innerWG.Add(1)
					go func() {
						defer innerWG.Done()
						body(start, stop, thread)
					}()
				}
				innerWG.Wait()
			},
			barrier: &outerWG,
		}
	}
	outerWG.Wait()
}

// cumuParts returns the total of parts 0..i of divEqually; i == -1 is 0.
func cumuParts(n, parts, i int64) int64 {
	if i < 0 {
		return 0
	}
	sz := (i + 1) * (n / parts)
	if rem := n % parts; i+1 < rem {
		sz += i + 1
	} else {
		sz += rem
	}
	return sz
}

// InnerFor runs body over the strided range [begin, end) using only the
// inner level: transient goroutines owned by the calling outer worker. It
// must be used (instead of ParallelFor) from inside a ParallelFor body,
// where dispatching to the shared outer workers would deadlock. Flat thread
// ids are outerThread*innerThreads + i.
func (p *Pool) InnerFor(begin, end, stride int64, outerThread int, body func(start, stop int64, thread int)) {
	if end <= begin {
		return
	}
	if stride <= 0 {
		stride = end - begin
	}
	iters := ceilDiv(end-begin, stride)
	inner := int64(p.inner)
	if inner > iters {
		inner = iters
	}
	if inner <= 1 {
		body(begin, end, outerThread*p.inner)
		return
	}
	var wg sync.WaitGroup
	for in := int64(0); in < inner; in++ {
		iIters := divEqually(iters, inner, in)
		if iIters == 0 {
			continue
		}
		iFirst := cumuParts(iters, inner, in-1)
		start := begin + iFirst*stride
		stop := min(start+iIters*stride, end)
		thread := outerThread*p.inner + int(in)

		wg.Add(1)
		go func() {
			defer wg.Done()
			body(start, stop, thread)
		}()
	}
	wg.Wait()
}

// Run executes fn(i) for each i in [0, n) across the pool, blocking until
// all complete. A convenience wrapper over ParallelFor with stride 1.
func (p *Pool) Run(n int64, fn func(i int64, thread int)) {
	p.ParallelFor(0, n, 1, func(start, stop int64, thread int) {
		for i := start; i < stop; i++ {
			fn(i, thread)
		}
	})
}
