package batch

import (
	"context"
	"sync"
)

// workerPool bounds the number of jobs executing concurrently to N. It is
// deliberately split into Acquire/Release rather than a single Execute(f)
// call: dispatch (queue.go) starts each job's goroutine with Go, and that
// goroutine acquires a slot, runs the job, and releases the slot the moment
// the job function itself returns — before sending the completion message.
// The pump therefore never blocks on a saturated pool, and a worker that is
// waiting for the pump to receive its result holds no slot.
type workerPool struct {
	sem chan int
	wg  sync.WaitGroup
}

// newWorkerPool returns a pool that runs at most n jobs concurrently. n<1 is
// treated as 1.
func newWorkerPool(n int) *workerPool {
	if n < 1 {
		n = 1
	}
	sem := make(chan int, n)
	for i := 0; i < n; i++ {
		sem <- i
	}
	return &workerPool{sem: sem}
}

// Acquire blocks until a worker slot is free, or ctx is done. On success it
// returns the acquired slot's index (stable in [0,n)), which callers use
// only to address a per-worker status line; it carries no other meaning.
func (p *workerPool) Acquire(ctx context.Context) (int, error) {
	select {
	case idx := <-p.sem:
		return idx, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Release frees the worker slot idx, acquired via Acquire.
func (p *workerPool) Release(idx int) {
	p.sem <- idx
}

// Go tracks f's entire lifetime (job execution plus whatever bookkeeping
// the caller does afterwards) for Wait, without participating in the
// concurrency bound enforced by Acquire/Release.
func (p *workerPool) Go(f func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		f()
	}()
}

// Wait blocks until every goroutine started with Go has returned. On
// shutdown this guarantees in-flight jobs run to completion rather than
// being abandoned.
func (p *workerPool) Wait() {
	p.wg.Wait()
}
