package prepare

import (
	"context"
	"sync"
	"sync/atomic"
)

// Pool runs track jobs on a bounded set of workers with a process-wide stop
// flag: once a job fails (or Stop is called), queued jobs decline to start,
// but in-flight jobs run to completion.
type Pool struct {
	workers int
	stopped atomic.Bool
}

// NewPool builds a pool with the given concurrency bound; values below one
// are clamped to one.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers}
}

// Stop sets the stop flag. Jobs not yet started will be skipped.
func (p *Pool) Stop() {
	p.stopped.Store(true)
}

// Stopped reports whether the stop flag is set.
func (p *Pool) Stopped() bool {
	return p.stopped.Load()
}

// Run executes the jobs and returns the first error. A failing job sets the
// stop flag so remaining queued jobs are skipped; jobs already running are
// not interrupted.
func (p *Pool) Run(ctx context.Context, jobs []func(context.Context) error) error {
	queue := make(chan func(context.Context) error)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	record := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		p.Stop()
	}

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				if p.stopped.Load() || ctx.Err() != nil {
					continue
				}
				if err := job(ctx); err != nil {
					record(err)
				}
			}
		}()
	}

	for _, job := range jobs {
		queue <- job
	}
	close(queue)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}
