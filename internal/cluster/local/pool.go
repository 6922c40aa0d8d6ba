package local

import (
	"runtime"
	"sync"
)

// Pool bounds how many submitted jobs execute at once. It is created once by
// the local queue and shared by every submission in the process.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewPool sizes the pool to a worker count, defaulting to all available
// cores when size is zero or negative.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Go schedules fn for asynchronous execution, returning immediately. gate,
// when non-nil, runs first and holds no worker slot while it blocks, so a
// job waiting on its dependencies never starves jobs that are ready to run;
// returning false skips fn entirely. fn runs once a worker slot frees up.
func (p *Pool) Go(gate func() bool, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if gate != nil && !gate() {
			return
		}
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		fn()
	}()
}

// Wait blocks until all scheduled work completes.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Size returns the configured worker count.
func (p *Pool) Size() int { return cap(p.sem) }
