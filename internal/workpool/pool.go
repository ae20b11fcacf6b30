// Package workpool provides the fixed-size worker pool the cpu and
// gpustage backends dispatch request closures on.
package workpool

import "sync"

// Pool runs submitted closures on a fixed set of worker goroutines.
// Jobs are executed FIFO. Close drains every job already submitted
// before the workers exit, so a caller that submits completion-invoking
// closures can rely on all completions having fired once Close returns.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []func()
	stopped bool
	wg      sync.WaitGroup
}

// New creates a pool with the given worker count, clamped to >= 1.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}

	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for !p.stopped && len(p.jobs) == 0 {
			p.cond.Wait()
		}
		if p.stopped && len(p.jobs) == 0 {
			p.mu.Unlock()
			return
		}
		job := p.jobs[0]
		p.jobs = p.jobs[1:]
		p.mu.Unlock()

		job()
	}
}

// Submit enqueues a job. It reports false if the pool is already
// closed, in which case the job will never run.
func (p *Pool) Submit(job func()) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()

	p.cond.Signal()
	return true
}

// Close stops the pool after draining all submitted jobs and waits for
// the workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cond.Broadcast()
	p.wg.Wait()
}
