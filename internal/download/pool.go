package download

import (
	"context"
	"sync"
	"sync/atomic"
)

// workerPool bounds the number of part workers running at once across
// every task. Submission never blocks: each job waits for a slot in
// its own goroutine and gives up when its context is cancelled.
type workerPool struct {
	slots  chan struct{}
	active atomic.Int32
	wg     sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	if size < 1 {
		size = 1
	}
	return &workerPool{slots: make(chan struct{}, size)}
}

// submit schedules job and hands its result to report.
// A job cancelled before it got a slot reports ErrPaused.
func (p *workerPool) submit(ctx context.Context, job func(context.Context) error, report func(error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			report(ErrPaused)
			return
		}

		p.active.Add(1)
		err := job(ctx)
		p.active.Add(-1)
		<-p.slots

		report(err)
	}()
}

// capacity returns the number of slots
func (p *workerPool) capacity() int {
	return cap(p.slots)
}

// activeWorkers returns how many jobs currently hold a slot
func (p *workerPool) activeWorkers() int {
	return int(p.active.Load())
}

// wait blocks until every submitted job has reported
func (p *workerPool) wait() {
	p.wg.Wait()
}
