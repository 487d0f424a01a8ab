package server

import (
	"context"
	"errors"
	"sync"
)

var errPoolClosed = errors.New("server: worker pool closed")

type job func()

// workerPool runs inbound events on a fixed number of goroutines.
type workerPool struct {
	queue chan job
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 1
	}
	p := &workerPool{
		queue: make(chan job, size*4),
		quit:  make(chan struct{}),
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()
			for {
				select {
				case j := <-p.queue:
					j()
				case <-p.quit:
					return
				}
			}
		}()
	}
	return p
}

// run queues j and waits for it to finish, so a caller that runs its jobs one
// after another sees them complete in order.
func (p *workerPool) run(ctx context.Context, j job) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		j()
	}

	select {
	case p.queue <- wrapped:
	case <-p.quit:
		return errPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-p.quit:
		return errPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *workerPool) shutdown() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
