package websocket

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize bounds concurrently running invocation handlers of one endpoint.
const DefaultPoolSize = 256

// Pool runs invocation handlers with bounded concurrency. When it is full,
// Go blocks the calling read loop, which stops reading from that socket.
type Pool struct {
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// NewPool creates a pool. A non-positive size uses DefaultPoolSize.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Go runs fn once a slot is free. It fails only if ctx ends first.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	go func() {
		defer func() {
			p.inFlight.Add(-1)
			p.sem.Release(1)
			p.wg.Done()
		}()
		fn()
	}()
	return nil
}

// Wait blocks until every started handler returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// InFlight returns the number of running handlers.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}
