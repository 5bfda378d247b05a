package engine

import (
	"context"
	"log/slog"
	"sync"
)

// Pool bounds how many delivery attempts run concurrently, so a burst of
// events matching many subscriptions cannot fan out without limit.
// Workers pull delivery ids off a channel and hand them to the handler.
type Pool struct {
	numWorkers int
	jobs       chan string
	handler    func(context.Context, string)
	logger     *slog.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool with the given number of workers. handler runs
// one delivery attempt for the id it is given.
func NewPool(numWorkers int, handler func(context.Context, string), logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan string, numWorkers*4),
		handler:    handler,
		logger:     logger,
	}
}

// Start launches the worker goroutines. They drain the jobs channel until
// it is closed by Stop.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("delivery pool started", "num_workers", p.numWorkers)
}

// Submit queues a delivery id for an attempt. Returns false if the pool
// has already been stopped.
func (p *Pool) Submit(deliveryID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.jobs <- deliveryID
	return true
}

// Stop closes the jobs channel and waits for in-flight attempts to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("delivery pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for id := range p.jobs {
		select {
		case <-ctx.Done():
			return
		default:
			p.handler(ctx, id)
		}
	}
}
