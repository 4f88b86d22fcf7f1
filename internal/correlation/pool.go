package correlation

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrPoolNotStarted = errors.New("worker pool not started")
	ErrPoolStopped    = errors.New("worker pool stopped")
	ErrQueueFull      = errors.New("worker pool queue full")
)

// pool is a fixed set of workers draining a bounded queue.
type pool[T any] struct {
	workers   int
	processor func(context.Context, T)

	work chan T
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

func newPool[T any](workers, queueSize int, processor func(context.Context, T)) *pool[T] {
	if workers <= 0 {
		workers = 16
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	return &pool[T]{
		workers:   workers,
		processor: processor,
		work:      make(chan T, queueSize),
	}
}

func (p *pool[T]) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

func (p *pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.work:
			if !ok {
				return
			}
			p.processor(ctx, item)
		}
	}
}

// Submit never blocks.
func (p *pool[T]) Submit(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.work <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *pool[T]) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.work)
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
}
