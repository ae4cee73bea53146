package recognizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = errors.New("worker pool closed")

// PoolConfig sizes the pool
type PoolConfig struct {
	Size int
	// Strategies are assigned to workers round-robin
	Strategies []Strategy
}

// Worker is one long-lived recognizer instance
type Worker struct {
	ID       string
	Strategy Strategy
	engine   Engine
}

// WorkerPool holds a fixed set of workers. Each worker serves one attempt at
// a time; idle workers wait in a buffered channel.
type WorkerPool struct {
	workers   []*Worker
	idle      chan *Worker
	closed    chan struct{}
	closeOnce sync.Once
}

// NewWorkerPool builds cfg.Size workers from factory
func NewWorkerPool(cfg PoolConfig, factory EngineFactory) (*WorkerPool, error) {
	if cfg.Size <= 0 {
		cfg.Size = 3
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = DefaultStrategies
	}

	p := &WorkerPool{
		workers: make([]*Worker, 0, cfg.Size),
		idle:    make(chan *Worker, cfg.Size),
		closed:  make(chan struct{}),
	}
	for i := 0; i < cfg.Size; i++ {
		strategy := cfg.Strategies[i%len(cfg.Strategies)]
		engine, err := factory(strategy)
		if err != nil {
			for _, w := range p.workers {
				w.engine.Close()
			}
			return nil, fmt.Errorf("create worker %d: %w", i+1, err)
		}
		w := &Worker{ID: fmt.Sprintf("worker-%d", i+1), Strategy: strategy, engine: engine}
		p.workers = append(p.workers, w)
		p.idle <- w
	}
	return p, nil
}

// Size is the number of workers
func (p *WorkerPool) Size() int {
	return len(p.workers)
}

// Idle is the number of workers not serving an attempt
func (p *WorkerPool) Idle() int {
	return len(p.idle)
}

// Lease is a scoped claim on one worker
type Lease struct {
	pool   *WorkerPool
	worker *Worker
	once   sync.Once
}

// Worker returns the leased worker
func (l *Lease) Worker() *Worker {
	return l.worker
}

// Release returns the worker to the pool. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.idle <- l.worker
	})
}

// Acquire blocks until a worker is idle, ctx ends or the pool closes
func (p *WorkerPool) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}

	select {
	case w := <-p.idle:
		return &Lease{pool: p, worker: w}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrPoolClosed
	}
}

// Do runs fn on a leased worker and releases it on every path
func (p *WorkerPool) Do(ctx context.Context, fn func(w *Worker) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Worker())
}

// Recognize runs the worker's engine with the worker's strategy
func (w *Worker) Recognize(ctx context.Context, img []byte, params Params) (*Recognition, error) {
	if params.Strategy == "" {
		params.Strategy = w.Strategy
	}
	return w.engine.Recognize(ctx, img, params)
}

// Close stops new acquisitions, waits for in-flight leases and closes every engine
func (p *WorkerPool) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		close(p.closed)
		for range p.workers {
			w := <-p.idle
			if err := w.engine.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", w.ID, err))
			}
		}
	})
	return errors.Join(errs...)
}
