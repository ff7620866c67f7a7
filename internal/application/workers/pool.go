package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/dagflow/pkg/ports"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Submit after Shutdown
var ErrPoolClosed = errors.New("worker pool closed")

// Task is a unit of node work. It receives the context of its submitter.
type Task func(ctx context.Context)

// Pool runs node tasks on a fixed number of goroutines shared by all runs
type Pool struct {
	size    int
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	jobs    chan job
	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	startOnce sync.Once
}

type job struct {
	ctx      context.Context
	task     Task
	enqueued time.Time
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool. metrics may be nil.
func NewPool(size int, metrics ports.MetricsCollector, logger *zap.Logger, healthCheckInterval time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		size:    size,
		metrics: metrics,
		logger:  logger,
		jobs:    make(chan job),
		workers: make([]*worker, size),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range pool.workers {
		pool.workers[i] = &worker{
			id:     fmt.Sprintf("worker-%d", i),
			pool:   pool,
			status: WorkerStatusIdle,
		}
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// Start starts the worker goroutines and the health monitor
func (p *Pool) Start() error {
	p.startOnce.Do(func() {
		p.logger.Info("starting worker pool", zap.Int("size", p.size))

		for _, w := range p.workers {
			p.wg.Add(1)
			go w.run(p.ctx)
		}
		p.health.Start()
	})
	return nil
}

// Submit hands a task to the next idle worker. It blocks until a worker
// accepts the task, ctx is done or the pool shuts down.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if err := p.ctx.Err(); err != nil {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job{ctx: ctx, task: task, enqueued: time.Now()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Health returns the pool's health monitor
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// Shutdown stops accepting tasks and waits for running tasks to return
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus, len(p.workers))
	for _, w := range p.workers {
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

func (w *worker) setStatus(s WorkerStatus) {
	w.mu.Lock()
	w.status = s
	if s == WorkerStatusBusy {
		w.lastJob = time.Now()
	}
	w.mu.Unlock()
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()
	defer w.setStatus(WorkerStatusStopped)

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.pool.jobs:
			w.execute(j)
		}
	}
}

func (w *worker) execute(j job) {
	w.setStatus(WorkerStatusBusy)
	defer w.setStatus(WorkerStatusIdle)

	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("task panicked",
				zap.String("worker_id", w.id),
				zap.Any("panic", r))
		}
	}()

	if wait := time.Since(j.enqueued); wait > time.Second {
		w.pool.logger.Debug("task waited for a worker",
			zap.String("worker_id", w.id),
			zap.Duration("wait", wait))
	}

	j.task(j.ctx)
}
