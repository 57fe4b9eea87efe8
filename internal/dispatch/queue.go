// Package dispatch drives inbound webhooks from verification to publishing.
// Accepted events are published by a bounded worker pool after the HTTP
// response has been sent.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned when no slot frees up within the enqueue timeout.
	ErrQueueFull = errors.New("dispatch: queue full")
	// ErrQueueStopped is returned after Stop has been called.
	ErrQueueStopped = errors.New("dispatch: queue stopped")
)

// Task is a unit of detached work.
type Task struct {
	// Name identifies the task in logs, usually the event id.
	Name string
	Run  func(ctx context.Context) error
}

// QueueConfig sizes the worker pool.
type QueueConfig struct {
	Concurrency    int
	Depth          int
	EnqueueTimeout time.Duration
	TaskTimeout    time.Duration
}

// Queue is a fixed pool of workers fed by a bounded channel.
type Queue struct {
	cfg    QueueConfig
	logger *slog.Logger
	tasks  chan Task

	// base parents every task context. It is cancelled when a Stop deadline
	// passes.
	base    context.Context
	abandon context.CancelFunc

	mu      sync.RWMutex
	stopped bool
	started bool

	wg        sync.WaitGroup
	dropped   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewQueue creates a queue. Call Start before submitting.
func NewQueue(cfg QueueConfig, logger *slog.Logger) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 256
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 100 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	base, abandon := context.WithCancel(context.Background())
	return &Queue{
		cfg:     cfg,
		logger:  logger,
		tasks:   make(chan Task, cfg.Depth),
		base:    base,
		abandon: abandon,
	}
}

// Start launches the workers. It is a no-op after the first call.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.logger.Info("dispatch queue started",
		slog.Int("concurrency", q.cfg.Concurrency),
		slog.Int("depth", q.cfg.Depth))
}

// Submit enqueues t, waiting at most the enqueue timeout for a free slot.
func (q *Queue) Submit(ctx context.Context, t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return ErrQueueStopped
	}

	select {
	case q.tasks <- t:
		return nil
	default:
	}

	timer := time.NewTimer(q.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case q.tasks <- t:
		return nil
	case <-timer.C:
		q.logger.Warn("dispatch queue full", slog.String("task", t.Name), slog.Int("depth", q.cfg.Depth))
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Stats returns counters for completed, failed and dropped tasks.
func (q *Queue) Stats() (completed, failed, dropped int64) {
	return q.completed.Load(), q.failed.Load(), q.dropped.Load()
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for t := range q.tasks {
		if q.base.Err() != nil {
			q.dropped.Add(1)
			continue
		}
		q.run(id, t)
	}
}

func (q *Queue) run(worker int, t Task) {
	ctx, cancel := context.WithTimeout(q.base, q.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.logger.Error("dispatch task panicked",
				slog.String("task", t.Name),
				slog.Int("worker", worker),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()

	if err := t.Run(ctx); err != nil {
		q.failed.Add(1)
		q.logger.Error("dispatch task failed",
			slog.String("task", t.Name),
			slog.Int("worker", worker),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return
	}
	q.completed.Add(1)
}

// Stop refuses new tasks and drains the queue until ctx is done. Tasks
// still queued at the deadline are dropped and in-flight tasks are
// cancelled. It returns the number of dropped tasks.
func (q *Queue) Stop(ctx context.Context) int {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return int(q.dropped.Load())
	}
	q.stopped = true
	started := q.started
	close(q.tasks)
	q.mu.Unlock()

	if !started {
		n := len(q.tasks)
		q.dropped.Add(int64(n))
		q.abandon()
		return n
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		q.abandon()
		<-done
	}
	q.abandon()

	dropped := int(q.dropped.Load())
	if dropped > 0 {
		q.logger.Warn("dispatch queue stopped with dropped tasks", slog.Int("dropped", dropped))
	} else {
		q.logger.Info("dispatch queue drained")
	}
	return dropped
}
