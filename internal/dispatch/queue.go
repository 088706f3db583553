// Package dispatch provides the asynchronous task queue through which every
// venue call is routed. The queue enforces a global submission rate across
// all lanes, a per-lane concurrency limit (1 for private trading accounts,
// serializing each account's order calls), and an optional per-lane minimum
// interval between dispatches (used to pace the public ticker lane). Within
// a lane, pending tasks run in descending priority order, FIFO among equals.
//
// The queue never retries and never inspects task bodies; failures propagate
// through the returned Future and retry policy lives with the caller.
package dispatch

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tri_trader/internal/core"
	"tri_trader/pkg/concurrency"
	"tri_trader/pkg/telemetry"
)

// Task is a unit of work executed when its turn arrives.
type Task func(ctx context.Context) (interface{}, error)

// Future resolves with the task's result once it has run.
type Future struct {
	done  chan struct{}
	value interface{}
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(value interface{}, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LaneConfig describes one named concurrency lane.
type LaneConfig struct {
	Name        string
	Concurrency int           // max tasks of this lane running at once
	MinInterval time.Duration // minimum spacing between dispatches, 0 for none
}

type queuedTask struct {
	ctx      context.Context
	task     Task
	future   *Future
	priority int
	seq      uint64
}

// taskHeap orders by descending priority, then submission order.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*queuedTask))
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type lane struct {
	cfg        LaneConfig
	pending    taskHeap
	running    int
	notBefore  time.Time // earliest next dispatch when MinInterval is set
	timerArmed bool
}

// Queue schedules tasks across lanes over a shared worker pool.
type Queue struct {
	pool    *concurrency.WorkerPool
	limiter *rate.Limiter
	logger  core.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	lanes  map[string]*lane
	seq    uint64
	closed bool
}

// Config holds queue-wide settings.
type Config struct {
	RatePerSecond float64 // global dispatch cap across all lanes
	PoolWorkers   int
	PoolCapacity  int
}

// New creates a queue with no lanes; register lanes with AddLane.
func New(cfg Config, logger core.Logger, metrics *telemetry.Metrics) *Queue {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "dispatch",
		MaxWorkers:  cfg.PoolWorkers,
		MaxCapacity: cfg.PoolCapacity,
	}, logger)

	return &Queue{
		pool:    pool,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		logger:  logger.WithField("component", "dispatch_queue"),
		metrics: metrics,
		lanes:   make(map[string]*lane),
	}
}

// AddLane registers a named lane. Lanes must be registered before use.
func (q *Queue) AddLane(cfg LaneConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("lane name must not be empty")
	}
	if cfg.Concurrency <= 0 {
		return fmt.Errorf("lane %s: concurrency must be positive", cfg.Name)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.lanes[cfg.Name]; exists {
		return fmt.Errorf("lane %s already registered", cfg.Name)
	}
	q.lanes[cfg.Name] = &lane{cfg: cfg}
	return nil
}

// Submit enqueues a task on the given lane and returns its Future. The task
// runs with the submitted ctx; cancelling ctx before dispatch fails the
// Future without running the task.
func (q *Queue) Submit(ctx context.Context, laneName string, priority int, task Task) (*Future, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, fmt.Errorf("queue is stopped")
	}
	ln, ok := q.lanes[laneName]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("unknown lane %q", laneName)
	}

	q.seq++
	qt := &queuedTask{
		ctx:      ctx,
		task:     task,
		future:   newFuture(),
		priority: priority,
		seq:      q.seq,
	}
	heap.Push(&ln.pending, qt)
	q.metrics.QueueDepth.WithLabelValues(laneName).Set(float64(ln.pending.Len()))
	q.pump(ln)
	q.mu.Unlock()

	return qt.future, nil
}

// pump dispatches as many pending tasks as the lane permits. Callers hold q.mu.
func (q *Queue) pump(ln *lane) {
	for ln.running < ln.cfg.Concurrency && ln.pending.Len() > 0 {
		if ln.cfg.MinInterval > 0 {
			now := time.Now()
			if now.Before(ln.notBefore) {
				q.armTimer(ln, ln.notBefore.Sub(now))
				return
			}
			ln.notBefore = now.Add(ln.cfg.MinInterval)
		}

		qt := heap.Pop(&ln.pending).(*queuedTask)
		q.metrics.QueueDepth.WithLabelValues(ln.cfg.Name).Set(float64(ln.pending.Len()))

		if qt.ctx.Err() != nil {
			qt.future.complete(nil, qt.ctx.Err())
			continue
		}

		ln.running++
		q.metrics.QueueTasksDispatched.WithLabelValues(ln.cfg.Name).Inc()
		q.runTask(ln, qt)
	}
}

func (q *Queue) runTask(ln *lane, qt *queuedTask) {
	err := q.pool.Submit(func() {
		if err := q.limiter.Wait(qt.ctx); err != nil {
			qt.future.complete(nil, err)
		} else {
			value, err := qt.task(qt.ctx)
			qt.future.complete(value, err)
		}

		q.mu.Lock()
		ln.running--
		if !q.closed {
			q.pump(ln)
		}
		q.mu.Unlock()
	})
	if err != nil {
		// Pool rejected the task; surface through the future.
		ln.running--
		qt.future.complete(nil, err)
	}
}

func (q *Queue) armTimer(ln *lane, wait time.Duration) {
	if ln.timerArmed {
		return
	}
	ln.timerArmed = true
	time.AfterFunc(wait, func() {
		q.mu.Lock()
		ln.timerArmed = false
		if !q.closed {
			q.pump(ln)
		}
		q.mu.Unlock()
	})
}

// Stop drains the worker pool. Pending tasks that never dispatched fail.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, ln := range q.lanes {
		for ln.pending.Len() > 0 {
			qt := heap.Pop(&ln.pending).(*queuedTask)
			qt.future.complete(nil, fmt.Errorf("queue is stopped"))
		}
	}
	q.mu.Unlock()

	q.pool.Stop()
}
