package retrieve

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tilestream/internal/metrics"
	"tilestream/internal/tile"
)

const (
	DefaultPoolSize          = 5
	DefaultQueueSize         = 100
	DefaultStaleRequestLimit = 30 * time.Second
)

// Task is one unit of retrieval work. Tasks with equal keys are duplicates.
type Task interface {
	Key() tile.Key
	Priority() float64
	Run(ctx context.Context)
}

// Submitter is the executor surface used by frame scheduling and bulk prefetch.
type Submitter interface {
	IsAvailable() bool
	Submit(task Task) bool
}

type ExecutorOptions struct {
	PoolSize          int
	QueueSize         int
	StaleRequestLimit time.Duration
}

func DefaultExecutorOptions() ExecutorOptions {
	return ExecutorOptions{
		PoolSize:          DefaultPoolSize,
		QueueSize:         DefaultQueueSize,
		StaleRequestLimit: DefaultStaleRequestLimit,
	}
}

type queuedTask struct {
	task      Task
	submitted time.Time
	index     int
}

type taskHeap []*queuedTask

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].task.Priority() < h[j].task.Priority() }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	qt := x.(*queuedTask)
	qt.index = len(*h)
	*h = append(*h, qt)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	qt := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return qt
}

// Executor runs tasks on a fixed pool of workers, closest first, refusing
// duplicates of queued or running tasks.
type Executor struct {
	opts ExecutorOptions
	log  *zap.Logger
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	cond   *sync.Cond
	queue  taskHeap
	queued map[tile.Key]struct{}
	active map[tile.Key]struct{}
	closed bool
}

func NewExecutor(opts ExecutorOptions, log *zap.Logger) *Executor {
	if opts.PoolSize < 1 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.StaleRequestLimit <= 0 {
		opts.StaleRequestLimit = DefaultStaleRequestLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		opts:   opts,
		log:    log.Named("executor"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		queued: make(map[tile.Key]struct{}),
		active: make(map[tile.Key]struct{}),
	}
	e.cond = sync.NewCond(&e.mu)

	for i := 0; i < opts.PoolSize; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// IsAvailable reports spare queue capacity.
func (e *Executor) IsAvailable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && len(e.queue) < e.opts.QueueSize
}

// Submit queues task. It returns false when the executor is closed or full, or when a
// task with the same key is already queued or running.
func (e *Executor) Submit(task Task) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := task.Key()
	if e.closed || len(e.queue) >= e.opts.QueueSize {
		metrics.RetrievalsRejected.Inc()
		return false
	}
	if _, ok := e.queued[key]; ok {
		metrics.RetrievalsRejected.Inc()
		return false
	}
	if _, ok := e.active[key]; ok {
		metrics.RetrievalsRejected.Inc()
		return false
	}

	heap.Push(&e.queue, &queuedTask{task: task, submitted: e.now()})
	e.queued[key] = struct{}{}
	metrics.RetrievalsQueued.Set(float64(len(e.queue)))
	e.cond.Signal()
	return true
}

// Contains reports whether a task with key is queued or running.
func (e *Executor) Contains(key tile.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, q := e.queued[key]
	_, a := e.active[key]
	return q || a
}

// Pending is the number of queued and running tasks.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) + len(e.active)
}

// Close stops accepting work, cancels running tasks and waits for the workers to exit.
// Queued tasks are dropped.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.queue = nil
	e.queued = make(map[tile.Key]struct{})
	e.cond.Broadcast()
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *Executor) next() (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			return nil, false
		}

		qt := heap.Pop(&e.queue).(*queuedTask)
		key := qt.task.Key()
		delete(e.queued, key)
		metrics.RetrievalsQueued.Set(float64(len(e.queue)))

		if e.now().Sub(qt.submitted) > e.opts.StaleRequestLimit {
			metrics.RetrievalsStale.Inc()
			e.log.Debug("dropping stale request", zap.Stringer("tile", key))
			continue
		}

		e.active[key] = struct{}{}
		metrics.RetrievalsActive.Set(float64(len(e.active)))
		return qt.task, true
	}
}

func (e *Executor) done(key tile.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, key)
	metrics.RetrievalsActive.Set(float64(len(e.active)))
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		task, ok := e.next()
		if !ok {
			return
		}
		e.run(task)
	}
}

func (e *Executor) run(task Task) {
	key := task.Key()
	defer e.done(key)
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("retrieval task panicked", zap.Stringer("tile", key), zap.Error(fmt.Errorf("%v", r)))
		}
	}()
	task.Run(e.ctx)
}
