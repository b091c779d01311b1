package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull очередь исполнителя заполнена
	ErrQueueFull = errors.New("inference queue is full")
	// ErrExecutorStopped исполнитель остановлен
	ErrExecutorStopped = errors.New("inference executor is stopped")
)

type task struct {
	ctx context.Context
	run func(ctx context.Context)
}

// Executor ограниченный пул воркеров для CPU-тяжёлого инференса.
// Запросы не блокируются на постановке в очередь: при переполнении Submit
// сразу возвращает ErrQueueFull.
type Executor struct {
	tasks   chan task
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	metrics *Metrics
	logger  *zap.Logger
}

// NewExecutor запускает workers воркеров с очередью queueSize
func NewExecutor(workers, queueSize int, metrics *Metrics, logger *zap.Logger) *Executor {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		tasks:   make(chan task, queueSize),
		metrics: metrics,
		logger:  logger.Named("executor"),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.logger.Info("executor started", zap.Int("workers", workers), zap.Int("queue", queueSize))
	return e
}

func (e *Executor) worker(id int) {
	e.metrics.ActiveWorkers.Inc()
	defer func() {
		e.metrics.ActiveWorkers.Dec()
		e.wg.Done()
	}()

	for t := range e.tasks {
		e.metrics.QueuedTasks.Dec()
		start := time.Now()
		t.run(t.ctx)
		e.logger.Debug("task done", zap.Int("worker", id), zap.Duration("elapsed", time.Since(start)))
	}
}

func (e *Executor) enqueue(t task) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.stopped {
		return ErrExecutorStopped
	}
	// до отправки: воркер может забрать задачу и уменьшить счётчик раньше, чем вернётся send
	e.metrics.QueuedTasks.Inc()
	select {
	case e.tasks <- t:
		return nil
	default:
		e.metrics.QueuedTasks.Dec()
		e.metrics.Rejected.Inc()
		return ErrQueueFull
	}
}

// Stop перестаёт принимать задачи и ждёт завершения уже поставленных
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.tasks)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("executor stopped")
}

// Future результат задачи, доступный после её завершения
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Done закрывается, когда задача завершена
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait ждёт результат или отмену ctx
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit ставит fn в очередь исполнителя. fn получает ctx запроса:
// задача, чей запрос уже отменён, не запускается.
func Submit[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) (*Future[T], error) {
	f := &Future[T]{done: make(chan struct{})}

	t := task{
		ctx: ctx,
		run: func(ctx context.Context) {
			defer close(f.done)
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("task panic", zap.Any("panic", r))
					f.err = fmt.Errorf("task panic: %v", r)
				}
			}()
			if err := ctx.Err(); err != nil {
				f.err = err
				return
			}
			f.value, f.err = fn(ctx)
		},
	}

	if err := e.enqueue(t); err != nil {
		return nil, err
	}
	return f, nil
}
