package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/flybeeper/geolog/internal/metrics"
	"github.com/flybeeper/geolog/pkg/utils"
)

// ErrQueueClosed возвращается при постановке задачи в остановленную очередь
var ErrQueueClosed = errors.New("engine queue is closed")

type taskFunc func(ctx context.Context) error

type job struct {
	ctx    context.Context
	fn     taskFunc
	result chan error
	last   bool
}

// Worker последовательная очередь задач с одним потребителем.
// Производители блокируются, пока очередь заполнена; задачи не отбрасываются.
type Worker struct {
	tasks    chan *job
	wakeLock WakeLock
	logger   *utils.Logger

	startOnce sync.Once
	done      chan struct{}
	exited    chan struct{}
}

// NewWorker создает очередь заданного размера
func NewWorker(size int, wakeLock WakeLock, logger *utils.Logger) *Worker {
	if size <= 0 {
		size = 1
	}
	if wakeLock == nil {
		wakeLock = NopWakeLock{}
	}
	return &Worker{
		tasks:    make(chan *job, size),
		wakeLock: wakeLock,
		logger:   logger,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Start запускает потребителя
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		go w.loop()
	})
}

// Do ставит задачу в очередь и ждет ее результата
func (w *Worker) Do(ctx context.Context, fn taskFunc) error {
	return w.submit(ctx, fn, false)
}

// Shutdown выполняет fn последней задачей и закрывает очередь.
// Задачи, поставленные после нее, получают ErrQueueClosed.
func (w *Worker) Shutdown(ctx context.Context, fn taskFunc) error {
	return w.submit(ctx, fn, true)
}

// Done закрывается после выполнения задачи завершения
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) submit(ctx context.Context, fn taskFunc, last bool) error {
	j := &job{ctx: ctx, fn: fn, result: make(chan error, 1), last: last}

	select {
	case <-w.done:
		return ErrQueueClosed
	default:
	}

	select {
	case w.tasks <- j:
		metrics.EngineQueueDepth.Set(float64(len(w.tasks)))
	case <-w.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-w.exited:
		select {
		case err := <-j.result:
			return err
		default:
			return ErrQueueClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer close(w.exited)

	for j := range w.tasks {
		metrics.EngineQueueDepth.Set(float64(len(w.tasks)))
		j.result <- w.run(j)

		if j.last {
			close(w.done)
			w.drain()
			return
		}
	}
}

// drain отвечает ErrQueueClosed задачам, успевшим попасть в очередь после завершения
func (w *Worker) drain() {
	for {
		select {
		case j := <-w.tasks:
			j.result <- ErrQueueClosed
		default:
			metrics.EngineQueueDepth.Set(0)
			return
		}
	}
}

func (w *Worker) run(j *job) (err error) {
	w.wakeLock.Acquire()
	defer w.wakeLock.Release()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine task panic: %v", r)
			w.logger.WithField("panic", r).Error("Recovered from panic in engine task")
		}
	}()

	if j.ctx.Err() != nil {
		return j.ctx.Err()
	}
	return j.fn(j.ctx)
}
