package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"kbagent/internal/logging"
)

// ErrStopped is returned for jobs submitted after the worker shut down.
var ErrStopped = errors.New("worker stopped")

// Job is a unit of work run on the worker goroutine.
type Job func(ctx context.Context) error

type request struct {
	ctx  context.Context
	fn   Job
	done chan error
}

// Worker runs jobs one at a time on a single long-lived goroutine. Callers
// block on Do while their job is queued and running.
type Worker struct {
	queue   chan request
	stopped chan struct{}
	once    sync.Once
	busy    atomic.Bool
}

// New returns a worker whose queue holds queueSize pending jobs.
func New(queueSize int) *Worker {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Worker{
		queue:   make(chan request, queueSize),
		stopped: make(chan struct{}),
	}
}

// Run processes jobs until ctx is done. Jobs still queued then fail with
// ErrStopped.
func (w *Worker) Run(ctx context.Context) error {
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-w.queue:
			w.exec(ctx, req)
		}
	}
}

// Do queues fn and waits for it. The job's context is cancelled when either
// ctx or the worker's context is done.
func (w *Worker) Do(ctx context.Context, fn Job) error {
	req := request{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case <-w.stopped:
		return ErrStopped
	default:
	}
	select {
	case <-w.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case w.queue <- req:
	}

	select {
	case err := <-req.done:
		return err
	case <-w.stopped:
		select {
		case err := <-req.done:
			return err
		default:
			return ErrStopped
		}
	}
}

// Busy reports whether a job is executing.
func (w *Worker) Busy() bool {
	return w.busy.Load()
}

// Stopped is closed once Run has returned.
func (w *Worker) Stopped() <-chan struct{} {
	return w.stopped
}

func (w *Worker) exec(workerCtx context.Context, req request) {
	if err := req.ctx.Err(); err != nil {
		req.done <- err
		return
	}
	jobCtx, cancel := context.WithCancel(req.ctx)
	stop := context.AfterFunc(workerCtx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	w.busy.Store(true)
	defer w.busy.Store(false)
	req.done <- w.call(jobCtx, req.fn)
}

func (w *Worker) call(ctx context.Context, fn Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorLog("worker job panicked: %v", r)
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (w *Worker) stop() {
	w.once.Do(func() {
		close(w.stopped)
	})
	for {
		select {
		case req := <-w.queue:
			req.done <- ErrStopped
		default:
			return
		}
	}
}
