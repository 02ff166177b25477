package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// workerPool is pkg/async/goroutine.go's WorkerPool, adapted in place:
// the teacher's pool executes arbitrary func(context.Context) error
// callbacks; this one keeps that exact shape (bounded channel, panic
// recovery, context-timeout per task, graceful Shutdown draining the
// channel before cancelling) but logs through logrus instead of the
// stdlib log package, matching this package's own logging convention.
type workerPool struct {
	workers      int
	timeout      time.Duration
	workCh       chan func(context.Context) error
	doneCh       chan struct{}
	errCh        chan error
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	log          *logrus.Entry
}

// newWorkerPool starts workers goroutines draining a bounded channel.
func newWorkerPool(ctx context.Context, workers int, timeout time.Duration, log *logrus.Entry) *workerPool {
	ctx, cancel := context.WithCancel(ctx)

	p := &workerPool{
		workers: workers,
		timeout: timeout,
		workCh:  make(chan func(context.Context) error, workers*2),
		doneCh:  make(chan struct{}),
		errCh:   make(chan error, workers*10),
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				p.worker(id)
			}(i)
		}
		wg.Wait()
		close(p.doneCh)
	}()

	return p
}

// submit adds a task to the pool. Returns an error if the pool is shut down.
func (p *workerPool) submit(fn func(context.Context) error) error {
	select {
	case <-p.doneCh:
		return fmt.Errorf("orchestrator: worker pool shut down")
	default:
	}

	select {
	case p.workCh <- fn:
		return nil
	case <-p.doneCh:
		return fmt.Errorf("orchestrator: worker pool shut down")
	}
}

// shutdown gracefully stops the pool, waiting up to timeout for in-flight
// and queued tasks to drain.
func (p *workerPool) shutdown(timeout time.Duration) error {
	var shutdownErr error
	p.shutdownOnce.Do(func() {
		func() {
			defer func() { recover() }() // already-closed channel (e.g. double shutdown)
			close(p.workCh)
		}()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("orchestrator: worker pool shutdown timed out after %v", timeout)
		}
	})
	return shutdownErr
}

func (p *workerPool) worker(id int) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("worker %d panic: %v\n%s", id, r, debug.Stack())
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			p.runOne(fn)
		}
	}
}

func (p *workerPool) runOne(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			select {
			case p.errCh <- err:
			default:
				p.log.Errorf("error channel full, dropping: %v", err)
			}
		}
	}()

	if err := fn(ctx); err != nil {
		select {
		case p.errCh <- err:
		default:
			p.log.Errorf("error channel full, dropping: %v", err)
		}
	}
}
