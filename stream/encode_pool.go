package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
)

// ErrPoolStopped is the result of jobs submitted to, or still queued in, a stopped pool
var ErrPoolStopped = errors.New("encode pool stopped")

// EncodeJob produces the bytes of one outbound frame batch
type EncodeJob func() ([]byte, error)

type poolTask struct {
	job     EncodeJob
	promise *future.Promise[[]byte]
}

// EncodePool runs encode jobs on a fixed number of workers shared by all pipelines.
// Each submission gets its own future so callers can resolve results in submission order
// while jobs complete out of order.
type EncodePool struct {
	tasks   chan poolTask
	workers int

	// mu orders submissions against Stop so no task lands after the final drain
	mu       sync.RWMutex
	stopped  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEncodePool starts workers goroutines consuming a queue of queueSize jobs
func NewEncodePool(workers, queueSize int) *EncodePool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &EncodePool{
		tasks:   make(chan poolTask, queueSize),
		workers: workers,
		stopCh:  make(chan struct{}),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit queues job, blocking while the queue is full. The returned future resolves with
// ctx.Err() or ErrPoolStopped if the job could not be queued.
func (p *EncodePool) Submit(ctx context.Context, job EncodeJob) *future.Future[[]byte] {
	promise := future.NewPromise[[]byte]()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		promise.Set(nil, ErrPoolStopped)
		return promise.Future()
	}

	select {
	case p.tasks <- poolTask{job: job, promise: promise}:
	case <-ctx.Done():
		promise.Set(nil, ctx.Err())
	case <-p.stopCh:
		promise.Set(nil, ErrPoolStopped)
	}
	return promise.Future()
}

// Workers returns the configured parallelism
func (p *EncodePool) Workers() int {
	return p.workers
}

// Pending returns the number of queued jobs
func (p *EncodePool) Pending() int {
	return len(p.tasks)
}

// Stop joins the workers and fails every job left in the queue
func (p *EncodePool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.wg.Wait()

	for {
		select {
		case t := <-p.tasks:
			t.promise.Set(nil, ErrPoolStopped)
		default:
			return
		}
	}
}

func (p *EncodePool) worker() {
	defer p.wg.Done()

	for {
		select {
		case t := <-p.tasks:
			t.run()
		case <-p.stopCh:
			return
		}
	}
}

func (t poolTask) run() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Encode job panicked")
			t.promise.Set(nil, fmt.Errorf("encode job panicked: %v", r))
		}
	}()

	b, err := t.job()
	t.promise.Set(b, err)
}
