package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"transitdepot.dev/depot/storage"
)

// Pool is the in-process worker runtime. Jobs land on a buffered
// channel and a fixed set of goroutines drains it. The pool satisfies
// Dispatcher, so the orchestrator is oblivious to whether jobs run
// in-process or on an external queue.
type Pool struct {
	log     zerolog.Logger
	jobs    chan Job
	workers int

	mu       sync.RWMutex
	handlers map[string]Handler

	wg      sync.WaitGroup
	started bool
}

func NewPool(workers, queueDepth int, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 64
	}
	return &Pool{
		log:      log,
		jobs:     make(chan Job, queueDepth),
		workers:  workers,
		handlers: map[string]Handler{},
	}
}

// Register binds a job kind to its handler. Registration must finish
// before Start.
func (p *Pool) Register(kind string, h Handler) {
	p.mu.Lock()
	p.handlers[kind] = h
	p.mu.Unlock()
}

// Dispatch enqueues the job and returns its handle. A full queue is a
// dispatch error; callers treat it as retryable.
func (p *Pool) Dispatch(ctx context.Context, job Job) (string, error) {
	p.mu.RLock()
	_, known := p.handlers[job.Kind]
	p.mu.RUnlock()
	if !known {
		return "", fmt.Errorf("no handler registered for job kind %q", job.Kind)
	}

	select {
	case p.jobs <- job:
		return uuid.NewString(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", Retryable(fmt.Errorf("job queue full (%d pending)", cap(p.jobs)))
	}
}

// Start launches the worker goroutines. They exit when ctx is done
// and the queue is drained.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	p.log.Info().Int("workers", p.workers).Int("queue_depth", cap(p.jobs)).
		Msg("worker pool started")
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued, then exit.
			for {
				select {
				case job := <-p.jobs:
					p.runJob(context.Background(), id, job)
				default:
					return
				}
			}
		case job := <-p.jobs:
			p.runJob(ctx, id, job)
		}
	}
}

func (p *Pool) runJob(ctx context.Context, worker int, job Job) {
	p.mu.RLock()
	h := p.handlers[job.Kind]
	p.mu.RUnlock()
	if h == nil {
		p.log.Error().Str("kind", job.Kind).Int64("task_id", job.TaskID).
			Msg("dequeued job with no handler")
		return
	}

	log := p.log.With().Int("worker", worker).Str("kind", job.Kind).
		Int64("task_id", job.TaskID).Logger()
	log.Debug().Msg("job started")

	if err := h(ctx, job.TaskID, clonePayload(job.Payload)); err != nil {
		// The handler already recorded the failure on the task
		// row; this is operator visibility only.
		log.Warn().Err(err).Msg("job finished with error")
		return
	}
	log.Debug().Msg("job finished")
}

func clonePayload(m storage.JSONMap) storage.JSONMap {
	if m == nil {
		return nil
	}
	out := make(storage.JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
