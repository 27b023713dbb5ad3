package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DSR-pheonix45/API-Backend/internal/core/task"
)

const DefaultWorkers = 4

// Executor runs a job's payload against the agent pool. The dispatcher never
// interprets payloads itself.
type Executor interface {
	Execute(ctx context.Context, job task.Job) error
}

// Sink receives the result of every executed job. Satisfied by the
// scheduler.
type Sink interface {
	OnJobDone(ctx context.Context, jobID string, execErr error, latency time.Duration)
}

// Pool executes dispatched jobs on a fixed number of workers. Dispatch blocks
// at most until a queue slot frees up, which is bounded because the scheduler
// caps the pending backlog before jobs ever reach the pool.
type Pool struct {
	queue   chan task.Job
	workers int
	exec    Executor
	sink    Sink
}

func NewPool(workers, queueDepth int, exec Executor, sink Sink) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueDepth < workers {
		queueDepth = workers
	}
	return &Pool{
		queue:   make(chan task.Job, queueDepth),
		workers: workers,
		exec:    exec,
		sink:    sink,
	}
}

// Run blocks until ctx is cancelled and all workers have drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	log.Info().Int("workers", p.workers).Msg("worker pool started")
	wg.Wait()
}

// Dispatch enqueues a job for execution.
func (p *Pool) Dispatch(ctx context.Context, job task.Job) error {
	select {
	case p.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue:
			start := time.Now()
			err := p.exec.Execute(ctx, job)
			latency := time.Since(start)
			if err != nil {
				log.Warn().Err(err).Str("job", job.ID).Int("worker", worker).
					Dur("latency", latency).Msg("job execution failed")
			} else {
				log.Debug().Str("job", job.ID).Int("worker", worker).
					Dur("latency", latency).Msg("job executed")
			}
			p.sink.OnJobDone(ctx, job.ID, err, latency)
		}
	}
}
