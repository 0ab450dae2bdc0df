package converter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// JobHandler processes one dequeued job until it reaches a terminal state or is requeued.
type JobHandler interface {
	Handle(ctx context.Context, job *ConversionJob)
	// Recovered is called when Handle panicked; it must finalize the job.
	Recovered(job *ConversionJob, value any)
}

// WorkerPool is a fixed set of goroutines draining a JobQueue. Each worker owns
// exactly one job at a time; the pool never grows, so excess jobs wait in the queue.
type WorkerPool struct {
	size    int
	queue   *JobQueue
	handler JobHandler
	logger  *slog.Logger

	wg      sync.WaitGroup
	active  atomic.Int32
	started atomic.Bool
}

// NewWorkerPool returns a pool of size workers. size must be positive.
func NewWorkerPool(size int, queue *JobQueue, handler JobHandler, loggerHandler slog.Handler) *WorkerPool {
	if loggerHandler == nil {
		loggerHandler = slog.NewTextHandler(io.Discard, nil)
	}
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		queue:   queue,
		handler: handler,
		logger:  slog.New(loggerHandler).With(slog.String("component", "workerPool")),
	}
}

// Start launches the workers. They run until the queue is closed or ctx is done.
// Calling Start more than once has no effect.
func (p *WorkerPool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.logger.Debug("Starting worker pool", "count", p.size)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (p *WorkerPool) Wait() { p.wg.Wait() }

// Size returns the fixed number of workers.
func (p *WorkerPool) Size() int { return p.size }

// Active returns the number of workers currently handling a job.
func (p *WorkerPool) Active() int { return int(p.active.Load()) }

func (p *WorkerPool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	wLogger := p.logger.With(slog.Int("workerID", workerID))
	wLogger.Debug("Worker started")

	for {
		job, err := p.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				wLogger.Debug("Worker shutting down (queue closed)")
			} else {
				wLogger.Debug("Worker shutting down (context done)", "reason", err.Error())
			}
			return
		}
		p.run(ctx, wLogger, job)
	}
}

// run isolates one job so a panic in the handler only affects that job.
func (p *WorkerPool) run(ctx context.Context, wLogger *slog.Logger, job *ConversionJob) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			wLogger.Error("Panic recovered in worker",
				slog.String("job_id", job.ID),
				slog.String("path", job.File.Path),
				slog.Any("panicValue", r),
			)
			p.handler.Recovered(job, r)
		}
	}()
	wLogger.Debug("Processing job", slog.String("job_id", job.ID), slog.String("path", job.File.Path))
	p.handler.Handle(ctx, job)
}
