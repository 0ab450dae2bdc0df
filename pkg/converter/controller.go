package converter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackvity/batch-converter/pkg/converter/cache"
)

// SubmitOption customises a single Submit call.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	batchID string
}

// WithBatchID submits under a caller-chosen id instead of a generated one.
// Submitting an id that is already known fails with ErrBatchExists.
func WithBatchID(id string) SubmitOption {
	return func(c *submitConfig) { c.batchID = id }
}

type batchRecord struct {
	id        string
	settings  ConversionSettings
	jobs      []*ConversionJob
	byID      map[string]*ConversionJob
	byPath    map[string]*ConversionJob
	submitted time.Time
}

// BatchController is the public façade of the engine. It constructs and owns the
// result cache, fingerprinter, executor, queue, worker pool, progress aggregator
// and stats collector; none of them are package-level state.
type BatchController struct {
	opts     Options
	logger   *slog.Logger
	cache    *cache.LRU[CachedResult]
	stats    *StatsCollector
	progress *ProgressAggregator
	queue    *JobQueue
	pool     *WorkerPool
	proc     *jobProcessor

	cancelWorkers context.CancelFunc

	mu      sync.RWMutex
	batches map[string]*batchRecord
	closed  bool
}

// New builds a controller and starts its worker pool.
// When opts.CacheFilePath is set, a previously persisted cache is restored.
func New(opts Options) (*BatchController, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	logger := slog.New(opts.Logger).With(slog.String("component", "batchController"))

	resultCache, err := cache.New[CachedResult](opts.CacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigValidation, err)
	}
	if opts.CacheFilePath != "" {
		if err := cache.Load(resultCache, opts.CacheFilePath, opts.persistOptions()); err != nil {
			logger.Warn("Result cache could not be restored, starting empty", slog.String("error", err.Error()))
		}
	}

	c := &BatchController{
		opts:     opts,
		logger:   logger,
		cache:    resultCache,
		stats:    NewStatsCollector(),
		progress: NewProgressAggregator(opts.Logger),
		queue:    NewJobQueue(opts.PollInterval),
		batches:  make(map[string]*batchRecord),
	}
	c.proc = &jobProcessor{
		executor:      NewExecutor(opts.Engine, opts.OCRProvider, opts.Logger),
		fingerprinter: NewFingerprinter(opts.CacheCapacity, opts.VerifyContent, opts.Logger, WithEngineKey(opts.EngineKey)),
		cache:         c.cache,
		stats:         c.stats,
		progress:      c.progress,
		queue:         c.queue,
		logger:        slog.New(opts.Logger).With(slog.String("component", "processor")),
	}
	c.pool = NewWorkerPool(opts.Concurrency, c.queue, c.proc, opts.Logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	c.cancelWorkers = cancel
	c.pool.Start(workerCtx)

	logger.Info("Batch controller started",
		slog.Int("workers", opts.Concurrency),
		slog.Int("cache_capacity", opts.CacheCapacity),
		slog.Int("cache_restored", c.cache.Len()),
	)
	return c, nil
}

func (o Options) persistOptions() cache.PersistOptions {
	return cache.PersistOptions{Format: o.CacheFormat, ConverterVersion: o.AppVersion, Logger: o.Logger}
}

// Submit validates the batch, creates one job per file, enqueues them and returns
// the batch id without waiting for any conversion.
func (c *BatchController) Submit(files []FileInfo, settings ConversionSettings, options ...SubmitOption) (string, error) {
	var cfg submitConfig
	for _, o := range options {
		o(&cfg)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w: batch has no files", ErrValidation)
	}
	if err := settings.Validate(); err != nil {
		return "", err
	}
	settings = settings.clone()

	batchID := cfg.batchID
	if batchID == "" {
		batchID = uuid.NewString()
	}

	rec := &batchRecord{
		id:        batchID,
		settings:  settings,
		byID:      make(map[string]*ConversionJob, len(files)),
		byPath:    make(map[string]*ConversionJob, len(files)),
		submitted: time.Now(),
	}
	for _, f := range files {
		if f.Path == "" {
			return "", fmt.Errorf("%w: file without path", ErrValidation)
		}
		if _, dup := rec.byPath[f.Path]; dup {
			return "", fmt.Errorf("%w: duplicate file %s", ErrValidation, f.Path)
		}
		if f.Extension == "" {
			f.Extension = normalizeExtension(filepath.Ext(f.Path))
		}
		if f.Name == "" {
			f.Name = filepath.Base(f.Path)
		}
		if f.Type == "" {
			f.Type = DetectFileType(f.Extension)
		}
		j := newJob(uuid.NewString(), batchID, f, settings)
		rec.jobs = append(rec.jobs, j)
		rec.byID[j.ID] = j
		rec.byPath[f.Path] = j
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrControllerClosed
	}
	if _, exists := c.batches[batchID]; exists {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrBatchExists, batchID)
	}
	if err := c.progress.Register(batchID, len(rec.jobs)); err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.batches[batchID] = rec
	c.mu.Unlock()

	if settings.MaxConcurrentConversions > 0 && settings.MaxConcurrentConversions != c.pool.Size() {
		c.logger.Debug("Batch concurrency setting differs from pool size; the pool size is fixed",
			slog.String("batch_id", batchID),
			slog.Int("requested", settings.MaxConcurrentConversions),
			slog.Int("pool_size", c.pool.Size()),
		)
	}

	if err := c.queue.Push(rec.jobs...); err != nil {
		// Shutdown closed the queue after the batch was registered. Settle it as
		// Cancelled so that Wait on its id returns.
		_ = c.progress.MarkCancelRequested(batchID)
		for _, j := range rec.jobs {
			j.requestCancel()
			c.proc.finishCancelled(j, time.Time{})
		}
		return "", ErrControllerClosed
	}
	c.logger.Info("Batch submitted", slog.String("batch_id", batchID), slog.Int("files", len(rec.jobs)), slog.Int("queue_depth", c.queue.Len()))
	return batchID, nil
}

func (c *BatchController) batch(batchID string) (*batchRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return rec, nil
}

// Cancel requests cancellation of every job of batchID. Jobs still queued are
// finalised as Cancelled without reaching the engine; in-flight jobs are cancelled
// cooperatively and end Cancelled unless they already produced a result.
func (c *BatchController) Cancel(batchID string) error {
	rec, err := c.batch(batchID)
	if err != nil {
		return err
	}
	if err := c.progress.MarkCancelRequested(batchID); err != nil {
		return err
	}
	for _, j := range rec.jobs {
		j.requestCancel()
	}
	removed := c.queue.RemoveBatch(batchID)
	for _, j := range removed {
		c.proc.finishCancelled(j, time.Time{})
	}
	c.logger.Info("Batch cancel requested", slog.String("batch_id", batchID), slog.Int("dequeued_cancelled", len(removed)))
	return nil
}

// CancelFile cancels one job. fileRef is either the job id or the file path.
func (c *BatchController) CancelFile(batchID, fileRef string) error {
	j, err := c.job(batchID, fileRef)
	if err != nil {
		return err
	}
	if !j.requestCancel() {
		return nil
	}
	if queued, ok := c.queue.Remove(j.ID); ok {
		c.proc.finishCancelled(queued, time.Time{})
	}
	c.logger.Debug("File cancel requested", slog.String("batch_id", batchID), slog.String("job_id", j.ID))
	return nil
}

// MoveToFront makes a queued file the next one to be dispatched.
func (c *BatchController) MoveToFront(batchID, fileRef string) error {
	j, err := c.job(batchID, fileRef)
	if err != nil {
		return err
	}
	return c.queue.MoveToFront(j.ID)
}

func (c *BatchController) job(batchID, fileRef string) (*ConversionJob, error) {
	rec, err := c.batch(batchID)
	if err != nil {
		return nil, err
	}
	if j, ok := rec.byID[fileRef]; ok {
		return j, nil
	}
	if j, ok := rec.byPath[fileRef]; ok {
		return j, nil
	}
	return nil, fmt.Errorf("%w: %s in batch %s", ErrJobNotFound, fileRef, batchID)
}

// SubscribeProgress registers cb for BatchProgress snapshots of all batches.
// Callbacks run on a dedicated dispatcher goroutine, never on a worker.
func (c *BatchController) SubscribeProgress(cb func(BatchProgress)) SubscriptionHandle {
	return c.progress.Subscribe(cb)
}

// Unsubscribe stops deliveries to h.
func (c *BatchController) Unsubscribe(h SubscriptionHandle) {
	c.progress.Unsubscribe(h)
}

// Stats returns a point-in-time copy of the usage statistics.
func (c *BatchController) Stats() LLMStats {
	return c.stats.Snapshot()
}

// ResetStats clears the usage statistics.
func (c *BatchController) ResetStats() {
	c.stats.Reset()
}

// Progress returns the current snapshot of batchID.
func (c *BatchController) Progress(batchID string) (BatchProgress, error) {
	return c.progress.Progress(batchID)
}

// Results returns the terminal results recorded for batchID so far.
func (c *BatchController) Results(batchID string) ([]ConversionResult, error) {
	return c.progress.Results(batchID)
}

// Wait blocks until batchID is terminal or ctx is done, then returns its report.
func (c *BatchController) Wait(ctx context.Context, batchID string) (BatchReport, error) {
	rec, err := c.batch(batchID)
	if err != nil {
		return BatchReport{}, err
	}
	done, err := c.progress.Done(batchID)
	if err != nil {
		return BatchReport{}, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return BatchReport{}, ctx.Err()
	}
	progress, err := c.progress.Progress(batchID)
	if err != nil {
		return BatchReport{}, err
	}
	results, err := c.progress.Results(batchID)
	if err != nil {
		return BatchReport{}, err
	}
	return newBatchReport(progress, results, rec.settings, rec.submitted, c.pool.Size(), c.stats.Snapshot()), nil
}

// QueueDepth returns the number of jobs waiting for a worker.
func (c *BatchController) QueueDepth() int { return c.queue.Len() }

// ActiveWorkers returns the number of workers currently executing a job.
func (c *BatchController) ActiveWorkers() int { return c.pool.Active() }

// PoolSize returns the fixed number of workers.
func (c *BatchController) PoolSize() int { return c.pool.Size() }

// CacheStats returns the result cache counters.
func (c *BatchController) CacheStats() cache.Stats { return c.cache.Stats() }

// Pause stops dispatching queued jobs. Jobs already running continue.
func (c *BatchController) Pause() { c.queue.Pause() }

// Resume restarts dispatching.
func (c *BatchController) Resume() { c.queue.Resume() }

// Shutdown stops the controller. Queued jobs are finalised as Cancelled, running
// jobs are given until ctx is done to finish before their contexts are cancelled.
// The result cache is persisted when a cache file path was configured.
func (c *BatchController) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	c.closed = true
	c.mu.Unlock()

	remaining := c.queue.Close()
	for _, j := range remaining {
		_ = c.progress.MarkCancelRequested(j.BatchID)
		j.requestCancel()
		c.proc.finishCancelled(j, time.Time{})
	}

	drained := make(chan struct{})
	go func() {
		c.pool.Wait()
		close(drained)
	}()
	var shutdownErr error
	select {
	case <-drained:
	case <-ctx.Done():
		c.logger.Warn("Shutdown deadline reached, cancelling running jobs")
		c.mu.RLock()
		for id := range c.batches {
			_ = c.progress.MarkCancelRequested(id)
		}
		c.mu.RUnlock()
		c.cancelWorkers()
		<-drained
		shutdownErr = ctx.Err()
	}
	c.cancelWorkers()
	c.progress.Close()

	if c.opts.CacheFilePath != "" {
		if err := cache.Persist(c.cache, c.opts.CacheFilePath, c.opts.persistOptions()); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}
	c.logger.Info("Batch controller stopped", slog.Int("cancelled_on_shutdown", len(remaining)))
	return shutdownErr
}
