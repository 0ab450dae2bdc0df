package converter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/stackvity/batch-converter/pkg/converter/cache"
)

// CachedResult is the part of a successful conversion kept in the result cache.
type CachedResult struct {
	Content     string            `json:"content" msgpack:"content"`
	Metadata    map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	TokenUsage  *TokenUsage       `json:"tokenUsage,omitempty" msgpack:"tokenUsage,omitempty"`
	ConvertedAt time.Time         `json:"convertedAt" msgpack:"convertedAt"`
}

// jobProcessor is the worker body: it drives one dequeued job through
// checkpoint -> fingerprint -> cache -> executor -> retry or terminal result.
type jobProcessor struct {
	executor      *Executor
	fingerprinter *Fingerprinter
	cache         *cache.LRU[CachedResult]
	stats         *StatsCollector
	progress      *ProgressAggregator
	queue         *JobQueue
	logger        *slog.Logger
}

// Handle implements JobHandler.
func (p *jobProcessor) Handle(ctx context.Context, job *ConversionJob) {
	started := time.Now()
	jLogger := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("batch_id", job.BatchID),
		slog.String("path", job.File.Path),
	)

	// Checkpoint: job start.
	if job.IsCancelled() {
		p.finishCancelled(job, started)
		return
	}
	if !job.transition(JobInProgress) {
		jLogger.Warn("Dequeued job is already terminal, dropping", slog.String("status", string(job.Status())))
		return
	}
	p.progress.Start(job.BatchID, job.File.Path)

	if err := p.executor.Validate(job.File, job.Settings); err != nil {
		p.finishFailed(job, err, started)
		return
	}

	fp, err := p.fingerprinter.Fingerprint(ctx, job.File, job.Settings)
	if err != nil {
		p.handleError(ctx, jLogger, job, err, job.Attempts(), started)
		return
	}
	if job.IsCancelled() {
		p.finishCancelled(job, started)
		return
	}

	if cached, ok := p.cache.Get(fp); ok {
		p.stats.RecordCacheHit()
		jLogger.Debug("Cache hit", slog.String("fingerprint", fp))
		p.finish(job, ConversionResult{
			Status:   JobSuccess,
			Content:  cached.Content,
			Metadata: copyMeta(cached.Metadata),
			CacheHit: true,
		}, started)
		return
	}

	attemptCtx, attempt, endAttempt := job.beginAttempt(ctx)
	attemptStart := time.Now()
	out, err := p.executor.Execute(attemptCtx, job)
	endAttempt()
	elapsed := time.Since(attemptStart)

	if err != nil {
		if !errors.Is(err, ErrJobCancelled) {
			p.stats.AddRequest(ConversionResult{Status: JobFailed, Duration: elapsed}, job.Settings)
		}
		p.handleError(ctx, jLogger, job, err, attempt, started)
		return
	}

	p.cache.Put(fp, CachedResult{
		Content:     out.Content,
		Metadata:    copyMeta(out.Metadata),
		TokenUsage:  out.Usage,
		ConvertedAt: time.Now(),
	})
	result := ConversionResult{
		Status:     JobSuccess,
		Content:    out.Content,
		Metadata:   out.Metadata,
		TokenUsage: out.Usage,
		Duration:   elapsed,
	}
	p.stats.AddRequest(result, job.Settings)
	jLogger.Debug("Job converted", slog.Int("attempt", attempt), slog.Duration("duration", elapsed), slog.Bool("ocr", out.OCRApplied))
	p.finish(job, result, started)
}

// Recovered implements JobHandler.
func (p *jobProcessor) Recovered(job *ConversionJob, value any) {
	err := NewFatalError(job.File.Path, &panicError{value: value})
	p.finishFailed(job, err, time.Time{})
}

// handleError routes a failed attempt: cancellation, retry, or terminal failure.
func (p *jobProcessor) handleError(ctx context.Context, jLogger *slog.Logger, job *ConversionJob, err error, attempt int, started time.Time) {
	if errors.Is(err, ErrJobCancelled) || errors.Is(err, context.Canceled) || job.IsCancelled() || ctx.Err() != nil {
		p.finishCancelled(job, started)
		return
	}

	var ce *ConversionError
	if errors.As(err, &ce) {
		err = ce.withJob(job.File.Path, job.ID, attempt)
	} else {
		err = (&ConversionError{Kind: KindFatal, Err: err}).withJob(job.File.Path, job.ID, attempt)
	}

	if KindOf(err) == KindTransient {
		retriesUsed := attempt - 1
		if attempt < 1 {
			retriesUsed = 0
		}
		if retriesUsed < job.Settings.RetryLimit {
			delay := backoff(job.Settings, attempt)
			jLogger.Info("Transient failure, requeueing",
				slog.Int("attempt", attempt),
				slog.Int("retry_limit", job.Settings.RetryLimit),
				slog.Duration("backoff", delay),
				slog.String("error", err.Error()),
			)
			if rqErr := p.queue.Requeue(job, time.Now().Add(delay)); rqErr != nil {
				jLogger.Warn("Requeue refused, cancelling job", slog.String("error", rqErr.Error()))
				p.finishCancelled(job, started)
			}
			return
		}
		jLogger.Warn("Transient failure, retries exhausted", slog.Int("attempt", attempt))
	}

	p.finishFailed(job, err, started)
}

// maxRetryBackoff bounds the backoff when settings leave RetryMaxDelay unset.
const maxRetryBackoff = time.Hour

// backoff returns min(base·2^(attempt-1), max), where max is RetryMaxDelay or
// maxRetryBackoff when that is unset.
func backoff(s ConversionSettings, attempt int) time.Duration {
	if s.RetryBaseDelay <= 0 {
		return 0
	}
	limit := s.RetryMaxDelay
	if limit <= 0 {
		limit = maxRetryBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	d := s.RetryBaseDelay
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}

func (p *jobProcessor) finishFailed(job *ConversionJob, err error, started time.Time) {
	kind := KindOf(err)
	logArgs := []any{
		slog.String("path", job.File.Path),
		slog.String("job_id", job.ID),
		slog.String("batch_id", job.BatchID),
		slog.Int("attempt", job.Attempts()),
		slog.String("error", err.Error()),
	}
	if kind == KindFatal {
		p.logger.Error("Conversion failed", logArgs...)
	} else {
		p.logger.Info("File rejected", append(logArgs, slog.String("kind", string(kind)))...)
	}
	p.finish(job, ConversionResult{Status: JobFailed, Err: err, ErrorKind: kind}, started)
}

func (p *jobProcessor) finishCancelled(job *ConversionJob, started time.Time) {
	p.finish(job, ConversionResult{Status: JobCancelled, Err: ErrJobCancelled}, started)
}

// finish performs the terminal transition and records the single result of job.
func (p *jobProcessor) finish(job *ConversionJob, r ConversionResult, started time.Time) {
	if !job.transition(r.Status) {
		p.logger.Warn("Rejected non-monotonic status transition",
			slog.String("job_id", job.ID),
			slog.String("from", string(job.Status())),
			slog.String("to", string(r.Status)),
		)
		return
	}
	now := time.Now()
	if started.IsZero() {
		started = now
	}
	r.JobID = job.ID
	r.BatchID = job.BatchID
	r.File = job.File
	r.Attempts = job.Attempts()
	r.StartedAt = started
	r.FinishedAt = now
	if r.Duration == 0 {
		r.Duration = now.Sub(started)
	}
	p.progress.Finish(r)
}
