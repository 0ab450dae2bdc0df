package converter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"
)

// ExecOutput is the successful output of one executor attempt.
type ExecOutput struct {
	Content    string
	Metadata   map[string]string
	Usage      *TokenUsage
	OCRApplied bool
}

// Executor runs the conversion engine, and optionally the OCR provider, for one job
// under per-call deadlines and classifies every failure as validation, transient or fatal.
//
// A collaborator call that ignores its context is abandoned when the deadline passes;
// its goroutine is left to finish on its own and its result is discarded.
type Executor struct {
	engine ConversionEngine
	ocr    OCRProvider
	logger *slog.Logger
}

// NewExecutor returns an Executor. ocr may be nil, in which case jobs that need OCR fail validation.
func NewExecutor(engine ConversionEngine, ocr OCRProvider, loggerHandler slog.Handler) *Executor {
	if loggerHandler == nil {
		loggerHandler = slog.NewTextHandler(io.Discard, nil)
	}
	return &Executor{
		engine: engine,
		ocr:    ocr,
		logger: slog.New(loggerHandler).With(slog.String("component", "executor")),
	}
}

// Validate rejects files that must never reach the engine.
func (e *Executor) Validate(file FileInfo, settings ConversionSettings) error {
	if !settings.Supports(file.Extension) {
		return NewValidationError(file.Path, fmt.Errorf("%w: %q", ErrUnsupportedExtension, "."+file.Extension))
	}
	if settings.MaxFileSizeBytes > 0 && file.Size > settings.MaxFileSizeBytes {
		return NewValidationError(file.Path, fmt.Errorf("%w: %d bytes > limit %d bytes", ErrFileTooLarge, file.Size, settings.MaxFileSizeBytes))
	}
	return nil
}

// Execute performs one attempt of job. ctx is the attempt context; cancelling it with
// cause ErrJobCancelled (or any cancellation of a parent) yields ErrJobCancelled.
func (e *Executor) Execute(ctx context.Context, job *ConversionJob) (ExecOutput, error) {
	file, settings := job.File, job.Settings

	if err := e.Validate(file, settings); err != nil {
		return ExecOutput{}, err
	}

	convStart := time.Now()
	out, err := runBounded(ctx, settings.Timeout, func(callCtx context.Context) (EngineOutput, error) {
		return e.engine.Convert(callCtx, file.Path, settings)
	})
	if err != nil {
		return ExecOutput{}, e.classify(ctx, file.Path, err)
	}
	e.logger.Debug("Engine conversion finished",
		slog.String("path", file.Path),
		slog.String("job_id", job.ID),
		slog.Duration("duration", time.Since(convStart)),
	)

	// Checkpoint between the conversion call and the OCR merge step.
	if job.IsCancelled() || ctx.Err() != nil {
		return ExecOutput{}, ErrJobCancelled
	}

	result := ExecOutput{Content: out.Content, Metadata: copyMeta(out.Metadata)}
	if !e.needsOCR(file, settings, out) {
		return result, nil
	}
	if e.ocr == nil {
		return ExecOutput{}, NewValidationError(file.Path, ErrOCRUnavailable)
	}

	ocrStart := time.Now()
	resp, err := runBounded(ctx, settings.OCRTimeout, func(callCtx context.Context) (OCRResponse, error) {
		return e.ocr.PerformOCR(callCtx, OCRRequest{
			ImageRef: file.Path,
			Language: settings.OCRLanguage,
			Prompt:   settings.OCRPrompt,
		})
	})
	if err != nil {
		return ExecOutput{}, e.classify(ctx, file.Path, err)
	}

	usage := resp.Usage
	if usage.Type == "" {
		usage.Type = UsageOCR
	}
	if usage.Timestamp.IsZero() {
		usage.Timestamp = time.Now()
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	result.Content = mergeOCRText(result.Content, resp.Text)
	result.Usage = &usage
	result.OCRApplied = true
	if result.Metadata == nil {
		result.Metadata = make(map[string]string)
	}
	result.Metadata[MetaOCRConfidence] = strconv.FormatFloat(resp.Confidence, 'f', 2, 64)
	e.logger.Debug("OCR merged",
		slog.String("path", file.Path),
		slog.String("job_id", job.ID),
		slog.Int64("total_tokens", usage.TotalTokens),
		slog.Duration("duration", time.Since(ocrStart)),
	)
	return result, nil
}

func (e *Executor) needsOCR(file FileInfo, settings ConversionSettings, out EngineOutput) bool {
	if !settings.OCREnabled {
		return false
	}
	return file.Type.RequiresOCR() || out.Metadata[MetaNeedsOCR] == "true"
}

func mergeOCRText(content, text string) string {
	if content == "" {
		return "## OCR Text\n\n" + text
	}
	return content + "\n\n## OCR Text\n\n" + text
}

// classify maps a collaborator error onto the error taxonomy. ctx is the attempt context.
func (e *Executor) classify(ctx context.Context, path string, err error) error {
	if ctx.Err() != nil {
		return ErrJobCancelled
	}

	var ce *ConversionError
	if errors.As(err, &ce) {
		return err
	}

	var pe *panicError
	if errors.As(err, &pe) {
		return NewFatalError(path, err)
	}

	var temp interface{ Temporary() bool }
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return NewTransientError(path, fmt.Errorf("%w: %w", ErrTimeout, err))
	case errors.Is(err, ErrRateLimited):
		return NewTransientError(path, err)
	case errors.As(err, &temp) && temp.Temporary():
		return NewTransientError(path, err)
	default:
		return NewFatalError(path, err)
	}
}

// panicError carries a value recovered from a collaborator.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

type boundedResult[T any] struct {
	val T
	err error
}

// runBounded calls fn in its own goroutine with a context that expires after timeout
// (no extra deadline when timeout <= 0). If the deadline passes first the call is
// abandoned and ErrTimeout is returned; if ctx is cancelled ctx's error is returned.
// Panics inside fn are recovered into *panicError.
func runBounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan boundedResult[T], 1) // buffered so an abandoned call never blocks
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- boundedResult[T]{val: zero, err: &panicError{value: r, stack: debug.Stack()}}
			}
		}()
		v, err := fn(callCtx)
		done <- boundedResult[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-callCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}
