package converter

import (
	"errors"
	"fmt"
)

// ErrorKind is the three-way classification that decides retry eligibility.
type ErrorKind string

// Constants representing the defined error kinds.
const (
	KindNone       ErrorKind = ""
	KindValidation ErrorKind = "validation"
	KindTransient  ErrorKind = "transient"
	KindFatal      ErrorKind = "fatal"
)

// --- Exported Error Variables ---
// Library users can check against these using errors.Is.

var (
	// ErrValidation matches any ConversionError of KindValidation.
	// The input was rejected before execution and will never be retried.
	ErrValidation = errors.New("validation error")

	// ErrTransient matches any ConversionError of KindTransient.
	// The attempt may succeed if repeated; the pool retries up to RetryLimit times.
	ErrTransient = errors.New("transient error")

	// ErrFatal matches any ConversionError of KindFatal.
	// The collaborator failed in a way retrying cannot fix (corrupt file, unexpected panic).
	ErrFatal = errors.New("fatal error")

	// ErrUnsupportedExtension indicates the file extension is not in SupportedExtensions.
	ErrUnsupportedExtension = errors.New("unsupported file extension")

	// ErrFileTooLarge indicates the file exceeds MaxFileSizeBytes.
	ErrFileTooLarge = errors.New("file exceeds maximum size")

	// ErrFileNotFound indicates the source file no longer exists or cannot be stat'ed.
	ErrFileNotFound = errors.New("file not found")

	// ErrTimeout indicates a collaborator call exceeded its deadline. Classified as transient.
	ErrTimeout = errors.New("operation timed out")

	// ErrRateLimited indicates the OCR/LLM provider refused the call due to rate limiting.
	// Classified as transient.
	ErrRateLimited = errors.New("provider rate limit exceeded")

	// ErrOCRUnavailable indicates OCR was required but no OCRProvider is configured.
	ErrOCRUnavailable = errors.New("ocr provider not configured")

	// ErrJobCancelled indicates the job observed its cancellation flag.
	// It is a terminal status, never a failure.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrBatchExists is returned by Submit when the batch id is already known.
	ErrBatchExists = errors.New("batch already exists")

	// ErrBatchNotFound is returned for operations on an unknown batch id.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrJobNotFound is returned when a file reference does not match any job in the batch.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotQueued is returned by MoveToFront when the job already left the queue.
	ErrJobNotQueued = errors.New("job is not queued")

	// ErrQueueClosed is returned by JobQueue.Pop after Close.
	ErrQueueClosed = errors.New("job queue closed")

	// ErrControllerClosed is returned by BatchController methods after Shutdown.
	ErrControllerClosed = errors.New("batch controller is shut down")

	// ErrConfigValidation indicates invalid ConversionSettings or Options.
	ErrConfigValidation = errors.New("invalid configuration")
)

// ConversionError carries the classification of a failed attempt together with
// enough context (path, job id, attempt) to diagnose it after the fact.
type ConversionError struct {
	Kind    ErrorKind
	Path    string
	JobID   string
	Attempt int
	Err     error
}

// Error implements the error interface.
func (e *ConversionError) Error() string {
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s error converting %s: %s", e.Kind, e.Path, msg)
}

// Unwrap returns the underlying cause.
func (e *ConversionError) Unwrap() error { return e.Err }

// Is matches the kind sentinels ErrValidation, ErrTransient and ErrFatal.
func (e *ConversionError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrFatal:
		return e.Kind == KindFatal
	}
	return false
}

// NewValidationError wraps err as a non-retryable input rejection.
func NewValidationError(path string, err error) *ConversionError {
	return &ConversionError{Kind: KindValidation, Path: path, Err: err}
}

// NewTransientError wraps err as a retryable failure.
func NewTransientError(path string, err error) *ConversionError {
	return &ConversionError{Kind: KindTransient, Path: path, Err: err}
}

// NewFatalError wraps err as a non-retryable collaborator failure.
func NewFatalError(path string, err error) *ConversionError {
	return &ConversionError{Kind: KindFatal, Path: path, Err: err}
}

// KindOf returns the classification of err, or KindNone for nil and cancellation.
// Unclassified errors are reported as KindFatal.
func KindOf(err error) ErrorKind {
	if err == nil || errors.Is(err, ErrJobCancelled) {
		return KindNone
	}
	var ce *ConversionError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindFatal
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// withJob returns a copy of ce annotated with job identity; ce itself is left untouched
// since engines may return shared pre-classified error values.
func (e *ConversionError) withJob(path, jobID string, attempt int) *ConversionError {
	c := *e
	if c.Path == "" {
		c.Path = path
	}
	c.JobID = jobID
	c.Attempt = attempt
	return &c
}
