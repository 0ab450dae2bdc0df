package converter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ConversionJob is one file of one batch. The owning worker is the only writer of
// its status; the cancellation flag may be set from any goroutine.
type ConversionJob struct {
	ID       string
	BatchID  string
	File     FileInfo
	Settings ConversionSettings

	mu        sync.Mutex
	status    JobStatus
	attempts  int
	notBefore time.Time          // earliest dispatch time after a transient failure
	cancelRun context.CancelFunc // cancels the in-flight attempt, nil when idle

	cancelled atomic.Bool
	seq       int64 // queue position, kept across requeues
}

func newJob(id, batchID string, file FileInfo, settings ConversionSettings) *ConversionJob {
	return &ConversionJob{
		ID:       id,
		BatchID:  batchID,
		File:     file,
		Settings: settings,
		status:   JobPending,
	}
}

// Status returns the current status.
func (j *ConversionJob) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Attempts returns how many times the job has been handed to the executor.
func (j *ConversionJob) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// IsCancelled reports whether cancellation was requested.
func (j *ConversionJob) IsCancelled() bool { return j.cancelled.Load() }

// transition moves the job to next if the move is monotonic; it reports success.
func (j *ConversionJob) transition(next JobStatus) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.status.CanTransitionTo(next) {
		return false
	}
	j.status = next
	return true
}

// requestCancel sets the flag and cancels an in-flight attempt, if any.
// It reports whether the flag was newly set.
func (j *ConversionJob) requestCancel() bool {
	if !j.cancelled.CompareAndSwap(false, true) {
		return false
	}
	j.mu.Lock()
	cancel := j.cancelRun
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// beginAttempt derives the attempt context and increments the attempt counter.
// A job cancelled between the checkpoint and this call gets an already-cancelled context.
func (j *ConversionJob) beginAttempt(parent context.Context) (context.Context, int, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	j.mu.Lock()
	j.attempts++
	attempt := j.attempts
	j.cancelRun = func() { cancel(ErrJobCancelled) }
	j.mu.Unlock()

	if j.IsCancelled() {
		cancel(ErrJobCancelled)
	}
	return ctx, attempt, func() {
		j.mu.Lock()
		j.cancelRun = nil
		j.mu.Unlock()
		cancel(nil)
	}
}

func (j *ConversionJob) readyAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.notBefore
}

func (j *ConversionJob) setReadyAt(t time.Time) {
	j.mu.Lock()
	j.notBefore = t
	j.mu.Unlock()
}

// ConversionResult is the single terminal record of a job. It is created once and
// handed out by value.
type ConversionResult struct {
	JobID      string            `json:"jobId" yaml:"jobId"`
	BatchID    string            `json:"batchId" yaml:"batchId"`
	File       FileInfo          `json:"file" yaml:"file"`
	Status     JobStatus         `json:"status" yaml:"status"`
	Content    string            `json:"-" yaml:"-"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Err        error             `json:"-" yaml:"-"`
	ErrorKind  ErrorKind         `json:"errorKind,omitempty" yaml:"errorKind,omitempty"`
	TokenUsage *TokenUsage       `json:"tokenUsage,omitempty" yaml:"tokenUsage,omitempty"`
	Attempts   int               `json:"attempts" yaml:"attempts"`
	CacheHit   bool              `json:"cacheHit" yaml:"cacheHit"`
	StartedAt  time.Time         `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt" yaml:"finishedAt"`
	Duration   time.Duration     `json:"duration" yaml:"duration"`
}

// ErrorMessage returns Err's text or the empty string.
func (r ConversionResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
