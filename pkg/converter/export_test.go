package converter

import (
	"context"
	"time"
)

// Hooks into unexported internals for the external test package.

func NewTestJob(id, batchID string, file FileInfo, settings ConversionSettings) *ConversionJob {
	return newJob(id, batchID, file, settings)
}

func (j *ConversionJob) RequestCancel() bool { return j.requestCancel() }

func (j *ConversionJob) Transition(next JobStatus) bool { return j.transition(next) }

func (j *ConversionJob) BeginAttempt(ctx context.Context) (context.Context, int, func()) {
	return j.beginAttempt(ctx)
}

var Backoff = backoff

func NewTestBatchReport(p BatchProgress, results []ConversionResult, settings ConversionSettings, submitted time.Time, concurrency int, stats LLMStats) BatchReport {
	return newBatchReport(p, results, settings, submitted, concurrency, stats)
}

func (s ConversionSettings) Clone() ConversionSettings { return s.clone() }

// CloseQueue closes the job queue without shutting the controller down, as a
// Shutdown racing with Submit does.
func (c *BatchController) CloseQueue() { c.queue.Close() }
