package converter

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

// BatchReport summarizes a terminal batch.
type BatchReport struct {
	Summary  ReportSummary `json:"summary" yaml:"summary"`
	Files    []FileReport  `json:"files" yaml:"files"`
	Failures []FileFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
	Stats    LLMStats      `json:"stats" yaml:"stats"`
	results  []ConversionResult
}

// ReportSummary contains the aggregated counters of one batch.
type ReportSummary struct {
	BatchID         string      `json:"batchId" yaml:"batchId"`
	Status          BatchStatus `json:"status" yaml:"status"`
	TotalFiles      int         `json:"totalFiles" yaml:"totalFiles"`
	SucceededCount  int         `json:"succeededCount" yaml:"succeededCount"`
	FailedCount     int         `json:"failedCount" yaml:"failedCount"`
	CancelledCount  int         `json:"cancelledCount" yaml:"cancelledCount"`
	CachedCount     int         `json:"cachedCount" yaml:"cachedCount"`
	ProgressPercent float64     `json:"progressPercent" yaml:"progressPercent"`
	TokensUsed      int64       `json:"tokensUsed" yaml:"tokensUsed"`
	DurationSeconds float64     `json:"durationSeconds" yaml:"durationSeconds"`
	Concurrency     int         `json:"concurrency" yaml:"concurrency"`
	OCREnabled      bool        `json:"ocrEnabled" yaml:"ocrEnabled"`
	Timestamp       time.Time   `json:"timestamp" yaml:"timestamp"`
	SchemaVersion   string      `json:"schemaVersion" yaml:"schemaVersion"`
}

// FileReport details the outcome of a single file.
type FileReport struct {
	Path       string    `json:"path" yaml:"path"`
	Type       FileType  `json:"type" yaml:"type"`
	SizeBytes  int64     `json:"sizeBytes" yaml:"sizeBytes"`
	Status     JobStatus `json:"status" yaml:"status"`
	CacheHit   bool      `json:"cacheHit" yaml:"cacheHit"`
	Attempts   int       `json:"attempts" yaml:"attempts"`
	Tokens     int64     `json:"tokens,omitempty" yaml:"tokens,omitempty"`
	DurationMs int64     `json:"durationMs" yaml:"durationMs"`
	ErrorKind  ErrorKind `json:"errorKind,omitempty" yaml:"errorKind,omitempty"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
}

func newBatchReport(p BatchProgress, results []ConversionResult, settings ConversionSettings, submitted time.Time, concurrency int, stats LLMStats) BatchReport {
	r := BatchReport{
		Summary: ReportSummary{
			BatchID:         p.BatchID,
			Status:          p.Status,
			TotalFiles:      p.TotalFiles,
			SucceededCount:  p.SucceededFiles,
			FailedCount:     p.FailedFiles,
			CancelledCount:  p.CancelledFiles,
			ProgressPercent: p.ProgressPercent(),
			DurationSeconds: time.Since(submitted).Seconds(),
			Concurrency:     concurrency,
			OCREnabled:      settings.OCREnabled,
			Timestamp:       time.Now(),
			SchemaVersion:   ReportSchemaVersion,
		},
		Failures: p.Failures,
		Stats:    stats,
		results:  results,
	}
	for _, res := range results {
		fr := FileReport{
			Path:       res.File.Path,
			Type:       res.File.Type,
			SizeBytes:  res.File.Size,
			Status:     res.Status,
			CacheHit:   res.CacheHit,
			Attempts:   res.Attempts,
			DurationMs: res.Duration.Milliseconds(),
			ErrorKind:  res.ErrorKind,
		}
		if res.Status == JobFailed {
			fr.Error = res.ErrorMessage()
		}
		if res.TokenUsage != nil {
			fr.Tokens = res.TokenUsage.total()
			r.Summary.TokensUsed += fr.Tokens
		}
		if res.CacheHit {
			r.Summary.CachedCount++
		}
		r.Files = append(r.Files, fr)
	}
	sort.Slice(r.Files, func(i, j int) bool { return r.Files[i].Path < r.Files[j].Path })
	return r
}

// Results returns the per-file results the report was built from, in finish order.
func (r BatchReport) Results() []ConversionResult { return r.results }

// Write renders the report to w in the given format.
func (r BatchReport) Write(w io.Writer, format OutputFormat) error {
	switch format {
	case OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case OutputFormatText, "":
		return r.writeText(w)
	default:
		return fmt.Errorf("%w: unsupported report format %q", ErrConfigValidation, format)
	}
}

func (r BatchReport) writeText(w io.Writer) error {
	s := r.Summary
	var b strings.Builder
	fmt.Fprintf(&b, "Batch %s: %s\n", s.BatchID, s.Status.Message())
	fmt.Fprintf(&b, "  Files:      %d total, %d succeeded (%d cached), %d failed, %d cancelled\n",
		s.TotalFiles, s.SucceededCount, s.CachedCount, s.FailedCount, s.CancelledCount)
	fmt.Fprintf(&b, "  Progress:   %.1f%%\n", s.ProgressPercent)
	fmt.Fprintf(&b, "  Duration:   %.2fs with %d workers\n", s.DurationSeconds, s.Concurrency)
	if s.TokensUsed > 0 || r.Stats.TotalTokensUsed > 0 {
		fmt.Fprintf(&b, "  Tokens:     %d this batch, %d total, est. cost %.4f\n", s.TokensUsed, r.Stats.TotalTokensUsed, r.Stats.TotalCostEstimate)
	}
	fmt.Fprintf(&b, "  Requests:   %d (success rate %.1f%%), cache hits %d\n",
		r.Stats.TotalRequests, r.Stats.SuccessRate()*100, r.Stats.CacheHits)
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}

	if len(r.Failures) == 0 {
		return nil
	}
	if _, err := io.WriteString(w, "\nFailures:\n"); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, f := range r.Failures {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", f.Path, f.Kind, f.Error)
	}
	return tw.Flush()
}
