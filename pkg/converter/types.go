package converter

// JobStatus is the lifecycle state of a single ConversionJob.
// Transitions are monotonic: Pending -> InProgress -> {Success, Failed, Cancelled},
// and Pending may jump straight to a terminal state (validation failure, cancel before dispatch).
type JobStatus string

// Constants representing the defined job statuses.
const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobSuccess    JobStatus = "success"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSuccess, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

func (s JobStatus) rank() int {
	switch s {
	case JobPending:
		return 0
	case JobInProgress:
		return 1
	case JobSuccess, JobFailed, JobCancelled:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next respects monotonic ordering.
// Re-entering InProgress from InProgress (a retried attempt) is allowed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() || next.rank() < 0 {
		return false
	}
	if s == JobInProgress && next == JobInProgress {
		return true
	}
	return next.rank() > s.rank()
}

// Message returns the human readable description shown by hosts for s.
func (s JobStatus) Message() string {
	switch s {
	case JobPending:
		return "Waiting in queue"
	case JobInProgress:
		return "Converting"
	case JobSuccess:
		return "Converted"
	case JobFailed:
		return "Conversion failed"
	case JobCancelled:
		return "Cancelled"
	default:
		return "Unknown status"
	}
}

// BatchStatus is the lifecycle state of a submitted batch.
type BatchStatus string

// Constants representing the defined batch statuses.
const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
)

// IsTerminal reports whether s is Completed or Cancelled.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchCancelled
}

// Message returns the human readable description shown by hosts for s.
func (s BatchStatus) Message() string {
	switch s {
	case BatchPending:
		return "Queued"
	case BatchRunning:
		return "Running"
	case BatchCompleted:
		return "Completed"
	case BatchCancelled:
		return "Cancelled"
	default:
		return "Unknown status"
	}
}

// FileType is the detected document family of a source file.
type FileType string

// Constants representing the supported document families.
const (
	FileTypePDF          FileType = "pdf"
	FileTypeWord         FileType = "word"
	FileTypeSpreadsheet  FileType = "spreadsheet"
	FileTypePresentation FileType = "presentation"
	FileTypeImage        FileType = "image"
	FileTypeHTML         FileType = "html"
	FileTypeText         FileType = "text"
	FileTypeCode         FileType = "code"
	FileTypeUnknown      FileType = "unknown"
)

// RequiresOCR reports whether text can only be obtained from t through OCR.
func (t FileType) RequiresOCR() bool {
	return t == FileTypeImage
}

// UsageType identifies which kind of provider call produced a TokenUsage.
type UsageType string

// Constants representing the defined usage types.
const (
	UsageOCR        UsageType = "ocr"
	UsageCompletion UsageType = "completion"
)

// OutputFormat defines the format of the final batch report.
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
	OutputFormatYAML OutputFormat = "yaml"
)
