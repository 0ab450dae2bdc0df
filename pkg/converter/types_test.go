package converter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stackvity/batch-converter/pkg/converter"
)

func TestJobStatusConstants(t *testing.T) {
	assert.Equal(t, "pending", string(converter.JobPending))
	assert.Equal(t, "in_progress", string(converter.JobInProgress))
	assert.Equal(t, "success", string(converter.JobSuccess))
	assert.Equal(t, "failed", string(converter.JobFailed))
	assert.Equal(t, "cancelled", string(converter.JobCancelled))
}

func TestJobStatus_Transitions(t *testing.T) {
	testCases := []struct {
		from, to converter.JobStatus
		allowed  bool
	}{
		{converter.JobPending, converter.JobInProgress, true},
		{converter.JobPending, converter.JobSuccess, true},
		{converter.JobPending, converter.JobFailed, true},
		{converter.JobPending, converter.JobCancelled, true},
		{converter.JobInProgress, converter.JobInProgress, true},
		{converter.JobInProgress, converter.JobSuccess, true},
		{converter.JobInProgress, converter.JobCancelled, true},
		{converter.JobInProgress, converter.JobPending, false},
		{converter.JobSuccess, converter.JobFailed, false},
		{converter.JobFailed, converter.JobSuccess, false},
		{converter.JobCancelled, converter.JobInProgress, false},
		{converter.JobPending, converter.JobStatus("bogus"), false},
	}
	for _, tc := range testCases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to))
		})
	}
}

func TestJobStatus_IsTerminalAndMessage(t *testing.T) {
	for _, s := range []converter.JobStatus{converter.JobSuccess, converter.JobFailed, converter.JobCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []converter.JobStatus{converter.JobPending, converter.JobInProgress} {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.Equal(t, "Converting", converter.JobInProgress.Message())
	assert.Equal(t, "Unknown status", converter.JobStatus("x").Message())
}

func TestBatchStatus(t *testing.T) {
	assert.False(t, converter.BatchPending.IsTerminal())
	assert.False(t, converter.BatchRunning.IsTerminal())
	assert.True(t, converter.BatchCompleted.IsTerminal())
	assert.True(t, converter.BatchCancelled.IsTerminal())
	assert.Equal(t, "Completed", converter.BatchCompleted.Message())
}

func TestFileType_RequiresOCR(t *testing.T) {
	assert.True(t, converter.FileTypeImage.RequiresOCR())
	assert.False(t, converter.FileTypePDF.RequiresOCR())
	assert.False(t, converter.FileTypeText.RequiresOCR())
}

func TestOutputFormatConstants(t *testing.T) {
	assert.Equal(t, "text", string(converter.OutputFormatText))
	assert.Equal(t, "json", string(converter.OutputFormatJSON))
	assert.Equal(t, "yaml", string(converter.OutputFormatYAML))
}
