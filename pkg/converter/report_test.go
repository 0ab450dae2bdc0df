package converter_test

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/stackvity/batch-converter/pkg/converter"
)

func sampleReport() converter.BatchReport {
	progress := converter.BatchProgress{
		BatchID:        "batch-1",
		TotalFiles:     3,
		CompletedFiles: 3,
		SucceededFiles: 2,
		FailedFiles:    1,
		Status:         converter.BatchCompleted,
		Failures: []converter.FileFailure{
			{JobID: "j3", Path: "/in/c.xyz", Kind: converter.KindValidation, Error: `validation error converting /in/c.xyz: unsupported file extension: ".xyz"`},
		},
	}
	results := []converter.ConversionResult{
		{JobID: "j2", File: converter.FileInfo{Path: "/in/b.docx", Type: converter.FileTypeWord, Size: 20}, Status: converter.JobSuccess, Attempts: 1, CacheHit: true, Duration: 5 * time.Millisecond},
		{JobID: "j1", File: converter.FileInfo{Path: "/in/a.pdf", Type: converter.FileTypePDF, Size: 10}, Status: converter.JobSuccess, Attempts: 2,
			TokenUsage: &converter.TokenUsage{PromptTokens: 100, CompletionTokens: 50}, Duration: 40 * time.Millisecond},
		{JobID: "j3", File: converter.FileInfo{Path: "/in/c.xyz", Type: converter.FileTypeUnknown}, Status: converter.JobFailed,
			Err: converter.NewValidationError("/in/c.xyz", converter.ErrUnsupportedExtension), ErrorKind: converter.KindValidation},
	}
	settings := converter.DefaultSettings()
	settings.OCREnabled = true
	stats := converter.LLMStats{TotalRequests: 2, SuccessfulRequests: 1, FailedRequests: 1, TotalTokensUsed: 150, CacheHits: 1}
	return converter.NewTestBatchReport(progress, results, settings, time.Now().Add(-time.Second), 2, stats)
}

func TestBatchReport_Summary(t *testing.T) {
	r := sampleReport()
	s := r.Summary
	assert.Equal(t, "batch-1", s.BatchID)
	assert.Equal(t, converter.BatchCompleted, s.Status)
	assert.Equal(t, 2, s.SucceededCount)
	assert.Equal(t, 1, s.FailedCount)
	assert.Equal(t, 1, s.CachedCount)
	assert.Equal(t, int64(150), s.TokensUsed)
	assert.Equal(t, 100.0, s.ProgressPercent)
	assert.Equal(t, 2, s.Concurrency)
	assert.True(t, s.OCREnabled)
	assert.Equal(t, converter.ReportSchemaVersion, s.SchemaVersion)
	assert.GreaterOrEqual(t, s.DurationSeconds, 1.0)

	require.Len(t, r.Files, 3)
	assert.Equal(t, "/in/a.pdf", r.Files[0].Path, "files are sorted by path")
	assert.Equal(t, int64(150), r.Files[0].Tokens)
	assert.Equal(t, int64(40), r.Files[0].DurationMs)
	assert.Contains(t, r.Files[2].Error, "unsupported file extension")
	assert.Empty(t, r.Files[1].Error)

	assert.Len(t, r.Results(), 3)
	assert.Equal(t, "j2", r.Results()[0].JobID, "results keep finish order")
}

func TestBatchReport_WriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleReport().Write(&buf, converter.OutputFormatJSON))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	summary := decoded["summary"].(map[string]any)
	assert.Equal(t, "batch-1", summary["batchId"])
	assert.Equal(t, "completed", summary["status"])
	assert.Len(t, decoded["files"], 3)
	assert.Len(t, decoded["failures"], 1)
}

func TestBatchReport_WriteYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleReport().Write(&buf, converter.OutputFormatYAML))

	var decoded struct {
		Summary struct {
			BatchID     string `yaml:"batchId"`
			FailedCount int    `yaml:"failedCount"`
		} `yaml:"summary"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "batch-1", decoded.Summary.BatchID)
	assert.Equal(t, 1, decoded.Summary.FailedCount)
}

func TestBatchReport_WriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleReport().Write(&buf, converter.OutputFormatText))
	out := buf.String()
	assert.Contains(t, out, "Batch batch-1: Completed")
	assert.Contains(t, out, "3 total, 2 succeeded (1 cached), 1 failed, 0 cancelled")
	assert.Contains(t, out, "Failures:")
	assert.Contains(t, out, "/in/c.xyz")
	assert.Contains(t, out, "validation")
}

func TestBatchReport_WriteUnknownFormat(t *testing.T) {
	err := sampleReport().Write(&bytes.Buffer{}, converter.OutputFormat("html"))
	assert.ErrorIs(t, err, converter.ErrConfigValidation)
}
