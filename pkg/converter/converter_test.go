package converter_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackvity/batch-converter/internal/testutil"
	"github.com/stackvity/batch-converter/pkg/converter"
)

func TestConvertBatch(t *testing.T) {
	dir := t.TempDir()
	files := []converter.FileInfo{
		testutil.CreateSourceFile(t, dir, "a.md", "# a"),
		testutil.CreateSourceFile(t, dir, "b.md", "# b"),
	}
	cachePath := filepath.Join(dir, ".batchconverter.cache")

	var mu sync.Mutex
	var last converter.BatchProgress
	report, err := converter.ConvertBatch(context.Background(), converter.Options{
		Engine:        newFakeEngine(),
		Concurrency:   2,
		CacheFilePath: cachePath,
	}, files, fastSettings(), func(p converter.BatchProgress) {
		mu.Lock()
		last = p
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, converter.BatchCompleted, report.Summary.Status)
	assert.Equal(t, 2, report.Summary.SucceededCount)
	assert.FileExists(t, cachePath)

	mu.Lock()
	assert.Equal(t, converter.BatchCompleted, last.Status)
	mu.Unlock()
}

func TestConvertBatch_Interrupted(t *testing.T) {
	file := testutil.CreateSourceFile(t, t.TempDir(), "hang.pdf", "hang")
	engine := newFakeEngine()
	engine.script = func(ctx context.Context, _ string, _ int) (converter.EngineOutput, error) {
		<-ctx.Done()
		return converter.EngineOutput{}, ctx.Err()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	report, err := converter.ConvertBatch(ctx, converter.Options{Engine: engine, Concurrency: 1}, []converter.FileInfo{file}, fastSettings(), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, converter.BatchCancelled, report.Summary.Status)
	assert.Equal(t, 1, report.Summary.CancelledCount)
}

func TestConvertBatch_SubmitError(t *testing.T) {
	_, err := converter.ConvertBatch(context.Background(), converter.Options{Engine: newFakeEngine()}, nil, fastSettings(), nil)
	assert.ErrorIs(t, err, converter.ErrValidation)

	_, err = converter.ConvertBatch(context.Background(), converter.Options{}, nil, fastSettings(), nil)
	assert.ErrorIs(t, err, converter.ErrConfigValidation)
}
