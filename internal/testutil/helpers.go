package testutil

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stackvity/batch-converter/pkg/converter"
)

// CreateDummyFile creates a dummy file with specified content at the given path,
// ensuring parent directories exist. It uses require assertions for test setup.
func CreateDummyFile(t *testing.T, path string, content string) {
	t.Helper()
	fullPath := filepath.Clean(path)
	dir := filepath.Dir(fullPath)
	err := os.MkdirAll(dir, 0755)
	require.NoError(t, err, "Failed to create directory %s for dummy file", dir)
	err = os.WriteFile(fullPath, []byte(content), 0644)
	require.NoError(t, err, "Failed to write dummy file %s", fullPath)
}

// CreateSourceFile writes content to dir/name and returns its FileInfo.
func CreateSourceFile(t *testing.T, dir, name, content string) converter.FileInfo {
	t.Helper()
	path := filepath.Join(dir, name)
	CreateDummyFile(t, path, content)
	fi, err := converter.NewFileInfo(path)
	require.NoError(t, err)
	return fi
}

// SafeBuffer is a bytes.Buffer safe for concurrent writes, for capturing log output
// produced from worker goroutines.
type SafeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write implements io.Writer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns everything written so far.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewLogHandler returns a debug-level text handler writing to a fresh SafeBuffer.
func NewLogHandler() (slog.Handler, *SafeBuffer) {
	buf := &SafeBuffer{}
	return slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}), buf
}
