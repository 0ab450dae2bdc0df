package provider_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackvity/batch-converter/pkg/converter"
	"github.com/stackvity/batch-converter/pkg/converter/provider"
)

const okResponse = `{
  "candidates": [{"content": {"parts": [{"text": "Invoice "}, {"text": "#42\n"}]}, "finishReason": "STOP"}],
  "usageMetadata": {"promptTokenCount": 600, "candidatesTokenCount": 50, "totalTokenCount": 650}
}`

func writeImage(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG fake image bytes"), 0o644))
	return path
}

func newProvider(t *testing.T, srv *httptest.Server, rps float64) *provider.GeminiOCR {
	t.Helper()
	g, err := provider.NewGeminiOCR(provider.GeminiOptions{
		APIKey:            "test-key",
		Model:             "test-model",
		BaseURL:           srv.URL,
		RequestsPerSecond: rps,
		HTTPClient:        srv.Client(),
	})
	require.NoError(t, err)
	return g
}

func TestPerformOCR_Success(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, okResponse)
	}))
	defer srv.Close()

	img := writeImage(t, "scan.png")
	resp, err := newProvider(t, srv, 0).PerformOCR(context.Background(), converter.OCRRequest{
		ImageRef: img,
		Language: "de",
		Prompt:   "Read it.",
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1beta/models/test-model:generateContent", gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "Invoice #42", resp.Text)
	assert.Equal(t, int64(650), resp.Usage.TotalTokens)
	assert.Equal(t, int64(600), resp.Usage.PromptTokens)
	assert.Equal(t, int64(50), resp.Usage.CompletionTokens)
	assert.Equal(t, converter.UsageOCR, resp.Usage.Type)
	assert.Equal(t, 1.0, resp.Confidence)

	parts := gotBody["contents"].([]any)[0].(map[string]any)["parts"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "Read it.\nThe document language is \"de\".", parts[0].(map[string]any)["text"])
	inline := parts[1].(map[string]any)["inline_data"].(map[string]any)
	assert.Equal(t, "image/png", inline["mime_type"])
	decoded, err := base64.StdEncoding.DecodeString(inline["data"].(string))
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG fake image bytes", string(decoded))
}

func TestPerformOCR_StatusClassification(t *testing.T) {
	testCases := []struct {
		name        string
		status      int
		body        string
		wantKind    converter.ErrorKind
		rateLimited bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":"quota"}`, wantKind: converter.KindTransient, rateLimited: true},
		{name: "server error", status: http.StatusServiceUnavailable, body: "overloaded", wantKind: converter.KindTransient},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"bad image"}`, wantKind: converter.KindFatal},
		{name: "forbidden", status: http.StatusForbidden, body: "no", wantKind: converter.KindFatal},
		{name: "blocked", status: http.StatusOK, body: `{"promptFeedback":{"blockReason":"SAFETY"}}`, wantKind: converter.KindFatal},
		{name: "no candidates", status: http.StatusOK, body: `{"candidates":[]}`, wantKind: converter.KindFatal},
		{name: "not json", status: http.StatusOK, body: "<html>", wantKind: converter.KindFatal},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tc.status == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "7")
				}
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := newProvider(t, srv, 0).PerformOCR(context.Background(), converter.OCRRequest{ImageRef: writeImage(t, "a.png")})
			require.Error(t, err)
			assert.Equal(t, tc.wantKind, converter.KindOf(err))
			assert.Equal(t, tc.rateLimited, errors.Is(err, converter.ErrRateLimited))
			if tc.rateLimited {
				assert.Contains(t, err.Error(), "retry after 7")
			}
		})
	}
}

func TestPerformOCR_InputValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()
	g := newProvider(t, srv, 0)

	_, err := g.PerformOCR(context.Background(), converter.OCRRequest{ImageRef: writeImage(t, "a.svg")})
	assert.ErrorIs(t, err, converter.ErrUnsupportedExtension)

	_, err = g.PerformOCR(context.Background(), converter.OCRRequest{ImageRef: filepath.Join(t.TempDir(), "missing.png")})
	assert.Equal(t, converter.KindFatal, converter.KindOf(err))
}

func TestPerformOCR_RateLimiter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, okResponse)
	}))
	defer srv.Close()
	g := newProvider(t, srv, 1) // one request per second, burst 1
	img := writeImage(t, "a.png")

	_, err := g.PerformOCR(context.Background(), converter.OCRRequest{ImageRef: img})
	require.NoError(t, err)

	// The next token is a second away; a shorter deadline cannot be met.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = g.PerformOCR(ctx, converter.OCRRequest{ImageRef: img})
	require.Error(t, err)
	assert.ErrorIs(t, err, converter.ErrRateLimited)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPerformOCR_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := newProvider(t, srv, 0).PerformOCR(ctx, converter.OCRRequest{ImageRef: writeImage(t, "a.png")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewGeminiOCR_Validation(t *testing.T) {
	_, err := provider.NewGeminiOCR(provider.GeminiOptions{})
	assert.ErrorIs(t, err, converter.ErrConfigValidation)

	_, err = provider.NewGeminiOCR(provider.GeminiOptions{APIKey: "k", RequestsPerSecond: -1})
	assert.ErrorIs(t, err, converter.ErrConfigValidation)
}
