// Package provider contains OCR providers for the converter executor.
package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/stackvity/batch-converter/pkg/converter"
)

const (
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel   = "gemini-2.0-flash"

	// maxInlineBytes is the request size limit for inline image data.
	maxInlineBytes = 20 * 1024 * 1024
	maxErrorBody   = 2048
)

var mimeTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".pdf":  "application/pdf",
}

// GeminiOptions configures a GeminiOCR provider.
type GeminiOptions struct {
	APIKey            string
	Model             string       // default DefaultGeminiModel
	BaseURL           string       // default DefaultGeminiBaseURL
	RequestsPerSecond float64      // client-side limit; 0 disables it
	Burst             int          // default 1
	HTTPClient        *http.Client // default client with a 2 minute timeout
	Logger            slog.Handler
}

// GeminiOCR is a converter.OCRProvider backed by the Gemini generateContent REST API.
// The image is sent inline, base64 encoded, together with the OCR prompt.
type GeminiOCR struct {
	apiKey     string
	endpoint   string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

var _ converter.OCRProvider = (*GeminiOCR)(nil)

// NewGeminiOCR validates opts and returns a provider.
func NewGeminiOCR(opts GeminiOptions) (*GeminiOCR, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("%w: gemini api key is required for OCR", converter.ErrConfigValidation)
	}
	if opts.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("%w: requestsPerSecond must be >= 0", converter.ErrConfigValidation)
	}
	if opts.Model == "" {
		opts.Model = DefaultGeminiModel
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultGeminiBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = slog.NewTextHandler(io.Discard, nil)
	}
	g := &GeminiOCR{
		apiKey:     opts.APIKey,
		model:      opts.Model,
		endpoint:   fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimRight(opts.BaseURL, "/"), opts.Model),
		httpClient: opts.HTTPClient,
		logger:     slog.New(opts.Logger).With(slog.String("component", "geminiOCR"), slog.String("model", opts.Model)),
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return g, nil
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
		AvgLogprobs  float64 `json:"avgLogprobs"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// PerformOCR implements converter.OCRProvider.
//
// HTTP 429 maps to ErrRateLimited and 5xx or network failures to transient errors;
// other 4xx responses, blocked prompts and unreadable images are fatal.
func (g *GeminiOCR) PerformOCR(ctx context.Context, req converter.OCRRequest) (converter.OCRResponse, error) {
	path := req.ImageRef
	mimeType, ok := mimeTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return converter.OCRResponse{}, converter.NewValidationError(path, fmt.Errorf("%w: no OCR mime type for %q", converter.ErrUnsupportedExtension, filepath.Ext(path)))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return converter.OCRResponse{}, converter.NewFatalError(path, fmt.Errorf("reading image: %w", err))
	}
	if len(data) > maxInlineBytes {
		return converter.OCRResponse{}, converter.NewValidationError(path, fmt.Errorf("%w: %d bytes exceeds the %d byte inline OCR limit", converter.ErrFileTooLarge, len(data), maxInlineBytes))
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return converter.OCRResponse{}, ctx.Err()
			}
			return converter.OCRResponse{}, fmt.Errorf("%w: client-side limit: %w", converter.ErrRateLimited, err)
		}
	}

	body, err := json.Marshal(generateRequest{Contents: []content{{Parts: []part{
		{Text: buildPrompt(req)},
		{InlineData: &inlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(data)}},
	}}}})
	if err != nil {
		return converter.OCRResponse{}, converter.NewFatalError(path, fmt.Errorf("encoding request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return converter.OCRResponse{}, converter.NewFatalError(path, fmt.Errorf("creating request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	started := time.Now()
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return converter.OCRResponse{}, ctx.Err()
		}
		return converter.OCRResponse{}, converter.NewTransientError(path, fmt.Errorf("calling gemini: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return converter.OCRResponse{}, converter.NewTransientError(path, fmt.Errorf("reading gemini response: %w", err))
	}
	if err := statusError(path, resp, raw); err != nil {
		g.logger.Warn("Gemini request failed", slog.String("path", path), slog.Int("status", resp.StatusCode))
		return converter.OCRResponse{}, err
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return converter.OCRResponse{}, converter.NewFatalError(path, fmt.Errorf("decoding gemini response: %w", err))
	}
	if gr.PromptFeedback.BlockReason != "" {
		return converter.OCRResponse{}, converter.NewFatalError(path, fmt.Errorf("gemini blocked the request: %s", gr.PromptFeedback.BlockReason))
	}
	if len(gr.Candidates) == 0 {
		return converter.OCRResponse{}, converter.NewFatalError(path, errors.New("gemini returned no candidates"))
	}

	cand := gr.Candidates[0]
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		text.WriteString(p.Text)
	}
	confidence := 0.0
	if cand.AvgLogprobs != 0 {
		confidence = math.Exp(cand.AvgLogprobs)
	} else if cand.FinishReason == "STOP" {
		confidence = 1.0
	}

	usage := converter.TokenUsage{
		Type:             converter.UsageOCR,
		PromptTokens:     gr.UsageMetadata.PromptTokenCount,
		CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		Timestamp:        time.Now(),
	}
	g.logger.Debug("OCR completed",
		slog.String("path", path),
		slog.Int64("total_tokens", usage.TotalTokens),
		slog.String("finish_reason", cand.FinishReason),
		slog.Duration("duration", time.Since(started)),
	)
	return converter.OCRResponse{Text: strings.TrimSpace(text.String()), Usage: usage, Confidence: confidence}, nil
}

func buildPrompt(req converter.OCRRequest) string {
	prompt := req.Prompt
	if prompt == "" {
		prompt = converter.DefaultOCRPrompt
	}
	if req.Language != "" {
		prompt += fmt.Sprintf("\nThe document language is %q.", req.Language)
	}
	return prompt
}

func statusError(path string, resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody] + "..."
	}
	err := fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, msg)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			err = fmt.Errorf("%w (retry after %s)", err, ra)
		}
		return converter.NewTransientError(path, fmt.Errorf("%w: %w", converter.ErrRateLimited, err))
	case resp.StatusCode >= 500:
		return converter.NewTransientError(path, err)
	default:
		return converter.NewFatalError(path, err)
	}
}
