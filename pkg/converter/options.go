package converter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"
)

// EngineOutput is what a ConversionEngine produces for one file.
type EngineOutput struct {
	Content  string
	Metadata map[string]string
}

// ConversionEngine turns one source file into Markdown.
// Errors that are not *ConversionError are classified by the executor:
// deadline and rate-limit errors are transient, everything else is fatal.
// Implementations MUST be safe for concurrent use.
type ConversionEngine interface {
	Convert(ctx context.Context, path string, settings ConversionSettings) (EngineOutput, error)
}

// EngineFunc adapts a function to ConversionEngine.
type EngineFunc func(ctx context.Context, path string, settings ConversionSettings) (EngineOutput, error)

// Convert implements ConversionEngine.
func (f EngineFunc) Convert(ctx context.Context, path string, settings ConversionSettings) (EngineOutput, error) {
	return f(ctx, path, settings)
}

// OCRRequest is a single OCR call. ImageRef is a local file path.
type OCRRequest struct {
	ImageRef string
	Language string
	Prompt   string
}

// OCRResponse is the text extracted by an OCRProvider together with its cost.
type OCRResponse struct {
	Text       string
	Usage      TokenUsage
	Confidence float64
}

// OCRProvider extracts text from images. Whether it is local or hosted is opaque to the core.
// Implementations MUST be safe for concurrent use.
type OCRProvider interface {
	PerformOCR(ctx context.Context, req OCRRequest) (OCRResponse, error)
}

// Options configures a BatchController. Only Engine is required.
type Options struct {
	// --- Application Info ---
	AppVersion string `mapstructure:"-"` // Stamped into the persisted cache header.

	// --- Performance & Caching ---
	Concurrency   int           `mapstructure:"concurrency"`   // Number of workers (0=auto)
	CacheCapacity int           `mapstructure:"cacheCapacity"` // Result cache entries (0=DefaultCacheCapacity)
	CacheFilePath string        `mapstructure:"-"`             // Persist/restore the result cache here (empty disables)
	CacheFormat   string        `mapstructure:"cacheFormat"`   // "gob", "json" or "msgpack"
	VerifyContent bool          `mapstructure:"verifyContent"` // Always hash content, skipping the size/mtime fast path
	PollInterval  time.Duration `mapstructure:"-"`             // Idle worker wake-up interval
	EngineKey     string        `mapstructure:"-"`             // Engine configuration digest, part of every cache key

	// --- Injected Dependencies ---
	Engine      ConversionEngine `mapstructure:"-"` // Required
	OCRProvider OCRProvider      `mapstructure:"-"` // Optional
	Logger      slog.Handler     `mapstructure:"-"` // Optional: logging backend (nil discards)
}

// withDefaults fills zero values and validates the result.
func (o Options) withDefaults() (Options, error) {
	if o.Engine == nil {
		return o, fmt.Errorf("%w: a conversion engine is required", ErrConfigValidation)
	}
	if o.Concurrency < 0 {
		return o, fmt.Errorf("%w: concurrency must be >= 0, got %d", ErrConfigValidation, o.Concurrency)
	}
	if o.Concurrency == 0 {
		o.Concurrency = runtime.NumCPU()
	}
	if o.CacheCapacity < 0 {
		return o, fmt.Errorf("%w: cacheCapacity must be >= 0, got %d", ErrConfigValidation, o.CacheCapacity)
	}
	if o.CacheCapacity == 0 {
		o.CacheCapacity = DefaultCacheCapacity
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.AppVersion == "" {
		o.AppVersion = "dev"
	}
	if o.Logger == nil {
		o.Logger = slog.NewTextHandler(io.Discard, nil)
	}
	return o, nil
}
