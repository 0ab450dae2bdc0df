// Package engine provides the built-in conversion engines and a Registry that
// dispatches a file to the engine registered for its extension.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/stackvity/batch-converter/pkg/converter"
	"github.com/stackvity/batch-converter/pkg/converter/encoding"
	"github.com/stackvity/batch-converter/pkg/converter/language"
)

// Registry is a converter.ConversionEngine that routes by lower-case extension.
// Registration is expected before the registry is handed to a controller; lookups
// are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byExt  map[string]converter.ConversionEngine
	logger *slog.Logger
}

var _ converter.ConversionEngine = (*Registry)(nil)

// NewRegistry returns an empty Registry.
func NewRegistry(loggerHandler slog.Handler) *Registry {
	if loggerHandler == nil {
		loggerHandler = slog.NewTextHandler(io.Discard, nil)
	}
	return &Registry{
		byExt:  make(map[string]converter.ConversionEngine),
		logger: slog.New(loggerHandler).With(slog.String("component", "engineRegistry")),
	}
}

// Register routes exts (with or without dot, any case) to e, replacing earlier registrations.
func (r *Registry) Register(e converter.ConversionEngine, exts ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range exts {
		ext = normalizeExt(ext)
		if ext == "" {
			continue
		}
		if _, replaced := r.byExt[ext]; replaced {
			r.logger.Debug("Replacing engine registration", slog.String("extension", ext))
		}
		r.byExt[ext] = e
	}
}

// Lookup returns the engine registered for ext.
func (r *Registry) Lookup(ext string) (converter.ConversionEngine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byExt[normalizeExt(ext)]
	return e, ok
}

// Extensions returns the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Convert implements converter.ConversionEngine. A file whose extension has no
// engine is a validation failure.
func (r *Registry) Convert(ctx context.Context, path string, settings converter.ConversionSettings) (converter.EngineOutput, error) {
	ext := normalizeExt(filepath.Ext(path))
	e, ok := r.Lookup(ext)
	if !ok {
		return converter.EngineOutput{}, converter.NewValidationError(path, fmt.Errorf("%w: no engine registered for %q", converter.ErrUnsupportedExtension, "."+ext))
	}
	return e.Convert(ctx, path, settings)
}

// Options configures NewDefaultRegistry.
type Options struct {
	Encoding        encoding.EncodingHandler  // nil uses encoding.NewHandler("")
	Language        language.LanguageDetector // nil uses language.NewDetector(nil)
	ExtractComments bool                      // prepend doc comments of code files
	Logger          slog.Handler
}

// NewDefaultRegistry registers every built-in engine for the extensions it handles.
func NewDefaultRegistry(opts Options) *Registry {
	if opts.Encoding == nil {
		opts.Encoding = encoding.NewHandler("")
	}
	if opts.Language == nil {
		opts.Language = language.NewDetector(nil)
	}
	r := NewRegistry(opts.Logger)
	text := NewTextEngine(opts.Encoding, opts.Language, opts.ExtractComments, opts.Logger)
	r.Register(text, converter.TextExtensions...)
	r.Register(text, converter.CodeExtensions...)
	r.Register(NewPDFEngine(opts.Logger), converter.PDFExtensions...)
	r.Register(NewDocxEngine(opts.Logger), "docx", "odt")
	r.Register(NewHTMLEngine(opts.Logger), converter.HTMLExtensions...)
	r.Register(NewImageEngine(opts.Logger), converter.ImageExtensions...)
	return r
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// readSource reads path, mapping a missing file to a fatal ErrFileNotFound.
func readSource(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, converter.NewFatalError(path, fmt.Errorf("%w: %w", converter.ErrFileNotFound, err))
		}
		return nil, converter.NewFatalError(path, fmt.Errorf("reading source: %w", err))
	}
	return data, nil
}
