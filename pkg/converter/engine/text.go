package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/stackvity/batch-converter/pkg/converter"
	"github.com/stackvity/batch-converter/pkg/converter/encoding"
	"github.com/stackvity/batch-converter/pkg/converter/language"
)

// proseExtensions are text formats emitted as-is rather than inside a code fence.
var proseExtensions = map[string]bool{"txt": true, "md": true, "markdown": true, "rst": true, "log": true}

// TextEngine converts plain text, data and source code files. Prose is passed
// through; data and code are wrapped in a fenced block labelled with the detected
// language.
type TextEngine struct {
	enc             encoding.EncodingHandler
	lang            language.LanguageDetector
	extractComments bool
	logger          *slog.Logger
}

// NewTextEngine returns a TextEngine.
func NewTextEngine(enc encoding.EncodingHandler, lang language.LanguageDetector, extractComments bool, loggerHandler slog.Handler) *TextEngine {
	if loggerHandler == nil {
		loggerHandler = slog.NewTextHandler(io.Discard, nil)
	}
	return &TextEngine{
		enc:             enc,
		lang:            lang,
		extractComments: extractComments,
		logger:          slog.New(loggerHandler).With(slog.String("component", "textEngine")),
	}
}

// Convert implements converter.ConversionEngine.
func (e *TextEngine) Convert(ctx context.Context, path string, _ converter.ConversionSettings) (converter.EngineOutput, error) {
	raw, err := readSource(ctx, path)
	if err != nil {
		return converter.EngineOutput{}, err
	}
	if e.enc.IsBinary(raw) {
		return converter.EngineOutput{}, converter.NewFatalError(path, errors.New("binary content in text file"))
	}
	content, encName, certain, err := e.enc.DetectAndDecode(raw)
	if err != nil {
		return converter.EngineOutput{}, converter.NewFatalError(path, err)
	}
	if !certain {
		e.logger.Debug("Encoding detection uncertain", slog.String("path", path), slog.String("encoding", encName))
	}

	lang, confidence, err := e.lang.Detect(content, path)
	if err != nil {
		e.logger.Warn("Language detection failed", slog.String("path", path), slog.String("error", err.Error()))
		lang = language.PlainText
	}

	meta := map[string]string{
		converter.MetaEngine:   "text",
		converter.MetaEncoding: encName,
		converter.MetaLanguage: lang,
	}
	if language.IsGenerated(path, content) {
		meta["generated"] = "true"
	}

	text := strings.TrimRight(string(content), "\n")
	ext := normalizeExt(filepath.Ext(path))
	if proseExtensions[ext] {
		return converter.EngineOutput{Content: text, Metadata: meta}, nil
	}

	var b strings.Builder
	if e.extractComments && converter.DetectFileType(ext) == converter.FileTypeCode {
		docs, err := extractDocComments(content, lang, path)
		if err != nil {
			e.logger.Warn("Doc comment extraction failed", slog.String("path", path), slog.String("error", err.Error()))
		}
		if docs != "" {
			b.WriteString("## Documentation\n\n")
			b.WriteString(docs)
			b.WriteString("\n\n## Source\n\n")
		}
	}
	writeFence(&b, language.FenceTag(lang), text)
	e.logger.Debug("Text converted", slog.String("path", path), slog.String("language", lang), slog.Float64("confidence", confidence))
	return converter.EngineOutput{Content: b.String(), Metadata: meta}, nil
}

// writeFence writes body in a fenced block whose backtick run is longer than any run inside body.
func writeFence(b *strings.Builder, tag, body string) {
	fence := "```"
	for strings.Contains(body, fence) {
		fence += "`"
	}
	b.WriteString(fence)
	b.WriteString(tag)
	b.WriteByte('\n')
	b.WriteString(body)
	b.WriteByte('\n')
	b.WriteString(fence)
}
