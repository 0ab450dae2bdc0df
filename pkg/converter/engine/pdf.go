package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/stackvity/batch-converter/pkg/converter"
)

// PDFEngine extracts the text layer of PDF documents page by page. A document
// without any text (a scan) is returned with needs_ocr set so the executor can
// run OCR when it is enabled.
type PDFEngine struct {
	logger *slog.Logger
}

// NewPDFEngine returns a PDFEngine.
func NewPDFEngine(loggerHandler slog.Handler) *PDFEngine {
	if loggerHandler == nil {
		loggerHandler = slog.NewTextHandler(io.Discard, nil)
	}
	return &PDFEngine{logger: slog.New(loggerHandler).With(slog.String("component", "pdfEngine"))}
}

// Convert implements converter.ConversionEngine. Encrypted and malformed documents are fatal.
func (e *PDFEngine) Convert(ctx context.Context, path string, _ converter.ConversionSettings) (out converter.EngineOutput, err error) {
	data, err := readSource(ctx, path)
	if err != nil {
		return converter.EngineOutput{}, err
	}

	// The parser panics on some malformed input.
	defer func() {
		if r := recover(); r != nil {
			out, err = converter.EngineOutput{}, converter.NewFatalError(path, fmt.Errorf("malformed pdf: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if errors.Is(err, pdf.ErrInvalidPassword) {
			return converter.EngineOutput{}, converter.NewFatalError(path, fmt.Errorf("encrypted pdf: %w", err))
		}
		return converter.EngineOutput{}, converter.NewFatalError(path, fmt.Errorf("opening pdf: %w", err))
	}

	numPages := reader.NumPage()
	var b strings.Builder
	textPages := 0
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return converter.EngineOutput{}, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			e.logger.Warn("Failed to extract page text", slog.String("path", path), slog.Int("page", i), slog.String("error", err.Error()))
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		textPages++
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if numPages > 1 {
			fmt.Fprintf(&b, "## Page %d\n\n", i)
		}
		b.WriteString(text)
	}

	meta := map[string]string{
		converter.MetaEngine: "pdf",
		converter.MetaPages:  strconv.Itoa(numPages),
	}
	if textPages == 0 {
		meta[converter.MetaNeedsOCR] = "true"
		e.logger.Debug("PDF has no text layer", slog.String("path", path), slog.Int("pages", numPages))
	}
	return converter.EngineOutput{Content: b.String(), Metadata: meta}, nil
}
