package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/stackvity/batch-converter/pkg/converter"
)

// ImageEngine produces a placeholder body for images and flags them for OCR.
// The body references the image and records its dimensions when the format is decodable.
type ImageEngine struct {
	logger *slog.Logger
}

// NewImageEngine returns an ImageEngine.
func NewImageEngine(loggerHandler slog.Handler) *ImageEngine {
	if loggerHandler == nil {
		loggerHandler = slog.NewTextHandler(io.Discard, nil)
	}
	return &ImageEngine{logger: slog.New(loggerHandler).With(slog.String("component", "imageEngine"))}
}

// Convert implements converter.ConversionEngine.
func (e *ImageEngine) Convert(ctx context.Context, path string, _ converter.ConversionSettings) (converter.EngineOutput, error) {
	data, err := readSource(ctx, path)
	if err != nil {
		return converter.EngineOutput{}, err
	}
	name := filepath.Base(path)
	meta := map[string]string{
		converter.MetaEngine:   "image",
		converter.MetaNeedsOCR: "true",
	}
	body := fmt.Sprintf("![%s](%s)", name, filepath.ToSlash(name))

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		e.logger.Debug("Image header not decodable", slog.String("path", path), slog.String("error", err.Error()))
	} else {
		meta["width"] = strconv.Itoa(cfg.Width)
		meta["height"] = strconv.Itoa(cfg.Height)
		meta["format"] = format
		body += fmt.Sprintf("\n\n*%s image, %d×%d*", format, cfg.Width, cfg.Height)
	}
	return converter.EngineOutput{Content: body, Metadata: meta}, nil
}
