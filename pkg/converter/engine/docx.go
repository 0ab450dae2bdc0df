package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/stackvity/batch-converter/pkg/converter"
)

const (
	wordNS    = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
	odfTextNS = "urn:oasis:names:tc:opendocument:xmlns:text:1.0"
)

// DocxEngine extracts paragraphs and headings from Office Open XML (.docx) and
// OpenDocument (.odt) word processing files.
type DocxEngine struct {
	logger *slog.Logger
}

// NewDocxEngine returns a DocxEngine.
func NewDocxEngine(loggerHandler slog.Handler) *DocxEngine {
	if loggerHandler == nil {
		loggerHandler = slog.NewTextHandler(io.Discard, nil)
	}
	return &DocxEngine{logger: slog.New(loggerHandler).With(slog.String("component", "docxEngine"))}
}

// Convert implements converter.ConversionEngine.
func (e *DocxEngine) Convert(ctx context.Context, path string, _ converter.ConversionSettings) (converter.EngineOutput, error) {
	data, err := readSource(ctx, path)
	if err != nil {
		return converter.EngineOutput{}, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return converter.EngineOutput{}, converter.NewFatalError(path, fmt.Errorf("opening document archive: %w", err))
	}

	part, ns := "word/document.xml", wordNS
	if normalizeExt(filepath.Ext(path)) == "odt" {
		part, ns = "content.xml", odfTextNS
	}
	f, err := zr.Open(part)
	if err != nil {
		return converter.EngineOutput{}, converter.NewFatalError(path, fmt.Errorf("document part %s: %w", part, err))
	}
	defer f.Close()

	paragraphs, err := extractParagraphs(f, ns)
	if err != nil {
		return converter.EngineOutput{}, converter.NewFatalError(path, fmt.Errorf("parsing %s: %w", part, err))
	}
	e.logger.Debug("Document converted", slog.String("path", path), slog.Int("paragraphs", len(paragraphs)))
	return converter.EngineOutput{
		Content: strings.Join(paragraphs, "\n\n"),
		Metadata: map[string]string{
			converter.MetaEngine: "docx",
			"paragraphs":         strconv.Itoa(len(paragraphs)),
		},
	}, nil
}

// extractParagraphs streams the document XML and returns one Markdown block per
// non-empty paragraph. Headings become "#" lines.
func extractParagraphs(r io.Reader, ns string) ([]string, error) {
	dec := xml.NewDecoder(r)
	var (
		out     []string
		cur     strings.Builder
		inText  bool
		heading int
		inPara  bool
	)
	flush := func() {
		text := strings.TrimSpace(cur.String())
		cur.Reset()
		if text == "" {
			return
		}
		if heading > 0 {
			text = strings.Repeat("#", min(heading, 6)) + " " + text
		}
		out = append(out, text)
	}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != ns {
				continue
			}
			switch t.Name.Local {
			case "p":
				inPara, heading = true, 0
			case "h": // odt heading
				inPara, heading = true, outlineLevel(attr(t, "outline-level"))
			case "pStyle": // docx paragraph style
				if lvl, ok := strings.CutPrefix(strings.ToLower(attr(t, "val")), "heading"); ok {
					heading = outlineLevel(lvl)
				} else if strings.EqualFold(attr(t, "val"), "Title") {
					heading = 1
				}
			case "t":
				inText = true
			case "tab":
				cur.WriteByte('\t')
			case "br", "line-break", "cr":
				cur.WriteByte('\n')
			case "s": // odt run of spaces
				cur.WriteByte(' ')
			}
		case xml.EndElement:
			if t.Name.Space != ns {
				continue
			}
			switch t.Name.Local {
			case "p", "h":
				if inPara {
					flush()
				}
				inPara, heading = false, 0
			case "t":
				inText = false
			}
		case xml.CharData:
			// docx text lives in <w:t>; odt text is direct paragraph content.
			if inText || (ns == odfTextNS && inPara) {
				cur.Write(t)
			}
		}
	}
	return out, nil
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func outlineLevel(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 1
	}
	return n
}
