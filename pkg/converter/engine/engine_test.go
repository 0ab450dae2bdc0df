package engine_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stackvity/batch-converter/internal/testutil"
	"github.com/stackvity/batch-converter/pkg/converter"
	"github.com/stackvity/batch-converter/pkg/converter/encoding"
	"github.com/stackvity/batch-converter/pkg/converter/engine"
	"github.com/stackvity/batch-converter/pkg/converter/language"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func convert(t *testing.T, e converter.ConversionEngine, path string) (converter.EngineOutput, error) {
	t.Helper()
	return e.Convert(context.Background(), path, converter.DefaultSettings())
}

// buildPDF writes a minimal uncompressed PDF with one page per entry; an empty
// entry produces a page without a text layer.
func buildPDF(pages ...string) []byte {
	var b bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, b.Len())
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}
	b.WriteString("%PDF-1.4\n")
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")
	for i, text := range pages {
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i))
		stream := ""
		if text != "" {
			stream = fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", text)
		}
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return b.Bytes()
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestRegistry_Dispatch(t *testing.T) {
	r := engine.NewRegistry(nil)
	var got string
	r.Register(converter.EngineFunc(func(_ context.Context, path string, _ converter.ConversionSettings) (converter.EngineOutput, error) {
		got = path
		return converter.EngineOutput{Content: "ok"}, nil
	}), ".PDF", "", "docx")

	out, err := convert(t, r, "/in/Report.Pdf")
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Content)
	assert.Equal(t, "/in/Report.Pdf", got)
	assert.Equal(t, []string{"docx", "pdf"}, r.Extensions())

	_, err = convert(t, r, "/in/sheet.xlsx")
	assert.ErrorIs(t, err, converter.ErrValidation)
	assert.ErrorIs(t, err, converter.ErrUnsupportedExtension)
}

func TestNewDefaultRegistry_Extensions(t *testing.T) {
	exts := engine.NewDefaultRegistry(engine.Options{}).Extensions()
	for _, want := range []string{"pdf", "docx", "odt", "png", "webp", "html", "go", "md", "json"} {
		assert.Contains(t, exts, want)
	}
	assert.NotContains(t, exts, "doc", "legacy binary word files need an external engine")
	assert.NotContains(t, exts, "xlsx")
}

func TestEngines_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone")
	engines := map[string]converter.ConversionEngine{
		".txt":  engine.NewTextEngine(encoding.NewHandler(""), language.NewDetector(nil), false, nil),
		".pdf":  engine.NewPDFEngine(nil),
		".docx": engine.NewDocxEngine(nil),
		".html": engine.NewHTMLEngine(nil),
		".png":  engine.NewImageEngine(nil),
	}
	for ext, e := range engines {
		t.Run(ext, func(t *testing.T) {
			_, err := convert(t, e, missing+ext)
			assert.ErrorIs(t, err, converter.ErrFileNotFound)
			assert.Equal(t, converter.KindFatal, converter.KindOf(err))
		})
	}
}

func TestEngines_CancelledContext(t *testing.T) {
	path := writeFile(t, "a.txt", []byte("hello"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.NewDefaultRegistry(engine.Options{}).Convert(ctx, path, converter.DefaultSettings())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTextEngine(t *testing.T) {
	e := engine.NewTextEngine(encoding.NewHandler(""), language.NewDetector(nil), true, nil)

	t.Run("prose passes through", func(t *testing.T) {
		out, err := convert(t, e, writeFile(t, "notes.md", []byte("# Notes\n\nSome text.\n\n")))
		require.NoError(t, err)
		assert.Equal(t, "# Notes\n\nSome text.", out.Content)
		assert.Equal(t, "utf-8", out.Metadata[converter.MetaEncoding])
		assert.Equal(t, "text", out.Metadata[converter.MetaEngine])
	})

	t.Run("data is fenced", func(t *testing.T) {
		out, err := convert(t, e, writeFile(t, "data.json", []byte(`{"a": 1}`)))
		require.NoError(t, err)
		assert.Equal(t, "```json\n{\"a\": 1}\n```", out.Content)
		assert.Equal(t, "json", out.Metadata[converter.MetaLanguage])
	})

	t.Run("code with doc comments", func(t *testing.T) {
		src := "// Package demo adds numbers.\npackage demo\n\n// Add returns a+b.\nfunc Add(a, b int) int { return a + b }\n"
		out, err := convert(t, e, writeFile(t, "demo.go", []byte(src)))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out.Content, "## Documentation\n\nPackage demo adds numbers.\n\nAdd returns a+b.\n\n## Source\n\n```go\n"), out.Content)
		assert.True(t, strings.HasSuffix(out.Content, "}\n```"))
	})

	t.Run("go test file doc comments", func(t *testing.T) {
		src := "package demo\n\n// TestAdd checks Add.\nfunc TestAdd() {}\n"
		out, err := convert(t, e, writeFile(t, "demo_test.go", []byte(src)))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out.Content, "## Documentation\n\nTestAdd checks Add.\n\n## Source\n\n"), out.Content)
	})

	t.Run("python docstrings", func(t *testing.T) {
		src := "\"\"\"Utility module.\"\"\"\n\ndef run(x):\n    \"\"\"Run the thing.\"\"\"\n    return x\n"
		out, err := convert(t, e, writeFile(t, "tool.py", []byte(src)))
		require.NoError(t, err)
		assert.Contains(t, out.Content, "Utility module.\n\nRun the thing.")
		assert.Contains(t, out.Content, "```python\n")
	})

	t.Run("unparseable go keeps source", func(t *testing.T) {
		out, err := convert(t, e, writeFile(t, "broken.go", []byte("package x\nfunc {")))
		require.NoError(t, err)
		assert.NotContains(t, out.Content, "## Documentation")
		assert.Contains(t, out.Content, "func {")
	})

	t.Run("embedded fences get a longer fence", func(t *testing.T) {
		out, err := convert(t, e, writeFile(t, "readme.yaml", []byte("doc: |\n  ```\n  x\n  ```\n")))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out.Content, "````yaml\n"), out.Content)
		assert.True(t, strings.HasSuffix(out.Content, "\n````"))
	})

	t.Run("binary content is fatal", func(t *testing.T) {
		_, err := convert(t, e, writeFile(t, "blob.txt", append([]byte("ab"), make([]byte, 64)...)))
		assert.Equal(t, converter.KindFatal, converter.KindOf(err))
	})
}

func TestTextEngine_Collaborators(t *testing.T) {
	path := writeFile(t, "legacy.txt", []byte("caf\xe9"))

	enc := new(testutil.MockEncodingHandler)
	enc.On("IsBinary", mock.Anything).Return(false)
	enc.On("DetectAndDecode", []byte("caf\xe9")).Return([]byte("café"), "windows-1252", false, nil)
	lang := new(testutil.MockLanguageDetector)
	lang.On("Detect", []byte("café"), path).Return("", 0.0, errors.New("detector offline"))

	handler, logs := testutil.NewLogHandler()
	out, err := convert(t, engine.NewTextEngine(enc, lang, false, handler), path)
	require.NoError(t, err)
	assert.Equal(t, "café", out.Content)
	assert.Equal(t, "windows-1252", out.Metadata[converter.MetaEncoding])
	assert.Equal(t, language.PlainText, out.Metadata[converter.MetaLanguage])
	assert.Contains(t, logs.String(), "Language detection failed")
	enc.AssertExpectations(t)
	lang.AssertExpectations(t)

	failing := new(testutil.MockEncodingHandler)
	failing.On("IsBinary", mock.Anything).Return(false)
	failing.On("DetectAndDecode", mock.Anything).Return(nil, "shift_jis", true, errors.New("invalid sequence"))
	_, err = convert(t, engine.NewTextEngine(failing, lang, false, nil), path)
	assert.Equal(t, converter.KindFatal, converter.KindOf(err))
}

func TestPDFEngine(t *testing.T) {
	e := engine.NewPDFEngine(nil)

	t.Run("single page text", func(t *testing.T) {
		out, err := convert(t, e, writeFile(t, "a.pdf", buildPDF("Hello PDF")))
		require.NoError(t, err)
		assert.Contains(t, out.Content, "Hello PDF")
		assert.NotContains(t, out.Content, "## Page")
		assert.Equal(t, "1", out.Metadata[converter.MetaPages])
		assert.Empty(t, out.Metadata[converter.MetaNeedsOCR])
	})

	t.Run("multi page with a scanned page", func(t *testing.T) {
		out, err := convert(t, e, writeFile(t, "b.pdf", buildPDF("First", "", "Third")))
		require.NoError(t, err)
		assert.Contains(t, out.Content, "## Page 1")
		assert.Contains(t, out.Content, "## Page 3")
		assert.NotContains(t, out.Content, "## Page 2")
		assert.Equal(t, "3", out.Metadata[converter.MetaPages])
		assert.Empty(t, out.Metadata[converter.MetaNeedsOCR])
	})

	t.Run("no text layer needs ocr", func(t *testing.T) {
		out, err := convert(t, e, writeFile(t, "scan.pdf", buildPDF("")))
		require.NoError(t, err)
		assert.Empty(t, out.Content)
		assert.Equal(t, "true", out.Metadata[converter.MetaNeedsOCR])
	})

	t.Run("corrupt file is fatal", func(t *testing.T) {
		_, err := convert(t, e, writeFile(t, "bad.pdf", []byte("this is not a pdf")))
		require.Error(t, err)
		assert.Equal(t, converter.KindFatal, converter.KindOf(err))
	})
}

const docxBody = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Quarterly Report</w:t></w:r></w:p>
<w:p><w:r><w:t xml:space="preserve">Revenue grew </w:t></w:r><w:r><w:rPr><w:b/></w:rPr><w:t>12%</w:t></w:r></w:p>
<w:p/>
<w:p><w:pPr><w:pStyle w:val="Heading2"/></w:pPr><w:r><w:t>Outlook</w:t></w:r></w:p>
<w:p><w:r><w:t>Line one</w:t><w:br/><w:t>Line two</w:t></w:r></w:p>
</w:body></w:document>`

const odtBody = `<?xml version="1.0" encoding="UTF-8"?>
<office:document-content xmlns:office="urn:oasis:names:tc:opendocument:xmlns:office:1.0" xmlns:text="urn:oasis:names:tc:opendocument:xmlns:text:1.0"><office:body><office:text><text:h text:outline-level="2">Minutes</text:h><text:p>Attendees: <text:span>Ana</text:span>, Bo</text:p></office:text></office:body></office:document-content>`

func TestDocxEngine(t *testing.T) {
	e := engine.NewDocxEngine(nil)

	t.Run("docx", func(t *testing.T) {
		path := writeFile(t, "report.docx", buildZip(t, map[string]string{"word/document.xml": docxBody}))
		out, err := convert(t, e, path)
		require.NoError(t, err)
		assert.Equal(t, "# Quarterly Report\n\nRevenue grew 12%\n\n## Outlook\n\nLine one\nLine two", out.Content)
		assert.Equal(t, "4", out.Metadata["paragraphs"])
	})

	t.Run("odt", func(t *testing.T) {
		path := writeFile(t, "minutes.odt", buildZip(t, map[string]string{"content.xml": odtBody}))
		out, err := convert(t, e, path)
		require.NoError(t, err)
		assert.Equal(t, "## Minutes\n\nAttendees: Ana, Bo", out.Content)
	})

	t.Run("missing document part", func(t *testing.T) {
		path := writeFile(t, "empty.docx", buildZip(t, map[string]string{"docProps/app.xml": "<x/>"}))
		_, err := convert(t, e, path)
		assert.Equal(t, converter.KindFatal, converter.KindOf(err))
	})

	t.Run("not a zip", func(t *testing.T) {
		_, err := convert(t, e, writeFile(t, "fake.docx", []byte("plain text")))
		assert.Equal(t, converter.KindFatal, converter.KindOf(err))
	})
}

func TestHTMLEngine(t *testing.T) {
	page := `<html><head><title>Guide</title><style>p{color:red}</style></head><body>` +
		`<h1>Install</h1><p>Run <code>make</code> then <a href="https://x.test">read <b>docs</b></a>.</p>` +
		`<ul><li>one</li><li>two<ul><li>deep</li></ul></li></ul><ol><li>first</li></ol>` +
		"<pre>line1\nline2</pre><script>alert(1)</script></body></html>"

	out, err := convert(t, engine.NewHTMLEngine(nil), writeFile(t, "guide.html", []byte(page)))
	require.NoError(t, err)
	assert.Equal(t, "# Install\n\nRun `make` then [read **docs**](https://x.test).\n\n- one\n- two\n  - deep\n\n1. first\n\n```\nline1\nline2\n```", out.Content)
	assert.Equal(t, "Guide", out.Metadata["title"])
	assert.NotContains(t, out.Content, "alert")
}

func TestHTMLEngine_Latin1(t *testing.T) {
	page := []byte("<html><head><meta charset=\"iso-8859-1\"></head><body><p>caf\xe9</p></body></html>")
	out, err := convert(t, engine.NewHTMLEngine(nil), writeFile(t, "old.htm", page))
	require.NoError(t, err)
	assert.Equal(t, "café", out.Content)
}

func TestImageEngine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 3, 2))))

	out, err := convert(t, engine.NewImageEngine(nil), writeFile(t, "page1.png", buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "true", out.Metadata[converter.MetaNeedsOCR])
	assert.Equal(t, "3", out.Metadata["width"])
	assert.Equal(t, "2", out.Metadata["height"])
	assert.Equal(t, "png", out.Metadata["format"])
	assert.Contains(t, out.Content, "![page1.png](page1.png)")

	out, err = convert(t, engine.NewImageEngine(nil), writeFile(t, "broken.jpg", []byte("garbage")))
	require.NoError(t, err)
	assert.Equal(t, "true", out.Metadata[converter.MetaNeedsOCR])
	assert.Empty(t, out.Metadata["width"])
}
