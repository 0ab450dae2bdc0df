// Package template renders conversion results as Markdown documents with optional
// YAML or TOML front matter.
package template

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/stackvity/batch-converter/pkg/converter"
)

//go:embed default.md
var defaultTemplateContent string

// FrontMatterFormat selects the front matter block written before the body.
type FrontMatterFormat string

const (
	FrontMatterNone FrontMatterFormat = "none"
	FrontMatterYAML FrontMatterFormat = "yaml"
	FrontMatterTOML FrontMatterFormat = "toml"
)

// ParseFrontMatterFormat accepts "", "none", "yaml" and "toml" (any case).
func ParseFrontMatterFormat(s string) (FrontMatterFormat, error) {
	switch f := FrontMatterFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FrontMatterNone:
		return FrontMatterNone, nil
	case FrontMatterYAML, FrontMatterTOML:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown front matter format %q", converter.ErrConfigValidation, s)
	}
}

// Document is the data passed to the Markdown template.
type Document struct {
	Title       string
	SourcePath  string
	RelPath     string
	FileType    converter.FileType
	SizeBytes   int64
	ModTime     time.Time
	ConvertedAt time.Time
	Content     string
	Metadata    map[string]string
	CacheHit    bool
	OCRApplied  bool
	Attempts    int
	Tokens      int64
	Failed      bool
	Error       string
}

// NewDocument builds a Document from a terminal result. relPath is the source path
// relative to the input root and becomes the title.
func NewDocument(r converter.ConversionResult, relPath string) *Document {
	d := &Document{
		Title:       filepath.ToSlash(relPath),
		SourcePath:  r.File.Path,
		RelPath:     filepath.ToSlash(relPath),
		FileType:    r.File.Type,
		SizeBytes:   r.File.Size,
		ModTime:     r.File.ModTime,
		ConvertedAt: r.FinishedAt,
		Content:     strings.TrimRight(r.Content, "\n"),
		Metadata:    r.Metadata,
		CacheHit:    r.CacheHit,
		Attempts:    r.Attempts,
		Failed:      r.Status == converter.JobFailed,
		Error:       r.ErrorMessage(),
	}
	if _, ok := r.Metadata[converter.MetaOCRConfidence]; ok {
		d.OCRApplied = true
	}
	if r.TokenUsage != nil {
		d.Tokens = r.TokenUsage.TotalTokens
		if d.Tokens == 0 {
			d.Tokens = r.TokenUsage.PromptTokens + r.TokenUsage.CompletionTokens
		}
	}
	if d.ConvertedAt.IsZero() {
		d.ConvertedAt = time.Now()
	}
	return d
}

// frontMatter returns the keys written into the front matter block.
func (d *Document) frontMatter() map[string]any {
	fm := map[string]any{
		"source":       d.RelPath,
		"type":         string(d.FileType),
		"size_bytes":   d.SizeBytes,
		"converted_at": d.ConvertedAt.UTC().Format(time.RFC3339),
		"cache_hit":    d.CacheHit,
	}
	if d.OCRApplied {
		fm["ocr"] = true
	}
	if d.Tokens > 0 {
		fm["tokens"] = d.Tokens
	}
	if len(d.Metadata) > 0 {
		meta := make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			meta[k] = v
		}
		fm["metadata"] = meta
	}
	return fm
}

var funcMap = template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		if layout == "" {
			layout = time.RFC3339
		}
		return t.Format(layout)
	},
	"relLink": func(target, current string) (string, error) {
		rel, err := filepath.Rel(filepath.Dir(current), strings.TrimSuffix(target, filepath.Ext(target))+".md")
		if err != nil {
			return "", fmt.Errorf("relative link from %q to %q: %w", current, target, err)
		}
		return filepath.ToSlash(rel), nil
	},
	"metaKeys": func(m map[string]string) []string {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	},
	"trim": strings.TrimSpace,
}

// Renderer writes Documents as Markdown. It is safe for concurrent use.
type Renderer struct {
	tmpl        *template.Template
	frontMatter FrontMatterFormat
}

// NewRenderer parses the template at templatePath, or the embedded default when the
// path is empty.
func NewRenderer(templatePath string, fm FrontMatterFormat) (*Renderer, error) {
	if fm == "" {
		fm = FrontMatterNone
	}
	name, text := "default", defaultTemplateContent
	if templatePath != "" {
		raw, err := os.ReadFile(templatePath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading template %s: %w", converter.ErrConfigValidation, templatePath, err)
		}
		name, text = filepath.Base(templatePath), string(raw)
	}
	tmpl, err := template.New(name).Funcs(funcMap).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing template %s: %w", converter.ErrConfigValidation, name, err)
	}
	return &Renderer{tmpl: tmpl, frontMatter: fm}, nil
}

// Render writes the front matter block (if any) followed by the rendered body.
func (r *Renderer) Render(w io.Writer, doc *Document) error {
	var buf bytes.Buffer
	if err := r.writeFrontMatter(&buf, doc); err != nil {
		return err
	}
	if err := r.tmpl.Execute(&buf, doc); err != nil {
		return fmt.Errorf("template execution failed for %q: %w", r.tmpl.Name(), err)
	}
	if b := buf.Bytes(); len(b) > 0 && b[len(b)-1] != '\n' {
		buf.WriteByte('\n')
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func (r *Renderer) writeFrontMatter(buf *bytes.Buffer, doc *Document) error {
	switch r.frontMatter {
	case FrontMatterYAML:
		out, err := yaml.Marshal(doc.frontMatter())
		if err != nil {
			return fmt.Errorf("encoding yaml front matter: %w", err)
		}
		buf.WriteString("---\n")
		buf.Write(out)
		buf.WriteString("---\n\n")
	case FrontMatterTOML:
		buf.WriteString("+++\n")
		if err := toml.NewEncoder(buf).Encode(doc.frontMatter()); err != nil {
			return fmt.Errorf("encoding toml front matter: %w", err)
		}
		buf.WriteString("+++\n\n")
	}
	return nil
}

// WriteFile renders doc to path, creating parent directories. The file is written
// to a temporary name first and renamed into place.
func (r *Renderer) WriteFile(path string, doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".render-*.md")
	if err != nil {
		return fmt.Errorf("creating temp output: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := r.Render(tmp, doc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp output: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("moving output into place: %w", err)
	}
	return nil
}

// OutputPaths maps source paths (relative to the input root) to Markdown paths under
// outputDir. The extension is replaced by ".md"; when two sources would collide the
// later one keeps its extension ("report.pdf" -> "report_pdf.md").
type OutputPaths struct {
	outputDir string
	bySource  map[string]string
	taken     map[string]bool
}

// NewOutputPaths returns an OutputPaths rooted at outputDir.
func NewOutputPaths(outputDir string) *OutputPaths {
	return &OutputPaths{outputDir: outputDir, bySource: make(map[string]string), taken: make(map[string]bool)}
}

// For returns the output path for relPath. Calling it again with the same relPath
// returns the same result.
func (o *OutputPaths) For(relPath string) string {
	key := filepath.ToSlash(relPath)
	if out, ok := o.bySource[key]; ok {
		return out
	}
	ext := filepath.Ext(relPath)
	base := strings.TrimSuffix(relPath, ext)
	out := filepath.Join(o.outputDir, base+".md")
	if o.taken[out] {
		out = filepath.Join(o.outputDir, base+"_"+strings.TrimPrefix(ext, ".")+".md")
	}
	o.bySource[key] = out
	o.taken[out] = true
	return out
}
