// Package language identifies the programming or markup language of text sources
// so the text engine can label code fences.
package language

import (
	"path/filepath"
	"strings"

	"github.com/go-enry/go-enry/v2"
)

// PlainText is returned when no language could be determined.
const PlainText = "plaintext"

// LanguageDetector determines the language of a file from its content and name.
type LanguageDetector interface {
	// Detect returns a lowercase language id and a confidence in [0, 1].
	Detect(content []byte, filePath string) (language string, confidence float64, err error)
}

// Detector is the go-enry backed LanguageDetector.
//
// Confidence is indicative: 1.0 for an override, 0.8 for a content-based match,
// 0.5 for an extension or filename match and 0 for plain text.
type Detector struct {
	overrides map[string]string // ".ext" -> language id
}

var _ LanguageDetector = (*Detector)(nil)

// NewDetector returns a Detector. overrides maps extensions (with or without the
// leading dot, any case) to language ids; blank entries are dropped.
func NewDetector(overrides map[string]string) *Detector {
	norm := make(map[string]string, len(overrides))
	for ext, lang := range overrides {
		ext = strings.ToLower(strings.TrimSpace(ext))
		lang = strings.ToLower(strings.TrimSpace(lang))
		if ext == "" || ext == "." || lang == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		norm[ext] = lang
	}
	return &Detector{overrides: norm}
}

// Detect implements LanguageDetector.
func (d *Detector) Detect(content []byte, filePath string) (string, float64, error) {
	if lang, ok := d.overrides[strings.ToLower(filepath.Ext(filePath))]; ok {
		return lang, 1.0, nil
	}
	if len(content) == 0 {
		return PlainText, 0, nil
	}
	name := filepath.Base(filePath)
	if lang := enry.GetLanguage(name, content); usable(lang) {
		return strings.ToLower(lang), 0.8, nil
	}
	if lang, safe := enry.GetLanguageByExtension(name); safe && usable(lang) {
		return strings.ToLower(lang), 0.5, nil
	}
	if lang, safe := enry.GetLanguageByFilename(name); safe && usable(lang) {
		return strings.ToLower(lang), 0.5, nil
	}
	return PlainText, 0, nil
}

func usable(lang string) bool { return lang != "" && lang != "Text" }

var fenceAliases = map[string]string{
	"c++":              "cpp",
	"c#":               "csharp",
	"f#":               "fsharp",
	"shell":            "bash",
	"objective-c":      "objc",
	"vim script":       "vim",
	"emacs lisp":       "elisp",
	"go module":        "go",
	"git config":       "ini",
	"ignore list":      "gitignore",
	"common lisp":      "lisp",
	"jupyter notebook": "json",
}

// FenceTag maps a detected language id to the tag used on a Markdown code fence.
// Plain text yields an empty tag.
func FenceTag(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" || lang == PlainText || lang == "unknown" {
		return ""
	}
	if alias, ok := fenceAliases[lang]; ok {
		return alias
	}
	return strings.ReplaceAll(lang, " ", "-")
}

// IsGenerated reports whether the file looks machine generated (lock files,
// minified bundles, protobuf output).
func IsGenerated(filePath string, content []byte) bool {
	return enry.IsGenerated(filePath, content)
}
