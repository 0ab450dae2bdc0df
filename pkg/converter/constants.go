package converter

import (
	"strings"
	"time"
)

// Constants defining default values for ConversionSettings and Options.
// These are also used when setting up Viper defaults in the CLI configuration layer.
const (
	// DefaultMaxConcurrentConversions is used when settings do not specify a bound. 0 means runtime.NumCPU().
	DefaultMaxConcurrentConversions = 0
	// DefaultMaxFileSizeMB is the default size limit for a single source file.
	DefaultMaxFileSizeMB = 100
	// DefaultMaxFileSizeBytes is DefaultMaxFileSizeMB expressed in bytes.
	DefaultMaxFileSizeBytes int64 = DefaultMaxFileSizeMB * 1024 * 1024
	// DefaultRetryLimit is the number of retries after the first attempt for transient failures.
	DefaultRetryLimit = 3
	// DefaultCacheCapacity is the number of conversion results kept in memory.
	DefaultCacheCapacity = 256
	// DefaultTimeout bounds a single call to the conversion engine.
	DefaultTimeout = 2 * time.Minute
	// DefaultOCRTimeout bounds a single call to the OCR provider.
	DefaultOCRTimeout = 90 * time.Second
	// DefaultRetryBaseDelay is the first backoff delay; it doubles for every further attempt.
	DefaultRetryBaseDelay = 500 * time.Millisecond
	// DefaultRetryMaxDelay caps the exponential backoff.
	DefaultRetryMaxDelay = 30 * time.Second
	// DefaultPollInterval is how often idle workers wake up to observe shutdown and pause.
	DefaultPollInterval = 250 * time.Millisecond
	// DefaultOCRLanguage is the language hint sent to the OCR provider.
	DefaultOCRLanguage = "en"
	// DefaultOCRPrompt is the instruction sent along with an image to the OCR provider.
	DefaultOCRPrompt = "Extract all text from this image. Preserve reading order and use Markdown for headings, lists and tables."
	// DefaultFrontMatterFormat is the default format for front matter.
	DefaultFrontMatterFormat = "yaml"
	// DefaultOutputFormat is the default format for the final summary report.
	DefaultOutputFormat = OutputFormatText
)

// Constants related to report schema.
const (
	// ReportSchemaVersion indicates the version of the JSON/YAML report structure.
	ReportSchemaVersion = "1.0"
)

// Metadata keys engines may set on EngineOutput.Metadata.
const (
	// MetaNeedsOCR set to "true" asks the executor to run OCR even for non-image types (scanned PDFs).
	MetaNeedsOCR = "needs_ocr"
	// MetaLanguage carries a detected programming language for code files.
	MetaLanguage = "language"
	// MetaEncoding carries the detected source character encoding.
	MetaEncoding = "encoding"
	// MetaPages carries the page count of paged documents.
	MetaPages = "pages"
	// MetaEngine names the engine that produced the output.
	MetaEngine = "engine"
	// MetaOCRConfidence is set by the executor when OCR text was merged into the output.
	MetaOCRConfidence = "ocr_confidence"
)

// File type groups. Extensions are lower case without the leading dot.
var (
	PDFExtensions          = []string{"pdf"}
	WordExtensions         = []string{"doc", "docx", "odt", "rtf"}
	SpreadsheetExtensions  = []string{"xls", "xlsx", "ods", "csv"}
	PresentationExtensions = []string{"ppt", "pptx", "odp"}
	ImageExtensions        = []string{"jpg", "jpeg", "png", "gif", "bmp", "webp", "tiff", "tif"}
	HTMLExtensions         = []string{"html", "htm", "xhtml"}
	TextExtensions         = []string{"txt", "md", "markdown", "rst", "xml", "json", "yaml", "yml", "toml", "log"}
	CodeExtensions         = []string{
		"go", "py", "js", "ts", "tsx", "jsx", "java", "kt", "c", "h", "cc", "cpp", "hpp",
		"cs", "rb", "rs", "php", "swift", "scala", "sh", "bash", "sql", "lua", "r",
	}
)

// DefaultSupportedExtensions lists the extensions accepted when settings do not restrict them.
// Spreadsheets and presentations are recognised for typing but need an external engine.
func DefaultSupportedExtensions() []string {
	groups := [][]string{PDFExtensions, WordExtensions, ImageExtensions, HTMLExtensions, TextExtensions, CodeExtensions}
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

var extensionTypes = func() map[string]FileType {
	m := make(map[string]FileType)
	register := func(t FileType, exts []string) {
		for _, e := range exts {
			m[e] = t
		}
	}
	register(FileTypePDF, PDFExtensions)
	register(FileTypeWord, WordExtensions)
	register(FileTypeSpreadsheet, SpreadsheetExtensions)
	register(FileTypePresentation, PresentationExtensions)
	register(FileTypeImage, ImageExtensions)
	register(FileTypeHTML, HTMLExtensions)
	register(FileTypeText, TextExtensions)
	register(FileTypeCode, CodeExtensions)
	return m
}()

// DetectFileType maps an extension (with or without leading dot, any case) to its FileType.
func DetectFileType(ext string) FileType {
	if t, ok := extensionTypes[normalizeExtension(ext)]; ok {
		return t
	}
	return FileTypeUnknown
}

func normalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
