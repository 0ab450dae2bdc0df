package config

import (
	"github.com/spf13/pflag"

	"github.com/stackvity/batch-converter/pkg/converter"
	"github.com/stackvity/batch-converter/pkg/converter/cache"
)

// RegisterFlags defines every flag LoadAndValidate binds. Flag defaults mirror
// setDefaults; viper only uses a flag's value when it was set explicitly.
func RegisterFlags(flags *pflag.FlagSet) {
	d := converter.DefaultSettings()

	flags.StringP("input", "i", "", "Required. Source directory or single file to convert.")
	flags.StringP("output", "o", "", "Required. Output directory for Markdown files.")
	flags.BoolP("verbose", "v", false, "Enable verbose (debug) logging output (disables TUI)")
	flags.String("log-format", "text", `Log format ("text", "json")`)
	flags.String("ui", "auto", `Progress display ("auto", "tui", "progress", "log")`)

	flags.StringArray("ignore", []string{}, "Glob patterns for files/directories to ignore (can be specified multiple times)")
	flags.Bool("supported-only", false, "Leave unsupported files out of the batch instead of reporting them as failures")

	flags.Int("concurrency", 0, "Number of parallel workers (0 for auto-detect CPU cores)")
	flags.String("cache-file", "", "Cache file path (default is <output>/"+DefaultCacheFileName+")")
	flags.String("cache-format", cache.DefaultCacheFormat, `Cache file format ("gob", "json", "msgpack")`)
	flags.Bool("no-persist-cache", false, "Keep the result cache in memory only")
	flags.Bool("clear-cache", false, "Delete the cache file before starting")
	flags.Bool("verify-content", false, "Always hash file content instead of trusting size and modification time")

	flags.Bool("ocr", false, "Run OCR on images and scanned PDFs")
	flags.String("ocr-language", d.OCRLanguage, "Language hint for OCR")
	flags.String("provider", ProviderNone, `OCR provider ("none", "gemini")`)
	flags.String("model", "", "OCR provider model name")
	flags.Duration("timeout", d.Timeout, "Timeout of a single conversion attempt")
	flags.Int("retry-limit", d.RetryLimit, "Retries of a transient failure after the first attempt")
	flags.Int64("max-file-size", converter.DefaultMaxFileSizeMB, "Largest accepted source file in Megabytes (MB)")

	flags.String("template", "", "Path to a custom Go template file for Markdown generation")
	flags.String("front-matter", converter.DefaultFrontMatterFormat, `Front matter format ("none", "yaml", "toml")`)
	flags.Bool("extract-comments", false, "Prepend extracted documentation comments to code files")

	flags.String("report-format", string(converter.DefaultOutputFormat), `Final report format ("text", "json", "yaml")`)
	flags.String("report-file", "", "Write the final report to this file instead of stdout")
}
