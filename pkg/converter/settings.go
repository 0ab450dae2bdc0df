package converter

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// FileInfo describes one source file. It is read once at discovery and never mutated.
type FileInfo struct {
	Path      string    `json:"path" yaml:"path"`
	Name      string    `json:"name" yaml:"name"`
	Size      int64     `json:"size" yaml:"size"`
	ModTime   time.Time `json:"modTime" yaml:"modTime"`
	Type      FileType  `json:"type" yaml:"type"`
	Extension string    `json:"extension" yaml:"extension"`
}

// NewFileInfo stats path and returns its FileInfo. Directories are rejected.
func NewFileInfo(path string) (FileInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%w: cannot resolve '%s': %w", ErrFileNotFound, path, err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%w: %w", ErrFileNotFound, err)
	}
	if st.IsDir() {
		return FileInfo{}, fmt.Errorf("%w: '%s' is a directory", ErrFileNotFound, abs)
	}
	ext := normalizeExtension(filepath.Ext(abs))
	return FileInfo{
		Path:      abs,
		Name:      st.Name(),
		Size:      st.Size(),
		ModTime:   st.ModTime(),
		Type:      DetectFileType(ext),
		Extension: ext,
	}, nil
}

// ConversionSettings are captured at submission time and apply to every job of a batch.
// Submit stores a deep copy, so later changes by the caller do not reach submitted jobs.
type ConversionSettings struct {
	MaxConcurrentConversions int      `mapstructure:"maxConcurrentConversions" json:"maxConcurrentConversions"`
	SupportedExtensions      []string `mapstructure:"supportedExtensions" json:"supportedExtensions"`
	MaxFileSizeBytes         int64    `mapstructure:"-" json:"maxFileSizeBytes"`
	OCREnabled               bool     `mapstructure:"ocrEnabled" json:"ocrEnabled"`
	OCRLanguage              string   `mapstructure:"ocrLanguage" json:"ocrLanguage"`
	OCRPrompt                string   `mapstructure:"ocrPrompt" json:"ocrPrompt"`
	RetryLimit               int      `mapstructure:"retryLimit" json:"retryLimit"`
	CacheCapacity            int      `mapstructure:"cacheCapacity" json:"cacheCapacity"`

	Timeout        time.Duration `mapstructure:"-" json:"timeout"`
	OCRTimeout     time.Duration `mapstructure:"-" json:"ocrTimeout"`
	RetryBaseDelay time.Duration `mapstructure:"-" json:"retryBaseDelay"`
	RetryMaxDelay  time.Duration `mapstructure:"-" json:"retryMaxDelay"`

	// Prices in currency units per one million tokens, used for the cost estimate.
	PromptTokenPrice     float64 `mapstructure:"promptTokenPrice" json:"promptTokenPrice"`
	CompletionTokenPrice float64 `mapstructure:"completionTokenPrice" json:"completionTokenPrice"`
}

// DefaultSettings returns settings populated with the package defaults.
func DefaultSettings() ConversionSettings {
	return ConversionSettings{
		MaxConcurrentConversions: DefaultMaxConcurrentConversions,
		SupportedExtensions:      DefaultSupportedExtensions(),
		MaxFileSizeBytes:         DefaultMaxFileSizeBytes,
		OCRLanguage:              DefaultOCRLanguage,
		OCRPrompt:                DefaultOCRPrompt,
		RetryLimit:               DefaultRetryLimit,
		CacheCapacity:            DefaultCacheCapacity,
		Timeout:                  DefaultTimeout,
		OCRTimeout:               DefaultOCRTimeout,
		RetryBaseDelay:           DefaultRetryBaseDelay,
		RetryMaxDelay:            DefaultRetryMaxDelay,
	}
}

// Validate checks value ranges. It returns an error wrapping ErrConfigValidation.
func (s ConversionSettings) Validate() error {
	var problems []string
	if s.MaxConcurrentConversions < 0 {
		problems = append(problems, fmt.Sprintf("maxConcurrentConversions must be >= 0, got %d", s.MaxConcurrentConversions))
	}
	if len(s.SupportedExtensions) == 0 {
		problems = append(problems, "supportedExtensions must not be empty")
	}
	if s.MaxFileSizeBytes <= 0 {
		problems = append(problems, fmt.Sprintf("maxFileSizeBytes must be > 0, got %d", s.MaxFileSizeBytes))
	}
	if s.RetryLimit < 0 {
		problems = append(problems, fmt.Sprintf("retryLimit must be >= 0, got %d", s.RetryLimit))
	}
	if s.CacheCapacity < 0 {
		problems = append(problems, fmt.Sprintf("cacheCapacity must be >= 0, got %d", s.CacheCapacity))
	}
	if s.Timeout < 0 || s.OCRTimeout < 0 || s.RetryBaseDelay < 0 || s.RetryMaxDelay < 0 {
		problems = append(problems, "durations must not be negative")
	}
	if s.RetryMaxDelay > 0 && s.RetryBaseDelay > s.RetryMaxDelay {
		problems = append(problems, "retryBaseDelay must not exceed retryMaxDelay")
	}
	if s.PromptTokenPrice < 0 || s.CompletionTokenPrice < 0 {
		problems = append(problems, "token prices must not be negative")
	}
	if s.OCREnabled && strings.TrimSpace(s.OCRLanguage) == "" {
		problems = append(problems, "ocrLanguage is required when OCR is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Supports reports whether ext (with or without dot, any case) is an accepted extension.
func (s ConversionSettings) Supports(ext string) bool {
	ext = normalizeExtension(ext)
	for _, e := range s.SupportedExtensions {
		if normalizeExtension(e) == ext {
			return true
		}
	}
	return false
}

// clone returns a deep copy so the batch owns its settings.
func (s ConversionSettings) clone() ConversionSettings {
	c := s
	c.SupportedExtensions = slices.Clone(s.SupportedExtensions)
	return c
}

// CacheKey returns a stable digest of every setting that affects conversion output.
// Scheduling-only fields (concurrency, retries, timeouts, prices) are excluded so that
// tuning them does not invalidate cached results.
func (s ConversionSettings) CacheKey() string {
	hasher := sha256.New()
	addToHash := func(h hash.Hash, key string, value string) {
		h.Write([]byte(key + ":" + value + ";"))
	}

	exts := make([]string, 0, len(s.SupportedExtensions))
	for _, e := range s.SupportedExtensions {
		exts = append(exts, normalizeExtension(e))
	}
	slices.Sort(exts)
	exts = slices.Compact(exts)

	addToHash(hasher, "SupportedExtensions", strings.Join(exts, ","))
	addToHash(hasher, "MaxFileSizeBytes", strconv.FormatInt(s.MaxFileSizeBytes, 10))
	addToHash(hasher, "OCREnabled", strconv.FormatBool(s.OCREnabled))
	if s.OCREnabled {
		addToHash(hasher, "OCRLanguage", s.OCRLanguage)
		addToHash(hasher, "OCRPrompt", s.OCRPrompt)
	}
	return fmt.Sprintf("%x", hasher.Sum(nil))
}
