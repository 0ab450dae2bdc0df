package config

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/xeipuuv/gojsonschema"

	"github.com/stackvity/batch-converter/internal/cli/hooks"
	"github.com/stackvity/batch-converter/pkg/converter"
	"github.com/stackvity/batch-converter/pkg/converter/cache"
	"github.com/stackvity/batch-converter/pkg/converter/plugin"
	"github.com/stackvity/batch-converter/pkg/converter/provider"
	"github.com/stackvity/batch-converter/pkg/converter/template"
)

const (
	EnvPrefix         = "BATCHCONVERTER"
	DefaultConfigName = "batch-converter"
	// DefaultCacheFileName is created inside the output directory when no cache file is configured.
	DefaultCacheFileName = ".batchconverter-cache"
	DefaultAPIKeyEnv     = "GEMINI_API_KEY"

	ProviderNone   = "none"
	ProviderGemini = "gemini"
)

//go:embed schema.json
var schemaJSON string

// ProviderConfig selects and configures the OCR provider.
type ProviderConfig struct {
	Name              string  `mapstructure:"name" json:"name"`
	APIKeyEnv         string  `mapstructure:"apiKeyEnv" json:"apiKeyEnv"`
	Model             string  `mapstructure:"model" json:"model"`
	BaseURL           string  `mapstructure:"baseURL" json:"baseURL"`
	RequestsPerSecond float64 `mapstructure:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int     `mapstructure:"burst" json:"burst"`
	// APIKey is read from the environment variable named by APIKeyEnv. It is never
	// taken from a config file.
	APIKey string `mapstructure:"-" json:"-"`
}

// Config is the validated configuration of one CLI run.
type Config struct {
	AppVersion     string
	ConfigFilePath string
	ProfileName    string

	InputPath      string
	OutputPath     string
	IgnorePatterns []string
	SupportedOnly  bool

	Settings      converter.ConversionSettings
	Concurrency   int
	CacheCapacity int
	CacheFilePath string // empty disables persistence
	CacheFormat   string
	ClearCache    bool
	VerifyContent bool

	TemplatePath      string // empty uses the embedded template
	FrontMatter       template.FrontMatterFormat
	ExtractComments   bool
	DefaultEncoding   string
	LanguageOverrides map[string]string

	Provider ProviderConfig
	Engines  []plugin.Config

	ReportFormat converter.OutputFormat
	ReportPath   string // empty writes the report to stdout
	UIMode       hooks.Mode
	Verbose      bool
	LogFormat    string

	// LogHandler is the handler behind the logger returned by LoadAndValidate.
	LogHandler slog.Handler
}

// ConverterOptions returns the controller options of this configuration.
// Engine and OCRProvider are left for the caller to inject.
func (c Config) ConverterOptions() converter.Options {
	return converter.Options{
		AppVersion:    c.AppVersion,
		Concurrency:   c.Concurrency,
		CacheCapacity: c.CacheCapacity,
		CacheFilePath: c.CacheFilePath,
		CacheFormat:   c.CacheFormat,
		VerifyContent: c.VerifyContent,
		EngineKey:     c.EngineKey(),
		Logger:        c.LogHandler,
	}
}

// EngineKey digests the options that shape engine output outside ConversionSettings,
// so that changing them between runs misses the persisted cache.
func (c Config) EngineKey() string {
	raw, _ := json.Marshal(struct {
		ExtractComments   bool              `json:"extractComments"`
		DefaultEncoding   string            `json:"defaultEncoding"`
		LanguageOverrides map[string]string `json:"languageMappings"` // map keys marshal sorted
		Provider          string            `json:"provider"`
		Model             string            `json:"model"`
		Engines           []plugin.Config   `json:"engines"`
	}{c.ExtractComments, c.DefaultEncoding, c.LanguageOverrides, c.Provider.Name, c.Provider.Model, c.Engines})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// fileConfig mirrors the configuration keys. It is what viper unmarshals into
// and what the embedded JSON schema validates.
type fileConfig struct {
	Input            string            `mapstructure:"input" json:"input"`
	Output           string            `mapstructure:"output" json:"output"`
	Ignore           []string          `mapstructure:"ignore" json:"ignore"`
	SupportedOnly    bool              `mapstructure:"supportedOnly" json:"supportedOnly"`
	Verbose          bool              `mapstructure:"verbose" json:"verbose"`
	LogFormat        string            `mapstructure:"logFormat" json:"logFormat"`
	UI               string            `mapstructure:"ui" json:"ui"`
	Concurrency      int               `mapstructure:"concurrency" json:"concurrency"`
	Template         string            `mapstructure:"template" json:"template"`
	FrontMatter      string            `mapstructure:"frontMatter" json:"frontMatter"`
	ExtractComments  bool              `mapstructure:"extractComments" json:"extractComments"`
	DefaultEncoding  string            `mapstructure:"defaultEncoding" json:"defaultEncoding"`
	LanguageMappings map[string]string `mapstructure:"languageMappings" json:"languageMappings"`

	Cache struct {
		Persist       bool   `mapstructure:"persist" json:"persist"`
		Clear         bool   `mapstructure:"clear" json:"clear"`
		Capacity      int    `mapstructure:"capacity" json:"capacity"`
		File          string `mapstructure:"file" json:"file"`
		Format        string `mapstructure:"format" json:"format"`
		VerifyContent bool   `mapstructure:"verifyContent" json:"verifyContent"`
	} `mapstructure:"cache" json:"cache"`

	Conversion struct {
		MaxConcurrent        int           `mapstructure:"maxConcurrent" json:"maxConcurrent"`
		Extensions           []string      `mapstructure:"extensions" json:"extensions"`
		MaxFileSizeMB        int64         `mapstructure:"maxFileSizeMB" json:"maxFileSizeMB"`
		Timeout              time.Duration `mapstructure:"timeout" json:"timeout"`
		RetryLimit           int           `mapstructure:"retryLimit" json:"retryLimit"`
		RetryBaseDelay       time.Duration `mapstructure:"retryBaseDelay" json:"retryBaseDelay"`
		RetryMaxDelay        time.Duration `mapstructure:"retryMaxDelay" json:"retryMaxDelay"`
		PromptTokenPrice     float64       `mapstructure:"promptTokenPrice" json:"promptTokenPrice"`
		CompletionTokenPrice float64       `mapstructure:"completionTokenPrice" json:"completionTokenPrice"`
		OCR                  struct {
			Enabled  bool          `mapstructure:"enabled" json:"enabled"`
			Language string        `mapstructure:"language" json:"language"`
			Prompt   string        `mapstructure:"prompt" json:"prompt"`
			Timeout  time.Duration `mapstructure:"timeout" json:"timeout"`
		} `mapstructure:"ocr" json:"ocr"`
	} `mapstructure:"conversion" json:"conversion"`

	Report struct {
		Format string `mapstructure:"format" json:"format"`
		File   string `mapstructure:"file" json:"file"`
	} `mapstructure:"report" json:"report"`

	Provider ProviderConfig  `mapstructure:"provider" json:"provider"`
	Engines  []plugin.Config `mapstructure:"engines" json:"engines"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"input":            "input",
	"output":           "output",
	"ignore":           "ignore",
	"supported-only":   "supportedOnly",
	"verbose":          "verbose",
	"log-format":       "logFormat",
	"ui":               "ui",
	"concurrency":      "concurrency",
	"template":         "template",
	"front-matter":     "frontMatter",
	"extract-comments": "extractComments",
	"cache-file":       "cache.file",
	"cache-format":     "cache.format",
	"clear-cache":      "cache.clear",
	"verify-content":   "cache.verifyContent",
	"ocr":              "conversion.ocr.enabled",
	"ocr-language":     "conversion.ocr.language",
	"timeout":          "conversion.timeout",
	"retry-limit":      "conversion.retryLimit",
	"max-file-size":    "conversion.maxFileSizeMB",
	"report-format":    "report.format",
	"report-file":      "report.file",
	"provider":         "provider.name",
	"model":            "provider.model",
}

// LoadAndValidate loads configuration from all sources (defaults, file, profile, env, flags),
// validates the merged configuration against the embedded schema, derives absolute paths
// and sets up the logger.
func LoadAndValidate(cfgFile, profileName, appVersion string, flags *pflag.FlagSet) (Config, *slog.Logger, error) {
	cfg := Config{AppVersion: appVersion, ProfileName: profileName}
	v := viper.New()

	// Early errors are reported before the final log level is known.
	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", DefaultConfigName))
			v.AddConfigPath(filepath.Join(home, "."+DefaultConfigName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			where := cfgFile
			if where == "" {
				where = fmt.Sprintf("searched locations for %s.yaml/json/toml", DefaultConfigName)
			}
			tempLogger.Error("Error reading configuration file", slog.String("path", where), slog.Any("error", err))
			return cfg, tempLogger, fmt.Errorf("%w: error reading config file '%s': %w", converter.ErrConfigValidation, where, err)
		}
		tempLogger.Debug("No configuration file found, using defaults/env/flags.")
	} else {
		cfg.ConfigFilePath = v.ConfigFileUsed()
	}

	if profileName != "" {
		profileKey := "profiles." + profileName
		profile := v.Sub(profileKey)
		if profile == nil {
			configPath := v.ConfigFileUsed()
			if configPath == "" {
				configPath = "(no config file found)"
			}
			err := fmt.Errorf("%w: profile '%s' not found in config file '%s'", converter.ErrConfigValidation, profileName, configPath)
			tempLogger.Error(err.Error())
			return cfg, tempLogger, err
		}
		if err := v.MergeConfigMap(profile.AllSettings()); err != nil {
			return cfg, tempLogger, fmt.Errorf("error merging profile '%s': %w", profileName, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return cfg, tempLogger, fmt.Errorf("error binding flag '--%s': %w", name, err)
			}
		}
		if noPersist, _ := flags.GetBool("no-persist-cache"); noPersist {
			v.Set("cache.persist", false)
		}
	}

	var raw fileConfig
	if err := v.Unmarshal(&raw); err != nil {
		tempLogger.Error("Error unmarshalling configuration", slog.Any("error", err))
		return cfg, tempLogger, fmt.Errorf("%w: error unmarshalling configuration: %w", converter.ErrConfigValidation, err)
	}

	if err := validateSchema(raw); err != nil {
		tempLogger.Error("Configuration does not match schema", slog.String("error", err.Error()))
		return cfg, tempLogger, err
	}

	cfg.Verbose = raw.Verbose
	cfg.LogFormat = raw.LogFormat
	cfg.LogHandler = newLogHandler(raw.LogFormat, raw.Verbose)
	logger := slog.New(cfg.LogHandler)

	if err := validateAndDerive(&cfg, raw, logger); err != nil {
		return cfg, logger, err
	}

	logger.Debug("Configuration loading and validation complete",
		slog.String("configFile", cfg.ConfigFilePath),
		slog.String("profile", cfg.ProfileName),
		slog.String("input", cfg.InputPath),
		slog.String("output", cfg.OutputPath),
		slog.Int("concurrency", cfg.Concurrency),
		slog.String("cacheFile", cfg.CacheFilePath),
		slog.Bool("ocr", cfg.Settings.OCREnabled),
		slog.String("provider", cfg.Provider.Name),
		slog.Int("engines", len(cfg.Engines)),
	)
	return cfg, logger, nil
}

// setDefaults establishes the default values for configuration options in Viper.
func setDefaults(v *viper.Viper) {
	d := converter.DefaultSettings()

	v.SetDefault("input", "")
	v.SetDefault("output", "")
	v.SetDefault("ignore", []string{})
	v.SetDefault("supportedOnly", false)
	v.SetDefault("verbose", false)
	v.SetDefault("logFormat", "text")
	v.SetDefault("ui", string(hooks.ModeAuto))
	v.SetDefault("concurrency", 0)
	v.SetDefault("template", "")
	v.SetDefault("frontMatter", converter.DefaultFrontMatterFormat)
	v.SetDefault("extractComments", false)
	v.SetDefault("defaultEncoding", "")
	v.SetDefault("languageMappings", map[string]string{})

	v.SetDefault("cache.persist", true)
	v.SetDefault("cache.clear", false)
	v.SetDefault("cache.capacity", converter.DefaultCacheCapacity)
	v.SetDefault("cache.file", "")
	v.SetDefault("cache.format", cache.DefaultCacheFormat)
	v.SetDefault("cache.verifyContent", false)

	v.SetDefault("conversion.maxConcurrent", d.MaxConcurrentConversions)
	v.SetDefault("conversion.extensions", d.SupportedExtensions)
	v.SetDefault("conversion.maxFileSizeMB", converter.DefaultMaxFileSizeMB)
	v.SetDefault("conversion.timeout", d.Timeout.String())
	v.SetDefault("conversion.retryLimit", d.RetryLimit)
	v.SetDefault("conversion.retryBaseDelay", d.RetryBaseDelay.String())
	v.SetDefault("conversion.retryMaxDelay", d.RetryMaxDelay.String())
	v.SetDefault("conversion.promptTokenPrice", 0.0)
	v.SetDefault("conversion.completionTokenPrice", 0.0)
	v.SetDefault("conversion.ocr.enabled", false)
	v.SetDefault("conversion.ocr.language", d.OCRLanguage)
	v.SetDefault("conversion.ocr.prompt", d.OCRPrompt)
	v.SetDefault("conversion.ocr.timeout", d.OCRTimeout.String())

	v.SetDefault("report.format", string(converter.DefaultOutputFormat))
	v.SetDefault("report.file", "")

	v.SetDefault("provider.name", ProviderNone)
	v.SetDefault("provider.apiKeyEnv", DefaultAPIKeyEnv)
	v.SetDefault("provider.model", provider.DefaultGeminiModel)
	v.SetDefault("provider.baseURL", provider.DefaultGeminiBaseURL)
	v.SetDefault("provider.requestsPerSecond", 1.0)
	v.SetDefault("provider.burst", 1)

	v.SetDefault("engines", []map[string]any{})
}

// validateSchema checks the unmarshalled configuration against the embedded JSON schema.
func validateSchema(raw fileConfig) error {
	doc, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: cannot encode configuration for validation: %w", converter.ErrConfigValidation, err)
	}
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schemaJSON), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: schema validation failed: %w", converter.ErrConfigValidation, err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return fmt.Errorf("%w: %s", converter.ErrConfigValidation, strings.Join(problems, "; "))
}

func newLogHandler(format string, verbose bool) slog.Handler {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(os.Stderr, hopts)
	}
	return slog.NewTextHandler(os.Stderr, hopts)
}

// validateAndDerive performs the semantic checks the schema cannot express and fills cfg.
// It wraps errors with converter.ErrConfigValidation.
func validateAndDerive(cfg *Config, raw fileConfig, logger *slog.Logger) error {
	fail := func(key string, err error) error {
		logger.Error(err.Error(), slog.String("key", key))
		return err
	}

	// === Paths ===
	if raw.Input == "" {
		return fail("input", fmt.Errorf("%w: input path is required (-i, --input)", converter.ErrConfigValidation))
	}
	absInput, err := filepath.Abs(raw.Input)
	if err != nil {
		return fail("input", fmt.Errorf("%w: cannot resolve absolute input path '%s': %w", converter.ErrConfigValidation, raw.Input, err))
	}
	if _, err := os.Stat(absInput); err != nil {
		if os.IsNotExist(err) {
			return fail("input", fmt.Errorf("%w: input path '%s' does not exist", converter.ErrConfigValidation, absInput))
		}
		return fail("input", fmt.Errorf("%w: cannot access input path '%s': %w", converter.ErrConfigValidation, absInput, err))
	}
	cfg.InputPath = absInput

	if raw.Output == "" {
		return fail("output", fmt.Errorf("%w: output path is required (-o, --output)", converter.ErrConfigValidation))
	}
	absOutput, err := filepath.Abs(raw.Output)
	if err != nil {
		return fail("output", fmt.Errorf("%w: cannot resolve absolute output path '%s': %w", converter.ErrConfigValidation, raw.Output, err))
	}
	if err := os.MkdirAll(absOutput, 0o755); err != nil {
		return fail("output", fmt.Errorf("%w: cannot create or access output directory '%s': %w", converter.ErrConfigValidation, absOutput, err))
	}
	cfg.OutputPath = absOutput
	cfg.IgnorePatterns = raw.Ignore
	cfg.SupportedOnly = raw.SupportedOnly

	if raw.Template != "" {
		absTpl, err := filepath.Abs(raw.Template)
		if err != nil {
			return fail("template", fmt.Errorf("%w: cannot resolve template path '%s': %w", converter.ErrConfigValidation, raw.Template, err))
		}
		info, err := os.Stat(absTpl)
		if err != nil {
			return fail("template", fmt.Errorf("%w: template file '%s' does not exist or cannot be accessed: %w", converter.ErrConfigValidation, absTpl, err))
		}
		if info.IsDir() {
			return fail("template", fmt.Errorf("%w: template path '%s' is a directory, not a file", converter.ErrConfigValidation, absTpl))
		}
		cfg.TemplatePath = absTpl
	}
	if cfg.FrontMatter, err = template.ParseFrontMatterFormat(raw.FrontMatter); err != nil {
		return fail("frontMatter", err)
	}
	cfg.ExtractComments = raw.ExtractComments
	cfg.DefaultEncoding = raw.DefaultEncoding
	cfg.LanguageOverrides = raw.LanguageMappings

	// === Cache ===
	cfg.Concurrency = raw.Concurrency
	cfg.CacheCapacity = raw.Cache.Capacity
	cfg.CacheFormat = raw.Cache.Format
	cfg.ClearCache = raw.Cache.Clear
	cfg.VerifyContent = raw.Cache.VerifyContent
	if raw.Cache.Persist {
		cacheFile := raw.Cache.File
		if cacheFile == "" {
			cacheFile = filepath.Join(absOutput, DefaultCacheFileName)
		}
		if cfg.CacheFilePath, err = filepath.Abs(cacheFile); err != nil {
			return fail("cache.file", fmt.Errorf("%w: cannot resolve cache file path '%s': %w", converter.ErrConfigValidation, cacheFile, err))
		}
	}

	// === Conversion settings ===
	c := raw.Conversion
	cfg.Settings = converter.ConversionSettings{
		MaxConcurrentConversions: c.MaxConcurrent,
		SupportedExtensions:      c.Extensions,
		MaxFileSizeBytes:         c.MaxFileSizeMB * 1024 * 1024,
		OCREnabled:               c.OCR.Enabled,
		OCRLanguage:              c.OCR.Language,
		OCRPrompt:                c.OCR.Prompt,
		RetryLimit:               c.RetryLimit,
		CacheCapacity:            raw.Cache.Capacity,
		Timeout:                  c.Timeout,
		OCRTimeout:               c.OCR.Timeout,
		RetryBaseDelay:           c.RetryBaseDelay,
		RetryMaxDelay:            c.RetryMaxDelay,
		PromptTokenPrice:         c.PromptTokenPrice,
		CompletionTokenPrice:     c.CompletionTokenPrice,
	}
	if err := cfg.Settings.Validate(); err != nil {
		return fail("conversion", err)
	}

	// === Provider ===
	cfg.Provider = raw.Provider
	if cfg.Provider.Name == ProviderGemini {
		cfg.Provider.APIKey = os.Getenv(cfg.Provider.APIKeyEnv)
		if cfg.Provider.APIKey == "" {
			return fail("provider.apiKeyEnv", fmt.Errorf("%w: provider 'gemini' requires an API key in $%s", converter.ErrConfigValidation, cfg.Provider.APIKeyEnv))
		}
	}
	if cfg.Settings.OCREnabled && cfg.Provider.Name == ProviderNone {
		logger.Warn("OCR is enabled but no provider is configured; files that need OCR will fail validation")
	}

	// === Engines ===
	seen := make(map[string]struct{}, len(raw.Engines))
	for _, e := range raw.Engines {
		if _, dup := seen[e.Name]; dup {
			return fail("engines", fmt.Errorf("%w: duplicate engine name '%s'", converter.ErrConfigValidation, e.Name))
		}
		seen[e.Name] = struct{}{}
	}
	cfg.Engines = raw.Engines

	// === Output ===
	cfg.ReportFormat = converter.OutputFormat(raw.Report.Format)
	if raw.Report.File != "" {
		if cfg.ReportPath, err = filepath.Abs(raw.Report.File); err != nil {
			return fail("report.file", fmt.Errorf("%w: cannot resolve report path '%s': %w", converter.ErrConfigValidation, raw.Report.File, err))
		}
	}
	if cfg.UIMode, err = hooks.ParseMode(raw.UI); err != nil {
		return fail("ui", err)
	}
	return nil
}
