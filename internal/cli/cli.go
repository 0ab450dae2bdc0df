package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/stackvity/batch-converter/internal/cli/config"
	"github.com/stackvity/batch-converter/internal/cli/hooks"
	"github.com/stackvity/batch-converter/internal/cli/runner"
	"github.com/stackvity/batch-converter/internal/cli/ui"
	"github.com/stackvity/batch-converter/pkg/converter"
	"github.com/stackvity/batch-converter/pkg/converter/encoding"
	"github.com/stackvity/batch-converter/pkg/converter/engine"
	"github.com/stackvity/batch-converter/pkg/converter/language"
	"github.com/stackvity/batch-converter/pkg/converter/provider"
	"github.com/stackvity/batch-converter/pkg/converter/template"
)

// ErrFilesFailed is returned by Run when the batch finished but some files failed.
var ErrFilesFailed = errors.New("one or more files failed to convert")

// Streams are the terminal endpoints of one run.
type Streams struct {
	Out   io.Writer // report output
	Err   io.Writer // progress display
	IsTTY bool      // Err is an interactive terminal
}

// Run converts every file under cfg.InputPath as one batch: discover, convert,
// write Markdown outputs, then print the report.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, streams Streams) error {
	if streams.Out == nil {
		streams.Out = io.Discard
	}
	if streams.Err == nil {
		streams.Err = io.Discard
	}
	mode := hooks.ResolveMode(cfg.UIMode, streams.IsTTY, cfg.Verbose)

	// The TUI owns the terminal while it runs, so library logs are discarded.
	libHandler := cfg.LogHandler
	if mode == hooks.ModeTUI || libHandler == nil {
		libHandler = slog.NewTextHandler(io.Discard, nil)
	}
	runLogger := slog.New(libHandler)

	if cfg.ClearCache && cfg.CacheFilePath != "" {
		if err := os.Remove(cfg.CacheFilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clearing cache file '%s': %w", cfg.CacheFilePath, err)
		}
		logger.Debug("Cleared cache file", slog.String("path", cfg.CacheFilePath))
	}

	// 1. Discover files.
	walker, err := converter.NewWalker(converter.WalkOptions{
		Root:           cfg.InputPath,
		IgnorePatterns: cfg.IgnorePatterns,
		SupportedOnly:  cfg.SupportedOnly,
		Settings:       cfg.Settings,
	}, libHandler)
	if err != nil {
		return err
	}
	discovery, err := walker.Walk(ctx)
	if err != nil {
		return fmt.Errorf("discovering files in '%s': %w", cfg.InputPath, err)
	}
	logger.Debug("Discovery complete", slog.Int("files", len(discovery.Files)), slog.Int("skipped", len(discovery.Skipped)))
	if len(discovery.Files) == 0 {
		logger.Warn("No files to convert", slog.String("input", cfg.InputPath))
		return nil
	}

	// 2. Build the engines and the OCR provider.
	opts := cfg.ConverterOptions()
	opts.Logger = libHandler
	if opts.Engine, err = buildEngine(cfg, libHandler); err != nil {
		return err
	}
	if cfg.Provider.Name == config.ProviderGemini {
		ocr, err := provider.NewGeminiOCR(provider.GeminiOptions{
			APIKey:            cfg.Provider.APIKey,
			Model:             cfg.Provider.Model,
			BaseURL:           cfg.Provider.BaseURL,
			RequestsPerSecond: cfg.Provider.RequestsPerSecond,
			Burst:             cfg.Provider.Burst,
			Logger:            libHandler,
		})
		if err != nil {
			return err
		}
		opts.OCRProvider = ocr
	}

	// 3. Progress presentation. Quitting the TUI cancels the batch.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var tuiProgram hooks.TUIProgram
	var progressBar hooks.ProgressBar
	tuiDone := make(chan struct{})
	switch mode {
	case hooks.ModeTUI:
		model := ui.NewModel(cfg.AppVersion, cancelRun)
		prog := tea.NewProgram(&model, tea.WithOutput(streams.Err), tea.WithContext(ctx))
		tuiProgram = teaProgram{prog}
		go func() {
			defer close(tuiDone)
			if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				logger.Warn("Terminal UI stopped", slog.String("error", err.Error()))
			}
		}()
	case hooks.ModeProgress:
		progressBar = hooks.NewTerminalProgressBar(len(discovery.Files), streams.Err)
		close(tuiDone)
	default:
		close(tuiDone)
	}
	sink := hooks.NewProgressSink(runLogger, mode, tuiProgram, progressBar, streams.Err)

	// 4. Convert.
	report, runErr := converter.ConvertBatch(runCtx, opts, discovery.Files, cfg.Settings, sink.OnProgress)
	sink.OnRunComplete(report, runErr)
	<-tuiDone
	if runErr != nil && report.Summary.BatchID == "" {
		return runErr
	}

	// 5. Write Markdown outputs.
	written, writeErr := writeOutputs(cfg, report.Results(), runLogger)
	logger.Debug("Markdown outputs written", slog.Int("count", written))

	// 6. Report.
	if err := writeReport(cfg, report, streams.Out); err != nil {
		return errors.Join(runErr, writeErr, err)
	}

	if runErr != nil || writeErr != nil {
		return errors.Join(runErr, writeErr)
	}
	if report.Summary.FailedCount > 0 {
		return fmt.Errorf("%w: %d of %d", ErrFilesFailed, report.Summary.FailedCount, report.Summary.TotalFiles)
	}
	return nil
}

// teaProgram adapts *tea.Program to hooks.TUIProgram.
type teaProgram struct{ p *tea.Program }

func (t teaProgram) Send(msg interface{}) { t.p.Send(msg) }

// buildEngine returns the built-in engine registry with the configured external
// engines registered on top, so they replace built-ins for their extensions.
func buildEngine(cfg config.Config, h slog.Handler) (*engine.Registry, error) {
	registry := engine.NewDefaultRegistry(engine.Options{
		Encoding:        encoding.NewHandler(cfg.DefaultEncoding),
		Language:        language.NewDetector(cfg.LanguageOverrides),
		ExtractComments: cfg.ExtractComments,
		Logger:          h,
	})
	for _, ec := range cfg.Engines {
		e, err := runner.NewExecEngine(ec, h)
		if err != nil {
			return nil, err
		}
		exts := e.Extensions()
		if len(exts) == 0 {
			exts = cfg.Settings.SupportedExtensions
		}
		registry.Register(e, exts...)
	}
	return registry, nil
}

// writeOutputs renders every successful result to its Markdown file. Results are
// processed in path order so that name collisions resolve the same way on every run.
func writeOutputs(cfg config.Config, results []converter.ConversionResult, logger *slog.Logger) (int, error) {
	renderer, err := template.NewRenderer(cfg.TemplatePath, cfg.FrontMatter)
	if err != nil {
		return 0, err
	}
	sorted := make([]converter.ConversionResult, 0, len(results))
	for _, r := range results {
		if r.Status == converter.JobSuccess {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].File.Path < sorted[j].File.Path })

	paths := template.NewOutputPaths(cfg.OutputPath)
	var errs []error
	written := 0
	for _, r := range sorted {
		rel := relativeTo(cfg.InputPath, r.File.Path)
		out := paths.For(rel)
		if err := renderer.WriteFile(out, template.NewDocument(r, rel)); err != nil {
			logger.Error("Failed to write output", slog.String("path", r.File.Path), slog.String("output", out), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("writing %s: %w", out, err))
			continue
		}
		written++
	}
	return written, errors.Join(errs...)
}

// relativeTo returns path relative to root. A root that is the file itself yields its base name.
func relativeTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return filepath.Base(path)
	}
	return rel
}

func writeReport(cfg config.Config, report converter.BatchReport, stdout io.Writer) error {
	if cfg.ReportPath == "" {
		return report.Write(stdout, cfg.ReportFormat)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.ReportPath), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	f, err := os.Create(cfg.ReportPath)
	if err != nil {
		return fmt.Errorf("creating report file: %w", err)
	}
	if err := report.Write(f, cfg.ReportFormat); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
