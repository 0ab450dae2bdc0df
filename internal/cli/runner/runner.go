// Package runner runs external conversion commands as converter engines.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/stackvity/batch-converter/pkg/converter"
	"github.com/stackvity/batch-converter/pkg/converter/plugin"
)

const (
	// maxLogOutputBytes limits the size of stdout/stderr quoted in logs.
	maxLogOutputBytes = 1024
	// maxPluginReadBytes caps how much stdout/stderr is captured from a command.
	maxPluginReadBytes = 10 * 1024 * 1024
	// waitDelay bounds how long Wait blocks on I/O after the process was killed.
	waitDelay = 2 * time.Second
)

// ExecEngine is a converter.ConversionEngine backed by an external command that
// speaks the plugin JSON protocol.
type ExecEngine struct {
	cfg    plugin.Config
	logger *slog.Logger
}

var _ converter.ConversionEngine = (*ExecEngine)(nil)

// NewExecEngine validates cfg and returns an engine for it.
func NewExecEngine(cfg plugin.Config, loggerHandler slog.Handler) (*ExecEngine, error) {
	if loggerHandler == nil {
		loggerHandler = slog.NewTextHandler(io.Discard, nil)
	}
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, fmt.Errorf("%w: exec engine %q has an empty command", converter.ErrConfigValidation, cfg.Name)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Command[0]
	}
	logger := slog.New(loggerHandler).With(slog.String("component", "execEngine"), slog.String("plugin", cfg.Name))
	return &ExecEngine{cfg: cfg, logger: logger}, nil
}

// Name returns the configured engine name.
func (e *ExecEngine) Name() string { return e.cfg.Name }

// Extensions returns the extensions the engine is registered for (nil means all).
func (e *ExecEngine) Extensions() []string { return e.cfg.AppliesTo }

// Convert implements converter.ConversionEngine. Failures are classified for the
// executor: a timeout is transient, as is an error the command flags retryable;
// everything else is fatal.
func (e *ExecEngine) Convert(ctx context.Context, path string, settings converter.ConversionSettings) (converter.EngineOutput, error) {
	resp, err := e.run(ctx, plugin.Request{
		SchemaVersion: plugin.SchemaVersion,
		FilePath:      path,
		OCREnabled:    settings.OCREnabled,
		OCRLanguage:   settings.OCRLanguage,
		Config:        e.cfg.Config,
	})
	if err != nil {
		switch {
		case ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
			return converter.EngineOutput{}, converter.NewTransientError(path, fmt.Errorf("%w: %w", converter.ErrTimeout, err))
		case ctx.Err() != nil:
			return converter.EngineOutput{}, ctx.Err()
		case resp.Retryable:
			return converter.EngineOutput{}, converter.NewTransientError(path, err)
		default:
			return converter.EngineOutput{}, converter.NewFatalError(path, err)
		}
	}

	meta := resp.Metadata
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta[converter.MetaEngine] = "exec:" + e.cfg.Name
	return converter.EngineOutput{Content: resp.Content, Metadata: meta}, nil
}

// run executes the command once. On a command-reported error the decoded response is
// returned alongside the error so the caller can inspect Retryable.
func (e *ExecEngine) run(ctx context.Context, req plugin.Request) (plugin.Response, error) {
	logArgs := []any{slog.String("path", req.FilePath)}

	input, err := json.Marshal(req)
	if err != nil {
		return plugin.Response{}, plugin.WrapPluginError(plugin.ErrPluginBadOutput, "marshalling input for %q: %v", e.cfg.Name, err)
	}

	cmd := exec.CommandContext(ctx, e.cfg.Command[0], e.cfg.Command[1:]...)
	cmd.WaitDelay = waitDelay
	cmd.Stdin = bytes.NewReader(input)
	stdout := &limitedBuffer{limit: maxPluginReadBytes}
	stderr := &limitedBuffer{limit: maxPluginReadBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	runErr := cmd.Run()
	stderrText := strings.TrimSpace(stderr.String())
	if stderrText != "" {
		logArgs = append(logArgs, slog.String("plugin_stderr", truncate(stderrText)))
	}

	if ctx.Err() != nil {
		e.logger.Warn("Plugin execution cancelled or timed out", append(logArgs, slog.Any("error", ctx.Err()))...)
		return plugin.Response{}, plugin.WrapPluginError(plugin.ErrPluginTimeout, "plugin %q: %v", e.cfg.Name, ctx.Err())
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			e.logger.Error("Failed to start plugin process", append(logArgs, slog.String("command", strings.Join(e.cfg.Command, " ")), slog.Any("error", runErr))...)
			return plugin.Response{}, plugin.Errorf("starting %q: %w", e.cfg.Command[0], runErr)
		}
		e.logger.Error("Plugin exited non-zero", append(logArgs, slog.Int("exitCode", exitErr.ExitCode()))...)
		return plugin.Response{}, plugin.WrapPluginError(plugin.ErrPluginNonZeroExit, "plugin %q exited with code %d", e.cfg.Name, exitErr.ExitCode())
	}
	if stdout.truncated {
		return plugin.Response{}, plugin.WrapPluginError(plugin.ErrPluginBadOutput, "plugin %q stdout exceeded %d bytes", e.cfg.Name, maxPluginReadBytes)
	}
	if stdout.Len() == 0 {
		e.logger.Error("Plugin returned empty output", logArgs...)
		return plugin.Response{}, plugin.WrapPluginError(plugin.ErrPluginBadOutput, "plugin %q returned empty stdout", e.cfg.Name)
	}

	var resp plugin.Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		e.logger.Error("Failed to unmarshal plugin output JSON", append(logArgs, slog.Any("error", err), slog.String("stdout_prefix", truncate(stdout.String())))...)
		return plugin.Response{}, plugin.WrapPluginError(plugin.ErrPluginBadOutput, "decoding output of %q: %v", e.cfg.Name, err)
	}
	if resp.SchemaVersion != plugin.SchemaVersion {
		e.logger.Error("Plugin schema version mismatch", append(logArgs, slog.String("expected_schema", plugin.SchemaVersion), slog.String("plugin_schema", resp.SchemaVersion))...)
		return plugin.Response{}, plugin.WrapPluginError(plugin.ErrPluginBadOutput, "plugin %q uses schema version %q, expected %q", e.cfg.Name, resp.SchemaVersion, plugin.SchemaVersion)
	}
	if resp.Error != "" {
		e.logger.Warn("Plugin reported error", append(logArgs, slog.String("plugin_error", resp.Error), slog.Bool("retryable", resp.Retryable))...)
		return resp, plugin.WrapPluginError(plugin.ErrPluginBadOutput, "plugin %q reported: %s", e.cfg.Name, resp.Error)
	}

	e.logger.Debug("Plugin finished", append(logArgs, slog.Duration("duration", time.Since(started)))...)
	return resp, nil
}

// limitedBuffer keeps the first limit bytes written and discards the rest, so a
// chatty command never blocks on a full pipe.
type limitedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.truncated = true
		b.Buffer.Write(p[:room])
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

func truncate(s string) string {
	if len(s) > maxLogOutputBytes {
		return s[:maxLogOutputBytes] + "... (truncated)"
	}
	return s
}
