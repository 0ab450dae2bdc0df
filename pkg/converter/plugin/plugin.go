// Package plugin defines the JSON protocol spoken with external conversion commands.
//
// The command receives one Request on stdin and must write one Response on stdout.
// It runs once per conversion attempt; a non-zero exit fails the attempt.
package plugin

import (
	"errors"
	"fmt"
)

// SchemaVersion is the protocol version. Responses with a different version are rejected.
const SchemaVersion = "1.0"

var (
	// ErrPluginExecution indicates a general failure while running an external command.
	ErrPluginExecution = errors.New("plugin execution failed")
	// ErrPluginTimeout indicates the command outlived its context. errors.Is(err, ErrPluginExecution) also holds.
	ErrPluginTimeout = errors.New("plugin execution timed out")
	// ErrPluginNonZeroExit indicates the command exited with a non-zero status.
	ErrPluginNonZeroExit = errors.New("plugin exited non-zero")
	// ErrPluginBadOutput indicates invalid JSON, a schema mismatch or an error reported by the command.
	ErrPluginBadOutput = errors.New("plugin returned invalid output or reported error")
)

// Config describes one external conversion command.
type Config struct {
	Name      string         `mapstructure:"name" json:"name"`
	Command   []string       `mapstructure:"command" json:"command"`     // argv; executed directly, never through a shell
	AppliesTo []string       `mapstructure:"appliesTo" json:"appliesTo"` // extensions without dot; empty means every extension
	Config    map[string]any `mapstructure:"config" json:"config,omitempty"`
}

// Request is written to the command's stdin.
type Request struct {
	SchemaVersion string         `json:"$schemaVersion"`
	FilePath      string         `json:"filePath"`
	OCREnabled    bool           `json:"ocrEnabled"`
	OCRLanguage   string         `json:"ocrLanguage,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
}

// Response is read from the command's stdout.
type Response struct {
	SchemaVersion string            `json:"$schemaVersion"`
	Error         string            `json:"error,omitempty"`
	Retryable     bool              `json:"retryable,omitempty"` // with Error: the failure is transient
	Content       string            `json:"content"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Errorf returns a formatted error that wraps ErrPluginExecution.
func Errorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPluginExecution}, args...)...)
}

// WrapPluginError wraps specificError together with ErrPluginExecution.
func WrapPluginError(specificError error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", ErrPluginExecution, fmt.Sprintf(format, args...), specificError)
}
