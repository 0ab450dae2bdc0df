package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackvity/batch-converter/internal/cli/config"
	"github.com/stackvity/batch-converter/pkg/converter"
)

// executeCommand is a helper function to execute cobra command and capture output
func executeCommand(root *cobra.Command, args ...string) (stdout string, stderr string, err error) {
	stdoutBuf := new(bytes.Buffer)
	stderrBuf := new(bytes.Buffer)
	root.SetOut(stdoutBuf)
	root.SetErr(stderrBuf)
	root.SetArgs(args)

	err = root.Execute()

	return stdoutBuf.String(), stderrBuf.String(), err
}

// newTestCmd mirrors rootCmd with fresh flag state.
func newTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          rootCmd.Use,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         rootCmd.RunE,
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func TestRootCmdHelp(t *testing.T) {
	stdout, stderr, err := executeCommand(rootCmd, "--help")

	require.NoError(t, err, "Executing --help should not produce an error")
	assert.Empty(t, stderr)
	assert.Contains(t, stdout, "Usage:")
	assert.Contains(t, stdout, "batch-converter -i <input> -o <outputDir>")
	assert.Contains(t, stdout, "--input")
	assert.Contains(t, stdout, "--output")
	assert.Contains(t, stdout, "--version")
	assert.Contains(t, stdout, "--help")
}

// TestRootCmdHelp_AllFlagsPresent verifies all defined flags appear in help output
func TestRootCmdHelp_AllFlagsPresent(t *testing.T) {
	stdout, stderr, err := executeCommand(rootCmd, "--help")
	require.NoError(t, err)
	assert.Empty(t, stderr)

	check := func(f *pflag.Flag) {
		if f.Name == "help" {
			return
		}
		assert.Contains(t, stdout, "--"+f.Name, "Help output should contain flag --%s", f.Name)
		if f.Shorthand != "" && f.ShorthandDeprecated == "" {
			assert.Contains(t, stdout, "-"+f.Shorthand+",", "Help output should contain shorthand -%s for flag --%s", f.Shorthand, f.Name)
		}
	}
	rootCmd.Flags().VisitAll(check)
	rootCmd.PersistentFlags().VisitAll(check)
}

func TestRootCmdVersion(t *testing.T) {
	originalVersion, originalCommit, originalDate := version, commit, date
	version = "test-1.2.3"
	commit = "testcommit123"
	date = "2024-01-01T10:00:00Z"
	defer func() {
		version, commit, date = originalVersion, originalCommit, originalDate
	}()

	testCmd := &cobra.Command{Use: "batch-converter"}
	testCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	testCmd.SetVersionTemplate(`{{.Name}} version {{.Version}}` + "\n")

	stdout, stderr, err := executeCommand(testCmd, "--version")

	require.NoError(t, err)
	assert.Empty(t, stderr)
	assert.Equal(t, fmt.Sprintf("batch-converter version %s (commit: %s, built: %s)\n", version, commit, date), stdout)
}

func TestRootCmdFlagParsingErrors(t *testing.T) {
	testCases := []struct {
		name     string
		args     []string
		errorMsg string // Substring to look for in stderr
	}{
		{name: "Unknown flag", args: []string{"--unknown-flag"}, errorMsg: "unknown flag: --unknown-flag"},
		{name: "Invalid int", args: []string{"--concurrency", "abc"}, errorMsg: `invalid argument "abc" for "--concurrency" flag`},
		{name: "Invalid duration", args: []string{"--timeout", "soon"}, errorMsg: `invalid argument "soon" for "--timeout" flag`},
		{name: "Positional argument", args: []string{"extra"}, errorMsg: `unknown command "extra"`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, stderr, err := executeCommand(newTestCmd(), tc.args...)
			require.Error(t, err)
			assert.Contains(t, stderr, tc.errorMsg)
		})
	}
}

func TestRootCmdConfigValidationError(t *testing.T) {
	_, stderr, err := executeCommand(newTestCmd(), "-o", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, converter.ErrConfigValidation)
	assert.Contains(t, stderr, "input path is required")
	assert.NotContains(t, stderr, "Usage:", "validation failures do not print usage")
}

func TestRootCmdConvertsDirectory(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(in, "notes.md"), []byte("# Notes\n"), 0o644))

	stdout, _, err := executeCommand(newTestCmd(), "-i", in, "-o", out, "--ui", "log", "--report-format", "json", "--no-persist-cache")
	require.NoError(t, err)

	var report converter.BatchReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, 1, report.Summary.SucceededCount)
	assert.FileExists(t, filepath.Join(out, "notes.md"))
}
