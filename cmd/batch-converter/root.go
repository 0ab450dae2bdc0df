package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stackvity/batch-converter/internal/cli"
	"github.com/stackvity/batch-converter/internal/cli/config"
)

var (
	// These are set during build time using -ldflags
	version = "dev"
	commit  = "none"
	date    = "unknown"

	cfgFile     string // Path to config file
	profileName string // Name of profile to use
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "batch-converter -i <input> -o <outputDir>",
	Short: "Converts batches of documents, images and source files to Markdown.",
	Long: `batch-converter discovers the files under an input directory, converts
each one to Markdown on a bounded worker pool and prints a batch report.

It features:
  - Parallel conversion with per-file timeouts and retry with backoff.
  - A content-fingerprinted result cache persisted between runs.
  - Built-in engines for text, code, PDF, DOCX/ODT, HTML and images.
  - Optional OCR through an external provider.
  - External conversion commands configured as engines.
  - An interactive Terminal UI (TUI) for monitoring progress.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg, logger, err := config.LoadAndValidate(cfgFile, profileName, version, cmd.Flags())
		if err != nil {
			return err
		}

		return cli.Run(ctx, cfg, logger, cli.Streams{
			Out:   cmd.OutOrStdout(),
			Err:   cmd.ErrOrStderr(),
			IsTTY: cmd.ErrOrStderr() == os.Stderr && term.IsTerminal(int(os.Stderr.Fd())),
		})
	},
}

// Execute runs the root command with a background context.
func Execute() error {
	rootCmd.SetVersionTemplate(`{{.Name}} version {{.Version}}` + "\n")
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Configuration file path (default is search ., $HOME/.config/batch-converter/)")
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "Name of configuration profile to use")

	config.RegisterFlags(rootCmd.Flags())
}
