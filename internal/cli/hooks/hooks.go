package hooks

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/stackvity/batch-converter/pkg/converter"
)

// ProgressMsg carries one batch snapshot to the TUI.
type ProgressMsg struct{ Progress converter.BatchProgress }

// RunCompleteMsg signals that the batch reached a terminal status, or that waiting for it failed.
type RunCompleteMsg struct {
	Report converter.BatchReport
	Err    error
}

// Mode selects how progress is presented.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeTUI      Mode = "tui"
	ModeProgress Mode = "progress"
	ModeLog      Mode = "log"
)

// ParseMode validates s. The empty string means ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeTUI, ModeProgress, ModeLog:
		return m, nil
	default:
		return "", fmt.Errorf("%w: invalid ui mode %q (allowed: auto, tui, progress, log)", converter.ErrConfigValidation, s)
	}
}

// ResolveMode turns ModeAuto into a concrete mode and downgrades interactive
// modes to ModeLog when stderr is not a terminal. Verbose output always uses the log.
func ResolveMode(m Mode, isTTY, verbose bool) Mode {
	if verbose || !isTTY {
		return ModeLog
	}
	if m == ModeAuto || m == "" {
		return ModeTUI
	}
	return m
}

// TUIProgram defines the interface needed to interact with the Bubble Tea program.
type TUIProgram interface {
	Send(msg interface{})
}

// ProgressBar defines the interface needed to interact with the progress bar.
type ProgressBar interface {
	Set(num int) error
	Describe(description string) error
	Close() error
}

// NoOpTUIProgram provides a default null implementation.
type NoOpTUIProgram struct{}

// Send implements TUIProgram.
func (n *NoOpTUIProgram) Send(msg interface{}) {}

// NoOpProgressBar provides a default null implementation.
type NoOpProgressBar struct{}

// Set implements ProgressBar.
func (n *NoOpProgressBar) Set(num int) error { return nil }

// Describe implements ProgressBar.
func (n *NoOpProgressBar) Describe(description string) error { return nil }

// Close implements ProgressBar.
func (n *NoOpProgressBar) Close() error { return nil }

type terminalBar struct {
	bar *progressbar.ProgressBar
}

// NewTerminalProgressBar returns a ProgressBar that renders a single-line bar of total steps to w.
func NewTerminalProgressBar(total int, w io.Writer) ProgressBar {
	return &terminalBar{bar: progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("converting"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(65*time.Millisecond),
	)}
}

func (b *terminalBar) Set(num int) error { return b.bar.Set(num) }

func (b *terminalBar) Describe(description string) error {
	b.bar.Describe(description)
	return nil
}

func (b *terminalBar) Close() error { return b.bar.Close() }

// ProgressSink adapts BatchProgress snapshots to the selected presentation.
// OnProgress is meant to be passed to BatchController.SubscribeProgress.
type ProgressSink struct {
	logger      *slog.Logger
	mode        Mode
	tuiProgram  TUIProgram
	progressBar ProgressBar
	out         io.Writer

	mu           sync.Mutex
	settled      int
	failuresSeen int
	currentFile  string
	closed       bool
}

// NewProgressSink creates a sink for mode. Pass nil for tuiProg or progBar if not
// applicable; NoOp versions will be used. out receives the trailing newline after the bar.
func NewProgressSink(logger *slog.Logger, mode Mode, tuiProg TUIProgram, progBar ProgressBar, out io.Writer) *ProgressSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if tuiProg == nil {
		tuiProg = &NoOpTUIProgram{}
	}
	if progBar == nil {
		progBar = &NoOpProgressBar{}
	}
	if out == nil {
		out = io.Discard
	}
	return &ProgressSink{
		logger:      logger,
		mode:        mode,
		tuiProgram:  tuiProg,
		progressBar: progBar,
		out:         out,
	}
}

// OnProgress handles one snapshot. It is called from the aggregator's dispatcher goroutine.
func (s *ProgressSink) OnProgress(p converter.BatchProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	newFailures := s.takeNewFailures(p)
	settled := p.CompletedFiles + p.CancelledFiles

	switch s.mode {
	case ModeTUI:
		s.tuiProgram.Send(ProgressMsg{Progress: p})

	case ModeProgress:
		if settled != s.settled {
			_ = s.progressBar.Set(settled)
		}
		if p.CurrentFile != "" && p.CurrentFile != s.currentFile {
			_ = s.progressBar.Describe(filepath.Base(p.CurrentFile))
		}
		// Failures are logged even while the bar is shown.
		for _, f := range newFailures {
			s.logger.Warn("File conversion failed", "path", f.Path, "kind", string(f.Kind), "error", f.Error)
		}

	default:
		if p.CurrentFile != "" && p.CurrentFile != s.currentFile {
			s.logger.Debug("Converting file", "path", p.CurrentFile, "batch_id", p.BatchID)
		}
		for _, f := range newFailures {
			s.logger.Error("File conversion failed", "path", f.Path, "kind", string(f.Kind), "error", f.Error)
		}
		if settled != s.settled {
			s.logger.Debug("Batch progress",
				slog.String("batch_id", p.BatchID),
				slog.Int("completed", p.CompletedFiles),
				slog.Int("cancelled", p.CancelledFiles),
				slog.Int("total", p.TotalFiles),
				slog.String("percent", fmt.Sprintf("%.1f", p.ProgressPercent())),
			)
		}
	}

	s.settled = settled
	if p.CurrentFile != "" {
		s.currentFile = p.CurrentFile
	}
}

// takeNewFailures returns the failures of p not seen in an earlier snapshot.
// Failures only ever grow, so the count seen so far is enough.
func (s *ProgressSink) takeNewFailures(p converter.BatchProgress) []converter.FileFailure {
	if len(p.Failures) <= s.failuresSeen {
		return nil
	}
	fresh := p.Failures[s.failuresSeen:]
	s.failuresSeen = len(p.Failures)
	return fresh
}

// OnRunComplete finalizes the presentation. Snapshots delivered afterwards are ignored.
func (s *ProgressSink) OnRunComplete(report converter.BatchReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	switch s.mode {
	case ModeTUI:
		s.tuiProgram.Send(RunCompleteMsg{Report: report, Err: err})
	case ModeProgress:
		_ = s.progressBar.Close()
		_, _ = fmt.Fprintln(s.out)
	default:
		if err != nil {
			s.logger.Error("Batch did not complete", "batch_id", report.Summary.BatchID, "error", err.Error())
			return
		}
		s.logger.Info("Batch complete",
			slog.String("batch_id", report.Summary.BatchID),
			slog.String("status", string(report.Summary.Status)),
			slog.Int("succeeded", report.Summary.SucceededCount),
			slog.Int("failed", report.Summary.FailedCount),
			slog.Int("cancelled", report.Summary.CancelledCount),
		)
	}
}
