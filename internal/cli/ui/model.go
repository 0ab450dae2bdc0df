package ui

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/stackvity/batch-converter/internal/cli/hooks"
	"github.com/stackvity/batch-converter/pkg/converter"
)

const (
	// header, progress line, current file line, footer
	chromeHeight = 4
	// maxFailureItems bounds the failures list; older entries scroll out.
	maxFailureItems = 200
)

const (
	phaseInitializing = "Initializing..."
	phaseConverting   = "Converting..."
	phaseComplete     = "Complete"
	phaseCancelling   = "Cancelling..."
)

// Model represents the state of the TUI application.
type Model struct {
	// failures lists the most recent failed files.
	failures list.Model
	spinner  spinner.Model
	bar      progress.Model

	width       int
	height      int
	initialized bool

	version      string
	phaseMessage string
	progress     converter.BatchProgress
	// failuresSeen is the number of entries of progress.Failures already in the list.
	failuresSeen int
	report       *converter.BatchReport
	runError     string
	startTime    time.Time

	quitting bool
	// onQuit is invoked once when the user asks to quit, so the caller can cancel the batch.
	onQuit func()
}

// failureItem is a single failed file in the failures list.
type failureItem struct {
	path    string
	kind    converter.ErrorKind
	message string
}

// NewModel creates the initial model for the TUI. onQuit may be nil.
func NewModel(version string, onQuit func()) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ColorStatusProcessing)

	delegate := list.NewDefaultDelegate()
	delegate.SetSpacing(0)
	delegate.ShowDescription = true
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.
		Foreground(ColorSelectedFg).
		Background(ColorSelectedBg).
		Bold(true).
		Padding(0, 0, 0, 1)
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.
		Foreground(ColorSelectedDescFg).
		Background(ColorSelectedBg).
		Padding(0, 0, 0, 1)
	delegate.Styles.NormalTitle = delegate.Styles.NormalTitle.
		Foreground(ColorNormalFg).Padding(0, 0, 0, 1)
	delegate.Styles.NormalDesc = delegate.Styles.NormalDesc.
		Foreground(ColorNormalDescFg).Padding(0, 0, 0, 1)

	l := list.New([]list.Item{}, delegate, 0, 0)
	l.SetShowHelp(false)
	l.SetShowStatusBar(false)
	l.SetShowTitle(false)
	l.SetShowFilter(false)
	l.SetFilteringEnabled(false)
	l.DisableQuitKeybindings()

	return Model{
		failures:     l,
		spinner:      s,
		bar:          progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		version:      version,
		phaseMessage: phaseInitializing,
		startTime:    time.Now(),
		onQuit:       onQuit,
	}
}

// Init starts the spinner.
func (m *Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles key presses, window resizes and the progress messages sent by hooks.ProgressSink.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.initialized = true

	case tea.KeyMsg:
		if m.quitting {
			return m, nil
		}
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			m.phaseMessage = phaseCancelling
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		}
		var listCmd tea.Cmd
		m.failures, listCmd = m.failures.Update(msg)
		cmds = append(cmds, listCmd)

	case spinner.TickMsg:
		if m.quitting || m.report != nil {
			return m, nil
		}
		var spinnerCmd tea.Cmd
		m.spinner, spinnerCmd = m.spinner.Update(msg)
		cmds = append(cmds, spinnerCmd)

	case hooks.ProgressMsg:
		if m.report != nil {
			return m, nil
		}
		m.progress = msg.Progress
		if m.progress.Status == converter.BatchRunning {
			m.phaseMessage = phaseConverting
		}
		if cmd := m.appendFailures(msg.Progress.Failures); cmd != nil {
			cmds = append(cmds, cmd)
		}

	case hooks.RunCompleteMsg:
		m.phaseMessage = phaseComplete
		if msg.Err != nil {
			m.runError = msg.Err.Error()
		}
		report := msg.Report
		m.report = &report
		if report.Summary.BatchID != "" {
			m.progress.BatchID = report.Summary.BatchID
			m.progress.TotalFiles = report.Summary.TotalFiles
			m.progress.CompletedFiles = report.Summary.SucceededCount + report.Summary.FailedCount
			m.progress.SucceededFiles = report.Summary.SucceededCount
			m.progress.FailedFiles = report.Summary.FailedCount
			m.progress.CancelledFiles = report.Summary.CancelledCount
			m.progress.Status = report.Summary.Status
			m.progress.CurrentFile = ""
		}
		if cmd := m.appendFailures(report.Failures); cmd != nil {
			cmds = append(cmds, cmd)
		}
		cmds = append(cmds, tea.Quit)
	}

	return m, tea.Batch(cmds...)
}

// appendFailures adds the failures not yet shown. Failure lists only grow, so the
// number already shown identifies the new tail.
func (m *Model) appendFailures(all []converter.FileFailure) tea.Cmd {
	if len(all) <= m.failuresSeen {
		return nil
	}
	items := m.failures.Items()
	for _, f := range all[m.failuresSeen:] {
		items = append(items, failureItem{path: f.Path, kind: f.Kind, message: f.Error})
	}
	m.failuresSeen = len(all)
	if len(items) > maxFailureItems {
		items = items[len(items)-maxFailureItems:]
	}
	return m.failures.SetItems(items)
}

func (m *Model) resize() {
	listHeight := m.height - chromeHeight
	if listHeight < 1 {
		listHeight = 1
	}
	m.failures.SetSize(m.width, listHeight)
	barWidth := m.width - 20
	if barWidth < 10 {
		barWidth = 10
	}
	m.bar.Width = barWidth
}

// View renders the current state of the TUI model.
func (m *Model) View() string {
	if m.quitting {
		return "Cancelling batch...\n"
	}
	if m.report != nil {
		return m.finalView()
	}
	if !m.initialized {
		return phaseInitializing
	}

	headerLeft := fmt.Sprintf("Batch Converter %s", m.version)
	headerRight := m.spinner.View() + " " + m.phaseMessage
	header := HeaderStyle.Width(m.width).Render(spread(m.width-2, headerLeft, headerRight))

	percent := m.progress.ProgressPercent()
	bar := fmt.Sprintf("%s %5.1f%%", m.bar.ViewAs(percent/100), percent)

	current := CurrentFileStyle.Render("Idle")
	if m.progress.CurrentFile != "" {
		current = CurrentFileStyle.Render("Current: " + filepath.Base(m.progress.CurrentFile))
	}

	body := m.failures.View()
	if len(m.failures.Items()) == 0 {
		body = StatusStylePending.Render("No failures")
	}

	elapsed := time.Since(m.startTime).Round(time.Second)
	summary := fmt.Sprintf("Done: %d/%d | OK: %d | Failed: %d | Cancelled: %d | Elapsed: %s",
		m.progress.CompletedFiles, m.progress.TotalFiles,
		m.progress.SucceededFiles, m.progress.FailedFiles, m.progress.CancelledFiles, elapsed)
	footer := FooterStyle.Width(m.width).Render(spread(m.width-2, summary, "q: quit"))

	return lipgloss.JoinVertical(lipgloss.Left, header, bar, current, body, footer)
}

// finalView is printed once the program exits, so it stays in the scrollback.
func (m *Model) finalView() string {
	s := m.report.Summary
	line := fmt.Sprintf("Batch %s %s: %d succeeded, %d failed, %d cancelled (%d total)",
		s.BatchID, s.Status, s.SucceededCount, s.FailedCount, s.CancelledCount, s.TotalFiles)
	style := StatusStyleSuccess
	switch {
	case m.runError != "":
		style = StatusStyleFailed
		line = "Batch interrupted: " + m.runError
	case s.FailedCount > 0 || s.Status == converter.BatchCancelled:
		style = StatusStyleSkipped
	}
	return style.Render(line) + "\n"
}

// spread places left and right at the edges of a line of the given width.
func spread(width int, left, right string) string {
	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, left, lipgloss.PlaceHorizontal(gap, lipgloss.Center, " "), right)
}

// FilterValue implements the list.Item interface.
func (i failureItem) FilterValue() string { return i.path }

// Title implements the list.Item interface.
func (i failureItem) Title() string { return i.path }

// Description implements the list.Item interface.
func (i failureItem) Description() string {
	style := StatusStyleFailed
	if i.kind == converter.KindValidation {
		style = StatusStyleSkipped
	}
	return fmt.Sprintf("%s %s", style.Render(fmt.Sprintf("[✗ %s]", i.kind)), i.message)
}
