package ui

import "github.com/charmbracelet/lipgloss"

const (
	ColorHeaderFg = lipgloss.Color("252") // Light Gray
	ColorHeaderBg = lipgloss.Color("62")  // Purple

	ColorFooterFg = lipgloss.Color("252")
	ColorFooterBg = lipgloss.Color("56") // Dark Pink/Purple

	ColorNormalFg     = lipgloss.Color("250")
	ColorNormalDescFg = lipgloss.Color("244")

	ColorSelectedFg     = lipgloss.Color("255")
	ColorSelectedBg     = lipgloss.Color("56")
	ColorSelectedDescFg = lipgloss.Color("248")

	ColorStatusSuccess    = lipgloss.Color("40")  // Green
	ColorStatusFailed     = lipgloss.Color("196") // Red
	ColorStatusSkipped    = lipgloss.Color("214") // Orange
	ColorStatusPending    = lipgloss.Color("244")
	ColorStatusProcessing = lipgloss.Color("205") // Pink, matches spinner
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorHeaderFg).
			Background(ColorHeaderBg).
			Padding(0, 1)

	FooterStyle = lipgloss.NewStyle().
			Foreground(ColorFooterFg).
			Background(ColorFooterBg).
			Padding(0, 1)

	CurrentFileStyle = lipgloss.NewStyle().Foreground(ColorStatusProcessing)

	StatusStyleSuccess = lipgloss.NewStyle().Foreground(ColorStatusSuccess)
	StatusStyleFailed  = lipgloss.NewStyle().Foreground(ColorStatusFailed)
	StatusStyleSkipped = lipgloss.NewStyle().Foreground(ColorStatusSkipped)
	StatusStylePending = lipgloss.NewStyle().Foreground(ColorStatusPending)
)
