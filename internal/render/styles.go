package render

import "github.com/charmbracelet/lipgloss"

var (
	analysisStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	statementStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("25")).
			Foreground(lipgloss.Color("255"))

	supportingHeading = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("42"))

	challengingHeading = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("208"))

	argumentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			PaddingLeft(6)

	placeholderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("242")).
				Italic(true).
				Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true).
			Padding(0, 1)
)
