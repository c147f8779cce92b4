// Package styles provides centralized style and color definitions for
// terminal output. It uses lipgloss.AdaptiveColor so output stays readable
// in both light and dark terminal themes.
package styles

import "github.com/charmbracelet/lipgloss"

var (
	// ColorError is used for error messages and blocking conditions.
	ColorError = lipgloss.AdaptiveColor{Light: "#D73737", Dark: "#FF5555"}

	// ColorWarning is used for warnings and cautionary information.
	ColorWarning = lipgloss.AdaptiveColor{Light: "#E67E22", Dark: "#FFB86C"}

	// ColorSuccess is used for success messages and PASS statuses.
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#27AE60", Dark: "#50FA7B"}

	// ColorInfo is used for informational messages.
	ColorInfo = lipgloss.AdaptiveColor{Light: "#2980B9", Dark: "#8BE9FD"}

	// ColorPurple is used for file paths and commands.
	ColorPurple = lipgloss.AdaptiveColor{Light: "#8E44AD", Dark: "#BD93F9"}

	// ColorComment is used for secondary, muted information.
	ColorComment = lipgloss.AdaptiveColor{Light: "#6C7A89", Dark: "#6272A4"}
)

var Error = lipgloss.NewStyle().
	Foreground(ColorError).
	Bold(true)

var Warning = lipgloss.NewStyle().
	Foreground(ColorWarning).
	Bold(true)

var Success = lipgloss.NewStyle().
	Foreground(ColorSuccess)

var Info = lipgloss.NewStyle().
	Foreground(ColorInfo)

var FilePath = lipgloss.NewStyle().
	Foreground(ColorPurple)

var Command = lipgloss.NewStyle().
	Foreground(ColorPurple).
	Bold(true)

var Verbose = lipgloss.NewStyle().
	Foreground(ColorComment)
