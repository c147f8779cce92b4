// Package console provides formatted terminal output helpers. Styling is
// applied only when stdout is a terminal, so piped output stays plain.
package console

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/hitechos/factory/pkg/styles"
	"github.com/hitechos/factory/pkg/tty"
)

func applyStyle(style lipgloss.Style, text string) string {
	if tty.IsStdoutTerminal() {
		return style.Render(text)
	}
	return text
}

// FormatErrorMessage formats an error message with standard styling
func FormatErrorMessage(message string) string {
	return applyStyle(styles.Error, "✗ ") + message
}

// FormatSuccessMessage formats a success message with standard styling
func FormatSuccessMessage(message string) string {
	return applyStyle(styles.Success, "✓ ") + message
}

// FormatInfoMessage formats an informational message with standard styling
func FormatInfoMessage(message string) string {
	return applyStyle(styles.Info, "ℹ ") + message
}

// FormatWarningMessage formats a warning message with standard styling
func FormatWarningMessage(message string) string {
	return applyStyle(styles.Warning, "⚠ ") + message
}

// FormatCommandMessage formats a command suggestion with standard styling
func FormatCommandMessage(command string) string {
	return applyStyle(styles.Command, "$ "+command)
}

// FormatVerboseMessage formats secondary detail output
func FormatVerboseMessage(message string) string {
	return applyStyle(styles.Verbose, message)
}

// PrintJSON writes a payload to stdout as indented JSON with sorted keys
// and a trailing newline. Every subcommand's terminal output goes through
// this function so the wire format stays uniform.
func PrintJSON(payload any) error {
	text, err := MarshalSorted(payload)
	if err != nil {
		return fmt.Errorf("failed to render JSON payload: %w", err)
	}
	_, err = fmt.Fprintln(os.Stdout, text)
	return err
}

// MarshalSorted renders a payload as indented JSON with
// deterministically ordered keys and no trailing newline.
func MarshalSorted(payload any) (string, error) {
	// encoding/json sorts map keys; round-trip structs through a map so
	// struct field order cannot leak into the output.
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
