package console

import (
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/hitechos/factory/pkg/tty"
)

// Spinner wraps a terminal spinner for long-running waits (worktree
// creation, DONE-marker polling). It animates only when stderr is a
// terminal and the ACCESSIBLE environment variable is unset, so logs,
// pipes, and screen readers never see animation frames.
type Spinner struct {
	inner   *spinner.Spinner
	enabled bool
}

// NewSpinner creates a spinner with the given message.
func NewSpinner(message string) *Spinner {
	enabled := tty.IsStderrTerminal() && os.Getenv("ACCESSIBLE") == ""
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	return &Spinner{inner: s, enabled: enabled}
}

// Start begins the animation if the environment allows it.
func (s *Spinner) Start() {
	if s.enabled {
		s.inner.Start()
	}
}

// UpdateMessage replaces the spinner's message.
func (s *Spinner) UpdateMessage(message string) {
	s.inner.Suffix = " " + message
}

// Stop halts the animation.
func (s *Spinner) Stop() {
	if s.enabled {
		s.inner.Stop()
	}
}
