// Package execx wraps external command execution behind a deterministic,
// typed result. Callers always receive a Result; a non-zero child exit code
// is data, not an error. Only the inability to start or observe the child
// surfaces through the RC field (127 for a missing binary, 124 for a
// timeout kill).
package execx

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/hitechos/factory/pkg/logger"
)

var log = logger.New("factory:execx")

// TailLimit bounds captured stdout/stderr so huge child output cannot bloat
// ledger events or status payloads.
const TailLimit = 8 * 1024

// Result is the typed outcome of one subprocess invocation.
type Result struct {
	Cmd        []string `json:"cmd"`
	Cwd        string   `json:"cwd"`
	RC         int      `json:"rc"`
	StdoutTail string   `json:"stdout_tail"`
	StderrTail string   `json:"stderr_tail"`
	DurationMS int64    `json:"duration_ms"`
	TimedOut   bool     `json:"timed_out,omitempty"`
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	return r.StdoutTail + r.StderrTail
}

// Options configures a Run call.
type Options struct {
	Cwd     string
	Timeout time.Duration
	Env     []string // appended to the inherited environment
}

// Run executes argv and waits for completion. The child is killed when the
// timeout (default 10 minutes) or the context expires; the result then
// carries rc 124 and TimedOut.
func Run(ctx context.Context, argv []string, opts Options) Result {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = opts.Cwd
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	duration := time.Since(started)

	result := Result{
		Cmd:        append([]string{}, argv...),
		Cwd:        opts.Cwd,
		StdoutTail: tail(stdout.String()),
		StderrTail: tail(stderr.String()),
		DurationMS: duration.Milliseconds(),
	}

	switch {
	case err == nil:
		result.RC = 0
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.Canceled):
		result.RC = 124
		result.TimedOut = true
		if result.StderrTail == "" {
			result.StderrTail = "command timed out"
		}
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.RC = exitErr.ExitCode()
		} else {
			// Launch failure (binary missing, permission denied).
			result.RC = 127
			if result.StderrTail == "" {
				result.StderrTail = err.Error()
			}
		}
	}

	log.Printf("ran %s rc=%d duration=%dms", strings.Join(argv, " "), result.RC, result.DurationMS)
	return result
}

func tail(text string) string {
	if len(text) <= TailLimit {
		return text
	}
	return text[len(text)-TailLimit:]
}
