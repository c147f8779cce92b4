// Package cli implements the factory's cobra subcommands. Every command
// prints exactly one JSON object (sorted keys, indent 2) to stdout,
// optionally mirrors it to --json-out, and exits with the Status
// Evaluator's code for the payload status.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/console"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/gitutil"
	"github.com/hitechos/factory/pkg/ledger"
	"github.com/hitechos/factory/pkg/statuseval"
	"github.com/hitechos/factory/pkg/writeguard"
)

// ExitCodeError carries a command's exit code through cobra's error path.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// globalFlags are shared across subcommands.
type globalFlags struct {
	JSONOut    string
	ConfigPath string
}

var globals globalFlags

// AddGlobalFlags registers the shared flags on the root command.
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&globals.JSONOut, "json-out", "", "Optional path to write machine-readable output JSON")
	root.PersistentFlags().StringVar(&globals.ConfigPath, "config", "", "Optional factory config file path")
}

// resolveRepoRoot finds the repository root: git toplevel from the current
// directory, else the current directory itself.
func resolveRepoRoot(ctx context.Context) string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if top, ok := gitutil.Toplevel(ctx, cwd); ok {
		return top
	}
	return cwd
}

// runtime bundles the values every command needs.
type runtime struct {
	Config config.Config
	Ledger *ledger.Ledger
}

func loadRuntime(ctx context.Context, cliOverrides map[string]any) (runtime, error) {
	cfg, err := config.Load(config.Options{
		RepoRoot:     resolveRepoRoot(ctx),
		ConfigPath:   globals.ConfigPath,
		CLIOverrides: cliOverrides,
		Strict:       true,
	})
	if err != nil {
		return runtime{}, err
	}
	return runtime{Config: cfg, Ledger: ledger.New(cfg.Paths.RunsDir)}, nil
}

// emit prints the payload, mirrors it to --json-out, and returns the
// ExitCodeError for its status.
func emit(payload map[string]any) error {
	if err := console.PrintJSON(payload); err != nil {
		return err
	}
	if globals.JSONOut != "" {
		rendered, err := writeguard.MarshalCanonical(payload)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(globals.JSONOut), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(globals.JSONOut, []byte(rendered), 0o644); err != nil {
			return err
		}
	}
	code := statuseval.ExitCode(statusOf(payload, statuseval.Pass))
	if code == 0 {
		return nil
	}
	return &ExitCodeError{Code: code}
}

// emitError renders a load/setup failure as a FAIL payload.
func emitError(err error) error {
	_ = console.PrintJSON(map[string]any{
		"status": constants.StatusFail,
		"error":  err.Error(),
	})
	return &ExitCodeError{Code: 1}
}

func statusOf(payload map[string]any, fallback string) string {
	raw, ok := payload["status"]
	if !ok {
		return fallback
	}
	text, ok := raw.(string)
	if !ok {
		return fallback
	}
	return statuseval.NormalizeStatus(text, fallback)
}

// parseWorkers expands a --workers CSV, defaulting to the full roster.
func parseWorkers(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return append([]string{}, constants.Workers...)
	}
	var parsed []string
	seen := map[string]bool{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" && !seen[item] {
			parsed = append(parsed, item)
			seen[item] = true
		}
	}
	if len(parsed) == 0 {
		return append([]string{}, constants.Workers...)
	}
	return parsed
}
