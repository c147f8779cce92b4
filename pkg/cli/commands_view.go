package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/contracts"
	"github.com/hitechos/factory/pkg/dispatch"
	"github.com/hitechos/factory/pkg/execx"
	"github.com/hitechos/factory/pkg/ledger"
	"github.com/hitechos/factory/pkg/runid"
	"github.com/hitechos/factory/pkg/statuseval"
)

// NewLedgerCommand queries the installation ledger.
func NewLedgerCommand() *cobra.Command {
	var runID, eventType, actor, since, status, kind string
	var rc, limit int
	var rawEvents bool
	cmd := &cobra.Command{
		Use:     "ledger",
		Short:   "Query the run ledger",
		GroupID: "analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			query := ledger.Query{
				RunID:     runID,
				EventType: eventType,
				Actor:     actor,
				Since:     since,
				Status:    status,
				Kind:      kind,
				Limit:     limit,
			}
			if cmd.Flags().Changed("rc") {
				query.RC = &rc
			}
			events, queryErr := rt.Ledger.Events(query)
			if queryErr != nil {
				return emitError(queryErr)
			}
			var entries []any
			for _, event := range events {
				if rawEvents {
					entries = append(entries, event)
					continue
				}
				details := map[string]any{}
				for key, value := range event.Details {
					details[key] = value
				}
				details["ts_utc"] = event.TsUTC
				details["event_type"] = event.EventType
				details["actor"] = event.Actor
				details["event_id"] = event.EventID
				details["rc"] = event.RC
				entries = append(entries, details)
			}
			if entries == nil {
				entries = []any{}
			}
			return emit(map[string]any{
				"status":    constants.StatusPass,
				"count":     len(entries),
				"entries":   entries,
				"signature": rt.Ledger.VerifySignature(),
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Filter by run id")
	cmd.Flags().StringVar(&eventType, "event-type", "", "Filter by event type")
	cmd.Flags().StringVar(&actor, "actor", "", "Filter by actor")
	cmd.Flags().StringVar(&since, "since", "", "ISO8601 lower bound for ts_utc")
	cmd.Flags().StringVar(&status, "status", "", "Filter by details.status")
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by details.kind")
	cmd.Flags().IntVar(&rc, "rc", 0, "Filter by rc")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	cmd.Flags().BoolVar(&rawEvents, "raw-events", false, "Emit raw event records")
	return cmd
}

// NewLedgerReplayCommand reconstructs per-run state from the event stream.
func NewLedgerReplayCommand() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:     "ledger-replay",
		Short:   "Replay ledger events and reconstruct run states",
		GroupID: "analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			states, replayErr := rt.Ledger.Replay(runID)
			if replayErr != nil {
				return emitError(replayErr)
			}
			if states == nil {
				states = []ledger.RunState{}
			}
			return emit(map[string]any{
				"status": constants.StatusPass,
				"runs":   states,
				"count":  len(states),
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Optional run id filter")
	return cmd
}

func openInFileBrowser(target string, dryRun bool) map[string]any {
	if _, err := os.Stat(target); err != nil {
		return map[string]any{
			"status": constants.StatusBlocked,
			"detail": fmt.Sprintf("folder does not exist: %s", filepath.ToSlash(target)),
		}
	}
	if dryRun {
		return map[string]any{
			"status": constants.StatusPass,
			"detail": "dry-run",
			"target": filepath.ToSlash(target),
		}
	}
	result := execx.Run(context.Background(), []string{"xdg-open", target}, execx.Options{Timeout: 15 * time.Second})
	status := constants.StatusPass
	if result.RC != 0 {
		status = constants.StatusWarn
	}
	return map[string]any{
		"status": status,
		"target": filepath.ToSlash(target),
		"rc":     result.RC,
		"stderr": result.StderrTail,
	}
}

// NewOpenReportCommand opens the integrator report folder.
func NewOpenReportCommand() *cobra.Command {
	var runID string
	var dryRun bool
	cmd := &cobra.Command{
		Use:     "open-report",
		Short:   "Open the integrator report folder",
		GroupID: "analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			return emit(openInFileBrowser(contracts.BundleDir(rt.Config.Paths.RunsDir, runID, constants.Integrator), dryRun))
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to open")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Resolve the target without opening it")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

// NewOpenRunCommand opens the full run folder.
func NewOpenRunCommand() *cobra.Command {
	var runID string
	var dryRun bool
	cmd := &cobra.Command{
		Use:     "open-run",
		Short:   "Open the full run folder",
		GroupID: "analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			return emit(openInFileBrowser(contracts.RunDir(rt.Config.Paths.RunsDir, runID), dryRun))
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to open")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Resolve the target without opening it")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

// NewPrintReportCommand prints the FINAL_REPORT path and summary lines.
func NewPrintReportCommand() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:     "print-report",
		Short:   "Print FINAL_REPORT path and summary",
		GroupID: "analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			report := filepath.Join(contracts.BundleDir(rt.Config.Paths.RunsDir, runID, constants.Integrator), constants.FinalReportFileName)
			raw, readErr := os.ReadFile(report)
			if readErr != nil {
				return emit(map[string]any{
					"status": constants.StatusBlocked,
					"detail": fmt.Sprintf("report missing: %s", filepath.ToSlash(report)),
					"report": filepath.ToSlash(report),
				})
			}
			var summary []string
			for _, line := range strings.Split(string(raw), "\n") {
				if strings.HasPrefix(line, "- Final status:") || strings.HasPrefix(line, "- Worker bundles processed:") {
					summary = append(summary, line)
				}
			}
			return emit(map[string]any{
				"status":  constants.StatusPass,
				"report":  filepath.ToSlash(report),
				"summary": summary,
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to summarize")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

// watchSummary folds the integrator status and gate verdict into one view.
func watchSummary(rt runtime, runID string) map[string]any {
	runDir := contracts.RunDir(rt.Config.Paths.RunsDir, runID)
	statusPath := filepath.Join(runDir, constants.Integrator, "STATUS.json")
	gatePath := filepath.Join(runDir, constants.GateReportJSONName)

	integratorStatus := constants.StatusBlocked
	var integratorPayload map[string]any
	if err := contracts.ReadJSONFile(statusPath, &integratorPayload); err == nil {
		integratorStatus = statusOf(integratorPayload, statuseval.Blocked)
	} else {
		integratorPayload = map[string]any{"status": constants.StatusBlocked, "error": err.Error()}
	}

	gateVerdict := constants.StatusBlocked
	gateExists := false
	var gatePayload map[string]any
	if err := contracts.ReadJSONFile(gatePath, &gatePayload); err == nil {
		gateExists = true
		if verdict, ok := gatePayload["verdict"].(string); ok {
			gateVerdict = strings.ToUpper(verdict)
		}
	} else {
		gatePayload = map[string]any{}
	}

	finalStatus := constants.StatusBlocked
	switch {
	case integratorStatus == constants.StatusFail:
		finalStatus = constants.StatusFail
	case integratorStatus != constants.StatusPass:
		finalStatus = constants.StatusBlocked
	case gateVerdict == constants.StatusPass || gateVerdict == constants.StatusWarn:
		finalStatus = constants.StatusPass
	}

	gateNoop, _ := gatePayload["noop"].(bool)
	verdictLabel := gateVerdict
	if !gateExists {
		verdictLabel = "MISSING"
	}
	var failModes []any
	if raw, ok := gatePayload["fail_modes"].([]any); ok {
		failModes = raw
	} else {
		failModes = []any{}
	}

	return map[string]any{
		"status":  finalStatus,
		"run_id":  runID,
		"run_dir": filepath.ToSlash(runDir),
		"summary": map[string]any{
			"run_id":                     runID,
			"integrator_status":          integratorStatus,
			"meaningful_gate_verdict":    verdictLabel,
			"meaningful_gate_fail_modes": failModes,
			"noop":                       gateNoop,
			"phase_progress":             finalStatus == constants.StatusPass && !gateNoop,
		},
		"integrator": map[string]any{
			"status_path": filepath.ToSlash(statusPath),
			"payload":     integratorPayload,
		},
		"meaningful_gate": map[string]any{
			"path":    filepath.ToSlash(gatePath),
			"exists":  gateExists,
			"payload": gatePayload,
		},
	}
}

// NewWatchCommand summarizes a run, optionally following it until the
// integrator reaches a terminal status.
func NewWatchCommand() *cobra.Command {
	var runID string
	var follow bool
	var timeoutSeconds int
	cmd := &cobra.Command{
		Use:     "watch",
		Short:   "Summarize run status including the meaningful gate verdict",
		GroupID: "analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			runDir := contracts.RunDir(rt.Config.Paths.RunsDir, runID)
			if _, statErr := os.Stat(runDir); statErr != nil {
				return emit(map[string]any{
					"status": constants.StatusBlocked,
					"run_id": runID,
					"detail": fmt.Sprintf("run folder does not exist: %s", filepath.ToSlash(runDir)),
				})
			}
			if !follow {
				return emit(watchSummary(rt, runID))
			}

			// Follow mode: fsnotify on the run dir, polling as backstop.
			deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
			wake := make(chan struct{}, 1)
			watcher, watchErr := fsnotify.NewWatcher()
			if watchErr == nil {
				defer watcher.Close()
				_ = watcher.Add(runDir)
				_ = watcher.Add(filepath.Join(runDir, constants.Integrator))
				go func() {
					for {
						select {
						case <-watcher.Events:
							select {
							case wake <- struct{}{}:
							default:
							}
						case <-watcher.Errors:
						case <-cmd.Context().Done():
							return
						}
					}
				}()
			}
			for {
				payload := watchSummary(rt, runID)
				integratorStatus, _ := payload["summary"].(map[string]any)["integrator_status"].(string)
				if statuseval.IsTerminal(integratorStatus) || time.Now().After(deadline) {
					return emit(payload)
				}
				select {
				case <-wake:
				case <-time.After(2 * time.Second):
				case <-cmd.Context().Done():
					return emit(payload)
				}
			}
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to watch")
	cmd.Flags().BoolVar(&follow, "follow", false, "Wait until the integrator status is terminal")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout-seconds", 600, "Follow-mode wait budget")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

// NewPromptsCommand groups prompt-pack utilities.
func NewPromptsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "prompts",
		Short:   "Materialize and validate worker prompt files",
		GroupID: "execution",
	}

	var materializeRunID, packPath string
	materialize := &cobra.Command{
		Use:   "materialize",
		Short: "Parse a pack file and write canonical worker prompt files",
		RunE: func(c *cobra.Command, args []string) error {
			rt, err := loadRuntime(c.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			return emit(dispatch.MaterializePack(rt.Config, materializeRunID, packPath, constants.Workers))
		},
	}
	materialize.Flags().StringVar(&materializeRunID, "run-id", "", "Run id for the prompts")
	materialize.Flags().StringVar(&packPath, "pack-path", "", "Pack file to split")
	_ = materialize.MarkFlagRequired("run-id")
	_ = materialize.MarkFlagRequired("pack-path")

	var validateRunID string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the prompt folder and files for a run",
		RunE: func(c *cobra.Command, args []string) error {
			rt, err := loadRuntime(c.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			return emit(dispatch.ValidatePromptFolder(rt.Config, validateRunID, constants.Workers))
		},
	}
	validate.Flags().StringVar(&validateRunID, "run-id", "", "Run id to validate")
	_ = validate.MarkFlagRequired("run-id")

	nextRunID := &cobra.Command{
		Use:   "next-run-id",
		Short: "Generate the next legacy-format run id",
		RunE: func(c *cobra.Command, args []string) error {
			rt, err := loadRuntime(c.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			cfg := rt.Config
			id, genErr := runid.NextLegacy(time.Now(), cfg.Paths.RunsDir, cfg.Paths.PromptsDir, cfg.Paths.PromptZipsDir, runid.DefaultEntropy)
			if genErr != nil {
				return emit(map[string]any{"status": constants.StatusBlocked, "error": genErr.Error()})
			}
			return emit(map[string]any{"status": constants.StatusPass, "run_id": id})
		},
	}

	cmd.AddCommand(materialize, validate, nextRunID)
	return cmd
}
