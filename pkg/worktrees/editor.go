package worktrees

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/contracts"
	"github.com/hitechos/factory/pkg/execx"
)

// Editor session handling: `worktrees open` launches an editor per
// worktree, records the sessions in a per-run registry, and cleans up
// orphan editor processes left behind by prior runs. Cleanup only touches
// PIDs that still belong to the editor binary; it is gated by
// FACTORY_EDITOR_CLEAN (default on) and FACTORY_EDITOR_NUKE (include the
// current run).

// Session is one recorded editor launch.
type Session struct {
	OpenedFolderPath string `json:"opened_folder_path"`
	PID              *int   `json:"pid"`
	RunID            string `json:"run_id"`
	Worker           string `json:"worker"`
}

type sessionRegistry struct {
	RunID    string    `json:"run_id"`
	Sessions []Session `json:"sessions"`
}

func envEnabled(name string, fallback bool) bool {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func sessionFilePath(cfg config.Config, runID string) string {
	return filepath.Join(contracts.RunDir(cfg.Paths.RunsDir, runID), "_debug", constants.EditorSessionFileName)
}

func cleanupReportPath(cfg config.Config, runID string) string {
	return filepath.Join(contracts.RunDir(cfg.Paths.RunsDir, runID), "_debug", constants.EditorCleanupFileName)
}

func resolveEditorCLI() string {
	for _, candidate := range []string{"code", "code-insiders"} {
		if resolved, err := exec.LookPath(candidate); err == nil {
			return resolved
		}
	}
	return ""
}

// isEditorProcess probes /proc for the process name; only processes that
// still look like the editor are kill candidates.
func isEditorProcess(pid int) (exists, isEditor bool) {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return false, false
	}
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return true, false
	}
	name := strings.ToLower(strings.TrimSpace(string(raw)))
	return true, name == "code" || name == "code-insiders"
}

// listEditorPIDs scans /proc for processes named like the editor.
func listEditorPIDs() map[int]bool {
	entries, err := os.ReadDir("/proc")
	pids := map[int]bool{}
	if err != nil {
		return pids
	}
	for _, entry := range entries {
		pid := 0
		if _, err := fmt.Sscanf(entry.Name(), "%d", &pid); err != nil || pid <= 0 {
			continue
		}
		if _, isEditor := isEditorProcess(pid); isEditor {
			pids[pid] = true
		}
	}
	return pids
}

// resolveNewEditorPID polls for an editor process absent from the
// baseline, returning the lowest new PID.
func resolveNewEditorPID(baseline map[int]bool, maxWait time.Duration) (int, bool) {
	deadline := time.Now().Add(maxWait)
	for {
		var fresh []int
		for pid := range listEditorPIDs() {
			if !baseline[pid] {
				fresh = append(fresh, pid)
			}
		}
		if len(fresh) > 0 {
			sort.Ints(fresh)
			return fresh[0], true
		}
		if time.Now().After(deadline) {
			return 0, false
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func scanRegistrySessions(cfg config.Config, currentRunID string, includeCurrent bool) []Session {
	pattern := filepath.Join(cfg.Paths.RunsDir, "*", "_debug", constants.EditorSessionFileName)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	var rows []Session
	for _, sessionFile := range matches {
		sourceRunID := filepath.Base(filepath.Dir(filepath.Dir(sessionFile)))
		if !includeCurrent && sourceRunID == currentRunID {
			continue
		}
		var registry sessionRegistry
		if err := contracts.ReadJSONFile(sessionFile, &registry); err != nil {
			continue
		}
		for _, item := range registry.Sessions {
			runID := strings.TrimSpace(item.RunID)
			if runID == "" {
				runID = sourceRunID
			}
			if !includeCurrent && runID == currentRunID {
				continue
			}
			item.RunID = runID
			rows = append(rows, item)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.RunID != b.RunID {
			return a.RunID < b.RunID
		}
		if a.Worker != b.Worker {
			return a.Worker < b.Worker
		}
		return a.OpenedFolderPath < b.OpenedFolderPath
	})
	return rows
}

type cleanupAction struct {
	RunID  string `json:"run_id"`
	Worker string `json:"worker"`
	PID    *int   `json:"pid"`
	Action string `json:"action"`
	Detail string `json:"detail"`
}

func killEditorPID(pid int) cleanupAction {
	exists, isEditor := isEditorProcess(pid)
	if !exists {
		return cleanupAction{PID: &pid, Action: "already_gone"}
	}
	if !isEditor {
		return cleanupAction{PID: &pid, Action: "ownership_mismatch"}
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return cleanupAction{PID: &pid, Action: "error", Detail: err.Error()}
	}
	if err := process.Signal(syscall.SIGTERM); err == nil {
		return cleanupAction{PID: &pid, Action: "closed_gracefully"}
	}
	if err := process.Kill(); err != nil {
		return cleanupAction{PID: &pid, Action: "error", Detail: err.Error()}
	}
	return cleanupAction{PID: &pid, Action: "killed"}
}

func cleanupEditorSessions(cfg config.Config, runID string) map[string]any {
	cleanEnabled := envEnabled("FACTORY_EDITOR_CLEAN", true)
	nukeEnabled := envEnabled("FACTORY_EDITOR_NUKE", false)
	sessions := scanRegistrySessions(cfg, runID, nukeEnabled)

	var actions []cleanupAction
	if cleanEnabled {
		handled := map[int]cleanupAction{}
		for _, entry := range sessions {
			if entry.PID == nil {
				actions = append(actions, cleanupAction{RunID: entry.RunID, Worker: entry.Worker, Action: "missing_pid"})
				continue
			}
			pid := *entry.PID
			result, seen := handled[pid]
			if !seen {
				result = killEditorPID(pid)
				handled[pid] = result
			}
			actions = append(actions, cleanupAction{
				RunID: entry.RunID, Worker: entry.Worker, PID: &pid,
				Action: result.Action, Detail: result.Detail,
			})
		}
	} else {
		for _, entry := range sessions {
			actions = append(actions, cleanupAction{
				RunID: entry.RunID, Worker: entry.Worker, PID: entry.PID,
				Action: "skipped_clean_disabled",
			})
		}
	}

	reportPath := writeCleanupReport(cfg, runID, cleanEnabled, nukeEnabled, sessions, actions)
	return map[string]any{
		"clean_enabled":  cleanEnabled,
		"nuke_enabled":   nukeEnabled,
		"sessions_found": len(sessions),
		"actions":        actions,
		"report":         reportPath,
	}
}

func writeCleanupReport(cfg config.Config, runID string, cleanEnabled, nukeEnabled bool, sessions []Session, actions []cleanupAction) string {
	target := cleanupReportPath(cfg, runID)
	var lines []string
	lines = append(lines,
		"run_id="+runID,
		fmt.Sprintf("clean_enabled=%t", cleanEnabled),
		fmt.Sprintf("nuke_enabled=%t", nukeEnabled),
		fmt.Sprintf("sessions_found=%d", len(sessions)),
		fmt.Sprintf("sessions_targeted=%d", len(actions)),
		"",
		"sessions:")
	for _, entry := range sessions {
		pidText := "null"
		if entry.PID != nil {
			pidText = fmt.Sprintf("%d", *entry.PID)
		}
		lines = append(lines, fmt.Sprintf("%s|%s|%s|%s", entry.RunID, entry.Worker, pidText, entry.OpenedFolderPath))
	}
	lines = append(lines, "", "actions:")
	for _, action := range actions {
		pidText := "null"
		if action.PID != nil {
			pidText = fmt.Sprintf("%d", *action.PID)
		}
		lines = append(lines, fmt.Sprintf("%s|%s|%s|%s|%s", action.RunID, action.Worker, pidText, action.Action, action.Detail))
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err == nil {
		_ = os.WriteFile(target, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
	}
	return filepath.ToSlash(target)
}

func writeSessionRegistry(cfg config.Config, runID string, sessions []Session) (string, error) {
	ordered := append([]Session{}, sessions...)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.RunID != b.RunID {
			return a.RunID < b.RunID
		}
		if a.Worker != b.Worker {
			return a.Worker < b.Worker
		}
		return a.OpenedFolderPath < b.OpenedFolderPath
	})
	target := sessionFilePath(cfg, runID)
	return filepath.ToSlash(target), contracts.WriteJSONFile(target, sessionRegistry{RunID: runID, Sessions: ordered})
}

// Open launches an editor for each worktree, records the session registry,
// and runs the orphan-cleanup pass over prior runs.
func Open(ctx context.Context, cfg config.Config, runID string, workers []string, dryRun bool) OperationReport {
	report := OperationReport{RunID: runID, Operation: "open"}

	if dryRun {
		report.Cleanup = map[string]any{
			"clean_enabled":  envEnabled("FACTORY_EDITOR_CLEAN", true),
			"nuke_enabled":   envEnabled("FACTORY_EDITOR_NUKE", false),
			"sessions_found": 0,
			"actions":        []cleanupAction{},
			"report":         filepath.ToSlash(cleanupReportPath(cfg, runID)),
		}
	} else {
		report.Cleanup = cleanupEditorSessions(cfg, runID)
	}

	editorCLI := resolveEditorCLI()
	var sessions []Session

	for _, worker := range workers {
		target := WorkerPath(cfg, worker)
		step := Step{Worker: worker, Path: filepath.ToSlash(target), Actions: []execx.Result{}}
		if _, err := os.Stat(target); err != nil {
			step.Status = constants.StatusBlocked
			step.Detail = "worktree missing"
			report.Steps = append(report.Steps, step)
			continue
		}
		if dryRun {
			step.Status = constants.StatusPass
			step.Detail = "dry-run"
			report.Steps = append(report.Steps, step)
			continue
		}
		if editorCLI == "" {
			step.Status = constants.StatusBlocked
			step.Detail = "editor CLI command not found"
			report.Steps = append(report.Steps, step)
			continue
		}

		beforePIDs := listEditorPIDs()
		action := execx.Run(ctx, []string{editorCLI, target}, execx.Options{Cwd: cfg.Paths.RepoRoot, Timeout: 30 * time.Second})
		step.Actions = append(step.Actions, action)
		var pid *int
		switch {
		case action.RC == 0:
			// The CLI is a wrapper that exits once the window is handed
			// off; the long-lived PID shows up in the process table.
			if resolved, ok := resolveNewEditorPID(beforePIDs, 8*time.Second); ok {
				pid = &resolved
				step.Status = constants.StatusPass
				step.Detail = "opened"
			} else {
				step.Status = constants.StatusWarn
				step.Detail = "opened but editor PID unresolved"
			}
		case action.RC == 124:
			step.Status = constants.StatusBlocked
			step.Detail = "editor launch timed out"
		case action.RC == 127:
			step.Status = constants.StatusBlocked
			step.Detail = "editor CLI command not found"
		default:
			step.Status = constants.StatusWarn
			step.Detail = "failed to open editor"
		}
		report.Steps = append(report.Steps, step)
		sessions = append(sessions, Session{
			OpenedFolderPath: filepath.ToSlash(target),
			PID:              pid,
			RunID:            runID,
			Worker:           worker,
		})
	}

	registryPath, err := writeSessionRegistry(cfg, runID, sessions)
	if err != nil {
		report.Error = err.Error()
	}
	report.Sessions = registryPath
	finalize(&report)
	return report
}
