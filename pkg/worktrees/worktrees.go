// Package worktrees manages the fixed set of per-worker git worktrees.
// Fixed mode means exactly one worktree per worker at a stable path under
// the worktrees root; run-scoped paths are a contract violation.
package worktrees

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/contracts"
	"github.com/hitechos/factory/pkg/execx"
	"github.com/hitechos/factory/pkg/gitutil"
	"github.com/hitechos/factory/pkg/locks"
	"github.com/hitechos/factory/pkg/logger"
)

var log = logger.New("factory:worktrees")

// WorkerPath returns the fixed worktree path for a worker.
func WorkerPath(cfg config.Config, worker string) string {
	return filepath.Join(cfg.Paths.WorktreesDir, strings.TrimSpace(worker))
}

// Step is the outcome for one worker within an operation.
type Step struct {
	Worker         string         `json:"worker"`
	Status         string         `json:"status"`
	Detail         string         `json:"detail"`
	Path           string         `json:"path"`
	Actions        []execx.Result `json:"actions"`
	WorktreeCommit string         `json:"worktree_commit,omitempty"`
	CommitMatch    bool           `json:"commit_match,omitempty"`
}

// OperationReport is the result of create/verify/sync/open.
type OperationReport struct {
	RunID         string         `json:"run_id"`
	Operation     string         `json:"operation"`
	Status        string         `json:"status"`
	Steps         []Step         `json:"steps"`
	Blocked       int            `json:"blocked"`
	LockErrors    []string       `json:"lock_errors,omitempty"`
	BaseRef       string         `json:"base_ref,omitempty"`
	BaseRefCommit string         `json:"base_ref_commit,omitempty"`
	WorktreeMode  string         `json:"worktree_mode,omitempty"`
	ContractPath  string         `json:"contract_path,omitempty"`
	Error         string         `json:"error,omitempty"`
	Cleanup       map[string]any `json:"cleanup,omitempty"`
	Sessions      string         `json:"session_registry,omitempty"`
}

func finalize(report *OperationReport) {
	blocked := 0
	for _, step := range report.Steps {
		if step.Status == constants.StatusBlocked {
			blocked++
		}
	}
	report.Blocked = blocked
	report.Status = constants.StatusPass
	if blocked > 0 || report.Error != "" {
		report.Status = constants.StatusBlocked
	}
	if report.Steps == nil {
		report.Steps = []Step{}
	}
}

// Create ensures each worker's fixed worktree exists at base_ref. Existing
// worktrees with a .git marker are reused after a HEAD check; missing ones
// are created detached. Runs under the run lock with per-worker locks.
func Create(ctx context.Context, cfg config.Config, runID string, workers []string, baseRef string, dryRun bool) OperationReport {
	report := OperationReport{RunID: runID, Operation: "create", BaseRef: baseRef}

	mode, err := ResolveMode(cfg.Paths.RepoRoot, environ())
	if err != nil {
		report.Error = err.Error()
		finalize(&report)
		return report
	}
	report.WorktreeMode = mode.WorktreeMode
	report.ContractPath = mode.ContractPath

	baseCommit := ""
	if !dryRun {
		baseCommit, _ = gitutil.ResolveCommit(ctx, cfg.Paths.RepoRoot, baseRef)
	}
	report.BaseRefCommit = baseCommit

	runDir := contracts.RunDir(cfg.Paths.RunsDir, runID)
	runLock, err := locks.Acquire(locks.RunLockPath(runDir), "worktrees.create", map[string]string{"run_id": runID})
	if err != nil {
		report.Error = err.Error()
		finalize(&report)
		return report
	}
	defer func() { _ = runLock.Release() }()

	if err := os.MkdirAll(cfg.Paths.WorktreesDir, 0o755); err != nil {
		report.Error = err.Error()
		finalize(&report)
		return report
	}

	for _, worker := range workers {
		target := WorkerPath(cfg, worker)
		step := Step{Worker: worker, Path: filepath.ToSlash(target), Actions: []execx.Result{}}

		if IsRunScopedSegment(worker) {
			step.Status = constants.StatusBlocked
			step.Detail = fmt.Sprintf("guard_trip: run-scoped worker id is forbidden in fixed mode (%s)", worker)
			report.LockErrors = append(report.LockErrors, step.Detail)
			report.Steps = append(report.Steps, step)
			continue
		}

		workerLock, err := locks.Acquire(locks.WorkerLockPath(runDir, worker), "worktrees.create", map[string]string{"run_id": runID, "worker": worker})
		if err != nil {
			step.Status = constants.StatusBlocked
			step.Detail = err.Error()
			report.LockErrors = append(report.LockErrors, err.Error())
			report.Steps = append(report.Steps, step)
			continue
		}

		if _, statErr := os.Stat(target); statErr == nil {
			gitMarker := filepath.Join(target, ".git")
			_, markerErr := os.Stat(gitMarker)
			headCommit := ""
			if markerErr == nil && !dryRun {
				headCommit, _ = gitutil.ResolveCommit(ctx, target, "HEAD")
			}
			step.WorktreeCommit = headCommit
			step.CommitMatch = dryRun || (markerErr == nil && headCommit == baseCommit)
			if markerErr == nil {
				step.Status = constants.StatusPass
				step.Detail = "worktree already exists"
			} else {
				step.Status = constants.StatusBlocked
				step.Detail = "path exists but is not a git worktree"
			}
			report.Steps = append(report.Steps, step)
			_ = workerLock.Release()
			continue
		}

		if dryRun {
			step.Status = constants.StatusPass
			step.Detail = "dry-run"
			step.CommitMatch = true
			report.Steps = append(report.Steps, step)
			_ = workerLock.Release()
			continue
		}

		addResult := gitutil.Git(ctx, cfg.Paths.RepoRoot, "worktree", "add", "--detach", target, baseRef)
		step.Actions = append(step.Actions, addResult)
		headCommit, _ := gitutil.ResolveCommit(ctx, target, "HEAD")
		step.WorktreeCommit = headCommit
		step.CommitMatch = headCommit == baseCommit

		if addResult.RC == 0 && step.CommitMatch {
			step.Status = constants.StatusPass
			step.Detail = "created"
		} else {
			step.Status = constants.StatusBlocked
			step.Detail = "failed to create worktree or commit mismatch"
		}
		report.Steps = append(report.Steps, step)
		_ = workerLock.Release()
	}

	finalize(&report)
	statePath := filepath.Join(runDir, constants.WorktreeStateFileName)
	if err := contracts.WriteJSONFile(statePath, report); err != nil {
		log.Printf("failed to write worktree state: %v", err)
	}
	return report
}

// Verify checks path, .git marker, and HEAD resolvability per worker.
func Verify(ctx context.Context, cfg config.Config, runID string, workers []string) OperationReport {
	report := OperationReport{RunID: runID, Operation: "verify"}
	for _, worker := range workers {
		target := WorkerPath(cfg, worker)
		step := Step{Worker: worker, Path: filepath.ToSlash(target), Actions: []execx.Result{}}
		_, pathErr := os.Stat(target)
		_, markerErr := os.Stat(filepath.Join(target, ".git"))
		headCommit := ""
		if pathErr == nil && markerErr == nil {
			headCommit, _ = gitutil.ResolveCommit(ctx, target, "HEAD")
		}
		if pathErr == nil && markerErr == nil && headCommit != "" {
			step.Status = constants.StatusPass
			step.Detail = "verified"
		} else {
			step.Status = constants.StatusBlocked
			step.Detail = "missing worktree or git marker"
		}
		step.WorktreeCommit = headCommit
		report.Steps = append(report.Steps, step)
	}
	finalize(&report)
	return report
}

// Sync fetches and reports status for each existing worktree.
func Sync(ctx context.Context, cfg config.Config, runID string, workers []string, dryRun bool) OperationReport {
	report := OperationReport{RunID: runID, Operation: "sync"}
	for _, worker := range workers {
		target := WorkerPath(cfg, worker)
		step := Step{Worker: worker, Path: filepath.ToSlash(target), Actions: []execx.Result{}}
		if _, err := os.Stat(target); err != nil {
			step.Status = constants.StatusBlocked
			step.Detail = "worktree does not exist"
			report.Steps = append(report.Steps, step)
			continue
		}
		if dryRun {
			step.Status = constants.StatusPass
			step.Detail = "dry-run"
			report.Steps = append(report.Steps, step)
			continue
		}
		actions := []execx.Result{
			gitutil.Git(ctx, target, "fetch", "--all", "--prune"),
			gitutil.Git(ctx, target, "status", "--porcelain=v1"),
		}
		step.Actions = actions
		failed := false
		for _, action := range actions {
			if action.RC != 0 {
				failed = true
			}
		}
		if failed {
			step.Status = constants.StatusBlocked
			step.Detail = "sync failed"
		} else {
			step.Status = constants.StatusPass
			step.Detail = "synced"
		}
		report.Steps = append(report.Steps, step)
	}
	finalize(&report)
	return report
}

// InvariantReport is the guard over the worktrees root.
type InvariantReport struct {
	Status   string   `json:"status"`
	Known    []string `json:"known"`
	Unknown  []string `json:"unknown"`
	Count    int      `json:"count"`
	MaxCount int      `json:"max_count"`
}

// CheckInvariant lists the worktrees root and fails when an unknown entry
// exists or the count exceeds the worker roster.
func CheckInvariant(cfg config.Config, workers []string) InvariantReport {
	known := map[string]bool{}
	for _, worker := range workers {
		known[worker] = true
	}
	report := InvariantReport{MaxCount: len(workers)}
	entries, err := os.ReadDir(cfg.Paths.WorktreesDir)
	if err != nil {
		// An absent root trivially satisfies the invariant.
		report.Status = constants.StatusPass
		report.Known = []string{}
		report.Unknown = []string{}
		return report
	}
	for _, item := range entries {
		if !item.IsDir() {
			continue
		}
		if known[item.Name()] {
			report.Known = append(report.Known, item.Name())
		} else {
			report.Unknown = append(report.Unknown, item.Name())
		}
	}
	sort.Strings(report.Known)
	sort.Strings(report.Unknown)
	report.Count = len(report.Known) + len(report.Unknown)
	if len(report.Unknown) == 0 && report.Count <= report.MaxCount {
		report.Status = constants.StatusPass
	} else {
		report.Status = constants.StatusBlocked
	}
	if report.Known == nil {
		report.Known = []string{}
	}
	if report.Unknown == nil {
		report.Unknown = []string{}
	}
	return report
}

func environ() map[string]string {
	out := map[string]string{}
	for _, pair := range os.Environ() {
		key, value, _ := strings.Cut(pair, "=")
		out[key] = value
	}
	return out
}
