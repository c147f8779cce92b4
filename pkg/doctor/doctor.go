// Package doctor checks the local factory installation: required tools,
// contract files, config validity, and stale locks. The doctor may remove
// locks whose owning process is gone; the coordinator itself never steals
// a lock.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/ledger"
	"github.com/hitechos/factory/pkg/locks"
	"github.com/hitechos/factory/pkg/schemas"
	"github.com/hitechos/factory/pkg/worktrees"
)

// Check is one doctor probe.
type Check struct {
	Check      string `json:"check"`
	Status     string `json:"status"`
	Detail     string `json:"detail"`
	NextAction string `json:"next_action"`
}

func checkCommand(name string) Check {
	found, err := exec.LookPath(name)
	if err != nil {
		return Check{
			Check:      "command:" + name,
			Status:     constants.StatusBlocked,
			Detail:     "missing",
			NextAction: fmt.Sprintf("Install `%s` and add it to PATH.", name),
		}
	}
	return Check{Check: "command:" + name, Status: constants.StatusPass, Detail: found}
}

func checkPath(path string, required bool) Check {
	status := constants.StatusPass
	detail := "present"
	nextAction := ""
	if _, err := os.Stat(path); err != nil {
		detail = "missing"
		nextAction = fmt.Sprintf("Create or restore `%s`.", filepath.ToSlash(path))
		if required {
			status = constants.StatusBlocked
		} else {
			status = constants.StatusWarn
		}
	}
	return Check{Check: "path:" + filepath.ToSlash(path), Status: status, Detail: detail, NextAction: nextAction}
}

// checkGateContract verifies the files_changed schema still carries the
// noop fields and the anyOf clause the meaningful gate depends on.
func checkGateContract() Check {
	raw, err := schemaDocument("files_changed")
	if err != nil {
		return Check{
			Check:      "meaningful_gate_contract",
			Status:     constants.StatusBlocked,
			Detail:     err.Error(),
			NextAction: "Restore the files_changed schema.",
		}
	}
	properties, _ := raw["properties"].(map[string]any)
	anyOf, _ := raw["anyOf"].([]any)
	hasNoop := true
	for _, field := range []string{"noop", "noop_reason", "noop_ack"} {
		if _, ok := properties[field]; !ok {
			hasNoop = false
		}
	}
	ok := hasNoop && len(anyOf) > 0
	check := Check{
		Check:  "meaningful_gate_contract",
		Status: constants.StatusPass,
		Detail: fmt.Sprintf("noop_fields=%t anyOf=%t", hasNoop, len(anyOf) > 0),
	}
	if !ok {
		check.Status = constants.StatusBlocked
		check.NextAction = "Add noop fields + anyOf rule to the files_changed schema."
	}
	return check
}

func schemaDocument(name string) (map[string]any, error) {
	fileName, ok := schemas.Index[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema: %s", name)
	}
	raw, err := schemas.FS().ReadFile("schemas/" + fileName)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema read error: %w", err)
	}
	return doc, nil
}

// StaleLock describes one lock the doctor diagnosed.
type StaleLock struct {
	Path    string `json:"path"`
	Owner   string `json:"owner"`
	PID     int    `json:"pid"`
	Stale   bool   `json:"stale"`
	Removed bool   `json:"removed"`
}

// ScanLocks inspects every lock under the runs root (ledger lock plus
// per-run lock directories) and optionally removes the stale ones.
func ScanLocks(runsDir string, remove bool) []StaleLock {
	var found []StaleLock
	candidates := []string{filepath.Join(runsDir, constants.LedgerLockFileName)}
	if matches, err := filepath.Glob(filepath.Join(runsDir, "*", "locks", "*.lock")); err == nil {
		candidates = append(candidates, matches...)
	}
	sort.Strings(candidates)
	for _, path := range candidates {
		info, ok := locks.Inspect(path)
		if !ok {
			continue
		}
		entry := StaleLock{Path: filepath.ToSlash(path), Owner: info.Owner, PID: info.PID, Stale: locks.IsStale(info)}
		if entry.Stale && remove {
			entry.Removed = os.Remove(path) == nil
		}
		found = append(found, entry)
	}
	if found == nil {
		found = []StaleLock{}
	}
	return found
}

// Options configures a doctor run.
type Options struct {
	RepoRoot         string
	ConfigPath       string
	RemoveStaleLocks bool
}

// Run performs every doctor check and returns the structured report.
func Run(opts Options) map[string]any {
	var checks []Check

	checks = append(checks, checkCommand("git"))
	checks = append(checks, checkPath(filepath.Join(opts.RepoRoot, ".git"), true))
	checks = append(checks, checkPath(filepath.Join(opts.RepoRoot, filepath.FromSlash(constants.WorktreeContractRel)), true))

	cfg, err := config.Load(config.Options{RepoRoot: opts.RepoRoot, ConfigPath: opts.ConfigPath, Strict: true})
	if err != nil {
		checks = append(checks, Check{
			Check:      "factory_config",
			Status:     constants.StatusBlocked,
			Detail:     err.Error(),
			NextAction: "Fix the factory config file.",
		})
		cfg, _ = config.Load(config.Options{RepoRoot: opts.RepoRoot, ConfigPath: opts.ConfigPath, Strict: false})
	} else {
		checks = append(checks, Check{Check: "factory_config", Status: constants.StatusPass, Detail: cfg.Meta.ConfigPath})
	}
	checks = append(checks, checkPath(cfg.Paths.RunsDir, false))

	if _, modeErr := worktrees.ResolveMode(opts.RepoRoot, nil); modeErr != nil {
		checks = append(checks, Check{
			Check:      "worktree_contract",
			Status:     constants.StatusBlocked,
			Detail:     modeErr.Error(),
			NextAction: "Restore the fixed-mode worktree contract.",
		})
	} else {
		checks = append(checks, Check{Check: "worktree_contract", Status: constants.StatusPass, Detail: "fixed"})
	}

	contractsReport := schemas.ContractsCheck()
	contractsCheck := Check{
		Check:  "contracts_check",
		Status: constants.StatusPass,
		Detail: fmt.Sprintf("failed=%v total=%v", contractsReport["failed"], contractsReport["total"]),
	}
	if contractsReport["status"] != constants.StatusPass {
		contractsCheck.Status = constants.StatusBlocked
		contractsCheck.NextAction = "Fix schema contract validation failures."
	}
	checks = append(checks, contractsCheck)
	checks = append(checks, checkGateContract())

	staleLocks := ScanLocks(cfg.Paths.RunsDir, opts.RemoveStaleLocks)

	blocked := 0
	warnings := 0
	for _, check := range checks {
		switch check.Status {
		case constants.StatusBlocked:
			blocked++
		case constants.StatusWarn:
			warnings++
		}
	}
	status := constants.StatusPass
	if blocked > 0 {
		status = constants.StatusBlocked
	}
	return map[string]any{
		"schema_version": constants.SchemaVersion,
		"ts_utc":         ledger.IsoUTC(time.Now()),
		"status":         status,
		"blocked":        blocked,
		"warnings":       warnings,
		"checks":         checks,
		"locks":          staleLocks,
	}
}
