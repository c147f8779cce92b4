// Package preflight runs the pre-dispatch environment checks for a run:
// required commands, required paths, and a platform report. The payload is
// persisted under the run's logs directory when a run id is given.
package preflight

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/contracts"
	"github.com/hitechos/factory/pkg/ledger"
)

// Check is one preflight probe.
type Check struct {
	Check    string `json:"check"`
	Target   string `json:"target"`
	Required bool   `json:"required"`
	Status   string `json:"status"`
	Detail   string `json:"detail"`
}

func checkCommand(name string, required bool) Check {
	check := Check{Check: "command_available", Target: name, Required: required}
	if found, err := exec.LookPath(name); err == nil {
		check.Status = constants.StatusPass
		check.Detail = found
		return check
	}
	check.Detail = "not found"
	if required {
		check.Status = constants.StatusBlocked
	} else {
		check.Status = constants.StatusWarn
	}
	return check
}

func checkExists(path string, required bool) Check {
	check := Check{Check: "path_exists", Target: filepath.ToSlash(path), Required: required}
	if _, err := os.Stat(path); err == nil {
		check.Status = constants.StatusPass
		check.Detail = "present"
		return check
	}
	check.Detail = "missing"
	if required {
		check.Status = constants.StatusBlocked
	} else {
		check.Status = constants.StatusWarn
	}
	return check
}

// Run executes all preflight checks. runID may be empty.
func Run(cfg config.Config, runID string) map[string]any {
	var checks []Check

	checks = append(checks, checkCommand("git", true))
	checks = append(checks, checkCommand("code", false))

	requiredPaths := []string{
		filepath.Join(cfg.Paths.RepoRoot, ".git"),
		filepath.Join(cfg.Paths.RepoRoot, filepath.FromSlash(constants.WorktreeContractRel)),
	}
	for _, path := range requiredPaths {
		checks = append(checks, checkExists(path, true))
	}
	optionalPaths := []string{
		cfg.Paths.RunsDir,
		cfg.Paths.WorktreesDir,
		cfg.Meta.ConfigPath,
	}
	for _, path := range optionalPaths {
		checks = append(checks, checkExists(path, false))
	}

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
	now := ledger.IsoUTC(time.Now())
	payload := map[string]any{
		"schema_version": constants.SchemaVersion,
		"run_id":         runID,
		"status":         status,
		"started_at":     now,
		"ended_at":       now,
		"platform": map[string]string{
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
			"go":   runtime.Version(),
		},
		"checks":   checks,
		"blocked":  blocked,
		"warnings": warnings,
	}

	if runID != "" {
		target := filepath.Join(contracts.RunDir(cfg.Paths.RunsDir, runID), "logs", "preflight_STATUS.json")
		_ = contracts.WriteJSONFile(target, payload)
	}
	return payload
}
