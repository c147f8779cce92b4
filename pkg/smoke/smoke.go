// Package smoke runs the deterministic factory self-test: scaffold a
// fixture run with four explicit-NOOP worker bundles, integrate twice, and
// verify the two FINAL_REPORT digests are identical.
package smoke

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/contracts"
	"github.com/hitechos/factory/pkg/integrator"
	"github.com/hitechos/factory/pkg/ledger"
	"github.com/hitechos/factory/pkg/runid"
)

func emitWorkerFixture(cfg config.Config, runID, worker string) error {
	root := contracts.BundleDir(cfg.Paths.RunsDir, runID, worker)
	now := ledger.IsoUTC(time.Now())

	status := contracts.StatusPayload{
		SchemaVersion:   constants.SchemaVersion,
		ContractVersion: constants.ContractVersion,
		RunID:           runID,
		WorkerID:        worker,
		Status:          constants.StatusPass,
		Noop:            true,
		NoopReason:      "factory smoke fixture is declarative only",
		NoopAck:         worker,
		StartedAt:       now,
		EndedAt:         now,
		RequiredChecks:  []any{map[string]any{"name": "smoke_worker", "status": constants.StatusPass, "rc": 0, "required": true}},
		OptionalChecks:  []any{},
		Errors:          []any{},
		Warnings:        []any{},
		Artifacts:       []any{"SUMMARY.md", "FILES_CHANGED.json", "DIFF.patch"},
	}
	if err := contracts.WriteJSONFile(filepath.Join(root, "STATUS.json"), status); err != nil {
		return err
	}
	if err := contracts.WriteJSONFile(filepath.Join(root, "FILES_CHANGED.json"), contracts.FilesChanged{
		SchemaVersion: constants.SchemaVersion,
		RunID:         runID,
		Owner:         worker,
		Changes:       []contracts.Change{},
		Noop:          true,
		NoopReason:    "factory smoke fixture is declarative only",
		NoopAck:       worker,
	}); err != nil {
		return err
	}
	if err := contracts.WriteJSONFile(filepath.Join(root, "LOGS", "INDEX.json"), contracts.LogIndex{
		SchemaVersion: constants.SchemaVersion,
		RunID:         runID,
		Owner:         worker,
		Logs: []contracts.LogEntry{
			{Name: "smoke_generation", Path: "LOGS/smoke_generation.log.txt", RC: 0},
		},
	}); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, "LOGS", "smoke_generation.log.txt"),
		[]byte(fmt.Sprintf("generated fixture for %s\n", worker)), 0o644)
}

// Run executes the self-test for an optional explicit run id.
func Run(ctx context.Context, cfg config.Config, l *ledger.Ledger, explicitRunID string) map[string]any {
	chosenRunID := explicitRunID
	if chosenRunID == "" {
		identity, err := runid.Next(ctx, l, cfg.Paths.RepoRoot, "factory_smoke", cfg.Run.BaseRef, time.Now())
		if err != nil {
			return map[string]any{"status": constants.StatusFail, "error": err.Error()}
		}
		chosenRunID = identity.RunID
	}

	if _, err := contracts.ScaffoldAll(cfg, chosenRunID, constants.Workers); err != nil {
		return map[string]any{"status": constants.StatusFail, "run_id": chosenRunID, "error": err.Error()}
	}
	for _, worker := range constants.Workers {
		if err := emitWorkerFixture(cfg, chosenRunID, worker); err != nil {
			return map[string]any{"status": constants.StatusFail, "run_id": chosenRunID, "error": err.Error()}
		}
	}

	validation := contracts.ValidateRun(cfg, chosenRunID, constants.Workers)

	reportPath := filepath.Join(contracts.BundleDir(cfg.Paths.RunsDir, chosenRunID, constants.Integrator), constants.FinalReportFileName)
	first := integrator.Run(ctx, cfg, l, chosenRunID, constants.Workers, nil)
	firstDigest := hashFile(reportPath)
	second := integrator.Run(ctx, cfg, l, chosenRunID, constants.Workers, nil)
	secondDigest := hashFile(reportPath)

	deterministic := firstDigest != "" && firstDigest == secondDigest
	status := constants.StatusBlocked
	if first.Status == constants.StatusPass && deterministic {
		status = constants.StatusPass
	}

	payload := map[string]any{
		"schema_version":     constants.SchemaVersion,
		"run_id":             chosenRunID,
		"status":             status,
		"validation_before":  validation,
		"integration_first":  first,
		"integration_second": second,
		"deterministic":      deterministic,
		"digests": map[string]string{
			"first":  firstDigest,
			"second": secondDigest,
		},
	}
	target := filepath.Join(contracts.BundleDir(cfg.Paths.RunsDir, chosenRunID, constants.Integrator), "LOGS", "factory_smoke_STATUS.json")
	_ = contracts.WriteJSONFile(target, payload)
	return payload
}

func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}
