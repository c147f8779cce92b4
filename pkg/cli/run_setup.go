package cli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/contracts"
	"github.com/hitechos/factory/pkg/ledger"
	"github.com/hitechos/factory/pkg/preflight"
	"github.com/hitechos/factory/pkg/runid"
	"github.com/hitechos/factory/pkg/schemas"
	"github.com/hitechos/factory/pkg/statuseval"
	"github.com/hitechos/factory/pkg/worktrees"
)

// initRun mints (or accepts) a run id, writes the immutable run manifest,
// and appends RUN_START.
func initRun(ctx context.Context, rt runtime, kind, explicitRunID, baseRef string) map[string]any {
	cfg := rt.Config
	chosenRunID := explicitRunID
	baseRefHash := ""
	createdAt := ""
	if chosenRunID == "" {
		identity, err := runid.Next(ctx, rt.Ledger, cfg.Paths.RepoRoot, kind, baseRef, time.Now())
		if err != nil {
			return map[string]any{"status": constants.StatusFail, "error": err.Error()}
		}
		chosenRunID = identity.RunID
		baseRefHash = identity.BaseRefHash
		createdAt = identity.Stamp
	} else if problems := runid.Validate(chosenRunID); len(problems) > 0 {
		return map[string]any{
			"status": constants.StatusBlocked,
			"run_id": chosenRunID,
			"errors": problems,
		}
	}

	runDir := contracts.RunDir(cfg.Paths.RunsDir, chosenRunID)
	manifest := map[string]any{
		"schema_version":   constants.SchemaVersion,
		"contract_version": cfg.ContractVersion,
		"run_id":           chosenRunID,
		"kind":             kind,
		"base_ref":         baseRef,
		"base_ref_hash":    baseRefHash,
		"status":           constants.StatusPending,
		"workers":          constants.Workers,
		"integrator":       constants.Integrator,
		"created_at":       createdAt,
		"paths": map[string]string{
			"run_dir":        filepath.ToSlash(runDir),
			"integrator_dir": filepath.ToSlash(filepath.Join(runDir, constants.Integrator)),
			"logs_dir":       filepath.ToSlash(filepath.Join(runDir, "logs")),
		},
	}

	manifestErrors := schemas.ValidatePayload("run_manifest", manifest)
	var schemaErrors []string
	for _, item := range manifestErrors {
		schemaErrors = append(schemaErrors, "RUN_MANIFEST.json: "+item)
	}
	manifestCheck := statuseval.MakeCheck("run_manifest_schema", rcFor(len(manifestErrors) == 0), true,
		fmt.Sprintf("errors=%d", len(manifestErrors)), constants.Integrator)
	evaluation := statuseval.Evaluate([]statuseval.Check{manifestCheck}, nil, schemaErrors, nil, nil)

	if evaluation.Status == statuseval.Pass {
		if err := contracts.WriteJSONFile(filepath.Join(runDir, constants.RunManifestFileName), manifest); err != nil {
			return map[string]any{"status": constants.StatusFail, "run_id": chosenRunID, "error": err.Error()}
		}
	}

	manifestSeed, _ := json.Marshal(manifest)
	digest := sha256.Sum256(manifestSeed)
	_, _ = rt.Ledger.Append(ledger.Event{
		RunID:     chosenRunID,
		EventType: "RUN_START",
		Actor:     constants.Integrator,
		Hashes:    map[string]string{"manifest_sha256": hex.EncodeToString(digest[:])},
		RC:        evaluation.ExitCode,
		Details: map[string]any{
			"kind":          kind,
			"status":        evaluation.Status,
			"path":          filepath.ToSlash(runDir),
			"manifest":      filepath.ToSlash(filepath.Join(runDir, constants.RunManifestFileName)),
			"schema_errors": evaluation.SchemaErrors,
		},
	})

	return map[string]any{
		"status":        evaluation.Status,
		"run_id":        chosenRunID,
		"manifest":      filepath.ToSlash(filepath.Join(runDir, constants.RunManifestFileName)),
		"base_ref":      baseRef,
		"schema_errors": evaluation.SchemaErrors,
	}
}

// launchRun chains init-run, preflight, worktree creation, and bundle
// scaffolding into one payload.
func launchRun(ctx context.Context, rt runtime, explicitRunID string, workers []string, baseRef string, dryRun, includePreflight bool) map[string]any {
	cfg := rt.Config
	initResult := initRun(ctx, rt, cfg.Run.Kind, explicitRunID, baseRef)
	chosenRunID, _ := initResult["run_id"].(string)
	if chosenRunID == "" {
		return initResult
	}

	preflightPayload := map[string]any{"status": constants.StatusPass, "checks": []any{}, "run_id": chosenRunID}
	if includePreflight {
		preflightPayload = preflight.Run(cfg, chosenRunID)
	}

	worktreeReport := worktrees.Create(ctx, cfg, chosenRunID, workers, baseRef, dryRun)
	invariant := worktrees.CheckInvariant(cfg, constants.Workers)

	bundles, bundleErr := contracts.ScaffoldAll(cfg, chosenRunID, workers)
	bundleRC := 0
	if bundleErr != nil {
		bundleRC = 2
		bundles = map[string]any{"error": bundleErr.Error()}
	}

	requiredChecks := []statuseval.Check{
		statuseval.MakeCheck("init_run", rcFor(statusOf(initResult, statuseval.Blocked) == statuseval.Pass), true, "", constants.Integrator),
		statuseval.MakeCheck("preflight", rcFor(statusOf(preflightPayload, statuseval.Blocked) == statuseval.Pass), true, "", constants.Integrator),
		statuseval.MakeCheck("worktrees_create", rcFor(worktreeReport.Status == statuseval.Pass), true, "", constants.Integrator),
		statuseval.MakeCheck("worktrees_invariant", rcFor(invariant.Status == statuseval.Pass), true,
			fmt.Sprintf("count=%d max=%d unknown=%d", invariant.Count, invariant.MaxCount, len(invariant.Unknown)), constants.Integrator),
		statuseval.MakeCheck("bundle_scaffold", bundleRC, true, "", constants.Integrator),
	}
	evaluation := statuseval.Evaluate(requiredChecks, nil, nil, nil, nil)

	_, _ = rt.Ledger.Append(ledger.Event{
		RunID:      chosenRunID,
		EventType:  "WORKTREE_CREATE",
		Actor:      constants.Integrator,
		FileCounts: map[string]int{"workers": len(workers)},
		RC:         evaluation.ExitCode,
		Details: map[string]any{
			"kind":              "factory",
			"status":            evaluation.Status,
			"run_id":            chosenRunID,
			"dry_run":           dryRun,
			"workers":           workers,
			"worktrees_blocked": worktreeReport.Blocked,
		},
	})

	return map[string]any{
		"status":          evaluation.Status,
		"run_id":          chosenRunID,
		"init":            initResult,
		"preflight":       preflightPayload,
		"worktrees":       worktreeReport,
		"invariant":       invariant,
		"bundles":         bundles,
		"required_checks": evaluation.RequiredChecks,
	}
}

func rcFor(ok bool) int {
	if ok {
		return 0
	}
	return 2
}

// cliRunOverrides builds the config CLI layer for run-level flags.
func cliRunOverrides(baseRef string, strictCollision, allowIdentical *bool) map[string]any {
	run := map[string]any{}
	if baseRef != "" {
		run["base_ref"] = baseRef
	}
	if strictCollision != nil {
		run["strict_collision_mode"] = *strictCollision
	}
	if allowIdentical != nil {
		run["allow_identical_patch_overlap"] = *allowIdentical
	}
	if len(run) == 0 {
		return nil
	}
	return map[string]any{"run": run}
}
