package cli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/contracts"
	"github.com/hitechos/factory/pkg/dispatch"
	"github.com/hitechos/factory/pkg/integrator"
	"github.com/hitechos/factory/pkg/ledger"
	"github.com/hitechos/factory/pkg/preflight"
	"github.com/hitechos/factory/pkg/runid"
	"github.com/hitechos/factory/pkg/statuseval"
	"github.com/hitechos/factory/pkg/worktrees"
)

type oneshotOptions struct {
	RunID    string
	Workers  []string
	BaseRef  string
	DryRun   bool
	Launcher []string
}

// tortureModeEnabled forces the early-stop path for validation harnesses.
func tortureModeEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("FACTORY_TORTURE_MODE"))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// oneshot runs the full stage machine: preflight -> launch -> dispatch
// (when a launcher is configured) -> bundle-validate -> integrate, stopping
// at the first blocked stage and logging each stage to the ledger.
func oneshot(ctx context.Context, rt runtime, opts oneshotOptions) map[string]any {
	cfg := rt.Config
	chosenRunID := opts.RunID
	if chosenRunID == "" {
		identity, err := runid.Next(ctx, rt.Ledger, cfg.Paths.RepoRoot, cfg.Run.Kind, opts.BaseRef, time.Now())
		if err != nil {
			return map[string]any{"status": constants.StatusFail, "error": err.Error()}
		}
		chosenRunID = identity.RunID
	}

	stages := map[string]any{}
	var stageChecks []statuseval.Check

	earlyStop := func(blocker string) map[string]any {
		evaluation := statuseval.Evaluate(stageChecks, nil, nil, []string{blocker}, nil)
		return map[string]any{
			"status": evaluation.Status,
			"run_id": chosenRunID,
			"stages": stages,
			"summary": map[string]any{
				"final_report":    "",
				"required_checks": evaluation.RequiredChecks,
			},
		}
	}

	// Preflight.
	preflightPayload := preflight.Run(cfg, chosenRunID)
	_, _ = rt.Ledger.Append(ledger.Event{
		RunID:      chosenRunID,
		EventType:  "PREFLIGHT",
		Actor:      constants.Integrator,
		FileCounts: map[string]int{"checks": countOf(preflightPayload["checks"])},
		RC:         statuseval.ExitCode(statusOf(preflightPayload, statuseval.Blocked)),
		Details:    map[string]any{"status": statusOf(preflightPayload, statuseval.Blocked), "kind": "factory"},
	})
	stages["preflight"] = preflightPayload
	stageChecks = append(stageChecks, statuseval.MakeCheck("preflight",
		rcFor(statusOf(preflightPayload, statuseval.Blocked) == statuseval.Pass), true, "", constants.Integrator))
	if statusOf(preflightPayload, statuseval.Blocked) != statuseval.Pass || tortureModeEnabled() {
		blocker := "preflight blocked"
		if tortureModeEnabled() {
			blocker = "torture mode early stop"
		}
		return earlyStop(blocker)
	}

	// Launch: init-run + worktrees + bundle scaffold.
	launchPayload := launchRun(ctx, rt, chosenRunID, opts.Workers, opts.BaseRef, opts.DryRun, false)
	stages["launch"] = launchPayload
	stageChecks = append(stageChecks, statuseval.MakeCheck("launch",
		rcFor(statusOf(launchPayload, statuseval.Blocked) == statuseval.Pass), true, "", constants.Integrator))
	if statusOf(launchPayload, statuseval.Blocked) != statuseval.Pass {
		return earlyStop("launch blocked")
	}

	// Dispatch, only when a launcher is configured; otherwise the workers
	// are assumed to run out-of-band and the DONE wait happens in
	// bundle-validate consumers.
	if len(opts.Launcher) > 0 && !opts.DryRun {
		dispatchReport := dispatch.Run(ctx, cfg, chosenRunID, dispatch.Options{
			Launcher: opts.Launcher,
			Workers:  opts.Workers,
		})
		stages["dispatch"] = dispatchReport
		_, _ = rt.Ledger.Append(ledger.Event{
			RunID:      chosenRunID,
			EventType:  "LAUNCH_RESULT",
			Actor:      constants.Integrator,
			FileCounts: map[string]int{"workers": len(opts.Workers)},
			RC:         statuseval.ExitCode(dispatchReport.Status),
			Details:    map[string]any{"status": dispatchReport.Status, "kind": "factory"},
		})
		stageChecks = append(stageChecks, statuseval.MakeCheck("dispatch",
			rcFor(dispatchReport.Status == statuseval.Pass), true, "", constants.Integrator))
		if dispatchReport.Status != statuseval.Pass {
			return earlyStop("dispatch blocked")
		}
	}

	// Bundle validation.
	validation := contracts.ValidateRun(cfg, chosenRunID, opts.Workers)
	_, _ = rt.Ledger.Append(ledger.Event{
		RunID:      chosenRunID,
		EventType:  "BUNDLE_VALIDATED",
		Actor:      constants.Integrator,
		FileCounts: map[string]int{"workers": len(opts.Workers)},
		RC:         statuseval.ExitCode(statusOf(validation, statuseval.Blocked)),
		Details:    map[string]any{"status": statusOf(validation, statuseval.Blocked), "kind": "factory"},
	})
	stages["bundle_validate"] = validation
	stageChecks = append(stageChecks, statuseval.MakeCheck("bundle_validate",
		rcFor(statusOf(validation, statuseval.Blocked) == statuseval.Pass), true, "", constants.Integrator))
	if statusOf(validation, statuseval.Blocked) != statuseval.Pass {
		return earlyStop("bundle validation blocked")
	}

	// Integration.
	integration := integrator.Run(ctx, cfg, rt.Ledger, chosenRunID, opts.Workers, nil)
	stages["integrate"] = integration
	stageChecks = append(stageChecks, statuseval.MakeCheck("integrate",
		rcFor(integration.Status == statuseval.Pass), true, "", constants.Integrator))

	// Run-end worktree invariant: still exactly the fixed set.
	invariant := worktrees.CheckInvariant(cfg, constants.Workers)
	stages["worktrees_invariant"] = invariant
	stageChecks = append(stageChecks, statuseval.MakeCheck("worktrees_invariant",
		rcFor(invariant.Status == statuseval.Pass), true, "", constants.Integrator))

	evaluation := statuseval.Evaluate(stageChecks, nil, nil, nil, nil)

	stagesSeed, _ := json.Marshal(stages)
	digest := sha256.Sum256(stagesSeed)
	_, _ = rt.Ledger.Append(ledger.Event{
		RunID:      chosenRunID,
		EventType:  "ONESHOT_SUMMARY",
		Actor:      constants.Integrator,
		FileCounts: map[string]int{"workers": len(opts.Workers)},
		Hashes:     map[string]string{"summary_sha256": hex.EncodeToString(digest[:])},
		RC:         evaluation.ExitCode,
		Details: map[string]any{
			"kind":         "factory",
			"status":       evaluation.Status,
			"run_id":       chosenRunID,
			"workers":      opts.Workers,
			"final_report": integration.Report,
			"dry_run":      opts.DryRun,
		},
	})

	return map[string]any{
		"status": evaluation.Status,
		"run_id": chosenRunID,
		"stages": stages,
		"summary": map[string]any{
			"final_report":    integration.Report,
			"required_checks": evaluation.RequiredChecks,
		},
	}
}

func countOf(raw any) int {
	if items, ok := raw.([]any); ok {
		return len(items)
	}
	if items, ok := raw.([]preflight.Check); ok {
		return len(items)
	}
	return 0
}
