// Package integrator runs the merge pipeline for one run: validate worker
// bundles, detect overlaps and scope violations, merge declarations and
// patches, run the meaningful-execution gate, and write the final report
// and attestations. Every write goes through a Write Guard bound to the
// run root, and the pipeline always produces a complete report: BLOCKED
// runs list their blockers, internal failures still write a minimal
// STATUS.json and append RUN_END.
package integrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hitechos/factory/pkg/attest"
	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/contracts"
	"github.com/hitechos/factory/pkg/gate"
	"github.com/hitechos/factory/pkg/ledger"
	"github.com/hitechos/factory/pkg/logger"
	"github.com/hitechos/factory/pkg/overlap"
	"github.com/hitechos/factory/pkg/schemas"
	"github.com/hitechos/factory/pkg/statuseval"
	"github.com/hitechos/factory/pkg/writeguard"
)

var log = logger.New("factory:integrator")

// WorkerInput is one worker's collected bundle content.
type WorkerInput struct {
	Worker       string                     `json:"worker"`
	Bundle       string                     `json:"bundle"`
	Status       string                     `json:"status"`
	Validation   contracts.ValidationResult `json:"validation"`
	FilesChanged []contracts.Change         `json:"files_changed"`
	Summary      string                     `json:"summary"`
	Diff         string                     `json:"-"`
	Noop         bool                       `json:"noop"`
	NoopReason   string                     `json:"noop_reason"`
	NoopAck      string                     `json:"noop_ack"`
}

// Result is the integration outcome handed back to the CLI.
type Result struct {
	RunID               string            `json:"run_id"`
	Status              string            `json:"status"`
	ZDir                string            `json:"z_dir"`
	WorkerBlockers      int               `json:"worker_blockers"`
	OverlapBlockers     int               `json:"overlap_blockers"`
	HiddenOverlaps      int               `json:"hidden_overlap_blockers"`
	InvalidPathBlockers int               `json:"invalid_path_blockers"`
	ScopeBlockers       int               `json:"scope_blockers"`
	Report              string            `json:"report"`
	Attestations        map[string]string `json:"attestations,omitempty"`
	Gate                *gate.Report      `json:"meaningful_gate,omitempty"`
	Error               string            `json:"error,omitempty"`
}

// ExtraWrite lets callers request an additional artifact write; the Write
// Guard decides whether the target is legal.
type ExtraWrite struct {
	Path   string
	IsJSON bool
	JSON   any
	Text   string
}

func collectWorkerInputs(cfg config.Config, runID string, workers []string) []WorkerInput {
	var collected []WorkerInput
	for _, worker := range workers {
		root := contracts.BundleDir(cfg.Paths.RunsDir, runID, worker)
		record := WorkerInput{
			Worker:     worker,
			Bundle:     filepath.ToSlash(root),
			Status:     "MISSING",
			Validation: contracts.ValidateBundle(cfg, runID, worker),
		}
		if _, err := os.Stat(root); err == nil {
			record.Status = "PRESENT"
			var payload contracts.FilesChanged
			if err := contracts.ReadJSONFile(filepath.Join(root, "FILES_CHANGED.json"), &payload); err == nil {
				record.FilesChanged = payload.Changes
				record.Noop = payload.Noop
				record.NoopReason = strings.TrimSpace(payload.NoopReason)
				record.NoopAck = strings.TrimSpace(payload.NoopAck)
			}
			if raw, err := os.ReadFile(filepath.Join(root, "SUMMARY.md")); err == nil {
				record.Summary = strings.TrimSpace(string(raw))
			}
			if raw, err := os.ReadFile(filepath.Join(root, "DIFF.patch")); err == nil {
				record.Diff = string(raw)
			}
		}
		collected = append(collected, record)
	}
	return collected
}

// mergeFilesChanged folds the workers' declarations into the integrator's
// FILES_CHANGED, sorted by (path, owner) with the owner carried per entry.
// When every worker declared a proper NOOP the merged payload is a NOOP
// with the combined reason and ack list.
func mergeFilesChanged(runID string, collected []WorkerInput) contracts.FilesChanged {
	merged := []contracts.Change{}
	type noopRecord struct{ worker, reason string }
	var noops []noopRecord
	for _, item := range collected {
		if item.Noop && item.NoopReason != "" && item.NoopAck != "" {
			noops = append(noops, noopRecord{worker: item.Worker, reason: item.NoopReason})
		}
		for _, change := range item.FilesChanged {
			merged = append(merged, contracts.Change{
				Path:       change.Path,
				ChangeType: orDefault(change.ChangeType, "modified"),
				Owner:      item.Worker,
				Reason:     change.Reason,
				SHA256:     change.SHA256,
			})
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Path != merged[j].Path {
			return merged[i].Path < merged[j].Path
		}
		return merged[i].Owner < merged[j].Owner
	})

	payload := contracts.FilesChanged{
		SchemaVersion: constants.SchemaVersion,
		RunID:         runID,
		Owner:         constants.Integrator,
		Changes:       merged,
	}
	if len(merged) == 0 && len(noops) > 0 && len(noops) == len(collected) {
		sort.Slice(noops, func(i, j int) bool { return noops[i].worker < noops[j].worker })
		var reasons, acks []string
		for _, record := range noops {
			reasons = append(reasons, fmt.Sprintf("%s: %s", record.worker, record.reason))
			acks = append(acks, record.worker)
		}
		payload.Noop = true
		payload.NoopReason = strings.Join(reasons, "; ")
		payload.NoopAck = strings.Join(acks, ",")
	}
	return payload
}

// mergePatch concatenates the workers' diffs with per-worker fences.
func mergePatch(collected []WorkerInput) string {
	var chunks []string
	for _, item := range collected {
		if strings.TrimSpace(item.Diff) == "" {
			continue
		}
		chunks = append(chunks, fmt.Sprintf("# >>> BEGIN %s\n%s\n# <<< END %s\n", item.Worker, strings.TrimRight(item.Diff, "\n"), item.Worker))
	}
	if len(chunks) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.Join(chunks, "\n")) + "\n"
}

func renderMergePlan(runID string, collected []WorkerInput, overlapReport overlap.Report, scopeReport overlap.ScopeReport, requiredChecks []statuseval.Check) string {
	lines := []string{fmt.Sprintf("# Merge Plan: %s", runID), "", "## Worker Inputs"}
	for _, item := range collected {
		lines = append(lines, fmt.Sprintf("- %s: %s (%d errors)", item.Worker, item.Validation.Status, len(item.Validation.Errors)))
	}
	lines = append(lines, "", "## Required Checks")
	for _, check := range requiredChecks {
		lines = append(lines, fmt.Sprintf("- %s: %s (rc=%d)", check.Name, check.Status, check.RC))
	}
	lines = append(lines, "", "## Overlap Report")
	if len(overlapReport.Overlaps) == 0 {
		lines = append(lines, "- None")
	}
	for _, item := range overlapReport.Overlaps {
		lines = append(lines, fmt.Sprintf("- %s: %s (%s)", item.Status, item.Path, strings.Join(item.Workers, ", ")))
	}
	lines = append(lines, "", "## Scope Violations")
	if len(scopeReport.Violations) == 0 {
		lines = append(lines, "- None")
	}
	for _, item := range scopeReport.Violations {
		lines = append(lines, fmt.Sprintf("- %s: %s (%s)", item.Worker, item.Path, item.Rule))
	}
	return strings.Join(lines, "\n") + "\n"
}

type reportInputs struct {
	runID           string
	collected       []WorkerInput
	overlapReport   overlap.Report
	scopeReport     overlap.ScopeReport
	finalStatus     string
	requiredChecks  []statuseval.Check
	contractVersion int
	schemaErrors    []string
	policyErrors    []string
	internalErrors  []string
	ledgerSignature ledger.SignatureReport
	gateReport      *gate.Report
}

func renderFinalReport(in reportInputs) string {
	gateVerdict := "N/A"
	gateNoop := false
	if in.gateReport != nil {
		gateVerdict = in.gateReport.Verdict
		gateNoop = in.gateReport.Noop
	}
	lines := []string{
		fmt.Sprintf("# FINAL_REPORT - %s", in.runID),
		"",
		"## Summary",
		fmt.Sprintf("- Final status: %s", in.finalStatus),
		fmt.Sprintf("- Contract version: %d", in.contractVersion),
		fmt.Sprintf("- Worker bundles processed: %d", len(in.collected)),
		fmt.Sprintf("- Overlap conflicts: %d", in.overlapReport.Blocked),
		fmt.Sprintf("- Scope violations: %d", in.scopeReport.Blocked),
		fmt.Sprintf("- Hidden overlaps: %d", len(in.overlapReport.HiddenOverlaps)),
		fmt.Sprintf("- Invalid FILES_CHANGED paths: %d", len(in.overlapReport.InvalidPaths)),
		fmt.Sprintf("- Meaningful gate verdict: %s", gateVerdict),
		fmt.Sprintf("- NOOP declared: %t", gateNoop),
		"",
		"## Required Checks",
	}
	for _, check := range in.requiredChecks {
		lines = append(lines, fmt.Sprintf("- %s: %s (rc=%d)", check.Name, check.Status, check.RC))
	}

	lines = append(lines, "", "## Inputs")
	for _, item := range in.collected {
		lines = append(lines, fmt.Sprintf("- %s: %s | errors=%d | bundle=%s",
			item.Worker, item.Validation.Status, len(item.Validation.Errors), item.Bundle))
	}

	lines = append(lines, "", "## Worker Summaries")
	for _, item := range in.collected {
		lines = append(lines, fmt.Sprintf("### %s", item.Worker))
		if item.Summary != "" {
			lines = append(lines, item.Summary)
		} else {
			lines = append(lines, "- No summary provided")
		}
		lines = append(lines, "")
	}

	lines = append(lines, "## Blocking Conditions")
	blockerSet := map[string]bool{}
	for _, item := range in.collected {
		for _, detail := range item.Validation.Errors {
			blockerSet[fmt.Sprintf("%s: %s", item.Worker, detail)] = true
		}
	}
	for _, item := range in.overlapReport.Overlaps {
		if item.Status == constants.StatusBlocked {
			blockerSet[fmt.Sprintf("overlap: %s (%s)", item.Path, strings.Join(item.Workers, ", "))] = true
		}
	}
	for _, item := range in.overlapReport.HiddenOverlaps {
		blockerSet[fmt.Sprintf("hidden_overlap: %s %s", item.Worker, item.Path)] = true
	}
	for _, item := range in.overlapReport.InvalidPaths {
		blockerSet[fmt.Sprintf("invalid_path: %s %s", item.Worker, item.Path)] = true
	}
	for _, item := range in.scopeReport.Violations {
		blockerSet[fmt.Sprintf("scope: %s %s", item.Worker, item.Path)] = true
	}
	for _, item := range in.schemaErrors {
		blockerSet["schema: "+item] = true
	}
	for _, item := range in.policyErrors {
		blockerSet["policy: "+item] = true
	}
	for _, item := range in.internalErrors {
		blockerSet["internal: "+item] = true
	}
	if in.gateReport != nil {
		for _, mode := range in.gateReport.FailModes {
			blockerSet["meaningful_gate: "+mode] = true
		}
	}
	if len(blockerSet) == 0 {
		lines = append(lines, "- None")
	} else {
		var blockers []string
		for blocker := range blockerSet {
			blockers = append(blockers, blocker)
		}
		sort.Strings(blockers)
		for _, blocker := range blockers {
			lines = append(lines, "- "+blocker)
		}
	}

	lines = append(lines,
		"",
		"## Ledger Signature",
		fmt.Sprintf("- Status: %s", orDefault(in.ledgerSignature.Status, "UNKNOWN")),
		fmt.Sprintf("- Signature file: %s", in.ledgerSignature.Signature),
		"",
		"## NEXT ACTION",
		"- If BLOCKED: resolve overlap/scope/policy issues and rerun integration.",
		"- If FAIL: inspect logs and fix internal factory errors.",
		"- If PASS: run project-level validation and publish the run report.",
		"- If PASS with NOOP: do not count as phase progress; record explicit noop rationale.",
	)
	return strings.Join(lines, "\n") + "\n"
}

func buildLogIndex(runID string, rc int) contracts.LogIndex {
	return contracts.LogIndex{
		SchemaVersion: constants.SchemaVersion,
		RunID:         runID,
		Owner:         constants.Integrator,
		Logs: []contracts.LogEntry{
			{Name: "integration", Path: "LOGS/integration.log.txt", RC: rc},
		},
	}
}

func buildStatusPayload(runID, finalStatus, startedAt, endedAt string, evaluation statuseval.Evaluation, errors, warnings []any, noop bool, noopReason, noopAck string) map[string]any {
	return map[string]any{
		"schema_version":   constants.SchemaVersion,
		"contract_version": constants.ContractVersion,
		"run_id":           runID,
		"worker_id":        constants.Integrator,
		"status":           finalStatus,
		"noop":             noop,
		"noop_reason":      noopReason,
		"noop_ack":         noopAck,
		"started_at":       startedAt,
		"ended_at":         endedAt,
		"required_checks":  evaluation.RequiredChecks,
		"optional_checks":  evaluation.OptionalChecks,
		"errors":           errors,
		"warnings":         warnings,
		"artifacts": []string{
			"FINAL_REPORT.txt",
			"MERGE_PLAN.md",
			"FILES_CHANGED.json",
			"DIFF.patch",
			"LOGS/integration.log.txt",
			"LOGS/INDEX.json",
		},
	}
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func sha256Text(text string) string {
	digest := sha256.Sum256([]byte(text))
	return hex.EncodeToString(digest[:])
}

// Run executes the full integration pipeline for one run.
func Run(ctx context.Context, cfg config.Config, l *ledger.Ledger, runID string, workers []string, extraWrites []ExtraWrite) Result {
	startedAt := ledger.IsoUTC(time.Now())
	runRoot := contracts.RunDir(cfg.Paths.RunsDir, runID)
	zDir := contracts.BundleDir(cfg.Paths.RunsDir, runID, constants.Integrator)
	runLog := filepath.Join(zDir, "LOGS", "integration.log.txt")

	result := Result{
		RunID:  runID,
		ZDir:   filepath.ToSlash(zDir),
		Report: filepath.ToSlash(filepath.Join(zDir, constants.FinalReportFileName)),
	}

	guard, err := writeguard.New(runRoot)
	if err != nil {
		return failResult(cfg, l, runID, result, startedAt, err)
	}
	if _, err := contracts.ScaffoldIntegratorBundle(cfg, runID); err != nil {
		return failResult(cfg, l, runID, result, startedAt, err)
	}

	_, _ = l.Append(ledger.Event{
		TsUTC:     startedAt,
		RunID:     runID,
		EventType: "INTEGRATE_START",
		Actor:     constants.Integrator,
		Details:   map[string]any{"status": constants.StatusPass, "kind": "factory", "workers": workers},
	})
	_ = guard.AppendLine(runLog, fmt.Sprintf("[start] run_id=%s", runID))

	collected := collectWorkerInputs(cfg, runID, workers)
	overlapReport := overlap.DetectFileOverlaps(cfg, runID, workers, cfg.Run.StrictCollisionMode, cfg.Run.AllowIdenticalPatchOverlap)
	scopeReport := overlap.DetectScopeViolations(cfg, runID, workers)
	mergedFiles := mergeFilesChanged(runID, collected)
	mergedPatch := mergePatch(collected)

	workerBlockers := 0
	for _, item := range collected {
		if item.Validation.Status != constants.StatusPass {
			workerBlockers++
		}
	}
	overlapBlockers := 0
	for _, item := range overlapReport.Overlaps {
		if item.Status == constants.StatusBlocked {
			overlapBlockers++
		}
	}
	result.WorkerBlockers = workerBlockers
	result.OverlapBlockers = overlapBlockers
	result.HiddenOverlaps = len(overlapReport.HiddenOverlaps)
	result.InvalidPathBlockers = len(overlapReport.InvalidPaths)
	result.ScopeBlockers = len(scopeReport.Violations)

	var blockers []string
	addBlocker := func(label string, count int) {
		if count > 0 {
			blockers = append(blockers, fmt.Sprintf("%s=%d", label, count))
		}
	}
	addBlocker("worker bundle blockers", workerBlockers)
	addBlocker("overlap blockers", overlapBlockers)
	addBlocker("hidden overlap blockers", len(overlapReport.HiddenOverlaps))
	addBlocker("invalid path blockers", len(overlapReport.InvalidPaths))
	addBlocker("scope blockers", len(scopeReport.Violations))

	requiredChecks := []statuseval.Check{
		statuseval.MakeCheck("worker_bundle_validation", rcFor(workerBlockers == 0), true,
			fmt.Sprintf("workers=%d blockers=%d", len(workers), workerBlockers), constants.Integrator),
		statuseval.MakeCheck("overlap_detection",
			rcFor(overlapBlockers == 0 && len(overlapReport.HiddenOverlaps) == 0 && len(overlapReport.InvalidPaths) == 0), true,
			fmt.Sprintf("blocked=%d hidden=%d invalid_paths=%d strict=%t",
				overlapBlockers, len(overlapReport.HiddenOverlaps), len(overlapReport.InvalidPaths), cfg.Run.StrictCollisionMode),
			constants.Integrator),
		statuseval.MakeCheck("scope_detection", rcFor(len(scopeReport.Violations) == 0), true,
			fmt.Sprintf("blocked=%d", len(scopeReport.Violations)), constants.Integrator),
	}

	var schemaErrors []string
	mergedSchemaErrors := schemas.ValidatePayload("files_changed", mergedFiles)
	for _, item := range mergedSchemaErrors {
		schemaErrors = append(schemaErrors, "FILES_CHANGED.json: "+item)
	}
	requiredChecks = append(requiredChecks, statuseval.MakeCheck(
		"schema_files_changed", rcFor(len(mergedSchemaErrors) == 0), true,
		fmt.Sprintf("errors=%d", len(mergedSchemaErrors)), constants.Integrator))

	evaluation := statuseval.Evaluate(requiredChecks, nil, schemaErrors, blockers, nil)
	endedAt := ledger.IsoUTC(time.Now())
	finalStatus := evaluation.Status

	var errorsList []any
	for _, item := range collected {
		if item.Validation.Status != constants.StatusPass {
			errorsList = append(errorsList, map[string]any{"kind": "bundle", "detail": item.Validation})
		}
	}
	var warningsList []any
	for _, item := range overlapReport.Overlaps {
		if item.Status == constants.StatusWarn {
			warningsList = append(warningsList, map[string]any{"kind": "overlap", "detail": item})
		}
	}
	if errorsList == nil {
		errorsList = []any{}
	}
	if warningsList == nil {
		warningsList = []any{}
	}

	statusPayload := buildStatusPayload(runID, finalStatus, startedAt, endedAt, evaluation, errorsList, warningsList,
		mergedFiles.Noop, mergedFiles.NoopReason, mergedFiles.NoopAck)

	statusSchemaErrors := schemas.ValidatePayload("integrator_status", statusPayload)
	for _, item := range statusSchemaErrors {
		schemaErrors = append(schemaErrors, "STATUS.json: "+item)
	}
	requiredChecks = append(requiredChecks, statuseval.MakeCheck(
		"schema_integrator_status", rcFor(len(statusSchemaErrors) == 0), true, "", constants.Integrator))

	logIndexPayload := buildLogIndex(runID, statuseval.ExitCode(finalStatus))
	logSchemaErrors := schemas.ValidatePayload("log_index", logIndexPayload)
	for _, item := range logSchemaErrors {
		schemaErrors = append(schemaErrors, "LOGS/INDEX.json: "+item)
	}
	requiredChecks = append(requiredChecks, statuseval.MakeCheck(
		"schema_log_index", rcFor(len(logSchemaErrors) == 0), true, "", constants.Integrator))

	// Re-evaluate with the schema checks folded in.
	evaluation = statuseval.Evaluate(requiredChecks, nil, schemaErrors, blockers, nil)
	finalStatus = evaluation.Status
	statusPayload["status"] = finalStatus
	statusPayload["required_checks"] = evaluation.RequiredChecks
	statusPayload["optional_checks"] = evaluation.OptionalChecks
	logIndexPayload = buildLogIndex(runID, statuseval.ExitCode(finalStatus))

	mergePlan := renderMergePlan(runID, collected, overlapReport, scopeReport, evaluation.RequiredChecks)
	finalReport := renderFinalReport(reportInputs{
		runID:           runID,
		collected:       collected,
		overlapReport:   overlapReport,
		scopeReport:     scopeReport,
		finalStatus:     finalStatus,
		requiredChecks:  evaluation.RequiredChecks,
		contractVersion: cfg.ContractVersion,
		schemaErrors:    schemaErrors,
	})

	// First write pass; a write-policy refusal becomes a required check
	// and the report is re-rendered listing it.
	var policyErrors []string
	writeAll := func(report string, logIndex contracts.LogIndex, extras []ExtraWrite) {
		writes := []struct {
			path string
			json bool
			data any
			text string
		}{
			{path: filepath.Join(zDir, "FILES_CHANGED.json"), json: true, data: mergedFiles},
			{path: filepath.Join(zDir, "DIFF.patch"), text: mergedPatch},
			{path: filepath.Join(zDir, constants.MergePlanFileName), text: mergePlan},
			{path: filepath.Join(zDir, constants.FinalReportFileName), text: report},
			{path: filepath.Join(zDir, "STATUS.json"), json: true, data: statusPayload},
			{path: filepath.Join(zDir, "LOGS", "INDEX.json"), json: true, data: logIndex},
		}
		for _, write := range writes {
			var writeErr error
			if write.json {
				writeErr = guard.WriteJSON(write.path, write.data)
			} else {
				writeErr = guard.WriteText(write.path, write.text)
			}
			if writeErr != nil {
				policyErrors = append(policyErrors, writeErr.Error())
			}
		}
		for _, extra := range extras {
			var writeErr error
			if extra.IsJSON {
				writeErr = guard.WriteJSON(extra.Path, extra.JSON)
			} else {
				writeErr = guard.WriteText(extra.Path, extra.Text)
			}
			if writeErr != nil {
				policyErrors = append(policyErrors, writeErr.Error())
			}
		}
	}
	writeAll(finalReport, logIndexPayload, extraWrites)

	if len(policyErrors) > 0 {
		requiredChecks = append(requiredChecks, statuseval.Check{
			Name: "z_write_policy", Status: constants.StatusBlocked, RC: 2,
			Required: true, Detail: policyErrors[0], Actor: constants.Integrator,
		})
		evaluation = statuseval.Evaluate(requiredChecks, nil, schemaErrors, append(blockers, policyErrors...), nil)
		finalStatus = evaluation.Status
		statusPayload["status"] = finalStatus
		statusPayload["required_checks"] = evaluation.RequiredChecks
		finalReport = renderFinalReport(reportInputs{
			runID:           runID,
			collected:       collected,
			overlapReport:   overlapReport,
			scopeReport:     scopeReport,
			finalStatus:     finalStatus,
			requiredChecks:  evaluation.RequiredChecks,
			contractVersion: cfg.ContractVersion,
			schemaErrors:    schemaErrors,
			policyErrors:    policyErrors,
		})
		writeAll(finalReport, buildLogIndex(runID, statuseval.ExitCode(finalStatus)), nil)
	}

	// Meaningful-execution gate over the merged outputs.
	gateReport, gateErr := gate.Run(ctx, runID, gate.Options{
		RepoRoot:     cfg.Paths.RepoRoot,
		RunsDir:      cfg.Paths.RunsDir,
		WriteOutputs: true,
	})
	if gateErr != nil {
		return failResult(cfg, l, runID, result, startedAt, gateErr)
	}
	result.Gate = &gateReport
	gateRC := 0
	if gateReport.Verdict != constants.StatusPass && gateReport.Verdict != constants.StatusWarn {
		gateRC = 2
	}
	gateDetail := "<none>"
	if len(gateReport.FailModes) > 0 {
		gateDetail = strings.Join(gateReport.FailModes, ",")
	}
	requiredChecks = append(requiredChecks, statuseval.MakeCheck(
		"meaningful_execution_gate", gateRC, true,
		fmt.Sprintf("verdict=%s fail_modes=%s", gateReport.Verdict, gateDetail), constants.Integrator))

	var gateBlockers []string
	for _, mode := range gateReport.FailModes {
		gateBlockers = append(gateBlockers, "meaningful_gate:"+mode)
	}
	if gateRC != 0 && len(gateBlockers) == 0 {
		gateBlockers = append(gateBlockers, "meaningful_gate:"+gateReport.Verdict)
	}

	evaluation = statuseval.Evaluate(requiredChecks, nil, schemaErrors, append(append(blockers, policyErrors...), gateBlockers...), nil)
	finalStatus = evaluation.Status
	statusPayload["status"] = finalStatus
	statusPayload["required_checks"] = evaluation.RequiredChecks
	statusPayload["optional_checks"] = evaluation.OptionalChecks
	statusPayload["noop"] = gateReport.Noop
	statusPayload["noop_reason"] = gateReport.NoopReason
	statusPayload["noop_ack"] = gateReport.NoopAck

	finalReport = renderFinalReport(reportInputs{
		runID:           runID,
		collected:       collected,
		overlapReport:   overlapReport,
		scopeReport:     scopeReport,
		finalStatus:     finalStatus,
		requiredChecks:  evaluation.RequiredChecks,
		contractVersion: cfg.ContractVersion,
		schemaErrors:    schemaErrors,
		policyErrors:    policyErrors,
		gateReport:      &gateReport,
	})
	if err := guard.WriteJSON(filepath.Join(zDir, "STATUS.json"), statusPayload); err != nil {
		return failResult(cfg, l, runID, result, startedAt, err)
	}
	if err := guard.WriteJSON(filepath.Join(zDir, "LOGS", "INDEX.json"), buildLogIndex(runID, statuseval.ExitCode(finalStatus))); err != nil {
		return failResult(cfg, l, runID, result, startedAt, err)
	}
	_ = guard.AppendLine(runLog, fmt.Sprintf("[done] final_status=%s", finalStatus))

	// The report embeds the ledger-signature status, and the attestation
	// manifest hashes the report, so the order is: sign-check, render,
	// write, attest.
	ledgerSignature := l.VerifySignature()
	finalReport = renderFinalReport(reportInputs{
		runID:           runID,
		collected:       collected,
		overlapReport:   overlapReport,
		scopeReport:     scopeReport,
		finalStatus:     finalStatus,
		requiredChecks:  evaluation.RequiredChecks,
		contractVersion: cfg.ContractVersion,
		schemaErrors:    schemaErrors,
		policyErrors:    policyErrors,
		internalErrors:  nil,
		ledgerSignature: ledgerSignature,
		gateReport:      &gateReport,
	})
	if err := guard.WriteText(filepath.Join(zDir, constants.FinalReportFileName), finalReport); err != nil {
		return failResult(cfg, l, runID, result, startedAt, err)
	}
	attestations, err := attest.WriteAll(cfg.Paths.RunsDir, runID)
	if err != nil {
		return failResult(cfg, l, runID, result, startedAt, err)
	}
	result.Attestations = attestations

	reportHash := sha256Text(finalReport)
	_, _ = l.Append(ledger.Event{
		TsUTC:     endedAt,
		RunID:     runID,
		EventType: "REPORT_WRITTEN",
		Actor:     constants.Integrator,
		FileCounts: map[string]int{
			"workers":      len(workers),
			"merged_files": len(mergedFiles.Changes),
		},
		Hashes: map[string]string{"final_report_sha256": reportHash},
		RC:     statuseval.ExitCode(finalStatus),
		Details: map[string]any{
			"kind":                    "factory",
			"status":                  finalStatus,
			"workers":                 workers,
			"worker_blockers":         workerBlockers,
			"overlap_blockers":        overlapBlockers,
			"scope_blockers":          len(scopeReport.Violations),
			"report":                  result.Report,
			"path":                    filepath.ToSlash(runRoot),
			"attestations":            attestations,
			"meaningful_gate":         gateReport.Outputs,
			"meaningful_gate_verdict": gateReport.Verdict,
		},
	})
	_, _ = l.Append(ledger.Event{
		TsUTC:      endedAt,
		RunID:      runID,
		EventType:  "RUN_END",
		Actor:      constants.Integrator,
		FileCounts: map[string]int{"workers": len(workers)},
		Hashes:     map[string]string{"final_report_sha256": reportHash},
		RC:         statuseval.ExitCode(finalStatus),
		Details:    map[string]any{"status": finalStatus, "kind": "factory"},
	})

	result.Status = finalStatus
	log.Printf("integrated run=%s status=%s", runID, finalStatus)
	return result
}

func rcFor(ok bool) int {
	if ok {
		return 0
	}
	return 2
}

// failResult handles an internal pipeline failure: status FAIL, a minimal
// STATUS.json and report are still written, and RUN_END is still appended
// with rc 1.
func failResult(cfg config.Config, l *ledger.Ledger, runID string, result Result, startedAt string, cause error) Result {
	endedAt := ledger.IsoUTC(time.Now())
	detail := cause.Error()
	failureChecks := []statuseval.Check{{
		Name: "integrator_internal_error", Status: constants.StatusBlocked, RC: 1,
		Required: true, Detail: detail, Actor: constants.Integrator,
	}}
	evaluation := statuseval.Evaluate(failureChecks, nil, nil, nil, []string{detail})

	zDir := contracts.BundleDir(cfg.Paths.RunsDir, runID, constants.Integrator)
	statusPayload := buildStatusPayload(runID, evaluation.Status, startedAt, endedAt, evaluation,
		[]any{map[string]any{"kind": "internal", "detail": detail}}, []any{}, false, "", "")
	fallbackReport := renderFinalReport(reportInputs{
		runID:           runID,
		finalStatus:     constants.StatusFail,
		requiredChecks:  evaluation.RequiredChecks,
		contractVersion: cfg.ContractVersion,
		internalErrors:  []string{detail},
	})
	if guard, guardErr := writeguard.New(contracts.RunDir(cfg.Paths.RunsDir, runID)); guardErr == nil {
		_ = guard.WriteText(filepath.Join(zDir, constants.FinalReportFileName), fallbackReport)
		_ = guard.WriteJSON(filepath.Join(zDir, "STATUS.json"), statusPayload)
		_ = guard.WriteJSON(filepath.Join(zDir, "LOGS", "INDEX.json"), buildLogIndex(runID, evaluation.ExitCode))
		_ = guard.AppendLine(filepath.Join(zDir, "LOGS", "integration.log.txt"), fmt.Sprintf("[error] %s", detail))
	}

	_, _ = l.Append(ledger.Event{
		TsUTC:     endedAt,
		RunID:     runID,
		EventType: "RUN_END",
		Actor:     constants.Integrator,
		RC:        evaluation.ExitCode,
		Details: map[string]any{
			"kind":   "factory",
			"status": evaluation.Status,
			"error":  detail,
			"path":   filepath.ToSlash(contracts.RunDir(cfg.Paths.RunsDir, runID)),
		},
	})

	result.Status = evaluation.Status
	result.Error = detail
	return result
}
