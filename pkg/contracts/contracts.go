// Package contracts scaffolds and validates per-worker and integrator
// bundles. Validation is two-phase: shape (required files exist) then
// schema; shape failures short-circuit the schema phase.
package contracts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/schemas"
	"github.com/hitechos/factory/pkg/writeguard"
)

// RunDir returns the directory for one run.
func RunDir(runsDir, runID string) string {
	return filepath.Join(runsDir, runID)
}

// BundleDir returns the bundle directory for one worker (or the
// integrator) within a run.
func BundleDir(runsDir, runID, worker string) string {
	return filepath.Join(runsDir, runID, worker)
}

// ReadJSONFile decodes a JSON artifact into out.
func ReadJSONFile(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// WriteJSONFile writes a payload in the canonical artifact format.
func WriteJSONFile(path string, payload any) error {
	rendered, err := writeguard.MarshalCanonical(payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return os.WriteFile(path, []byte(rendered), 0o644)
}

func writeTextFile(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return os.WriteFile(path, []byte(text), 0o644)
}

// StatusPayload is the shape of STATUS.json for workers and integrator.
type StatusPayload struct {
	SchemaVersion   int    `json:"schema_version"`
	ContractVersion int    `json:"contract_version"`
	RunID           string `json:"run_id"`
	WorkerID        string `json:"worker_id"`
	Status          string `json:"status"`
	Noop            bool   `json:"noop"`
	NoopReason      string `json:"noop_reason"`
	NoopAck         string `json:"noop_ack"`
	StartedAt       string `json:"started_at"`
	EndedAt         string `json:"ended_at"`
	RequiredChecks  []any  `json:"required_checks"`
	OptionalChecks  []any  `json:"optional_checks"`
	Errors          []any  `json:"errors"`
	Warnings        []any  `json:"warnings"`
	Artifacts       []any  `json:"artifacts"`
}

// Change is one declared file change.
type Change struct {
	Path       string `json:"path"`
	ChangeType string `json:"change_type"`
	Owner      string `json:"owner,omitempty"`
	Reason     string `json:"reason"`
	SHA256     string `json:"sha256"`
}

// FilesChanged is the shape of FILES_CHANGED.json.
type FilesChanged struct {
	SchemaVersion int      `json:"schema_version"`
	RunID         string   `json:"run_id"`
	Owner         string   `json:"owner"`
	Changes       []Change `json:"changes"`
	Noop          bool     `json:"noop"`
	NoopReason    string   `json:"noop_reason"`
	NoopAck       string   `json:"noop_ack"`
}

// ScopeLock is the shape of SCOPE_LOCK.json.
type ScopeLock struct {
	SchemaVersion    int      `json:"schema_version"`
	RunID            string   `json:"run_id"`
	WorkerID         string   `json:"worker_id"`
	AllowedGlobs     []string `json:"allowed_globs"`
	BlockedGlobs     []string `json:"blocked_globs"`
	AllowSharedPaths []string `json:"allow_shared_paths"`
}

// LogEntry is one entry in LOGS/INDEX.json.
type LogEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	RC   int    `json:"rc"`
}

// LogIndex is the shape of LOGS/INDEX.json.
type LogIndex struct {
	SchemaVersion int        `json:"schema_version"`
	RunID         string     `json:"run_id"`
	Owner         string     `json:"owner"`
	Logs          []LogEntry `json:"logs"`
}

// HandoffNote is the shape of HANDOFF_NOTE.json.
type HandoffNote struct {
	SchemaVersion int      `json:"schema_version"`
	RunID         string   `json:"run_id"`
	WorkerID      string   `json:"worker_id"`
	Summary       string   `json:"summary"`
	Decisions     []string `json:"decisions"`
	Risks         []string `json:"risks"`
	NextActions   []string `json:"next_actions"`
}

func defaultStatus(runID, worker string) StatusPayload {
	return StatusPayload{
		SchemaVersion:   constants.SchemaVersion,
		ContractVersion: constants.ContractVersion,
		RunID:           runID,
		WorkerID:        worker,
		Status:          constants.StatusPending,
		RequiredChecks:  []any{},
		OptionalChecks:  []any{},
		Errors:          []any{},
		Warnings:        []any{},
		Artifacts:       []any{},
	}
}

func defaultFilesChanged(runID, worker, reason string) FilesChanged {
	return FilesChanged{
		SchemaVersion: constants.SchemaVersion,
		RunID:         runID,
		Owner:         worker,
		Changes:       []Change{},
		Noop:          true,
		NoopReason:    reason,
		NoopAck:       worker,
	}
}

func defaultScopeLock(cfg config.Config, runID, worker string) ScopeLock {
	allowed := cfg.Workers.AllowlistGlobs[worker]
	blocked := cfg.Workers.DenylistGlobs[worker]
	if allowed == nil {
		allowed = []string{}
	}
	if blocked == nil {
		blocked = []string{}
	}
	return ScopeLock{
		SchemaVersion:    constants.SchemaVersion,
		RunID:            runID,
		WorkerID:         worker,
		AllowedGlobs:     allowed,
		BlockedGlobs:     blocked,
		AllowSharedPaths: []string{},
	}
}

// ScaffoldResult reports what a scaffold call created.
type ScaffoldResult struct {
	Worker    string   `json:"worker"`
	BundleDir string   `json:"bundle_dir"`
	Created   []string `json:"created"`
}

// ScaffoldWorkerBundle writes stub artifacts for one worker. Existing
// files are left alone, which keeps re-scaffolding idempotent.
func ScaffoldWorkerBundle(cfg config.Config, runID, worker string) (ScaffoldResult, error) {
	target := BundleDir(cfg.Paths.RunsDir, runID, worker)
	var created []string

	jsonFiles := map[string]any{
		"STATUS.json":        defaultStatus(runID, worker),
		"FILES_CHANGED.json": defaultFilesChanged(runID, worker, "scaffold placeholder: worker has not declared changes"),
		"SCOPE_LOCK.json":    defaultScopeLock(cfg, runID, worker),
		"HANDOFF_NOTE.json": HandoffNote{
			SchemaVersion: constants.SchemaVersion,
			RunID:         runID,
			WorkerID:      worker,
			Decisions:     []string{},
			Risks:         []string{},
			NextActions:   []string{},
		},
		"LOGS/INDEX.json": LogIndex{
			SchemaVersion: constants.SchemaVersion,
			RunID:         runID,
			Owner:         worker,
			Logs:          []LogEntry{},
		},
	}
	textFiles := map[string]string{
		"SUMMARY.md":     fmt.Sprintf("# %s Summary\n\n- Run ID: `%s`\n- Worker: `%s`\n- Status: pending\n", worker, runID, worker),
		"SUGGESTIONS.md": fmt.Sprintf("# %s Suggestions\n\n- None yet.\n", worker),
		"DIFF.patch":     "",
	}

	for name, payload := range jsonFiles {
		path := filepath.Join(target, filepath.FromSlash(name))
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := WriteJSONFile(path, payload); err != nil {
			return ScaffoldResult{}, err
		}
		created = append(created, filepath.ToSlash(path))
	}
	for name, text := range textFiles {
		path := filepath.Join(target, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := writeTextFile(path, text); err != nil {
			return ScaffoldResult{}, err
		}
		created = append(created, filepath.ToSlash(path))
	}

	sort.Strings(created)
	return ScaffoldResult{Worker: worker, BundleDir: filepath.ToSlash(target), Created: created}, nil
}

// ScaffoldIntegratorBundle writes the integrator's stub artifacts.
func ScaffoldIntegratorBundle(cfg config.Config, runID string) (ScaffoldResult, error) {
	worker := constants.Integrator
	target := BundleDir(cfg.Paths.RunsDir, runID, worker)
	var created []string

	jsonFiles := map[string]any{
		"STATUS.json":        defaultStatus(runID, worker),
		"FILES_CHANGED.json": defaultFilesChanged(runID, worker, "scaffold placeholder: integrator has not declared changes"),
		"LOGS/INDEX.json": LogIndex{
			SchemaVersion: constants.SchemaVersion,
			RunID:         runID,
			Owner:         worker,
			Logs:          []LogEntry{},
		},
	}
	textFiles := map[string]string{
		"FINAL_REPORT.txt": "# Final Report\n\nPending integration.\n",
		"MERGE_PLAN.md":    "# Merge Plan\n\nPending integration.\n",
		"DIFF.patch":       "",
	}

	for name, payload := range jsonFiles {
		path := filepath.Join(target, filepath.FromSlash(name))
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := WriteJSONFile(path, payload); err != nil {
			return ScaffoldResult{}, err
		}
		created = append(created, filepath.ToSlash(path))
	}
	for name, text := range textFiles {
		path := filepath.Join(target, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := writeTextFile(path, text); err != nil {
			return ScaffoldResult{}, err
		}
		created = append(created, filepath.ToSlash(path))
	}

	sort.Strings(created)
	return ScaffoldResult{Worker: worker, BundleDir: filepath.ToSlash(target), Created: created}, nil
}

// ScaffoldAll scaffolds every worker bundle plus the integrator bundle.
func ScaffoldAll(cfg config.Config, runID string, workers []string) (map[string]any, error) {
	var workerResults []ScaffoldResult
	for _, worker := range workers {
		result, err := ScaffoldWorkerBundle(cfg, runID, worker)
		if err != nil {
			return nil, err
		}
		workerResults = append(workerResults, result)
	}
	integrator, err := ScaffoldIntegratorBundle(cfg, runID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"run_id":     runID,
		"workers":    workerResults,
		"integrator": integrator,
	}, nil
}

// ValidateShape checks that every required artifact exists.
func ValidateShape(cfg config.Config, runID, worker string) []string {
	target := BundleDir(cfg.Paths.RunsDir, runID, worker)
	required := cfg.Workers.RequiredWorkerFiles
	if worker == constants.Integrator {
		required = cfg.Workers.RequiredIntegratorFiles
	}
	if _, err := os.Stat(target); err != nil {
		return []string{fmt.Sprintf("missing bundle directory: %s", filepath.ToSlash(target))}
	}
	var errors []string
	for _, name := range required {
		path := filepath.Join(target, filepath.FromSlash(name))
		if _, err := os.Stat(path); err != nil {
			errors = append(errors, fmt.Sprintf("missing required artifact: %s", filepath.ToSlash(path)))
		}
	}
	return errors
}

// ValidateSchemas validates each JSON artifact that exists against its
// registered schema.
func ValidateSchemas(cfg config.Config, runID, worker string) []string {
	target := BundleDir(cfg.Paths.RunsDir, runID, worker)
	var errors []string

	check := func(rel, schemaName string) {
		path := filepath.Join(target, filepath.FromSlash(rel))
		raw, err := os.ReadFile(path)
		if err != nil {
			return
		}
		for _, item := range schemas.ValidateRaw(schemaName, raw) {
			errors = append(errors, fmt.Sprintf("%s: %s", rel, item))
		}
	}

	statusSchema := "worker_bundle_status"
	if worker == constants.Integrator {
		statusSchema = "integrator_status"
	}
	check("STATUS.json", statusSchema)
	check("FILES_CHANGED.json", "files_changed")
	if worker != constants.Integrator {
		check("SCOPE_LOCK.json", "scope_lock")
		check("HANDOFF_NOTE.json", "handoff_note")
	}
	check("LOGS/INDEX.json", "log_index")
	return errors
}

// ValidationResult is the two-phase validation outcome for one bundle.
type ValidationResult struct {
	RunID  string   `json:"run_id"`
	Worker string   `json:"worker"`
	Status string   `json:"status"`
	Errors []string `json:"errors"`
}

// ValidateBundle runs shape then schema validation for one bundle.
func ValidateBundle(cfg config.Config, runID, worker string) ValidationResult {
	shapeErrors := ValidateShape(cfg, runID, worker)
	var schemaErrors []string
	if len(shapeErrors) == 0 {
		schemaErrors = ValidateSchemas(cfg, runID, worker)
	}
	all := append(append([]string{}, shapeErrors...), schemaErrors...)
	status := constants.StatusPass
	if len(all) > 0 {
		status = constants.StatusBlocked
	}
	if all == nil {
		all = []string{}
	}
	return ValidationResult{RunID: runID, Worker: worker, Status: status, Errors: all}
}

// ValidateRun validates every worker bundle plus the integrator bundle.
func ValidateRun(cfg config.Config, runID string, workers []string) map[string]any {
	var results []ValidationResult
	blocked := 0
	for _, worker := range workers {
		result := ValidateBundle(cfg, runID, worker)
		if result.Status != constants.StatusPass {
			blocked++
		}
		results = append(results, result)
	}
	integratorResult := ValidateBundle(cfg, runID, constants.Integrator)
	if integratorResult.Status != constants.StatusPass {
		blocked++
	}
	results = append(results, integratorResult)

	status := constants.StatusPass
	if blocked > 0 {
		status = constants.StatusBlocked
	}
	return map[string]any{
		"run_id":  runID,
		"status":  status,
		"results": results,
		"blocked": blocked,
	}
}

// LoadRegistry reads and validates the contracts registry file.
func LoadRegistry(repoRoot string) (map[string]any, error) {
	path := filepath.Join(repoRoot, filepath.FromSlash(constants.ContractsDirRel), "contracts_registry.json")
	var payload map[string]any
	if err := ReadJSONFile(path, &payload); err != nil {
		return nil, fmt.Errorf("failed to load contracts registry: %w", err)
	}
	if errs := schemas.ValidatePayload("contracts_registry", payload); len(errs) > 0 {
		return nil, fmt.Errorf("contracts registry invalid:\n%s", strings.Join(errs, "\n"))
	}
	return payload, nil
}
