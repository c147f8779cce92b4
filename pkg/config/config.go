// Package config loads the factory configuration from explicit named
// layers (defaults, config file, FACTORY_ environment variables, CLI
// overrides) deep-merged in that order and schema-validated once at the
// boundary.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/schemas"
	"github.com/hitechos/factory/pkg/writeguard"
)

// EnvPrefix is the prefix for configuration environment variables. A
// double underscore descends into a section; a single underscore stays
// within a key (FACTORY_RUN__BASE_REF -> run.base_ref).
const EnvPrefix = "FACTORY_"

// Reserved env names handled outside the generic mapping.
var ignoredEnvKeys = map[string]bool{
	"FACTORY_WORKTREE_MODE":       true,
	"FACTORY_WORKER_DONE_TIMEOUT": true,
	"FACTORY_EDITOR_CLEAN":        true,
	"FACTORY_EDITOR_NUKE":         true,
	"FACTORY_TORTURE_MODE":        true,
}

// Run holds run-behavior settings.
type Run struct {
	Kind                         string `json:"kind"`
	RunPrefix                    string `json:"run_prefix"`
	BranchPrefix                 string `json:"branch_prefix"`
	BaseRef                      string `json:"base_ref"`
	StrictCollisionMode          bool   `json:"strict_collision_mode"`
	AllowIdenticalPatchOverlap   bool   `json:"allow_identical_patch_overlap"`
	QuarantineOnSuspiciousBundle bool   `json:"quarantine_on_suspicious_bundle"`
}

// Paths holds the directory layout.
type Paths struct {
	RepoRoot      string `json:"repo_root"`
	RunsDir       string `json:"runs_dir"`
	WorktreesDir  string `json:"worktrees_dir"`
	PromptsDir    string `json:"prompts_dir"`
	PromptZipsDir string `json:"prompt_zips_dir"`
}

// Workers holds bundle contracts and per-worker scope defaults.
type Workers struct {
	RequiredWorkerFiles     []string            `json:"required_worker_files"`
	RequiredIntegratorFiles []string            `json:"required_integrator_files"`
	AllowlistGlobs          map[string][]string `json:"allowlist_globs"`
	DenylistGlobs           map[string][]string `json:"denylist_globs"`
}

// Dispatch holds worker-dispatch tuning.
type Dispatch struct {
	DoneTimeoutSeconds     int     `json:"done_timeout_seconds"`
	PollSeconds            float64 `json:"poll_seconds"`
	BetweenWorkersDelayMS  int     `json:"between_workers_delay_ms"`
	PerWorkerBudgetSeconds int     `json:"per_worker_budget_seconds"`
}

// Security holds hardening toggles.
type Security struct {
	AllowShellExecution      bool `json:"allow_shell_execution"`
	AllowExecutableArtifacts bool `json:"allow_executable_artifacts"`
	SecretScanEnabled        bool `json:"secret_scan_enabled"`
}

// Meta records where the config came from. Not serialized into artifacts.
type Meta struct {
	ConfigPath   string `json:"config_path"`
	ConfigExists bool   `json:"config_exists"`
	EnvPrefix    string `json:"env_prefix"`
	Strict       bool   `json:"strict"`
}

// Config is the merged, typed configuration.
type Config struct {
	SchemaVersion   int             `json:"schema_version"`
	ContractVersion int             `json:"contract_version"`
	Run             Run             `json:"run"`
	Paths           Paths           `json:"paths"`
	Workers         Workers         `json:"workers"`
	Dispatch        Dispatch        `json:"dispatch"`
	Security        Security        `json:"security"`
	FeatureFlags    map[string]bool `json:"feature_flags"`

	Meta             Meta     `json:"-"`
	ValidationErrors []string `json:"-"`
}

// Defaults returns the base layer for a repository root.
func Defaults(repoRoot string) Config {
	return Config{
		SchemaVersion:   2,
		ContractVersion: constants.ContractVersion,
		Run: Run{
			Kind:                         "factory",
			RunPrefix:                    "factory",
			BranchPrefix:                 constants.DefaultBranchPrefix,
			BaseRef:                      "HEAD",
			StrictCollisionMode:          true,
			AllowIdenticalPatchOverlap:   false,
			QuarantineOnSuspiciousBundle: true,
		},
		Paths: Paths{
			RepoRoot:      repoRoot,
			RunsDir:       filepath.Join(repoRoot, filepath.FromSlash(constants.RunsDirRel)),
			WorktreesDir:  filepath.Join(repoRoot, filepath.FromSlash(constants.WorktreesDirRel)),
			PromptsDir:    filepath.Join(repoRoot, filepath.FromSlash(constants.PromptsDirRel)),
			PromptZipsDir: filepath.Join(repoRoot, filepath.FromSlash(constants.PromptZipsRel)),
		},
		Workers: Workers{
			RequiredWorkerFiles: []string{
				"STATUS.json",
				"SUMMARY.md",
				"FILES_CHANGED.json",
				"DIFF.patch",
				"SUGGESTIONS.md",
				"SCOPE_LOCK.json",
				"HANDOFF_NOTE.json",
				"LOGS/INDEX.json",
			},
			RequiredIntegratorFiles: []string{
				"STATUS.json",
				"FINAL_REPORT.txt",
				"FILES_CHANGED.json",
				"DIFF.patch",
				"MERGE_PLAN.md",
				"LOGS/INDEX.json",
			},
			AllowlistGlobs: map[string][]string{
				"A_worker": {"apps/**", "packages/**", "docs/**"},
				"B_worker": {"apps/**", "packages/**", "docs/**"},
				"C_worker": {"tools/**", "docs/**", "packages/**"},
				"D_worker": {"docs/**", "tools/**", "packages/**"},
			},
			DenylistGlobs: map[string][]string{
				"A_worker": {".github/workflows/**", ".git/**", ".env", ".env.*"},
				"B_worker": {".github/workflows/**", ".git/**", ".env", ".env.*"},
				"C_worker": {".github/workflows/**", ".git/**", ".env", ".env.*"},
				"D_worker": {".github/workflows/**", ".git/**", ".env", ".env.*"},
			},
		},
		Dispatch: Dispatch{
			DoneTimeoutSeconds:     3600,
			PollSeconds:            2.0,
			BetweenWorkersDelayMS:  700,
			PerWorkerBudgetSeconds: 175,
		},
		Security: Security{
			AllowShellExecution:      false,
			AllowExecutableArtifacts: false,
			SecretScanEnabled:        true,
		},
		FeatureFlags: map[string]bool{
			"enable_identical_patch_overlap": false,
			"enable_quarantine":              false,
			"enable_ledger_compaction":       false,
		},
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath(repoRoot string) string {
	return filepath.Join(repoRoot, filepath.FromSlash(constants.FactoryDirRel), "factory.config.json")
}

// Options selects the layers for a Load call.
type Options struct {
	RepoRoot     string
	ConfigPath   string            // empty means DefaultPath(RepoRoot)
	Env          map[string]string // nil means os.Environ()
	CLIOverrides map[string]any
	Strict       bool
}

// Load merges defaults < file < env < cli into a typed Config and
// validates the result. In strict mode validation errors fail the load;
// otherwise they are carried on the Config.
func Load(opts Options) (Config, error) {
	defaults := Defaults(opts.RepoRoot)
	base, err := toMap(defaults)
	if err != nil {
		return Config{}, err
	}

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = DefaultPath(opts.RepoRoot)
	}
	filePayload, fileExists, err := loadFile(configPath)
	if err != nil {
		return Config{}, err
	}

	env := opts.Env
	if env == nil {
		env = environMap()
	}

	merged := deepMerge(base, filePayload)
	merged = deepMerge(merged, envToOverlay(env))
	merged = deepMerge(merged, opts.CLIOverrides)

	validationErrors := schemas.ValidatePayload("factory_config", merged)
	if len(validationErrors) > 0 && opts.Strict {
		return Config{}, fmt.Errorf("factory config invalid:\n%s", strings.Join(validationErrors, "\n"))
	}

	var cfg Config
	raw, err := json.Marshal(merged)
	if err != nil {
		return Config{}, fmt.Errorf("failed to re-marshal merged config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode merged config: %w", err)
	}
	cfg.Meta = Meta{
		ConfigPath:   configPath,
		ConfigExists: fileExists,
		EnvPrefix:    EnvPrefix,
		Strict:       opts.Strict,
	}
	cfg.ValidationErrors = validationErrors
	return cfg, nil
}

// WriteDefault writes the default config file if it does not exist yet and
// returns its path.
func WriteDefault(repoRoot, explicitPath string) (string, error) {
	target := explicitPath
	if target == "" {
		target = DefaultPath(repoRoot)
	}
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	rendered, err := writeguard.MarshalCanonical(Defaults(repoRoot))
	if err != nil {
		return "", err
	}
	return target, os.WriteFile(target, []byte(rendered), 0o644)
}

func loadFile(path string) (map[string]any, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read config file: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, true, fmt.Errorf("factory config must be a JSON object (%s): %w", path, err)
	}
	return payload, true, nil
}

func toMap(cfg Config) (map[string]any, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode defaults: %w", err)
	}
	return out, nil
}

func environMap() map[string]string {
	out := map[string]string{}
	for _, pair := range os.Environ() {
		key, value, _ := strings.Cut(pair, "=")
		out[key] = value
	}
	return out
}

// envToOverlay converts FACTORY_ variables into a nested overlay map.
func envToOverlay(env map[string]string) map[string]any {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	overlay := map[string]any{}
	for _, key := range keys {
		if !strings.HasPrefix(key, EnvPrefix) || ignoredEnvKeys[key] {
			continue
		}
		dotted := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		parts := strings.Split(dotted, "__")
		setNested(overlay, parts, coerceScalar(env[key]))
	}
	return overlay
}

func setNested(payload map[string]any, parts []string, value any) {
	cursor := payload
	for _, part := range parts[:len(parts)-1] {
		next, ok := cursor[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cursor[part] = next
		}
		cursor = next
	}
	cursor[parts[len(parts)-1]] = value
}

func coerceScalar(raw string) any {
	trimmed := strings.TrimSpace(raw)
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}
	if parsed, err := strconv.Atoi(trimmed); err == nil {
		return parsed
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return decoded
	}
	return trimmed
}

func deepMerge(base map[string]any, override map[string]any) map[string]any {
	merged := map[string]any{}
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range override {
		leftMap, leftOK := merged[key].(map[string]any)
		rightMap, rightOK := value.(map[string]any)
		if leftOK && rightOK {
			merged[key] = deepMerge(leftMap, rightMap)
			continue
		}
		merged[key] = value
	}
	return merged
}
