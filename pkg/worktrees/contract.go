package worktrees

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hitechos/factory/pkg/constants"
)

// FixedMode is the only supported worktree mode. The contract file and the
// FACTORY_WORKTREE_MODE environment override must both agree.
const FixedMode = "fixed"

// ModeEnvVar overrides nothing; it may only confirm fixed mode.
const ModeEnvVar = "FACTORY_WORKTREE_MODE"

var runScopedSegmentRe = regexp.MustCompile(`^\d{8}(?:_\d+|_\d{6}_[A-Z0-9]{4})$`)

// IsRunScopedSegment reports whether a worker id looks like a run-id
// segment. Such ids would create run-scoped worktree paths, which fixed
// mode forbids.
func IsRunScopedSegment(value string) bool {
	return runScopedSegmentRe.MatchString(strings.TrimSpace(value))
}

// ModeInfo is the resolved worktree-mode contract.
type ModeInfo struct {
	WorktreeMode string `json:"worktree_mode"`
	ContractMode string `json:"contract_mode"`
	EnvOverride  string `json:"env_override"`
	ContractPath string `json:"contract_path"`
}

// ResolveMode reads the contract file and applies the environment
// override. Anything other than fixed mode is a hard error.
func ResolveMode(repoRoot string, env map[string]string) (ModeInfo, error) {
	path := filepath.Join(repoRoot, filepath.FromSlash(constants.WorktreeContractRel))
	raw, err := os.ReadFile(path)
	if err != nil {
		return ModeInfo{}, fmt.Errorf("missing unified worktree contract: %s", filepath.ToSlash(path))
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ModeInfo{}, fmt.Errorf("invalid unified worktree contract JSON: %s: %w", filepath.ToSlash(path), err)
	}
	rawMode, ok := payload["worktree_mode"]
	if !ok {
		return ModeInfo{}, fmt.Errorf("missing required key 'worktree_mode' in %s", filepath.ToSlash(path))
	}
	contractMode := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", rawMode)))
	if contractMode != FixedMode {
		return ModeInfo{}, fmt.Errorf("unsupported worktree_mode in contract: %q (expected %q)", contractMode, FixedMode)
	}

	override := strings.TrimSpace(env[ModeEnvVar])
	if override != "" && strings.ToLower(override) != FixedMode {
		return ModeInfo{}, fmt.Errorf("%s must be %q when set (got %q)", ModeEnvVar, FixedMode, override)
	}

	return ModeInfo{
		WorktreeMode: FixedMode,
		ContractMode: contractMode,
		EnvOverride:  strings.ToLower(override),
		ContractPath: filepath.ToSlash(path),
	}, nil
}

// WriteContract writes the fixed-mode contract file if absent. Used by
// doctor bootstrap and test fixtures.
func WriteContract(repoRoot string) (string, error) {
	path := filepath.Join(repoRoot, filepath.FromSlash(constants.WorktreeContractRel))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create contract directory: %w", err)
	}
	return path, os.WriteFile(path, []byte("{\n  \"worktree_mode\": \"fixed\"\n}\n"), 0o644)
}
