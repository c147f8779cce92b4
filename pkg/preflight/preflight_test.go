package preflight

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/worktrees"
	"github.com/stretchr/testify/require"
)

func TestPreflightBlocksWithoutRepo(t *testing.T) {
	cfg, err := config.Load(config.Options{RepoRoot: t.TempDir(), Env: map[string]string{}, Strict: true})
	require.NoError(t, err)
	payload := Run(cfg, "")
	require.Equal(t, constants.StatusBlocked, payload["status"])
}

func TestPreflightPassesAndPersists(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	_, err := worktrees.WriteContract(root)
	require.NoError(t, err)
	cfg, err := config.Load(config.Options{RepoRoot: root, Env: map[string]string{}, Strict: true})
	require.NoError(t, err)

	payload := Run(cfg, "20260101_1")
	require.Equal(t, constants.StatusPass, payload["status"], "%v", payload)
	require.FileExists(t, filepath.Join(cfg.Paths.RunsDir, "20260101_1", "logs", "preflight_STATUS.json"))
}
