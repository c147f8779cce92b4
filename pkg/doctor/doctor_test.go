package doctor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/locks"
	"github.com/hitechos/factory/pkg/worktrees"
	"github.com/stretchr/testify/require"
)

func setupRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	_, err := worktrees.WriteContract(root)
	require.NoError(t, err)
	return root
}

func TestDoctorPassesOnHealthySetup(t *testing.T) {
	root := setupRepo(t)
	payload := Run(Options{RepoRoot: root})
	require.Equal(t, constants.StatusPass, payload["status"], "%v", payload)
}

func TestDoctorBlocksWithoutWorktreeContract(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	payload := Run(Options{RepoRoot: root})
	require.Equal(t, constants.StatusBlocked, payload["status"])
}

func TestScanLocksFindsAndRemovesStale(t *testing.T) {
	root := setupRepo(t)
	runsDir := filepath.Join(root, "tools", "codex", "runs")
	lockPath := filepath.Join(runsDir, "run1", "locks", "run.lock")
	lock, err := locks.Acquire(lockPath, "worktrees.create", nil)
	require.NoError(t, err)

	// A live lock is reported but never removed.
	found := ScanLocks(runsDir, true)
	require.Len(t, found, 1)
	require.False(t, found[0].Stale)
	require.False(t, found[0].Removed)
	require.FileExists(t, lockPath)
	require.NoError(t, lock.Release())

	// Fake a lock owned by a dead process.
	stalePath := filepath.Join(runsDir, "run2", "locks", "run.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(stalePath), 0o755))
	require.NoError(t, os.WriteFile(stalePath, []byte(`{"owner": "ghost", "pid": 4194304, "ts_utc": "", "metadata": {}}`), 0o644))

	found = ScanLocks(runsDir, false)
	require.Len(t, found, 1)
	require.True(t, found[0].Stale)
	require.False(t, found[0].Removed)
	require.FileExists(t, stalePath)

	found = ScanLocks(runsDir, true)
	require.True(t, found[0].Removed)
	_, statErr := os.Stat(stalePath)
	require.True(t, os.IsNotExist(statErr))
}
