package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/ledger"
	"github.com/hitechos/factory/pkg/statuseval"
	"github.com/hitechos/factory/pkg/worktrees"
	"github.com/stretchr/testify/require"
)

func testRuntime(t *testing.T) runtime {
	t.Helper()
	root := t.TempDir()
	_, err := worktrees.WriteContract(root)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	cfg, err := config.Load(config.Options{RepoRoot: root, Env: map[string]string{}, Strict: true})
	require.NoError(t, err)
	return runtime{Config: cfg, Ledger: ledger.New(cfg.Paths.RunsDir)}
}

func TestParseWorkers(t *testing.T) {
	require.Equal(t, constants.Workers, parseWorkers(""))
	require.Equal(t, []string{"A_worker", "B_worker"}, parseWorkers("A_worker, B_worker"))
	require.Equal(t, []string{"A_worker"}, parseWorkers("A_worker,A_worker"))
	require.Equal(t, constants.Workers, parseWorkers(" , "))
}

func TestStatusOf(t *testing.T) {
	require.Equal(t, statuseval.Pass, statusOf(map[string]any{"status": "PASS"}, statuseval.Blocked))
	require.Equal(t, statuseval.Blocked, statusOf(map[string]any{}, statuseval.Blocked))
	require.Equal(t, statuseval.Blocked, statusOf(map[string]any{"status": 42}, statuseval.Blocked))
}

func TestInitRunMintsIDAndWritesManifest(t *testing.T) {
	rt := testRuntime(t)
	payload := initRun(context.Background(), rt, "factory", "", "HEAD")
	require.Equal(t, statuseval.Pass, statusOf(payload, statuseval.Blocked), "%v", payload)
	runID := payload["run_id"].(string)
	require.NotEmpty(t, runID)

	events, err := rt.Ledger.Events(ledger.Query{RunID: runID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "RUN_START", events[0].EventType)
	require.NotEmpty(t, events[0].Hashes["manifest_sha256"])
}

func TestInitRunAcceptsLegacyID(t *testing.T) {
	rt := testRuntime(t)
	payload := initRun(context.Background(), rt, "factory", "20260101_7", "HEAD")
	require.Equal(t, statuseval.Pass, statusOf(payload, statuseval.Blocked), "%v", payload)
	require.Equal(t, "20260101_7", payload["run_id"])
}

func TestInitRunRejectsMalformedID(t *testing.T) {
	rt := testRuntime(t)
	payload := initRun(context.Background(), rt, "factory", "not a run id", "HEAD")
	require.Equal(t, statuseval.Blocked, statusOf(payload, statuseval.Pass))
}

func TestLaunchRunDryRun(t *testing.T) {
	rt := testRuntime(t)
	payload := launchRun(context.Background(), rt, "", constants.Workers, "HEAD", true, true)
	require.Equal(t, statuseval.Pass, statusOf(payload, statuseval.Blocked), "%v", payload)
	runID := payload["run_id"].(string)

	events, err := rt.Ledger.Events(ledger.Query{RunID: runID, Limit: 100})
	require.NoError(t, err)
	var types []string
	for _, event := range events {
		types = append(types, event.EventType)
	}
	require.Contains(t, types, "RUN_START")
	require.Contains(t, types, "WORKTREE_CREATE")
}

func TestOneshotTortureModeStopsEarly(t *testing.T) {
	rt := testRuntime(t)
	t.Setenv("FACTORY_TORTURE_MODE", "1")
	payload := oneshot(context.Background(), rt, oneshotOptions{
		Workers: constants.Workers,
		BaseRef: "HEAD",
		DryRun:  true,
	})
	stages := payload["stages"].(map[string]any)
	_, hasPreflight := stages["preflight"]
	require.True(t, hasPreflight)
	_, hasLaunch := stages["launch"]
	require.False(t, hasLaunch, "torture mode must stop after preflight")
}

func TestOneshotDryRunFullChain(t *testing.T) {
	rt := testRuntime(t)
	payload := oneshot(context.Background(), rt, oneshotOptions{
		Workers: constants.Workers,
		BaseRef: "HEAD",
		DryRun:  true,
	})
	stages := payload["stages"].(map[string]any)
	require.Contains(t, stages, "preflight")
	require.Contains(t, stages, "launch")
	require.Contains(t, stages, "bundle_validate")
	require.Contains(t, stages, "integrate")

	runID := payload["run_id"].(string)
	events, err := rt.Ledger.Events(ledger.Query{RunID: runID, Limit: 100})
	require.NoError(t, err)
	var types []string
	for _, event := range events {
		types = append(types, event.EventType)
	}
	require.Contains(t, types, "PREFLIGHT")
	require.Contains(t, types, "BUNDLE_VALIDATED")
	require.Contains(t, types, "ONESHOT_SUMMARY")
}
