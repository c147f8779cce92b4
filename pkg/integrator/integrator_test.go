package integrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/contracts"
	"github.com/hitechos/factory/pkg/execx"
	"github.com/hitechos/factory/pkg/ledger"
	"github.com/stretchr/testify/require"
)

const runID = "factory_20260101_000000_abcd1234_001"

func initRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	run := func(args ...string) {
		result := execx.Run(context.Background(), args, execx.Options{Cwd: root})
		require.Equal(t, 0, result.RC, "command %v failed: %s", args, result.Combined())
	}
	run("git", "init", "-q")
	run("git", "config", "user.email", "factory@example.com")
	run("git", "config", "user.name", "factory")
	require.NoError(t, os.WriteFile(filepath.Join(root, "seed.txt"), []byte("seed\n"), 0o644))
	run("git", "add", ".")
	run("git", "commit", "-q", "-m", "seed")
	return root
}

func setup(t *testing.T) (config.Config, *ledger.Ledger) {
	t.Helper()
	repoRoot := initRepo(t)
	cfg, err := config.Load(config.Options{RepoRoot: repoRoot, Env: map[string]string{}, Strict: true})
	require.NoError(t, err)
	l := ledger.New(cfg.Paths.RunsDir)
	_, err = contracts.ScaffoldAll(cfg, runID, constants.Workers)
	require.NoError(t, err)
	require.NoError(t, contracts.WriteJSONFile(
		filepath.Join(cfg.Paths.RunsDir, runID, constants.RunManifestFileName),
		map[string]any{"base_ref": "HEAD"}))
	return cfg, l
}

// markNoop fills a worker bundle with an explicit, schema-valid NOOP.
func markNoop(t *testing.T, cfg config.Config, worker string) {
	t.Helper()
	bundle := contracts.BundleDir(cfg.Paths.RunsDir, runID, worker)
	require.NoError(t, contracts.WriteJSONFile(filepath.Join(bundle, "FILES_CHANGED.json"), contracts.FilesChanged{
		SchemaVersion: 1,
		RunID:         runID,
		Owner:         worker,
		Changes:       []contracts.Change{},
		Noop:          true,
		NoopReason:    "fixture is declarative only",
		NoopAck:       worker,
	}))
	var status contracts.StatusPayload
	require.NoError(t, contracts.ReadJSONFile(filepath.Join(bundle, "STATUS.json"), &status))
	status.Status = constants.StatusPass
	status.Noop = true
	status.NoopReason = "fixture is declarative only"
	status.NoopAck = worker
	require.NoError(t, contracts.WriteJSONFile(filepath.Join(bundle, "STATUS.json"), status))
}

func declareMutation(t *testing.T, cfg config.Config, worker, relPath string) {
	t.Helper()
	// Write the file for real so git sees it and the gate agrees.
	target := filepath.Join(cfg.Paths.RepoRoot, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte(worker+" content\n"), 0o644))
	add := execx.Run(context.Background(), []string{"git", "add", "-N", relPath}, execx.Options{Cwd: cfg.Paths.RepoRoot})
	require.Equal(t, 0, add.RC)
	diff := execx.Run(context.Background(), []string{"git", "diff", "--", relPath}, execx.Options{Cwd: cfg.Paths.RepoRoot})
	require.Equal(t, 0, diff.RC)
	require.NotEmpty(t, diff.StdoutTail)

	bundle := contracts.BundleDir(cfg.Paths.RunsDir, runID, worker)
	require.NoError(t, contracts.WriteJSONFile(filepath.Join(bundle, "FILES_CHANGED.json"), contracts.FilesChanged{
		SchemaVersion: 1,
		RunID:         runID,
		Owner:         worker,
		Changes:       []contracts.Change{{Path: relPath, ChangeType: "added"}},
	}))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "DIFF.patch"), []byte(diff.StdoutTail), 0o644))
	var status contracts.StatusPayload
	require.NoError(t, contracts.ReadJSONFile(filepath.Join(bundle, "STATUS.json"), &status))
	status.Status = constants.StatusPass
	require.NoError(t, contracts.WriteJSONFile(filepath.Join(bundle, "STATUS.json"), status))
}

func TestAllNoopIntegrationPasses(t *testing.T) {
	cfg, l := setup(t)
	for _, worker := range constants.Workers {
		markNoop(t, cfg, worker)
	}

	result := Run(context.Background(), cfg, l, runID, constants.Workers, nil)
	require.Equal(t, constants.StatusPass, result.Status, "error: %s gate: %+v", result.Error, result.Gate)
	require.NotNil(t, result.Gate)
	require.True(t, result.Gate.Noop)

	report, err := os.ReadFile(filepath.FromSlash(result.Report))
	require.NoError(t, err)
	require.Contains(t, string(report), "Worker bundles processed: 4")
	require.Contains(t, string(report), "Final status: PASS")

	// Ledger gained the pipeline events.
	events, err := l.Events(ledger.Query{RunID: runID, Limit: 100})
	require.NoError(t, err)
	var types []string
	for _, event := range events {
		types = append(types, event.EventType)
	}
	require.Contains(t, types, "INTEGRATE_START")
	require.Contains(t, types, "REPORT_WRITTEN")
	require.Contains(t, types, "RUN_END")

	// Attestations exist and cover the report.
	require.FileExists(t, filepath.Join(cfg.Paths.RunsDir, runID, "attestations", "bundles.sha256"))
	require.FileExists(t, filepath.Join(cfg.Paths.RunsDir, runID, "attestations", "ledger.sha256"))
	require.FileExists(t, filepath.Join(cfg.Paths.RunsDir, runID, "attestations", "report.sha256"))
}

func TestDisjointMutationsPass(t *testing.T) {
	cfg, l := setup(t)
	paths := map[string]string{
		"A_worker": "apps/demo/a_feature.ts",
		"B_worker": "apps/demo/b_feature.ts",
		"C_worker": "tools/demo/c_tool.txt",
		"D_worker": "docs/demo/d_notes.md",
	}
	for worker, relPath := range paths {
		declareMutation(t, cfg, worker, relPath)
	}

	result := Run(context.Background(), cfg, l, runID, constants.Workers, nil)
	require.Equal(t, constants.StatusPass, result.Status, "error=%s gate=%+v", result.Error, result.Gate)
	require.Equal(t, 0, result.OverlapBlockers)
	require.Equal(t, 0, result.ScopeBlockers)

	var merged contracts.FilesChanged
	require.NoError(t, contracts.ReadJSONFile(filepath.Join(cfg.Paths.RunsDir, runID, constants.Integrator, "FILES_CHANGED.json"), &merged))
	require.Len(t, merged.Changes, 4)
	require.Equal(t, "A_worker", merged.Changes[0].Owner)
	for i := 1; i < len(merged.Changes); i++ {
		require.Less(t, merged.Changes[i-1].Path, merged.Changes[i].Path)
	}

	diff, err := os.ReadFile(filepath.Join(cfg.Paths.RunsDir, runID, constants.Integrator, "DIFF.patch"))
	require.NoError(t, err)
	require.Contains(t, string(diff), "# >>> BEGIN A_worker")
	require.Contains(t, string(diff), "# <<< END D_worker")
}

func TestCollisionBlocks(t *testing.T) {
	cfg, l := setup(t)
	shared := "apps/collision/shared.ts"
	declareMutation(t, cfg, "A_worker", shared)

	// B declares the same path with a different digest but no real file
	// change of its own.
	bundle := contracts.BundleDir(cfg.Paths.RunsDir, runID, "B_worker")
	require.NoError(t, contracts.WriteJSONFile(filepath.Join(bundle, "FILES_CHANGED.json"), contracts.FilesChanged{
		SchemaVersion: 1,
		RunID:         runID,
		Owner:         "B_worker",
		Changes:       []contracts.Change{{Path: shared, ChangeType: "modified", SHA256: strings.Repeat("b", 64)}},
	}))
	markNoop(t, cfg, "C_worker")
	markNoop(t, cfg, "D_worker")

	result := Run(context.Background(), cfg, l, runID, constants.Workers, nil)
	require.Equal(t, constants.StatusBlocked, result.Status)
	require.Equal(t, 1, result.OverlapBlockers)

	report, err := os.ReadFile(filepath.FromSlash(result.Report))
	require.NoError(t, err)
	require.Contains(t, string(report), "overlap: apps/collision/shared.ts")
}

func TestScopeViolationBlocks(t *testing.T) {
	cfg, l := setup(t)
	declareMutation(t, cfg, "A_worker", "services/private/secret.py")
	markNoop(t, cfg, "B_worker")
	markNoop(t, cfg, "C_worker")
	markNoop(t, cfg, "D_worker")

	result := Run(context.Background(), cfg, l, runID, constants.Workers, nil)
	require.Equal(t, constants.StatusBlocked, result.Status)
	require.Equal(t, 1, result.ScopeBlockers)

	report, err := os.ReadFile(filepath.FromSlash(result.Report))
	require.NoError(t, err)
	require.Contains(t, string(report), "scope: A_worker services/private/secret.py")
}

func TestWritePolicyViolationBlocks(t *testing.T) {
	cfg, l := setup(t)
	for _, worker := range constants.Workers {
		markNoop(t, cfg, worker)
	}

	foreign := filepath.Join(t.TempDir(), "outside.txt")
	result := Run(context.Background(), cfg, l, runID, constants.Workers, []ExtraWrite{
		{Path: foreign, Text: "should never land"},
	})
	require.Equal(t, constants.StatusBlocked, result.Status)

	_, statErr := os.Stat(foreign)
	require.True(t, os.IsNotExist(statErr), "foreign file must not exist after the run")

	var status map[string]any
	require.NoError(t, contracts.ReadJSONFile(filepath.Join(cfg.Paths.RunsDir, runID, constants.Integrator, "STATUS.json"), &status))
	checks := status["required_checks"].([]any)
	found := false
	for _, raw := range checks {
		check := raw.(map[string]any)
		if check["name"] == "z_write_policy" {
			found = true
			require.Equal(t, float64(2), check["rc"])
		}
	}
	require.True(t, found, "z_write_policy check missing: %v", checks)
}

func TestMissingWorkerBundleStillProducesReport(t *testing.T) {
	cfg, l := setup(t)
	for _, worker := range constants.Workers {
		markNoop(t, cfg, worker)
	}
	require.NoError(t, os.RemoveAll(contracts.BundleDir(cfg.Paths.RunsDir, runID, "D_worker")))

	result := Run(context.Background(), cfg, l, runID, constants.Workers, nil)
	require.Equal(t, constants.StatusBlocked, result.Status)
	require.Equal(t, 1, result.WorkerBlockers)
	require.FileExists(t, filepath.FromSlash(result.Report))
}

func TestIntegrationIsIdempotent(t *testing.T) {
	cfg, l := setup(t)
	for _, worker := range constants.Workers {
		markNoop(t, cfg, worker)
	}

	first := Run(context.Background(), cfg, l, runID, constants.Workers, nil)
	require.Equal(t, constants.StatusPass, first.Status)
	zDir := filepath.Join(cfg.Paths.RunsDir, runID, constants.Integrator)

	readAll := func() map[string]string {
		out := map[string]string{}
		for _, name := range []string{constants.FinalReportFileName, "FILES_CHANGED.json", "DIFF.patch", constants.MergePlanFileName} {
			data, err := os.ReadFile(filepath.Join(zDir, name))
			require.NoError(t, err)
			out[name] = string(data)
		}
		return out
	}
	before := readAll()

	second := Run(context.Background(), cfg, l, runID, constants.Workers, nil)
	require.Equal(t, constants.StatusPass, second.Status)
	after := readAll()
	require.Equal(t, before, after, "integration artifacts must be byte-identical across reruns")
}
