package gate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/contracts"
	"github.com/hitechos/factory/pkg/execx"
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

func setupRun(t *testing.T, repoRoot string, files contracts.FilesChanged, diff string) string {
	t.Helper()
	runsDir := filepath.Join(repoRoot, "tools", "codex", "runs")
	runDir := filepath.Join(runsDir, runID)
	zDir := filepath.Join(runDir, constants.Integrator)
	require.NoError(t, os.MkdirAll(zDir, 0o755))
	require.NoError(t, contracts.WriteJSONFile(filepath.Join(runDir, constants.RunManifestFileName), map[string]any{
		"base_ref": "HEAD",
	}))
	require.NoError(t, contracts.WriteJSONFile(filepath.Join(zDir, "FILES_CHANGED.json"), files))
	require.NoError(t, os.WriteFile(filepath.Join(zDir, "DIFF.patch"), []byte(diff), 0o644))
	return runsDir
}

func TestNoopRunPasses(t *testing.T) {
	repoRoot := initRepo(t)
	runsDir := setupRun(t, repoRoot, contracts.FilesChanged{
		SchemaVersion: 1,
		RunID:         runID,
		Owner:         constants.Integrator,
		Changes:       []contracts.Change{},
		Noop:          true,
		NoopReason:    "declarative fixture only",
		NoopAck:       "A_worker,B_worker",
	}, "")

	report, err := Run(context.Background(), runID, Options{RepoRoot: repoRoot, RunsDir: runsDir, WriteOutputs: true})
	require.NoError(t, err)
	require.Equal(t, constants.StatusPass, report.Verdict)
	require.True(t, report.Noop)
	require.Empty(t, report.FailModes)
	require.FileExists(t, filepath.Join(runsDir, runID, constants.GateReportJSONName))
	require.FileExists(t, filepath.Join(runsDir, runID, constants.GateReportMDName))
}

func TestEmptyDeclarationsWithoutNoopFails(t *testing.T) {
	repoRoot := initRepo(t)
	runsDir := setupRun(t, repoRoot, contracts.FilesChanged{
		SchemaVersion: 1,
		RunID:         runID,
		Owner:         constants.Integrator,
		Changes:       []contracts.Change{},
		Noop:          false,
	}, "")

	report, err := Run(context.Background(), runID, Options{RepoRoot: repoRoot, RunsDir: runsDir})
	require.NoError(t, err)
	require.Equal(t, constants.StatusFail, report.Verdict)
	require.Contains(t, report.FailModes, EmptyDeclarations)
	require.Contains(t, report.FailModes, EmptyPatch)
	require.Contains(t, report.FailModes, NoGitMutation)
}

func TestPhantomPathFails(t *testing.T) {
	repoRoot := initRepo(t)
	runsDir := setupRun(t, repoRoot, contracts.FilesChanged{
		SchemaVersion: 1,
		RunID:         runID,
		Owner:         constants.Integrator,
		Changes: []contracts.Change{
			{Path: "apps/phantom/not_there.txt", ChangeType: "modified"},
		},
	}, "")

	report, err := Run(context.Background(), runID, Options{RepoRoot: repoRoot, RunsDir: runsDir})
	require.NoError(t, err)
	require.Equal(t, constants.StatusFail, report.Verdict)
	require.Contains(t, report.FailModes, PhantomPaths)
	require.Contains(t, report.Details.PhantomPaths, "apps/phantom/not_there.txt")
}

func TestRealMutationPassesAndIsDeterministic(t *testing.T) {
	repoRoot := initRepo(t)

	// Mutate the worktree for real and derive the patch from git itself.
	target := filepath.Join(repoRoot, "apps", "demo", "sentinel.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("sentinel\n"), 0o644))
	add := execx.Run(context.Background(), []string{"git", "add", "-N", "apps"}, execx.Options{Cwd: repoRoot})
	require.Equal(t, 0, add.RC)
	diffResult := execx.Run(context.Background(), []string{"git", "diff"}, execx.Options{Cwd: repoRoot})
	require.Equal(t, 0, diffResult.RC)
	require.NotEmpty(t, diffResult.StdoutTail)

	runsDir := setupRun(t, repoRoot, contracts.FilesChanged{
		SchemaVersion: 1,
		RunID:         runID,
		Owner:         constants.Integrator,
		Changes: []contracts.Change{
			{Path: "apps/demo/sentinel.txt", ChangeType: "added"},
		},
	}, diffResult.StdoutTail)

	opts := Options{RepoRoot: repoRoot, RunsDir: runsDir, WriteOutputs: true}
	first, err := Run(context.Background(), runID, opts)
	require.NoError(t, err)
	require.Equal(t, constants.StatusPass, first.Verdict, "fail modes: %v, details: %+v", first.FailModes, first.Details)
	require.False(t, first.Noop)

	firstJSON, err := os.ReadFile(filepath.Join(runsDir, runID, constants.GateReportJSONName))
	require.NoError(t, err)

	second, err := Run(context.Background(), runID, opts)
	require.NoError(t, err)
	require.Equal(t, first.Verdict, second.Verdict)

	secondJSON, err := os.ReadFile(filepath.Join(runsDir, runID, constants.GateReportJSONName))
	require.NoError(t, err)
	require.Equal(t, string(firstJSON), string(secondJSON), "gate output must be deterministic")
}

func TestDeclarationMismatchFails(t *testing.T) {
	repoRoot := initRepo(t)

	// Real change to one file, but a different path declared.
	target := filepath.Join(repoRoot, "real.txt")
	require.NoError(t, os.WriteFile(target, []byte("real\n"), 0o644))

	runsDir := setupRun(t, repoRoot, contracts.FilesChanged{
		SchemaVersion: 1,
		RunID:         runID,
		Owner:         constants.Integrator,
		Changes: []contracts.Change{
			{Path: "seed.txt", ChangeType: "modified"},
		},
	}, "--- a/other.txt\n+++ b/other.txt\n@@ -1 +1 @@\n-x\n+y\n")

	report, err := Run(context.Background(), runID, Options{RepoRoot: repoRoot, RunsDir: runsDir})
	require.NoError(t, err)
	require.Equal(t, constants.StatusFail, report.Verdict)
	require.Contains(t, report.FailModes, DeclarationMismatch)
}

func TestExitCodes(t *testing.T) {
	require.Equal(t, 0, ExitCode(constants.StatusPass))
	require.Equal(t, 0, ExitCode(constants.StatusWarn))
	require.Equal(t, 2, ExitCode(constants.StatusFail))
	require.Equal(t, 2, ExitCode(constants.StatusBlocked))
	require.Equal(t, 1, ExitCode("UNKNOWN"))
}
