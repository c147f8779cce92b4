package contracts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(config.Options{RepoRoot: t.TempDir(), Env: map[string]string{}, Strict: true})
	require.NoError(t, err)
	return cfg
}

func TestScaffoldThenValidatePasses(t *testing.T) {
	cfg := testConfig(t)
	runID := "factory_20260101_000000_abcd1234_001"

	result, err := ScaffoldAll(cfg, runID, constants.Workers)
	require.NoError(t, err)
	require.Len(t, result["workers"], 4)

	validation := ValidateRun(cfg, runID, constants.Workers)
	require.Equal(t, constants.StatusPass, validation["status"], "scaffolded bundles must validate: %v", validation)
	require.Equal(t, 0, validation["blocked"])
}

func TestScaffoldIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	runID := "20260101_1"

	first, err := ScaffoldWorkerBundle(cfg, runID, "A_worker")
	require.NoError(t, err)
	require.NotEmpty(t, first.Created)

	// Mutate a scaffolded file, then re-scaffold: the mutation survives.
	statusPath := filepath.Join(BundleDir(cfg.Paths.RunsDir, runID, "A_worker"), "STATUS.json")
	require.NoError(t, os.WriteFile(statusPath, []byte(`{"custom": true}`), 0o644))

	second, err := ScaffoldWorkerBundle(cfg, runID, "A_worker")
	require.NoError(t, err)
	require.Empty(t, second.Created)

	data, err := os.ReadFile(statusPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "custom")
}

func TestValidateShapeMissingFiles(t *testing.T) {
	cfg := testConfig(t)
	runID := "20260101_2"

	errs := ValidateShape(cfg, runID, "A_worker")
	require.Len(t, errs, 1)
	require.Contains(t, errs[0], "missing bundle directory")

	_, err := ScaffoldWorkerBundle(cfg, runID, "A_worker")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(BundleDir(cfg.Paths.RunsDir, runID, "A_worker"), "DIFF.patch")))

	errs = ValidateShape(cfg, runID, "A_worker")
	require.Len(t, errs, 1)
	require.Contains(t, errs[0], "DIFF.patch")
}

func TestShapeFailureShortCircuitsSchemas(t *testing.T) {
	cfg := testConfig(t)
	runID := "20260101_3"
	_, err := ScaffoldWorkerBundle(cfg, runID, "A_worker")
	require.NoError(t, err)

	bundle := BundleDir(cfg.Paths.RunsDir, runID, "A_worker")
	// Break a schema AND remove a required file; only the shape error
	// should surface.
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "STATUS.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.Remove(filepath.Join(bundle, "SUMMARY.md")))

	result := ValidateBundle(cfg, runID, "A_worker")
	require.Equal(t, constants.StatusBlocked, result.Status)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "SUMMARY.md")
}

func TestSchemaPhaseCatchesInvalidJSON(t *testing.T) {
	cfg := testConfig(t)
	runID := "20260101_4"
	_, err := ScaffoldWorkerBundle(cfg, runID, "A_worker")
	require.NoError(t, err)

	bundle := BundleDir(cfg.Paths.RunsDir, runID, "A_worker")
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "SCOPE_LOCK.json"), []byte(`{"schema_version": 1}`), 0o644))

	result := ValidateBundle(cfg, runID, "A_worker")
	require.Equal(t, constants.StatusBlocked, result.Status)
	found := false
	for _, item := range result.Errors {
		if len(item) > 0 && item[:10] == "SCOPE_LOCK" {
			found = true
		}
	}
	require.True(t, found, "expected SCOPE_LOCK errors, got %v", result.Errors)
}

func TestValidateRunMissingWorkerBundle(t *testing.T) {
	cfg := testConfig(t)
	runID := "20260101_5"
	_, err := ScaffoldWorkerBundle(cfg, runID, "A_worker")
	require.NoError(t, err)
	_, err = ScaffoldIntegratorBundle(cfg, runID)
	require.NoError(t, err)

	validation := ValidateRun(cfg, runID, []string{"A_worker", "B_worker"})
	require.Equal(t, constants.StatusBlocked, validation["status"])
	require.Equal(t, 1, validation["blocked"])
}

func TestScopeLockDefaultsComeFromConfig(t *testing.T) {
	cfg := testConfig(t)
	runID := "20260101_6"
	_, err := ScaffoldWorkerBundle(cfg, runID, "C_worker")
	require.NoError(t, err)

	var lock ScopeLock
	require.NoError(t, ReadJSONFile(filepath.Join(BundleDir(cfg.Paths.RunsDir, runID, "C_worker"), "SCOPE_LOCK.json"), &lock))
	require.Equal(t, cfg.Workers.AllowlistGlobs["C_worker"], lock.AllowedGlobs)
	require.Equal(t, cfg.Workers.DenylistGlobs["C_worker"], lock.BlockedGlobs)
	require.Empty(t, lock.AllowSharedPaths)
}
