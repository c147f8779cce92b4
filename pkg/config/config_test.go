package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg, err := Load(Options{RepoRoot: t.TempDir(), Strict: true})
	require.NoError(t, err)
	require.Equal(t, "factory", cfg.Run.Kind)
	require.Equal(t, "HEAD", cfg.Run.BaseRef)
	require.True(t, cfg.Run.StrictCollisionMode)
	require.Contains(t, cfg.Paths.RunsDir, filepath.Join("tools", "codex", "runs"))
	require.Len(t, cfg.Workers.RequiredWorkerFiles, 8)
	require.Empty(t, cfg.ValidationErrors)
}

func TestFileLayerOverridesDefaults(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "factory.config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"run": {"base_ref": "main", "strict_collision_mode": false}}`), 0o644))

	cfg, err := Load(Options{RepoRoot: root, ConfigPath: path, Strict: true})
	require.NoError(t, err)
	require.Equal(t, "main", cfg.Run.BaseRef)
	require.False(t, cfg.Run.StrictCollisionMode)
	// Untouched keys keep their defaults.
	require.Equal(t, "factory", cfg.Run.Kind)
	require.True(t, cfg.Meta.ConfigExists)
}

func TestEnvLayerOverridesFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "factory.config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"run": {"base_ref": "main"}}`), 0o644))

	cfg, err := Load(Options{
		RepoRoot:   root,
		ConfigPath: path,
		Env: map[string]string{
			"FACTORY_RUN__BASE_REF":                  "develop",
			"FACTORY_RUN__ALLOW_IDENTICAL_PATCH_OVERLAP": "true",
			"FACTORY_DISPATCH__DONE_TIMEOUT_SECONDS": "120",
			"FACTORY_WORKTREE_MODE":                  "fixed", // reserved, ignored by the mapper
			"UNRELATED":                              "x",
		},
		Strict: true,
	})
	require.NoError(t, err)
	require.Equal(t, "develop", cfg.Run.BaseRef)
	require.True(t, cfg.Run.AllowIdenticalPatchOverlap)
	require.Equal(t, 120, cfg.Dispatch.DoneTimeoutSeconds)
}

func TestCLILayerWinsOverEverything(t *testing.T) {
	cfg, err := Load(Options{
		RepoRoot: t.TempDir(),
		Env:      map[string]string{"FACTORY_RUN__BASE_REF": "develop"},
		CLIOverrides: map[string]any{
			"run": map[string]any{"base_ref": "release"},
		},
		Strict: true,
	})
	require.NoError(t, err)
	require.Equal(t, "release", cfg.Run.BaseRef)
}

func TestStrictModeFailsOnInvalidConfig(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "factory.config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"run": {"base_ref": ""}}`), 0o644))

	_, err := Load(Options{RepoRoot: root, ConfigPath: path, Strict: true})
	require.Error(t, err)

	cfg, err := Load(Options{RepoRoot: root, ConfigPath: path, Strict: false})
	require.NoError(t, err)
	require.NotEmpty(t, cfg.ValidationErrors)
}

func TestCoerceScalar(t *testing.T) {
	require.Equal(t, true, coerceScalar("true"))
	require.Equal(t, false, coerceScalar("False"))
	require.Nil(t, coerceScalar("null"))
	require.Equal(t, 42, coerceScalar("42"))
	require.Equal(t, "plain", coerceScalar("plain"))
	require.Equal(t, []any{"a", "b"}, coerceScalar(`["a","b"]`))
}

func TestWriteDefaultIsIdempotent(t *testing.T) {
	root := t.TempDir()
	first, err := WriteDefault(root, "")
	require.NoError(t, err)
	require.FileExists(t, first)

	before, err := os.ReadFile(first)
	require.NoError(t, err)
	second, err := WriteDefault(root, "")
	require.NoError(t, err)
	require.Equal(t, first, second)
	after, err := os.ReadFile(first)
	require.NoError(t, err)
	require.Equal(t, before, after)
}
