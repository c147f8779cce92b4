package smoke

import (
	"context"
	"testing"

	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/ledger"
	"github.com/stretchr/testify/require"
)

func TestSmokeIsDeterministic(t *testing.T) {
	cfg, err := config.Load(config.Options{RepoRoot: t.TempDir(), Env: map[string]string{}, Strict: true})
	require.NoError(t, err)
	l := ledger.New(cfg.Paths.RunsDir)

	payload := Run(context.Background(), cfg, l, "factory_smoke_20260101_000000_abcd1234_001")
	require.Equal(t, constants.StatusPass, payload["status"], "%v", payload)
	require.Equal(t, true, payload["deterministic"])

	digests := payload["digests"].(map[string]string)
	require.NotEmpty(t, digests["first"])
	require.Equal(t, digests["first"], digests["second"])
}

func TestSmokeMintsRunIDWhenAbsent(t *testing.T) {
	cfg, err := config.Load(config.Options{RepoRoot: t.TempDir(), Env: map[string]string{}, Strict: true})
	require.NoError(t, err)
	l := ledger.New(cfg.Paths.RunsDir)

	payload := Run(context.Background(), cfg, l, "")
	require.NotEmpty(t, payload["run_id"])
	require.Equal(t, constants.StatusPass, payload["status"], "%v", payload)
}
