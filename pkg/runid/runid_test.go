package runid

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hitechos/factory/pkg/ledger"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2026, 2, 28, 21, 59, 59, 0, time.UTC)

func TestFormats(t *testing.T) {
	require.True(t, IsValid("factory_20260228_215959_abcd1234_001"))
	require.True(t, IsValid("20260228_17"))
	require.True(t, IsValid("20260228_215959_A1B2"))
	require.False(t, IsValid("factory_20260228"))
	require.False(t, IsValid("FACTORY_20260228_215959_abcd1234_001"))
	require.False(t, IsValid(""))

	require.True(t, IsLegacy("20260228_17"))
	require.False(t, IsLegacy("factory_20260228_215959_abcd1234_001"))
}

func TestValidate(t *testing.T) {
	require.Empty(t, Validate("20260228_1"))
	require.NotEmpty(t, Validate("definitely wrong"))
}

func TestNextFirstSequence(t *testing.T) {
	l := ledger.New(t.TempDir())
	identity, err := Next(context.Background(), l, t.TempDir(), "factory", "HEAD", fixedTime)
	require.NoError(t, err)
	require.Equal(t, 1, identity.Sequence)
	require.Regexp(t, `^factory_20260228_215959_[0-9a-f]{8}_001$`, identity.RunID)
	require.Len(t, identity.BaseRefHash, 8)
	require.True(t, IsValid(identity.RunID))
}

func TestNextIncrementsSequence(t *testing.T) {
	runsDir := t.TempDir()
	repoRoot := t.TempDir()
	l := ledger.New(runsDir)

	first, err := Next(context.Background(), l, repoRoot, "factory", "HEAD", fixedTime)
	require.NoError(t, err)
	_, err = l.Append(ledger.Event{RunID: first.RunID, EventType: "RUN_START", Actor: "Z_integrator"})
	require.NoError(t, err)

	second, err := Next(context.Background(), l, repoRoot, "factory", "HEAD", fixedTime)
	require.NoError(t, err)
	require.Equal(t, 2, second.Sequence)
	require.NotEqual(t, first.RunID, second.RunID)
}

func TestBaseRefHashFallsBackToLiteralRef(t *testing.T) {
	// A temp dir is not a git repository, so the literal ref is hashed.
	hashA := BaseRefHash(context.Background(), t.TempDir(), "refs/heads/main")
	hashB := BaseRefHash(context.Background(), t.TempDir(), "refs/heads/main")
	hashC := BaseRefHash(context.Background(), t.TempDir(), "refs/heads/other")
	require.Equal(t, hashA, hashB)
	require.NotEqual(t, hashA, hashC)
}

func TestNextLegacyAvoidsCollisions(t *testing.T) {
	runsDir := t.TempDir()
	promptsDir := t.TempDir()
	zipsDir := t.TempDir()

	stamp := CompactStamp(fixedTime)
	require.NoError(t, os.MkdirAll(filepath.Join(runsDir, stamp+"_AAAA"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(zipsDir, stamp+"_BBBB.zip"), nil, 0o644))

	tokens := []string{"AAAA", "BBBB", "CCCC"}
	i := 0
	entropy := func() string { token := tokens[i%len(tokens)]; i++; return token }

	id, err := NextLegacy(fixedTime, runsDir, promptsDir, zipsDir, entropy)
	require.NoError(t, err)
	require.Equal(t, stamp+"_CCCC", id)
}

func TestNextLegacyExhaustion(t *testing.T) {
	runsDir := t.TempDir()
	stamp := CompactStamp(fixedTime)
	require.NoError(t, os.MkdirAll(filepath.Join(runsDir, stamp+"_AAAA"), 0o755))

	_, err := NextLegacy(fixedTime, runsDir, t.TempDir(), t.TempDir(), func() string { return "AAAA" })
	require.Error(t, err)
}

func TestDefaultEntropyShape(t *testing.T) {
	token := DefaultEntropy()
	require.Len(t, token, 4)
	require.Regexp(t, `^[0-9A-F]{4}$`, token)
}
