package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const runID = "factory_20260101_000000_abcd1234_001"

func TestBundleAttestationExcludesItself(t *testing.T) {
	runsDir := t.TempDir()
	runRoot := filepath.Join(runsDir, runID)
	require.NoError(t, os.MkdirAll(filepath.Join(runRoot, "A_worker"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runRoot, "A_worker", "STATUS.json"), []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(runRoot, "RUN_MANIFEST.json"), []byte("{}\n"), 0o644))

	path, err := WriteBundleAttestation(runsDir, runID)
	require.NoError(t, err)
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(first), "A_worker/STATUS.json")
	require.Contains(t, string(first), "RUN_MANIFEST.json")
	require.NotContains(t, string(first), "attestations/")

	// Re-running after the manifest exists must not change the manifest.
	_, err = WriteBundleAttestation(runsDir, runID)
	require.NoError(t, err)
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))
}

func TestManifestDigestsMatchContent(t *testing.T) {
	runsDir := t.TempDir()
	runRoot := filepath.Join(runsDir, runID)
	content := []byte("report body\n")
	require.NoError(t, os.MkdirAll(filepath.Join(runRoot, "Z_integrator"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runRoot, "Z_integrator", "FINAL_REPORT.txt"), content, 0o644))

	path, err := WriteReportAttestation(runsDir, runID)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	digest := sha256.Sum256(content)
	require.True(t, strings.HasPrefix(string(data), hex.EncodeToString(digest[:])+"  Z_integrator/FINAL_REPORT.txt"))
}

func TestLedgerAttestationEmptyWhenNoLedger(t *testing.T) {
	runsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(runsDir, runID), 0o755))
	path, err := WriteLedgerAttestation(runsDir, runID)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestWriteAll(t *testing.T) {
	runsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(runsDir, runID), 0o755))
	paths, err := WriteAll(runsDir, runID)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	for _, path := range paths {
		require.FileExists(t, path)
	}
}
