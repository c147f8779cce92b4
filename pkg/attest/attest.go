// Package attest writes content-addressed sha256 manifests for run
// artifacts: the bundle tree, the ledger, and the final report. Manifest
// lines follow the coreutils form `<hex>  <relative-path>`.
package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hitechos/factory/pkg/constants"
)

type entry struct {
	digest string
	rel    string
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:]), nil
}

func writeManifest(path string, entries []entry) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	var builder strings.Builder
	for _, item := range entries {
		builder.WriteString(item.digest)
		builder.WriteString("  ")
		builder.WriteString(item.rel)
		builder.WriteString("\n")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create attestations directory: %w", err)
	}
	return os.WriteFile(path, []byte(builder.String()), 0o644)
}

// WriteBundleAttestation hashes every file under the run root except the
// attestations directory itself.
func WriteBundleAttestation(runsDir, runID string) (string, error) {
	runRoot := filepath.Join(runsDir, runID)
	var entries []entry
	err := filepath.WalkDir(runRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(runRoot, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, "attestations/") {
			return nil
		}
		digest, hashErr := hashFile(path)
		if hashErr != nil {
			return hashErr
		}
		entries = append(entries, entry{digest: digest, rel: rel})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to walk run root: %w", err)
	}
	target := filepath.Join(runRoot, "attestations", "bundles.sha256")
	return target, writeManifest(target, entries)
}

// WriteLedgerAttestation hashes the installation ledger into the run's
// attestations directory.
func WriteLedgerAttestation(runsDir, runID string) (string, error) {
	ledgerPath := filepath.Join(runsDir, constants.LedgerFileName)
	var entries []entry
	if digest, err := hashFile(ledgerPath); err == nil {
		entries = append(entries, entry{digest: digest, rel: constants.LedgerFileName})
	}
	target := filepath.Join(runsDir, runID, "attestations", "ledger.sha256")
	return target, writeManifest(target, entries)
}

// WriteReportAttestation hashes the final report.
func WriteReportAttestation(runsDir, runID string) (string, error) {
	runRoot := filepath.Join(runsDir, runID)
	reportPath := filepath.Join(runRoot, constants.Integrator, constants.FinalReportFileName)
	var entries []entry
	if digest, err := hashFile(reportPath); err == nil {
		rel := filepath.ToSlash(filepath.Join(constants.Integrator, constants.FinalReportFileName))
		entries = append(entries, entry{digest: digest, rel: rel})
	}
	target := filepath.Join(runRoot, "attestations", "report.sha256")
	return target, writeManifest(target, entries)
}

// WriteAll writes all three manifests and returns their paths.
func WriteAll(runsDir, runID string) (map[string]string, error) {
	bundles, err := WriteBundleAttestation(runsDir, runID)
	if err != nil {
		return nil, err
	}
	ledgerPath, err := WriteLedgerAttestation(runsDir, runID)
	if err != nil {
		return nil, err
	}
	report, err := WriteReportAttestation(runsDir, runID)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"bundles": filepath.ToSlash(bundles),
		"ledger":  filepath.ToSlash(ledgerPath),
		"report":  filepath.ToSlash(report),
	}, nil
}
