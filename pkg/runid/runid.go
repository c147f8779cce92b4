// Package runid mints and parses run identifiers.
//
// New-format ids look like `<kind>_<YYYYMMDD>_<HHMMSS>_<hash8>_<seq3>` and
// draw their sequence from the ledger. The legacy short form
// (`<YYYYMMDD>_<seq>` or `<YYYYMMDD>_<HHMMSS>_<RAND4>`) is still accepted
// on input and can be minted for compatibility tooling; the two formats
// keep independent sequence namespaces.
package runid

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitechos/factory/pkg/gitutil"
	"github.com/hitechos/factory/pkg/ledger"
)

var (
	newFormatRe    = regexp.MustCompile(`^[a-z][a-z0-9_]*_\d{8}_\d{6}_[0-9a-f]{8}_\d{3}$`)
	legacySeqRe    = regexp.MustCompile(`^\d{8}_\d+$`)
	legacyRandRe   = regexp.MustCompile(`^\d{8}_\d{6}_[A-Z0-9]{4}$`)
	maxLegacyTries = 512
)

// Identity describes one minted run id.
type Identity struct {
	RunID       string `json:"run_id"`
	Kind        string `json:"kind"`
	Stamp       string `json:"stamp"`
	BaseRef     string `json:"base_ref"`
	BaseRefHash string `json:"base_ref_hash"`
	Sequence    int    `json:"sequence"`
}

// IsValid reports whether an id matches any accepted format.
func IsValid(runID string) bool {
	return newFormatRe.MatchString(runID) || IsLegacy(runID)
}

// IsLegacy reports whether an id uses one of the legacy short forms.
func IsLegacy(runID string) bool {
	return legacySeqRe.MatchString(runID) || legacyRandRe.MatchString(runID)
}

// Validate returns the problems with a run id, empty when acceptable.
func Validate(runID string) []string {
	if IsValid(runID) {
		return nil
	}
	return []string{fmt.Sprintf(
		"run id must match <kind>_<YYYYMMDD>_<HHMMSS>_<hash8>_<seq3> or a legacy short form: %q", runID)}
}

// CompactStamp renders the timestamp component.
func CompactStamp(t time.Time) string {
	return t.UTC().Format("20060102_150405")
}

// BaseRefHash resolves a ref to a commit via git and hashes it; when the
// ref does not resolve the literal ref string is hashed instead, so an id
// can always be minted.
func BaseRefHash(ctx context.Context, repoRoot, baseRef string) string {
	source := baseRef
	if commit, ok := gitutil.ResolveCommit(ctx, repoRoot, baseRef); ok {
		source = commit
	}
	digest := sha256.Sum256([]byte(source))
	return hex.EncodeToString(digest[:])[:8]
}

// Next mints the next new-format identity for a kind, consulting the
// ledger for existing ids with the same prefix.
func Next(ctx context.Context, l *ledger.Ledger, repoRoot, kind, baseRef string, now time.Time) (Identity, error) {
	stamp := CompactStamp(now)
	hash := BaseRefHash(ctx, repoRoot, baseRef)
	prefix := fmt.Sprintf("%s_%s_%s", kind, stamp, hash)

	existing, err := l.RunIDs()
	if err != nil {
		return Identity{}, fmt.Errorf("failed to query ledger for run ids: %w", err)
	}
	sequence := 1
	var matching []string
	for _, id := range existing {
		if strings.HasPrefix(id, prefix) {
			matching = append(matching, id)
		}
	}
	if len(matching) > 0 {
		sort.Strings(matching)
		last := matching[len(matching)-1]
		tail := last[strings.LastIndex(last, "_")+1:]
		if parsed, err := strconv.Atoi(tail); err == nil {
			sequence = parsed + 1
		}
	}

	return Identity{
		RunID:       fmt.Sprintf("%s_%03d", prefix, sequence),
		Kind:        kind,
		Stamp:       stamp,
		BaseRef:     baseRef,
		BaseRefHash: hash,
		Sequence:    sequence,
	}, nil
}

// NextLegacy mints a legacy `<YYYYMMDD>_<HHMMSS>_<RAND4>` id, scanning the
// runs, prompts, and prompt-zips directories for same-day collisions and
// retrying with fresh entropy. The entropy source is injected so tests can
// force collisions.
func NextLegacy(now time.Time, runsDir, promptsDir, promptZipsDir string, entropy func() string) (string, error) {
	day := now.UTC().Format("20060102")
	existing := collectLegacyIDs(day, runsDir, promptsDir, promptZipsDir)
	stamp := CompactStamp(now)
	for try := 0; try < maxLegacyTries; try++ {
		candidate := fmt.Sprintf("%s_%s", stamp, entropy())
		if existing[candidate] {
			continue
		}
		if _, err := os.Stat(filepath.Join(runsDir, candidate)); err == nil {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("unable to allocate collision-safe run id after %d attempts", maxLegacyTries)
}

// DefaultEntropy produces the 4-char uppercase token used by legacy ids.
func DefaultEntropy() string {
	id := uuid.New()
	return strings.ToUpper(hex.EncodeToString(id[:2]))
}

func collectLegacyIDs(dayPrefix string, roots ...string) map[string]bool {
	found := map[string]bool{}
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			name = strings.TrimSuffix(name, ".zip")
			if !IsLegacy(name) {
				continue
			}
			if strings.HasPrefix(name, dayPrefix+"_") {
				found[name] = true
			}
		}
	}
	return found
}
