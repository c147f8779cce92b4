// Package overlap performs cross-worker file-collision and scope-policy
// analysis over the bundles of one run. Declared paths and patch headers
// both count as "touching" a path; a patch path missing from the worker's
// own declarations is a hidden overlap and blocks the run unconditionally.
package overlap

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/contracts"
	"github.com/hitechos/factory/pkg/logger"
	"github.com/hitechos/factory/pkg/pathguard"
)

var log = logger.New("factory:overlap")

var patchPathRe = regexp.MustCompile(`^(?:\+\+\+ b/|--- a/)(.+)$`)

// Overlap is one multi-worker collision on a canonical path.
type Overlap struct {
	Path           string   `json:"path"`
	Workers        []string `json:"workers"`
	Status         string   `json:"status"`
	Reasons        []string `json:"reasons"`
	IdenticalPatch bool     `json:"identical_patch"`
}

// HiddenOverlap is a patch path missing from the worker's declarations.
type HiddenOverlap struct {
	Worker string `json:"worker"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// InvalidPath is a declared path the path guard rejected.
type InvalidPath struct {
	Worker string `json:"worker"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Report is the full overlap-detection result for a run.
type Report struct {
	RunID                      string          `json:"run_id"`
	Status                     string          `json:"status"`
	Overlaps                   []Overlap       `json:"overlaps"`
	HiddenOverlaps             []HiddenOverlap `json:"hidden_overlaps"`
	InvalidPaths               []InvalidPath   `json:"invalid_paths"`
	Blocked                    int             `json:"blocked"`
	StrictMode                 bool            `json:"strict_mode"`
	AllowIdenticalPatchOverlap bool            `json:"allow_identical_patch_overlap"`
}

func loadChanges(cfg config.Config, runID, worker string) []contracts.Change {
	path := filepath.Join(contracts.BundleDir(cfg.Paths.RunsDir, runID, worker), "FILES_CHANGED.json")
	var payload contracts.FilesChanged
	if err := contracts.ReadJSONFile(path, &payload); err != nil {
		return nil
	}
	sort.Slice(payload.Changes, func(i, j int) bool {
		if payload.Changes[i].Path != payload.Changes[j].Path {
			return payload.Changes[i].Path < payload.Changes[j].Path
		}
		return payload.Changes[i].ChangeType < payload.Changes[j].ChangeType
	})
	return payload.Changes
}

func loadDiff(cfg config.Config, runID, worker string) string {
	path := filepath.Join(contracts.BundleDir(cfg.Paths.RunsDir, runID, worker), "DIFF.patch")
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(raw)
}

func loadScopeLock(cfg config.Config, runID, worker string) contracts.ScopeLock {
	path := filepath.Join(contracts.BundleDir(cfg.Paths.RunsDir, runID, worker), "SCOPE_LOCK.json")
	var lock contracts.ScopeLock
	if err := contracts.ReadJSONFile(path, &lock); err != nil {
		return contracts.ScopeLock{WorkerID: worker, AllowedGlobs: []string{}, BlockedGlobs: []string{}, AllowSharedPaths: []string{}}
	}
	return lock
}

// ExtractPatchPaths collects every a/ and b/ path from unified diff
// headers, excluding /dev/null, canonicalized and sorted. Paths the guard
// rejects are dropped here; declared-path validation reports them.
func ExtractPatchPaths(diffText string) []string {
	seen := map[string]bool{}
	for _, rawLine := range strings.Split(diffText, "\n") {
		match := patchPathRe.FindStringSubmatch(strings.TrimSpace(rawLine))
		if match == nil {
			continue
		}
		raw := strings.TrimSpace(match[1])
		if raw == "/dev/null" {
			continue
		}
		normalized, err := pathguard.Normalize(raw)
		if err != nil {
			continue
		}
		seen[normalized] = true
	}
	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// DetectFileOverlaps runs collision analysis across the chosen workers.
func DetectFileOverlaps(cfg config.Config, runID string, workers []string, strictMode, allowIdenticalPatchOverlap bool) Report {
	type toucher struct {
		worker string
	}
	owners := map[string][]toucher{}
	scopeLocks := map[string]contracts.ScopeLock{}
	patchHashes := map[string]string{}
	var hidden []HiddenOverlap
	var invalid []InvalidPath

	for _, worker := range workers {
		scopeLocks[worker] = loadScopeLock(cfg, runID, worker)

		declared := map[string]bool{}
		for _, change := range loadChanges(cfg, runID, worker) {
			raw := strings.TrimSpace(change.Path)
			if raw == "" {
				continue
			}
			normalized, err := pathguard.Normalize(raw)
			if err != nil {
				invalid = append(invalid, InvalidPath{Worker: worker, Path: raw, Reason: err.Error()})
				continue
			}
			declared[normalized] = true
			owners[normalized] = append(owners[normalized], toucher{worker: worker})
		}

		diffText := loadDiff(cfg, runID, worker)
		if strings.TrimSpace(diffText) != "" {
			digest := sha256.Sum256([]byte(diffText))
			patchHashes[worker] = hex.EncodeToString(digest[:])
		}
		for _, patchPath := range ExtractPatchPaths(diffText) {
			if !declared[patchPath] {
				hidden = append(hidden, HiddenOverlap{
					Worker: worker,
					Path:   patchPath,
					Reason: "path present in DIFF.patch but missing from FILES_CHANGED",
				})
			}
			owners[patchPath] = append(owners[patchPath], toucher{worker: worker})
		}
	}

	paths := make([]string, 0, len(owners))
	for path := range owners {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var overlaps []Overlap
	for _, path := range paths {
		workerSet := map[string]bool{}
		for _, entry := range owners[path] {
			workerSet[entry.worker] = true
		}
		if len(workerSet) <= 1 {
			continue
		}
		touching := make([]string, 0, len(workerSet))
		for worker := range workerSet {
			touching = append(touching, worker)
		}
		sort.Strings(touching)

		sharedAllowed := true
		reasonSet := map[string]bool{}
		for _, worker := range touching {
			lock := scopeLocks[worker]
			if !containsString(lock.AllowSharedPaths, path) {
				sharedAllowed = false
			}
			for _, glob := range lock.BlockedGlobs {
				if pathguard.MatchGlob(glob, path) {
					reasonSet[worker+" blocked by scope rule"] = true
				}
			}
		}

		hashSet := map[string]bool{}
		for _, worker := range touching {
			if hash := patchHashes[worker]; hash != "" {
				hashSet[hash] = true
			}
		}
		identicalPatch := len(hashSet) == 1

		var status string
		switch {
		case allowIdenticalPatchOverlap && identicalPatch:
			status = constants.StatusWarn
			reasonSet["identical_patch_exception"] = true
		case strictMode:
			status = constants.StatusBlocked
		case sharedAllowed:
			status = constants.StatusWarn
		default:
			status = constants.StatusBlocked
		}

		reasons := make([]string, 0, len(reasonSet))
		for reason := range reasonSet {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		overlaps = append(overlaps, Overlap{
			Path:           path,
			Workers:        touching,
			Status:         status,
			Reasons:        reasons,
			IdenticalPatch: identicalPatch,
		})
	}

	sort.Slice(overlaps, func(i, j int) bool {
		if overlaps[i].Path != overlaps[j].Path {
			return overlaps[i].Path < overlaps[j].Path
		}
		return strings.Join(overlaps[i].Workers, ",") < strings.Join(overlaps[j].Workers, ",")
	})
	sort.Slice(hidden, func(i, j int) bool {
		if hidden[i].Path != hidden[j].Path {
			return hidden[i].Path < hidden[j].Path
		}
		return hidden[i].Worker < hidden[j].Worker
	})
	sort.Slice(invalid, func(i, j int) bool {
		if invalid[i].Path != invalid[j].Path {
			return invalid[i].Path < invalid[j].Path
		}
		return invalid[i].Worker < invalid[j].Worker
	})

	blocked := 0
	for _, item := range overlaps {
		if item.Status == constants.StatusBlocked {
			blocked++
		}
	}
	blocked += len(hidden) + len(invalid)

	status := constants.StatusPass
	if blocked > 0 {
		status = constants.StatusBlocked
	}
	log.Printf("overlap check run=%s overlaps=%d hidden=%d invalid=%d", runID, len(overlaps), len(hidden), len(invalid))
	if overlaps == nil {
		overlaps = []Overlap{}
	}
	if hidden == nil {
		hidden = []HiddenOverlap{}
	}
	if invalid == nil {
		invalid = []InvalidPath{}
	}
	return Report{
		RunID:                      runID,
		Status:                     status,
		Overlaps:                   overlaps,
		HiddenOverlaps:             hidden,
		InvalidPaths:               invalid,
		Blocked:                    blocked,
		StrictMode:                 strictMode,
		AllowIdenticalPatchOverlap: allowIdenticalPatchOverlap,
	}
}

// Violation is one scope-policy breach.
type Violation struct {
	Worker string `json:"worker"`
	Path   string `json:"path"`
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// ScopeReport is the scope-detection result for a run.
type ScopeReport struct {
	RunID      string      `json:"run_id"`
	Status     string      `json:"status"`
	Violations []Violation `json:"violations"`
	Blocked    int         `json:"blocked"`
}

// DetectScopeViolations checks every declared path against its worker's
// scope lock and the protected prefixes.
func DetectScopeViolations(cfg config.Config, runID string, workers []string) ScopeReport {
	var violations []Violation
	for _, worker := range workers {
		lock := loadScopeLock(cfg, runID, worker)
		var paths []string
		for _, change := range loadChanges(cfg, runID, worker) {
			if strings.TrimSpace(change.Path) != "" {
				paths = append(paths, change.Path)
			}
		}
		for _, issue := range pathguard.ScopeViolations(worker, paths, lock.AllowedGlobs, lock.BlockedGlobs, true) {
			rule := "allowed_globs"
			if strings.Contains(issue.Reason, "denylist") {
				rule = "blocked_globs"
			}
			if strings.Contains(issue.Reason, "protected") {
				rule = "protected_paths"
			}
			violations = append(violations, Violation{
				Worker: worker,
				Path:   issue.Path,
				Rule:   rule,
				Detail: issue.Reason,
			})
		}
	}
	sort.Slice(violations, func(i, j int) bool {
		a, b := violations[i], violations[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Worker != b.Worker {
			return a.Worker < b.Worker
		}
		return a.Rule < b.Rule
	})
	status := constants.StatusPass
	if len(violations) > 0 {
		status = constants.StatusBlocked
	}
	if violations == nil {
		violations = []Violation{}
	}
	return ScopeReport{RunID: runID, Status: status, Violations: violations, Blocked: len(violations)}
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
