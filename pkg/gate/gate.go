// Package gate implements the meaningful-execution gate: the final proof
// that a run actually changed something and that its declarations agree
// with the patch and with live git state. The verdict and its fail modes
// are written next to the run as VERIFY_MEANINGFUL_GATE.{json,md}.
package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/contracts"
	"github.com/hitechos/factory/pkg/gitutil"
	"github.com/hitechos/factory/pkg/logger"
	"github.com/hitechos/factory/pkg/pathguard"
)

var log = logger.New("factory:gate")

// Fail-mode codes, each naming one way a run can fail the gate.
const (
	EmptyDeclarations   = "EMPTY_DECLARATIONS"
	EmptyPatch          = "EMPTY_PATCH"
	PhantomPaths        = "PHANTOM_PATHS"
	NoGitMutation       = "NO_GIT_MUTATION"
	PatchNotApplicable  = "PATCH_NOT_APPLICABLE"
	DeclarationMismatch = "DECLARATION_MISMATCH"
)

// FailModes lists every known code in report order.
var FailModes = []string{
	EmptyDeclarations,
	EmptyPatch,
	PhantomPaths,
	NoGitMutation,
	PatchNotApplicable,
	DeclarationMismatch,
}

// Stats summarizes the gate's inputs.
type Stats struct {
	ChangedFilesCount  int `json:"changed_files_count"`
	DiffBytes          int `json:"diff_bytes"`
	DeclaredPathsCount int `json:"declared_paths_count"`
	GitPathsCount      int `json:"git_paths_count"`
}

// Details carries the full path sets behind the verdict.
type Details struct {
	BaseRef               string   `json:"base_ref"`
	DeclaredPaths         []string `json:"declared_paths"`
	PatchPaths            []string `json:"patch_paths"`
	GitPaths              []string `json:"git_paths"`
	PhantomPaths          []string `json:"phantom_paths"`
	DeclaredNotInGit      []string `json:"declared_not_in_git"`
	PatchNotInGit         []string `json:"patch_not_in_git"`
	DeclaredPatchMismatch []string `json:"declared_patch_mismatch"`
	PatchApplies          bool     `json:"patch_applies"`
	PatchApplyDetail      string   `json:"patch_apply_detail"`
	Notes                 []string `json:"notes"`
}

// Report is the gate's full result.
type Report struct {
	SchemaVersion int               `json:"schema_version"`
	RunID         string            `json:"run_id"`
	Verdict       string            `json:"verdict"`
	FailModes     []string          `json:"fail_modes"`
	Noop          bool              `json:"noop"`
	NoopReason    string            `json:"noop_reason"`
	NoopAck       string            `json:"noop_ack"`
	Stats         Stats             `json:"stats"`
	Samples       []string          `json:"samples"`
	Details       Details           `json:"details"`
	Outputs       map[string]string `json:"outputs"`
}

// Options configures a gate run.
type Options struct {
	RepoRoot     string
	RunsDir      string
	WriteOutputs bool
}

func canonical(raw string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return ""
	}
	normalized, err := pathguard.NormalizePreserveCase(candidate)
	if err != nil {
		normalized = strings.Trim(strings.ReplaceAll(candidate, "\\", "/"), "/")
		for strings.Contains(normalized, "//") {
			normalized = strings.ReplaceAll(normalized, "//", "/")
		}
		normalized = strings.TrimPrefix(normalized, "./")
	}
	if pathguard.CasefoldPlatform() {
		return strings.ToLower(normalized)
	}
	return normalized
}

func collectGitMutations(ctx context.Context, repoRoot, baseRef string) (map[string]string, []string) {
	var notes []string
	merged := map[string]string{}

	headResult := gitutil.Git(ctx, repoRoot, "rev-parse", "HEAD")
	if headResult.RC != 0 {
		notes = append(notes, "HEAD is not available.")
		return merged, notes
	}
	head := strings.TrimSpace(headResult.StdoutTail)

	base := head
	baseResult := gitutil.Git(ctx, repoRoot, "rev-parse", "--verify", baseRef+"^{commit}")
	if baseResult.RC != 0 {
		notes = append(notes, fmt.Sprintf("base_ref is not resolvable: %s", baseRef))
	} else {
		base = strings.TrimSpace(baseResult.StdoutTail)
	}

	if base != "" && head != "" {
		diffResult := gitutil.Git(ctx, repoRoot, "diff", "--name-status", "--no-renames", base+".."+head)
		if diffResult.RC == 0 {
			for path, status := range gitutil.ParseNameStatus(diffResult.StdoutTail) {
				if key := canonical(path); key != "" {
					merged[key] = status
				}
			}
		} else {
			notes = append(notes, "git diff base..head failed.")
		}
	}

	statusResult := gitutil.Git(ctx, repoRoot, "status", "--porcelain=v1", "--untracked-files=all")
	if statusResult.RC == 0 {
		for path, status := range gitutil.ParsePorcelainStatus(statusResult.StdoutTail) {
			if key := canonical(path); key != "" {
				merged[key] = status
			}
		}
	} else {
		notes = append(notes, "git status --porcelain failed.")
	}

	return merged, notes
}

// parsePatchPaths extracts the touched path of each diff header, choosing
// the surviving side for adds and deletes.
func parsePatchPaths(diffText string) []string {
	seen := map[string]bool{}
	for _, rawLine := range strings.Split(diffText, "\n") {
		line := strings.TrimSpace(rawLine)
		if strings.HasPrefix(line, "diff --git ") {
			parts := strings.Fields(line)
			if len(parts) >= 4 {
				left := strings.TrimPrefix(parts[2], "a/")
				right := strings.TrimPrefix(parts[3], "b/")
				chosen := right
				if right == "/dev/null" {
					chosen = left
				}
				if key := canonical(chosen); key != "" {
					seen[key] = true
				}
			}
			continue
		}
		if strings.HasPrefix(line, "+++ b/") || strings.HasPrefix(line, "--- a/") {
			candidate := strings.TrimSpace(line[6:])
			if candidate == "/dev/null" {
				continue
			}
			if key := canonical(candidate); key != "" {
				seen[key] = true
			}
		}
	}
	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// patchCheck verifies a patch applies forward or reverse. The merged
// integrator patch carries per-worker fence comments, which git apply does
// not accept; the fences are stripped into a sibling temp file first.
func patchCheck(ctx context.Context, repoRoot, patchPath, diffText string) (bool, string) {
	var kept []string
	for _, line := range strings.Split(diffText, "\n") {
		if strings.HasPrefix(line, "# >>> BEGIN ") || strings.HasPrefix(line, "# <<< END ") {
			continue
		}
		kept = append(kept, line)
	}
	sanitized := strings.Join(kept, "\n")
	if sanitized != diffText {
		tmp, err := os.CreateTemp("", "gate-*.patch")
		if err == nil {
			if _, err := tmp.WriteString(sanitized); err == nil {
				patchPath = tmp.Name()
			}
			_ = tmp.Close()
			defer os.Remove(tmp.Name())
		}
	}
	forward := gitutil.Git(ctx, repoRoot, "apply", "--check", "--verbose", patchPath)
	if forward.RC == 0 {
		return true, "forward"
	}
	reverse := gitutil.Git(ctx, repoRoot, "apply", "--check", "--reverse", "--verbose", patchPath)
	if reverse.RC == 0 {
		return true, "reverse"
	}
	detail := strings.TrimSpace(forward.StderrTail)
	if detail == "" {
		detail = strings.TrimSpace(forward.StdoutTail)
	}
	if detail == "" {
		detail = strings.TrimSpace(reverse.Combined())
	}
	return false, detail
}

// Run executes the gate for one run id.
func Run(ctx context.Context, runID string, opts Options) (Report, error) {
	runDir := filepath.Join(opts.RunsDir, runID)
	zDir := filepath.Join(runDir, constants.Integrator)
	filesChangedPath := filepath.Join(zDir, "FILES_CHANGED.json")
	diffPath := filepath.Join(zDir, "DIFF.patch")
	manifestPath := filepath.Join(runDir, constants.RunManifestFileName)
	reportJSON := filepath.Join(runDir, constants.GateReportJSONName)
	reportMD := filepath.Join(runDir, constants.GateReportMDName)

	var notes []string
	failModes := map[string]bool{}
	blocked := false

	baseRef := "HEAD"
	var manifest map[string]any
	if err := contracts.ReadJSONFile(manifestPath, &manifest); err != nil {
		notes = append(notes, "RUN_MANIFEST.json is missing; base_ref fallback to HEAD.")
	} else if value, ok := manifest["base_ref"].(string); ok && value != "" {
		baseRef = value
	}

	if _, err := os.Stat(runDir); err != nil {
		blocked = true
		notes = append(notes, fmt.Sprintf("run directory missing: %s", filepath.ToSlash(runDir)))
	}

	var filesChanged contracts.FilesChanged
	if err := contracts.ReadJSONFile(filesChangedPath, &filesChanged); err != nil {
		if os.IsNotExist(err) {
			failModes[EmptyDeclarations] = true
			notes = append(notes, "FILES_CHANGED.json is missing.")
		} else {
			blocked = true
			notes = append(notes, fmt.Sprintf("FILES_CHANGED.json is unreadable: %v", err))
		}
	}

	diffText := ""
	if raw, err := os.ReadFile(diffPath); err == nil {
		diffText = string(raw)
	} else {
		failModes[EmptyPatch] = true
		notes = append(notes, "DIFF.patch is missing.")
	}

	declaredSet := map[string]bool{}
	for _, change := range filesChanged.Changes {
		if key := canonical(change.Path); key != "" {
			declaredSet[key] = true
		}
	}
	declaredPaths := sortedKeys(declaredSet)

	noopDeclared := filesChanged.Noop &&
		strings.TrimSpace(filesChanged.NoopReason) != "" &&
		strings.TrimSpace(filesChanged.NoopAck) != ""

	if !noopDeclared && len(filesChanged.Changes) == 0 {
		failModes[EmptyDeclarations] = true
	}
	if !noopDeclared && strings.TrimSpace(diffText) == "" {
		failModes[EmptyPatch] = true
	}

	var phantomPaths []string
	for _, change := range filesChanged.Changes {
		key := canonical(change.Path)
		if key == "" {
			continue
		}
		changeType := strings.ToLower(strings.TrimSpace(change.ChangeType))
		_, statErr := os.Stat(filepath.Join(opts.RepoRoot, filepath.FromSlash(key)))
		exists := statErr == nil
		expectsExists := changeType != "deleted"
		if expectsExists != exists {
			phantomPaths = append(phantomPaths, key)
		}
	}
	if len(phantomPaths) > 0 {
		failModes[PhantomPaths] = true
	}

	gitMutations, gitNotes := collectGitMutations(ctx, opts.RepoRoot, baseRef)
	notes = append(notes, gitNotes...)

	// Run artifacts are written under the runs directory during the run
	// itself; they are not evidence of repository mutation.
	runsPrefix := canonical(constants.RunsDirRel)
	gitSet := map[string]bool{}
	excluded := false
	for path := range gitMutations {
		if path == runsPrefix || strings.HasPrefix(path, runsPrefix+"/") {
			excluded = true
			continue
		}
		gitSet[path] = true
	}
	if excluded {
		notes = append(notes, "excluded run-artifact paths from git mutation set")
	}
	gitPaths := sortedKeys(gitSet)
	if !noopDeclared && len(gitPaths) == 0 {
		failModes[NoGitMutation] = true
	}

	patchPaths := parsePatchPaths(diffText)
	patchSet := map[string]bool{}
	for _, path := range patchPaths {
		patchSet[path] = true
	}

	declaredNotInGit := difference(declaredSet, gitSet)
	patchNotInGit := difference(patchSet, gitSet)
	declaredPatchMismatch := symmetricDifference(declaredSet, patchSet)
	if !noopDeclared && (len(declaredNotInGit) > 0 || len(patchNotInGit) > 0 || len(declaredPatchMismatch) > 0) {
		failModes[DeclarationMismatch] = true
	}

	patchApplies := true
	patchApplyDetail := ""
	if strings.TrimSpace(diffText) != "" && !noopDeclared {
		patchApplies, patchApplyDetail = patchCheck(ctx, opts.RepoRoot, diffPath, diffText)
		if !patchApplies {
			failModes[PatchNotApplicable] = true
		}
	} else if strings.TrimSpace(diffText) == "" {
		patchApplies = false
		patchApplyDetail = "patch is empty"
	}

	verdict := constants.StatusPass
	switch {
	case blocked:
		verdict = constants.StatusBlocked
	case len(failModes) > 0:
		verdict = constants.StatusFail
	}

	samplePool := map[string]bool{}
	for _, source := range [][]string{declaredPaths, patchPaths, gitPaths, phantomPaths, declaredNotInGit, patchNotInGit, declaredPatchMismatch} {
		for _, path := range source {
			samplePool[path] = true
		}
	}
	samples := sortedKeys(samplePool)
	if len(samples) > 10 {
		samples = samples[:10]
	}

	modes := make([]string, 0, len(failModes))
	for _, mode := range FailModes {
		if failModes[mode] {
			modes = append(modes, mode)
		}
	}
	sort.Strings(modes)

	noopReason := ""
	noopAck := ""
	if noopDeclared {
		noopReason = strings.TrimSpace(filesChanged.NoopReason)
		noopAck = strings.TrimSpace(filesChanged.NoopAck)
	}

	sort.Strings(notes)
	report := Report{
		SchemaVersion: constants.SchemaVersion,
		RunID:         runID,
		Verdict:       verdict,
		FailModes:     modes,
		Noop:          noopDeclared,
		NoopReason:    noopReason,
		NoopAck:       noopAck,
		Stats: Stats{
			ChangedFilesCount:  len(filesChanged.Changes),
			DiffBytes:          len(diffText),
			DeclaredPathsCount: len(declaredPaths),
			GitPathsCount:      len(gitPaths),
		},
		Samples: samples,
		Details: Details{
			BaseRef:               baseRef,
			DeclaredPaths:         declaredPaths,
			PatchPaths:            patchPaths,
			GitPaths:              gitPaths,
			PhantomPaths:          sortedUnique(phantomPaths),
			DeclaredNotInGit:      declaredNotInGit,
			PatchNotInGit:         patchNotInGit,
			DeclaredPatchMismatch: declaredPatchMismatch,
			PatchApplies:          patchApplies,
			PatchApplyDetail:      patchApplyDetail,
			Notes:                 sortedUnique(notes),
		},
		Outputs: map[string]string{
			"json": filepath.ToSlash(reportJSON),
			"md":   filepath.ToSlash(reportMD),
		},
	}

	if opts.WriteOutputs {
		if _, err := os.Stat(runDir); err == nil {
			if err := contracts.WriteJSONFile(reportJSON, report); err != nil {
				return report, err
			}
			if err := os.WriteFile(reportMD, []byte(renderMarkdown(report)), 0o644); err != nil {
				return report, err
			}
		}
	}
	log.Printf("gate run=%s verdict=%s fail_modes=%v", runID, verdict, modes)
	return report, nil
}

// ExitCode maps a verdict to the gate's process exit code.
func ExitCode(verdict string) int {
	switch verdict {
	case constants.StatusPass, constants.StatusWarn:
		return 0
	case constants.StatusFail, constants.StatusBlocked:
		return 2
	}
	return 1
}

func renderMarkdown(report Report) string {
	failModes := "<none>"
	if len(report.FailModes) > 0 {
		failModes = strings.Join(report.FailModes, ", ")
	}
	lines := []string{
		"# VERIFY_MEANINGFUL_GATE",
		"",
		fmt.Sprintf("- Verdict: `%s`", report.Verdict),
		fmt.Sprintf("- NOOP: `%t`", report.Noop),
		fmt.Sprintf("- NOOP reason: `%s`", report.NoopReason),
		fmt.Sprintf("- NOOP ack: `%s`", report.NoopAck),
		fmt.Sprintf("- Fail modes: `%s`", failModes),
		"",
		"## Stats",
		fmt.Sprintf("- changed_files_count: `%d`", report.Stats.ChangedFilesCount),
		fmt.Sprintf("- diff_bytes: `%d`", report.Stats.DiffBytes),
		fmt.Sprintf("- declared_paths_count: `%d`", report.Stats.DeclaredPathsCount),
		fmt.Sprintf("- git_paths_count: `%d`", report.Stats.GitPathsCount),
		"",
		"## Samples (up to 10)",
	}
	if len(report.Samples) == 0 {
		lines = append(lines, "- <none>")
	}
	for _, path := range report.Samples {
		lines = append(lines, fmt.Sprintf("- `%s`", path))
	}
	if len(report.Details.Notes) > 0 {
		lines = append(lines, "", "## Notes")
		for _, note := range report.Details.Notes {
			lines = append(lines, "- "+note)
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func sortedUnique(values []string) []string {
	set := map[string]bool{}
	for _, value := range values {
		set[value] = true
	}
	return sortedKeys(set)
}

func difference(left, right map[string]bool) []string {
	out := map[string]bool{}
	for key := range left {
		if !right[key] {
			out[key] = true
		}
	}
	return sortedKeys(out)
}

func symmetricDifference(left, right map[string]bool) []string {
	out := map[string]bool{}
	for key := range left {
		if !right[key] {
			out[key] = true
		}
	}
	for key := range right {
		if !left[key] {
			out[key] = true
		}
	}
	return sortedKeys(out)
}
