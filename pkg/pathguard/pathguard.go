// Package pathguard normalizes and validates every path string crossing a
// trust boundary: FILES_CHANGED entries, diff headers, scope globs, and
// bundle artifact names. The canonical form (forward slashes, no dot
// segments, lowercased) is the comparison key for overlap and scope
// detection.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MaxRelPathLen bounds relative path length in bytes.
const MaxRelPathLen = 1024

var windowsDriveRe = regexp.MustCompile(`^[a-zA-Z]:[/\\]`)

// ProtectedPrefixes are forbidden to all workers regardless of scope locks.
var ProtectedPrefixes = []string{".git", ".env", ".env.", ".github/workflows"}

// Error is the failure type for path validation. Reason identifies the rule
// that fired (empty, nul, absolute, colon, traversal, home, length, root,
// escape, symlink).
type Error struct {
	Reason string
	Path   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("path guard: %s: %s (%s)", e.Reason, e.Path, e.Detail)
	}
	return fmt.Sprintf("path guard: %s: %s", e.Reason, e.Path)
}

// Issue records one rejected or violating path with its owner worker.
// Issues sort by (path, worker, reason) wherever they are serialized.
type Issue struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
	Worker string `json:"worker,omitempty"`
}

func isAbsoluteLike(raw string) bool {
	text := strings.TrimSpace(raw)
	if text == "" {
		return false
	}
	if strings.HasPrefix(text, "/") || strings.HasPrefix(text, "\\\\") || strings.HasPrefix(text, "//") {
		return true
	}
	return windowsDriveRe.MatchString(text)
}

// Normalize canonicalizes a relative path. It rejects empty strings, NUL
// bytes, absolute paths (POSIX, UNC, drive-letter), colons, traversal and
// home-shorthand segments, and over-long results. Backslashes become
// forward slashes, `.` segments and duplicate slashes collapse.
func Normalize(raw string) (string, error) {
	return normalize(raw, true)
}

// NormalizePreserveCase is Normalize without the lowercase fold. The gate
// uses it when comparing against live git output on case-sensitive
// filesystems.
func NormalizePreserveCase(raw string) (string, error) {
	return normalize(raw, false)
}

func normalize(raw string, casefold bool) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", &Error{Reason: "empty", Path: raw}
	}
	if strings.ContainsRune(value, 0) {
		return "", &Error{Reason: "nul", Path: raw}
	}
	if isAbsoluteLike(value) {
		return "", &Error{Reason: "absolute", Path: raw}
	}
	if strings.Contains(value, ":") {
		// Rejects drive tricks like C:foo and ADS-style suffixes.
		return "", &Error{Reason: "colon", Path: raw}
	}

	normalized := strings.ReplaceAll(value, "\\", "/")
	var parts []string
	for _, part := range strings.Split(normalized, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", &Error{Reason: "traversal", Path: raw}
		case "~":
			return "", &Error{Reason: "home", Path: raw}
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return "", &Error{Reason: "empty", Path: raw, Detail: "path resolves to empty"}
	}

	joined := strings.Join(parts, "/")
	if len(joined) > MaxRelPathLen {
		return "", &Error{Reason: "length", Path: raw, Detail: fmt.Sprintf("exceeds %d bytes", MaxRelPathLen)}
	}
	if casefold {
		joined = strings.ToLower(joined)
	}
	return joined, nil
}

// CanonicalKey returns the lowercased canonical form used for set
// membership and collision detection.
func CanonicalKey(raw string) (string, error) {
	return Normalize(raw)
}

// IsProtected reports whether a path falls under a protected prefix.
// The input is normalized first; invalid paths are not protected, they are
// invalid.
func IsProtected(relPath string) bool {
	normalized, err := Normalize(relPath)
	if err != nil {
		return false
	}
	for _, prefix := range ProtectedPrefixes {
		if normalized == prefix || strings.HasPrefix(normalized, prefix+"/") {
			return true
		}
		// The ".env." prefix also covers suffixed variants like .env.local.
		if strings.HasSuffix(prefix, ".") && strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

// EnsureWithinRoot resolves relPath against root and confirms the result is
// the root or a descendant. Symlinks encountered along the way are treated
// as escapes unless allowSymlinks is set.
func EnsureWithinRoot(root, relPath string, allowSymlinks bool) (string, error) {
	normalized, err := normalize(relPath, false)
	if err != nil {
		return "", err
	}
	resolvedRoot, err := filepath.Abs(root)
	if err != nil {
		return "", &Error{Reason: "root", Path: root, Detail: err.Error()}
	}
	candidate := filepath.Join(resolvedRoot, filepath.FromSlash(normalized))
	rel, err := filepath.Rel(resolvedRoot, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &Error{Reason: "escape", Path: relPath, Detail: "resolves outside root"}
	}
	if !allowSymlinks && hasSymlinkSegment(resolvedRoot, normalized) {
		return "", &Error{Reason: "symlink", Path: relPath, Detail: "path uses symlink escape"}
	}
	return candidate, nil
}

func hasSymlinkSegment(root, relPath string) bool {
	cursor := root
	for _, part := range strings.Split(relPath, "/") {
		cursor = filepath.Join(cursor, part)
		info, err := os.Lstat(cursor)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return true
		}
	}
	return false
}

// CasefoldPlatform reports whether path comparison should casefold on this
// platform. The canonical key always folds; the gate consults this when
// comparing against live filesystem state.
func CasefoldPlatform() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// NormalizeList canonicalizes, dedupes, and sorts a path list. Invalid
// entries surface as an error on the first failure.
func NormalizeList(paths []string) ([]string, error) {
	seen := map[string]bool{}
	for _, item := range paths {
		normalized, err := Normalize(item)
		if err != nil {
			return nil, err
		}
		seen[normalized] = true
	}
	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

// MatchGlob matches a canonical path against a scope glob. Globs use
// doublestar semantics, so `apps/**` covers the whole subtree.
func MatchGlob(pattern, path string) bool {
	ok, err := doublestar.Match(pattern, path)
	if err != nil {
		return false
	}
	if ok {
		return true
	}
	// `dir/**` should also cover `dir` itself.
	if base, found := strings.CutSuffix(pattern, "/**"); found && base == path {
		return true
	}
	return false
}

// ScopeViolations checks each path against a worker's allow/deny globs and
// the protected prefixes. Results sort by (path, worker, reason).
func ScopeViolations(worker string, paths, allowGlobs, denyGlobs []string, enforceProtected bool) []Issue {
	var violations []Issue
	for _, raw := range paths {
		normalized, err := Normalize(raw)
		if err != nil {
			violations = append(violations, Issue{Path: strings.TrimSpace(raw), Reason: err.Error(), Worker: worker})
			continue
		}
		if len(allowGlobs) > 0 && !matchAny(allowGlobs, normalized) {
			violations = append(violations, Issue{Path: normalized, Reason: "outside allowlist", Worker: worker})
		}
		if matchAny(denyGlobs, normalized) {
			violations = append(violations, Issue{Path: normalized, Reason: "matched denylist", Worker: worker})
		}
		if enforceProtected && IsProtected(normalized) {
			violations = append(violations, Issue{Path: normalized, Reason: "protected path", Worker: worker})
		}
	}
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Path != violations[j].Path {
			return violations[i].Path < violations[j].Path
		}
		if violations[i].Worker != violations[j].Worker {
			return violations[i].Worker < violations[j].Worker
		}
		return violations[i].Reason < violations[j].Reason
	})
	return violations
}

func matchAny(globs []string, path string) bool {
	for _, glob := range globs {
		if MatchGlob(glob, path) {
			return true
		}
	}
	return false
}
