// Package gitutil provides small helpers around the git CLI used by the
// worktree manager, run identity, and the meaningful-execution gate.
package gitutil

import (
	"context"
	"strings"
	"time"

	"github.com/hitechos/factory/pkg/execx"
)

const gitTimeout = 60 * time.Second

// Git runs a git subcommand in the given directory and returns the typed
// result. Non-zero exit codes are returned as data.
func Git(ctx context.Context, cwd string, args ...string) execx.Result {
	argv := append([]string{"git"}, args...)
	return execx.Run(ctx, argv, execx.Options{Cwd: cwd, Timeout: gitTimeout})
}

// ResolveCommit resolves a ref to a full commit SHA. The second return is
// false when the ref does not resolve.
func ResolveCommit(ctx context.Context, cwd, ref string) (string, bool) {
	result := Git(ctx, cwd, "rev-parse", ref)
	commit := strings.TrimSpace(result.StdoutTail)
	if result.RC != 0 || commit == "" {
		return "", false
	}
	return commit, true
}

// Toplevel returns the repository root containing dir, or false when dir is
// not inside a git repository.
func Toplevel(ctx context.Context, dir string) (string, bool) {
	result := Git(ctx, dir, "rev-parse", "--show-toplevel")
	top := strings.TrimSpace(result.StdoutTail)
	if result.RC != 0 || top == "" {
		return "", false
	}
	return top, true
}

// IsHexString checks if a string contains only hexadecimal characters.
// Used to validate commit SHAs and content digests.
func IsHexString(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// ParseNameStatus parses `git diff --name-status` output into a map of
// path -> status letter. Rename and copy lines record the status under both
// the source and the target path.
func ParseNameStatus(text string) map[string]string {
	parsed := map[string]string{}
	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}
		columns := strings.Split(line, "\t")
		if len(columns) < 2 {
			continue
		}
		status := strings.TrimSpace(columns[0])
		for _, path := range columns[1:] {
			path = strings.TrimSpace(path)
			if path != "" {
				parsed[path] = status
			}
		}
	}
	return parsed
}

// ParsePorcelainStatus parses `git status --porcelain=v1` output into a map
// of path -> status. The rename arrow keeps only the destination path.
func ParsePorcelainStatus(text string) map[string]string {
	parsed := map[string]string{}
	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimRight(rawLine, "\n")
		if len(line) < 3 {
			continue
		}
		status := strings.TrimSpace(line[:2])
		path := strings.TrimSpace(line[3:])
		if _, after, found := strings.Cut(path, " -> "); found {
			path = strings.TrimSpace(after)
		}
		path = strings.Trim(path, `"`)
		if path == "" {
			continue
		}
		if status == "" {
			status = "M"
		}
		parsed[path] = status
	}
	return parsed
}
