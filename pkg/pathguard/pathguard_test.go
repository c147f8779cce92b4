package pathguard

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeCanonicalizes(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"apps/demo/file.ts", "apps/demo/file.ts"},
		{"Apps\\Demo\\File.TS", "apps/demo/file.ts"},
		{"./apps//demo/./x.ts", "apps/demo/x.ts"},
		{"  docs/readme.md  ", "docs/readme.md"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.raw)
		require.NoError(t, err, tt.raw)
		require.Equal(t, tt.want, got)
	}
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		raw    string
		reason string
	}{
		{"", "empty"},
		{"a\x00b", "nul"},
		{"/etc/passwd", "absolute"},
		{`\\server\share`, "absolute"},
		{`C:\windows`, "absolute"},
		{"C:relative", "colon"},
		{"../../evil.ts", "traversal"},
		{"a/../b", "traversal"},
		{"~/secrets", "home"},
		{"./.", "empty"},
		{strings.Repeat("a", MaxRelPathLen+1), "length"},
	}
	for _, tt := range tests {
		_, err := Normalize(tt.raw)
		require.Error(t, err, tt.raw)
		var guardErr *Error
		require.True(t, errors.As(err, &guardErr))
		require.Equal(t, tt.reason, guardErr.Reason, tt.raw)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	first, err := Normalize("Apps\\One//Two/./three.ts")
	require.NoError(t, err)
	second, err := Normalize(first)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestIsProtected(t *testing.T) {
	require.True(t, IsProtected(".git"))
	require.True(t, IsProtected(".git/config"))
	require.True(t, IsProtected(".env"))
	require.True(t, IsProtected(".env.local"))
	require.True(t, IsProtected(".github/workflows/ci.yml"))
	require.False(t, IsProtected("apps/env/config.ts"))
	require.False(t, IsProtected(".github/CODEOWNERS"))
	require.False(t, IsProtected("../escape"))
}

func TestEnsureWithinRoot(t *testing.T) {
	root := t.TempDir()
	resolved, err := EnsureWithinRoot(root, "sub/file.txt", false)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(resolved, root))

	_, err = EnsureWithinRoot(root, "../outside.txt", false)
	require.Error(t, err)
}

func TestEnsureWithinRootSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(outside, link))

	_, err := EnsureWithinRoot(root, "link/file.txt", false)
	require.Error(t, err)
	var guardErr *Error
	require.True(t, errors.As(err, &guardErr))
	require.Equal(t, "symlink", guardErr.Reason)

	// Explicitly allowed symlinks pass.
	_, err = EnsureWithinRoot(root, "link/file.txt", true)
	require.NoError(t, err)
}

func TestMatchGlob(t *testing.T) {
	require.True(t, MatchGlob("apps/**", "apps/demo/deep/file.ts"))
	require.True(t, MatchGlob("apps/**", "apps"))
	require.True(t, MatchGlob(".env.*", ".env.local"))
	require.False(t, MatchGlob("apps/**", "docs/readme.md"))
}

func TestScopeViolations(t *testing.T) {
	violations := ScopeViolations(
		"A_worker",
		[]string{"services/private/secret.py", "apps/ok.ts", ".git/config", "../bad"},
		[]string{"apps/**"},
		[]string{"services/**"},
		true,
	)
	byPath := map[string][]string{}
	for _, item := range violations {
		byPath[item.Path] = append(byPath[item.Path], item.Reason)
	}
	require.Contains(t, byPath["services/private/secret.py"], "outside allowlist")
	require.Contains(t, byPath["services/private/secret.py"], "matched denylist")
	require.NotContains(t, byPath, "apps/ok.ts")
	require.Contains(t, byPath[".git/config"], "outside allowlist")
	require.Contains(t, byPath[".git/config"], "protected path")
	require.NotEmpty(t, byPath["../bad"])

	// Deterministic ordering by (path, worker, reason).
	for i := 1; i < len(violations); i++ {
		prev, cur := violations[i-1], violations[i]
		require.LessOrEqual(t, prev.Path, cur.Path)
	}
}

func TestNormalizeList(t *testing.T) {
	out, err := NormalizeList([]string{"b/x.ts", "A/y.ts", "a/y.ts"})
	require.NoError(t, err)
	require.Equal(t, []string{"a/y.ts", "b/x.ts"}, out)

	_, err = NormalizeList([]string{"ok.ts", "../bad"})
	require.Error(t, err)
}
