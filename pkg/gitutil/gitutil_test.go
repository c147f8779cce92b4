package gitutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsHexString(t *testing.T) {
	require.True(t, IsHexString("abc123DEF"))
	require.False(t, IsHexString(""))
	require.False(t, IsHexString("xyz"))
	require.False(t, IsHexString("abc 123"))
}

func TestParseNameStatus(t *testing.T) {
	text := "M\tapps/a.ts\nA\tdocs/new.md\n\nR100\told.txt\tnew.txt\n"
	parsed := ParseNameStatus(text)
	require.Equal(t, "M", parsed["apps/a.ts"])
	require.Equal(t, "A", parsed["docs/new.md"])
	require.Equal(t, "R100", parsed["new.txt"])
	require.Equal(t, "R100", parsed["old.txt"])
}

func TestParsePorcelainStatus(t *testing.T) {
	text := " M apps/a.ts\n?? docs/new.md\nR  old.txt -> new.txt\n"
	parsed := ParsePorcelainStatus(text)
	require.Equal(t, "M", parsed["apps/a.ts"])
	require.Equal(t, "??", parsed["docs/new.md"])
	require.Equal(t, "R", parsed["new.txt"])
	_, hasOld := parsed["old.txt"]
	require.False(t, hasOld)
}
