package execx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunCapturesExitCodeWithoutError(t *testing.T) {
	result := Run(context.Background(), []string{"sh", "-c", "echo out; echo err >&2; exit 3"}, Options{})
	require.Equal(t, 3, result.RC)
	require.Equal(t, "out\n", result.StdoutTail)
	require.Equal(t, "err\n", result.StderrTail)
	require.False(t, result.TimedOut)
}

func TestRunSuccess(t *testing.T) {
	result := Run(context.Background(), []string{"sh", "-c", "printf hello"}, Options{})
	require.Equal(t, 0, result.RC)
	require.Equal(t, "hello", result.StdoutTail)
}

func TestRunMissingBinary(t *testing.T) {
	result := Run(context.Background(), []string{"definitely-not-a-command-xyz"}, Options{})
	require.Equal(t, 127, result.RC)
	require.NotEmpty(t, result.StderrTail)
}

func TestRunTimeoutKillsChild(t *testing.T) {
	started := time.Now()
	result := Run(context.Background(), []string{"sleep", "30"}, Options{Timeout: 200 * time.Millisecond})
	require.Equal(t, 124, result.RC)
	require.True(t, result.TimedOut)
	require.Less(t, time.Since(started), 5*time.Second)
}

func TestRunCwd(t *testing.T) {
	dir := t.TempDir()
	result := Run(context.Background(), []string{"pwd"}, Options{Cwd: dir})
	require.Equal(t, 0, result.RC)
	require.Contains(t, result.StdoutTail, dir)
}

func TestTailBoundsOutput(t *testing.T) {
	long := make([]byte, TailLimit*2)
	for i := range long {
		long[i] = 'a'
	}
	require.Len(t, tail(string(long)), TailLimit)
}
