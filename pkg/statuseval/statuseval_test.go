package statuseval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitCodes(t *testing.T) {
	require.Equal(t, 0, ExitCode(Pass))
	require.Equal(t, 0, ExitCode(Warn))
	require.Equal(t, 1, ExitCode(Fail))
	require.Equal(t, 2, ExitCode(Blocked))
	require.Equal(t, 3, ExitCode(Pending))
	require.Equal(t, 1, ExitCode("bogus"))
}

func TestRCAuthoritative(t *testing.T) {
	check := Normalize(Check{Name: "x", Status: Pass, RC: 2})
	require.Equal(t, Blocked, check.Status)

	// rc 0 leaves a declared status alone.
	check = Normalize(Check{Name: "x", Status: Warn, RC: 0})
	require.Equal(t, Warn, check.Status)
}

func TestEvaluatePass(t *testing.T) {
	eval := Evaluate(
		[]Check{MakeCheck("a", 0, true, "", "Z_integrator")},
		nil, nil, nil, nil,
	)
	require.Equal(t, Pass, eval.Status)
	require.Equal(t, 0, eval.ExitCode)
	require.True(t, eval.OK)
	require.Empty(t, eval.RequiredFailures)
}

func TestEvaluateBlockedOnRequiredFailure(t *testing.T) {
	eval := Evaluate(
		[]Check{MakeCheck("a", 0, true, "", ""), MakeCheck("b", 2, true, "", "")},
		nil, nil, nil, nil,
	)
	require.Equal(t, Blocked, eval.Status)
	require.Equal(t, 2, eval.ExitCode)
	require.Len(t, eval.RequiredFailures, 1)
	require.Equal(t, "b", eval.RequiredFailures[0].Name)
}

func TestEvaluateBlockedOnSchemaError(t *testing.T) {
	eval := Evaluate(
		[]Check{MakeCheck("a", 0, true, "", "")},
		nil, []string{"STATUS.json: $: missing"}, nil, nil,
	)
	require.Equal(t, Blocked, eval.Status)
}

func TestEvaluateFailDominates(t *testing.T) {
	eval := Evaluate(
		[]Check{MakeCheck("a", 2, true, "", "")},
		nil, []string{"schema boom"}, []string{"blocker"}, []string{"panic: nil deref"},
	)
	require.Equal(t, Fail, eval.Status)
	require.Equal(t, 1, eval.ExitCode)
}

func TestEvaluateIgnoresBlankErrorEntries(t *testing.T) {
	eval := Evaluate([]Check{MakeCheck("a", 0, true, "", "")}, nil, []string{"  "}, []string{""}, nil)
	require.Equal(t, Pass, eval.Status)
}

func TestSortChecksDeterministic(t *testing.T) {
	checks := SortChecks([]Check{
		{Name: "b", Status: Pass},
		{Name: "a", Status: Pass, Actor: "z"},
		{Name: "a", Status: Pass, Actor: "a"},
	})
	require.Equal(t, "a", checks[0].Name)
	require.Equal(t, "a", checks[0].Actor)
	require.Equal(t, "z", checks[1].Actor)
	require.Equal(t, "b", checks[2].Name)
}

func TestCombine(t *testing.T) {
	require.Equal(t, Pass, Combine([]string{Pass, Pass}, false))
	require.Equal(t, Blocked, Combine([]string{Pass, Blocked}, false))
	require.Equal(t, Fail, Combine([]string{Blocked, Fail}, false))
	require.Equal(t, Pending, Combine([]string{Pass, Pending}, false))
	require.Equal(t, Blocked, Combine([]string{Pass, Warn}, true))
	require.Equal(t, Pending, Combine([]string{Pass, Warn}, false))
}
