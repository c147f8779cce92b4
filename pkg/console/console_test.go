package console

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalSortedOrdersKeys(t *testing.T) {
	payload := map[string]any{
		"zeta":  1,
		"alpha": map[string]any{"nested_b": true, "nested_a": false},
	}
	text, err := MarshalSorted(payload)
	require.NoError(t, err)
	require.Less(t, strings.Index(text, "alpha"), strings.Index(text, "zeta"))
	require.Less(t, strings.Index(text, "nested_a"), strings.Index(text, "nested_b"))
}

func TestMarshalSortedStructKeysSorted(t *testing.T) {
	type sample struct {
		Zebra int    `json:"zebra"`
		Apple string `json:"apple"`
	}
	text, err := MarshalSorted(sample{Zebra: 2, Apple: "x"})
	require.NoError(t, err)
	require.Less(t, strings.Index(text, "apple"), strings.Index(text, "zebra"))
}

func TestFormatMessagesPlainWhenPiped(t *testing.T) {
	// Test processes never run with a TTY stdout, so styling is skipped.
	require.Equal(t, "✗ bad", FormatErrorMessage("bad"))
	require.Equal(t, "✓ ok", FormatSuccessMessage("ok"))
}
