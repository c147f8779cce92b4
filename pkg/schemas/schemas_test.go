package schemas

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validFilesChanged() map[string]any {
	return map[string]any{
		"schema_version": 1,
		"run_id":         "factory_20260101_120000_abcd1234_001",
		"owner":          "A_worker",
		"changes": []map[string]any{
			{"path": "apps/demo/a.ts", "change_type": "modified", "reason": "", "sha256": ""},
		},
		"noop":        false,
		"noop_reason": "",
		"noop_ack":    "",
	}
}

func TestValidatePayloadAccepts(t *testing.T) {
	require.Empty(t, ValidatePayload("files_changed", validFilesChanged()))
}

func TestValidatePayloadMissingRequired(t *testing.T) {
	payload := validFilesChanged()
	delete(payload, "owner")
	errs := ValidatePayload("files_changed", payload)
	require.NotEmpty(t, errs)
}

func TestValidatePayloadNoopContract(t *testing.T) {
	// noop=true with empty reason/ack is rejected.
	payload := validFilesChanged()
	payload["changes"] = []any{}
	payload["noop"] = true
	errs := ValidatePayload("files_changed", payload)
	require.NotEmpty(t, errs)

	// Properly declared noop passes.
	payload["noop_reason"] = "nothing to change"
	payload["noop_ack"] = "A_worker"
	require.Empty(t, ValidatePayload("files_changed", payload))

	// noop=true with non-empty changes is rejected.
	payload["changes"] = []map[string]any{{"path": "a.ts", "change_type": "added"}}
	require.NotEmpty(t, ValidatePayload("files_changed", payload))
}

func TestValidatePayloadBadChangeType(t *testing.T) {
	payload := validFilesChanged()
	payload["changes"] = []map[string]any{{"path": "a.ts", "change_type": "mutated"}}
	errs := ValidatePayload("files_changed", payload)
	require.NotEmpty(t, errs)
}

func TestValidatePayloadIntegerNotBoolean(t *testing.T) {
	payload := validFilesChanged()
	payload["schema_version"] = true
	require.NotEmpty(t, ValidatePayload("files_changed", payload))
}

func TestValidatePayloadUnknownSchema(t *testing.T) {
	errs := ValidatePayload("nope", map[string]any{})
	require.Len(t, errs, 1)
	require.Contains(t, errs[0], "unknown schema name")
}

func TestScopeLockSchema(t *testing.T) {
	payload := map[string]any{
		"schema_version":     1,
		"run_id":             "r1",
		"worker_id":          "A_worker",
		"allowed_globs":      []string{"apps/**"},
		"blocked_globs":      []string{},
		"allow_shared_paths": []string{},
	}
	require.Empty(t, ValidatePayload("scope_lock", payload))

	payload["allowed_globs"] = "apps/**"
	require.NotEmpty(t, ValidatePayload("scope_lock", payload))
}

func TestLedgerEventSchemaRejectsExtraKeys(t *testing.T) {
	payload := map[string]any{
		"schema_version":  1,
		"ts_utc":          "2026-01-01T00:00:00+00:00",
		"run_id":          "r1",
		"event_type":      "RUN_START",
		"actor":           "Z_integrator",
		"event_id":        "0123456789abcdef",
		"parent_event_id": "",
		"duration_ms":     0,
		"file_counts":     map[string]int{},
		"hashes":          map[string]string{},
		"rc":              0,
		"details":         map[string]any{},
	}
	require.Empty(t, ValidatePayload("run_ledger_event", payload))

	payload["surprise"] = true
	require.NotEmpty(t, ValidatePayload("run_ledger_event", payload))
}

func TestContractsCheckAllSchemasCompile(t *testing.T) {
	report := ContractsCheck()
	require.Equal(t, "PASS", report["status"])
	require.Equal(t, len(Index), report["total"])
}

func TestErrorStringsCarryLocation(t *testing.T) {
	payload := validFilesChanged()
	payload["changes"] = []map[string]any{{"path": "", "change_type": "modified"}}
	errs := ValidatePayload("files_changed", payload)
	require.NotEmpty(t, errs)
	require.Contains(t, errs[0], "$")
}
