// Package schemas validates factory payloads against a registry of embedded
// JSON Schema documents. Schemas are compiled once and cached; validation
// returns a list of structured error strings ("<location>: <reason>"), an
// empty list meaning valid.
package schemas

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"embed"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Index maps registry names to embedded schema files.
var Index = map[string]string{
	"worker_bundle_status": "worker_bundle_status.schema.json",
	"integrator_status":    "integrator_status.schema.json",
	"files_changed":        "files_changed.schema.json",
	"scope_lock":           "scope_lock.schema.json",
	"run_ledger_event":     "run_ledger_event.schema.json",
	"run_manifest":         "run_manifest.schema.json",
	"handoff_note":         "handoff_note.schema.json",
	"log_index":            "log_index.schema.json",
	"contracts_registry":   "contracts_registry.schema.json",
	"factory_config":       "factory_config.schema.json",
}

var (
	compileMu sync.Mutex
	compiled  = map[string]*jsonschema.Schema{}
	printer   = message.NewPrinter(language.English)
)

// FS exposes the embedded schema documents for read-only inspection.
func FS() embed.FS {
	return schemaFS
}

// Names returns the registered schema names, sorted.
func Names() []string {
	names := make([]string, 0, len(Index))
	for name := range Index {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func load(name string) (*jsonschema.Schema, error) {
	compileMu.Lock()
	defer compileMu.Unlock()
	if schema, ok := compiled[name]; ok {
		return schema, nil
	}
	fileName, ok := Index[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema name: %s", name)
	}
	raw, err := schemaFS.ReadFile("schemas/" + fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema %s: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := fileName
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource %s: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	compiled[name] = schema
	return schema, nil
}

// ValidatePayload validates a payload against a registered schema. The
// payload may be any JSON-marshalable value; structs round-trip through
// encoding/json first.
func ValidatePayload(name string, payload any) []string {
	schema, err := load(name)
	if err != nil {
		return []string{err.Error()}
	}
	instance, err := toInstance(payload)
	if err != nil {
		return []string{fmt.Sprintf("$: payload is not valid JSON: %v", err)}
	}
	if err := schema.Validate(instance); err != nil {
		return flatten(err)
	}
	return nil
}

// ValidateRaw validates raw JSON bytes against a registered schema.
func ValidateRaw(name string, raw []byte) []string {
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return []string{fmt.Sprintf("$: invalid JSON: %v", err)}
	}
	schema, loadErr := load(name)
	if loadErr != nil {
		return []string{loadErr.Error()}
	}
	if err := schema.Validate(instance); err != nil {
		return flatten(err)
	}
	return nil
}

func toInstance(payload any) (any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
}

// flatten walks the validation error tree and renders one string per leaf
// cause, sorted for determinism.
func flatten(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{fmt.Sprintf("$: %v", err)}
	}
	var out []string
	var walk func(node *jsonschema.ValidationError)
	walk = func(node *jsonschema.ValidationError) {
		if len(node.Causes) == 0 {
			out = append(out, fmt.Sprintf("%s: %s", pointer(node.InstanceLocation), node.ErrorKind.LocalizedString(printer)))
			return
		}
		for _, cause := range node.Causes {
			walk(cause)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}

func pointer(location []string) string {
	if len(location) == 0 {
		return "$"
	}
	return "$." + strings.Join(location, ".")
}

// CheckResult is one row of a contracts-check report.
type CheckResult struct {
	Schema string `json:"schema"`
	Path   string `json:"path"`
	Status string `json:"status"`
	Errors int    `json:"errors"`
}

// ContractsCheck compiles every registered schema and reports per-schema
// status. A schema that fails to load or compile is FAIL; overall status is
// BLOCKED when any schema failed.
func ContractsCheck() map[string]any {
	var results []CheckResult
	failed := 0
	for _, name := range Names() {
		result := CheckResult{Schema: name, Path: "schemas/" + Index[name], Status: "PASS"}
		if _, err := load(name); err != nil {
			result.Status = "FAIL"
			result.Errors = 1
			failed++
		}
		results = append(results, result)
	}
	status := "PASS"
	if failed > 0 {
		status = "BLOCKED"
	}
	return map[string]any{
		"status":  status,
		"total":   len(results),
		"failed":  failed,
		"results": results,
	}
}
