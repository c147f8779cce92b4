// Package dispatch launches the external worker agents and waits for
// their DONE markers. Prompts are validated before anything is launched:
// a run's prompt folder must contain exactly one file per worker, each
// carrying its run and worker identity plus the DONE-marker instruction.
package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/constants"
)

var packSectionRe = regexp.MustCompile(`^===\s+([A-Za-z0-9_]+)\s+PROMPT\s+===$`)

// headerScanLines bounds how far into a prompt file identity headers are
// searched.
const headerScanLines = 40

// ExpectedPromptFiles maps each worker to its prompt file name for a run.
func ExpectedPromptFiles(runID string, workers []string) map[string]string {
	expected := map[string]string{}
	for _, worker := range workers {
		expected[worker] = fmt.Sprintf("%s_%s.txt", worker, runID)
	}
	return expected
}

// PromptDir returns the prompt folder for a run.
func PromptDir(cfg config.Config, runID string) string {
	return filepath.Join(cfg.Paths.PromptsDir, runID)
}

// ParsePack splits a single pack file into per-worker prompt texts keyed
// by worker id. Returns the sections, duplicated headers, and every header
// seen (known or not).
func ParsePack(text string, workers []string) (map[string]string, []string, []string) {
	sections := map[string][]string{}
	var duplicates, seenHeaders []string
	current := ""

	for _, rawLine := range strings.Split(text, "\n") {
		match := packSectionRe.FindStringSubmatch(strings.TrimSpace(rawLine))
		if match != nil {
			worker := match[1]
			seenHeaders = append(seenHeaders, worker)
			if _, exists := sections[worker]; exists {
				duplicates = append(duplicates, worker)
			} else {
				sections[worker] = []string{}
			}
			current = worker
			continue
		}
		if current != "" {
			sections[current] = append(sections[current], rawLine)
		}
	}

	extracted := map[string]string{}
	for _, worker := range workers {
		lines, ok := sections[worker]
		if !ok {
			continue
		}
		body := strings.TrimSpace(strings.Join(lines, "\n"))
		if body != "" {
			body += "\n"
		}
		extracted[worker] = body
	}
	return extracted, duplicates, seenHeaders
}

// MaterializePack parses a pack file and writes the canonical per-worker
// prompt files, substituting the {{RUN_ID}} placeholder. The prompt folder
// must not already exist.
func MaterializePack(cfg config.Config, runID, packPath string, workers []string) map[string]any {
	promptDir := PromptDir(cfg, runID)
	expected := ExpectedPromptFiles(runID, workers)

	blocked := func(detail string, extra map[string]any) map[string]any {
		payload := map[string]any{
			"status":     constants.StatusBlocked,
			"run_id":     runID,
			"pack_path":  filepath.ToSlash(packPath),
			"prompt_dir": filepath.ToSlash(promptDir),
			"error":      detail,
		}
		for key, value := range extra {
			payload[key] = value
		}
		return payload
	}

	if _, err := os.Stat(promptDir); err == nil {
		return blocked(fmt.Sprintf("prompt folder already exists: %s", filepath.ToSlash(promptDir)), nil)
	}
	raw, err := os.ReadFile(packPath)
	if err != nil {
		return blocked(fmt.Sprintf("prompts pack missing: %s", filepath.ToSlash(packPath)), nil)
	}

	parsed, duplicates, seenHeaders := ParsePack(string(raw), workers)
	var missing, empty []string
	for _, worker := range workers {
		body, ok := parsed[worker]
		if !ok {
			missing = append(missing, worker)
		} else if strings.TrimSpace(body) == "" {
			empty = append(empty, worker)
		}
	}
	known := map[string]bool{}
	for _, worker := range workers {
		known[worker] = true
	}
	unknownSet := map[string]bool{}
	for _, header := range seenHeaders {
		if !known[header] {
			unknownSet[header] = true
		}
	}
	var unknown []string
	for header := range unknownSet {
		unknown = append(unknown, header)
	}
	sort.Strings(unknown)
	sort.Strings(missing)
	sort.Strings(empty)
	duplicates = sortedUnique(duplicates)

	if len(missing) > 0 || len(duplicates) > 0 || len(empty) > 0 || len(unknown) > 0 {
		return blocked("prompts pack section validation failed", map[string]any{
			"missing_sections":   missing,
			"duplicate_sections": duplicates,
			"empty_sections":     empty,
			"unknown_sections":   unknown,
		})
	}

	if err := os.MkdirAll(promptDir, 0o755); err != nil {
		return blocked(err.Error(), nil)
	}
	var written []string
	for _, worker := range workers {
		target := filepath.Join(promptDir, expected[worker])
		resolved := strings.ReplaceAll(parsed[worker], "{{RUN_ID}}", runID)
		if err := os.WriteFile(target, []byte(resolved), 0o644); err != nil {
			return blocked(err.Error(), nil)
		}
		written = append(written, filepath.ToSlash(target))
	}
	sort.Strings(written)
	return map[string]any{
		"status":     constants.StatusPass,
		"run_id":     runID,
		"pack_path":  filepath.ToSlash(packPath),
		"prompt_dir": filepath.ToSlash(promptDir),
		"written":    written,
	}
}

// promptIdentity holds the identity a prompt file declares, either in a
// YAML frontmatter block or in plain header lines near the top.
type promptIdentity struct {
	RunID    string `yaml:"run_id"`
	WorkerID string `yaml:"worker_id"`
}

func extractIdentity(text string) promptIdentity {
	// Frontmatter form first.
	if strings.HasPrefix(text, "---\n") {
		rest := text[4:]
		if idx := strings.Index(rest, "\n---"); idx >= 0 {
			var identity promptIdentity
			if err := yaml.Unmarshal([]byte(rest[:idx]), &identity); err == nil {
				if identity.RunID != "" || identity.WorkerID != "" {
					return identity
				}
			}
		}
	}
	// Plain `KEY: value` header lines.
	identity := promptIdentity{}
	lines := strings.Split(text, "\n")
	if len(lines) > headerScanLines {
		lines = lines[:headerScanLines]
	}
	for _, line := range lines {
		key, value, found := strings.Cut(line, ":")
		if !found {
			key, value, found = strings.Cut(line, "=")
		}
		if !found {
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "RUN_ID":
			if identity.RunID == "" {
				identity.RunID = strings.TrimSpace(value)
			}
		case "WORKER_ID", "CODEX_ID":
			if identity.WorkerID == "" {
				identity.WorkerID = strings.TrimSpace(value)
			}
		}
	}
	return identity
}

func validatePromptFile(path, runID, worker string) []string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return []string{"file missing"}
	}
	text := string(raw)
	var errors []string

	identity := extractIdentity(text)
	if identity.RunID == "" {
		errors = append(errors, "missing RUN_ID header near file top")
	} else if identity.RunID != runID {
		errors = append(errors, fmt.Sprintf("RUN_ID mismatch in header: expected %s, got %s", runID, identity.RunID))
	}
	if identity.WorkerID == "" {
		errors = append(errors, "missing WORKER_ID header near file top")
	} else if identity.WorkerID != worker {
		errors = append(errors, fmt.Sprintf("WORKER_ID mismatch in header: expected %s, got %s", worker, identity.WorkerID))
	}

	markerPath := fmt.Sprintf("%s/%s/%s/%s", constants.RunsDirRel, runID, worker, constants.DoneMarkerFileName)
	if !strings.Contains(strings.ReplaceAll(text, "\\", "/"), markerPath) {
		errors = append(errors, fmt.Sprintf("missing DONE.marker path instruction: %s", markerPath))
	}
	return errors
}

// ValidatePromptFolder validates the prompt folder shape and every prompt
// file for a run.
func ValidatePromptFolder(cfg config.Config, runID string, workers []string) map[string]any {
	promptDir := PromptDir(cfg, runID)
	expected := ExpectedPromptFiles(runID, workers)
	expectedNames := map[string]bool{}
	for _, name := range expected {
		expectedNames[name] = true
	}

	info, err := os.Stat(promptDir)
	if err != nil || !info.IsDir() {
		return map[string]any{
			"status":     constants.StatusBlocked,
			"run_id":     runID,
			"prompt_dir": filepath.ToSlash(promptDir),
			"error":      "prompt folder is missing",
		}
	}

	entries, _ := os.ReadDir(promptDir)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var entryErrors, entryNames []string
	fileNames := map[string]bool{}
	for _, entry := range entries {
		entryNames = append(entryNames, entry.Name())
		if entry.IsDir() {
			if entry.Name() != "logs" {
				entryErrors = append(entryErrors, fmt.Sprintf("unexpected directory in prompt folder: %s", entry.Name()))
			}
			continue
		}
		fileNames[entry.Name()] = true
		if !expectedNames[entry.Name()] {
			entryErrors = append(entryErrors, fmt.Sprintf("unexpected file in prompt folder: %s", entry.Name()))
		}
	}
	for _, worker := range workers {
		if !fileNames[expected[worker]] {
			entryErrors = append(entryErrors, fmt.Sprintf("missing prompt file: %s", expected[worker]))
		}
	}

	var results []map[string]any
	blocked := 0
	for _, worker := range workers {
		path := filepath.Join(promptDir, expected[worker])
		fileErrors := validatePromptFile(path, runID, worker)
		status := constants.StatusPass
		if len(fileErrors) > 0 {
			status = constants.StatusBlocked
			blocked++
		}
		if fileErrors == nil {
			fileErrors = []string{}
		}
		results = append(results, map[string]any{
			"worker": worker,
			"file":   filepath.ToSlash(path),
			"status": status,
			"errors": fileErrors,
		})
	}
	if len(entryErrors) > 0 {
		blocked++
	}

	status := constants.StatusPass
	if blocked > 0 {
		status = constants.StatusBlocked
	}
	if entryErrors == nil {
		entryErrors = []string{}
	}
	return map[string]any{
		"status":     status,
		"run_id":     runID,
		"prompt_dir": filepath.ToSlash(promptDir),
		"entries":    entryNames,
		"results":    results,
		"errors":     entryErrors,
		"blocked":    blocked,
	}
}

func sortedUnique(values []string) []string {
	set := map[string]bool{}
	for _, value := range values {
		set[value] = true
	}
	out := make([]string, 0, len(set))
	for value := range set {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
