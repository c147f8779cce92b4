// Package ledger implements the installation-wide append-only event log.
// One JSON object per line, adjacent sha256 signature file, all appends
// serialized by a file lock with a bounded wait. The Ledger value carries
// its paths explicitly; nothing in here is a process-wide singleton.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/logger"
	"github.com/hitechos/factory/pkg/schemas"
)

var log = logger.New("factory:ledger")

// LockTimeout bounds the wait for the ledger lock.
const LockTimeout = 5 * time.Second

// CorruptError reports an unparseable or invalid ledger line in strict mode.
type CorruptError struct {
	Line   int
	Detail string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt ledger line %d: %s", e.Line, e.Detail)
}

// Event is one ledger record. Details carries the event's free-form
// payload; the well-known keys "status" and "kind" drive query filters.
type Event struct {
	SchemaVersion int               `json:"schema_version"`
	TsUTC         string            `json:"ts_utc"`
	RunID         string            `json:"run_id"`
	EventType     string            `json:"event_type"`
	Actor         string            `json:"actor"`
	EventID       string            `json:"event_id"`
	ParentEventID string            `json:"parent_event_id"`
	DurationMS    int               `json:"duration_ms"`
	FileCounts    map[string]int    `json:"file_counts"`
	Hashes        map[string]string `json:"hashes"`
	RC            int               `json:"rc"`
	Details       map[string]any    `json:"details"`

	// line is the 1-based position in the file; it participates in the
	// deterministic query sort but is never serialized.
	line int
}

// Ledger binds the three ledger files for one installation.
type Ledger struct {
	Path     string
	SigPath  string
	LockPath string
}

// New returns the Ledger rooted at the given runs directory.
func New(runsDir string) *Ledger {
	return &Ledger{
		Path:     filepath.Join(runsDir, constants.LedgerFileName),
		SigPath:  filepath.Join(runsDir, constants.LedgerSigFileName),
		LockPath: filepath.Join(runsDir, constants.LedgerLockFileName),
	}
}

// IsoUTC renders a timestamp in the ledger's second-resolution ISO form.
func IsoUTC(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05+00:00")
}

// Normalize fills defaults and computes the deterministic event id:
// sha256 over the sorted-key JSON of (run_id, event_type, actor, ts_utc,
// details, parent_event_id), truncated to 16 hex chars.
func Normalize(event Event) Event {
	if event.SchemaVersion == 0 {
		event.SchemaVersion = constants.SchemaVersion
	}
	if strings.TrimSpace(event.TsUTC) == "" {
		event.TsUTC = IsoUTC(time.Now())
	}
	event.RunID = strings.TrimSpace(event.RunID)
	event.EventType = strings.ToUpper(strings.TrimSpace(event.EventType))
	if event.EventType == "" {
		event.EventType = "RUN_STATE"
	}
	event.Actor = strings.TrimSpace(event.Actor)
	event.ParentEventID = strings.TrimSpace(event.ParentEventID)
	if event.DurationMS < 0 {
		event.DurationMS = 0
	}
	if event.FileCounts == nil {
		event.FileCounts = map[string]int{}
	}
	if event.Hashes == nil {
		event.Hashes = map[string]string{}
	}
	if event.Details == nil {
		event.Details = map[string]any{}
	}
	if strings.TrimSpace(event.EventID) == "" {
		event.EventID = computeEventID(event)
	}
	return event
}

func computeEventID(event Event) string {
	seed, _ := json.Marshal(map[string]any{
		"run_id":          event.RunID,
		"event_type":      event.EventType,
		"actor":           event.Actor,
		"ts_utc":          event.TsUTC,
		"details":         event.Details,
		"parent_event_id": event.ParentEventID,
	})
	digest := sha256.Sum256(seed)
	return hex.EncodeToString(digest[:])[:16]
}

func validate(event Event) error {
	if errs := schemas.ValidatePayload("run_ledger_event", event); len(errs) > 0 {
		return fmt.Errorf("ledger event payload invalid:\n%s", strings.Join(errs, "\n"))
	}
	if !constants.IsEventType(event.EventType) {
		return fmt.Errorf("ledger event_type not allowed: %q", event.EventType)
	}
	return nil
}

// Append normalizes, validates, and appends one event under the ledger
// lock, then rewrites the signature file. The appended event is returned.
func (l *Ledger) Append(event Event) (Event, error) {
	payload := Normalize(event)
	if err := validate(payload); err != nil {
		return Event{}, err
	}

	lock, err := acquireLedgerLock(l.LockPath)
	if err != nil {
		return Event{}, err
	}
	defer func() { _ = lock.Release() }()

	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return Event{}, fmt.Errorf("failed to create runs directory: %w", err)
	}
	line, err := renderLine(payload)
	if err != nil {
		return Event{}, err
	}
	handle, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Event{}, fmt.Errorf("failed to open ledger: %w", err)
	}
	if _, err := handle.Write(append(line, '\n')); err != nil {
		_ = handle.Close()
		return Event{}, fmt.Errorf("failed to append ledger event: %w", err)
	}
	if err := handle.Close(); err != nil {
		return Event{}, fmt.Errorf("failed to close ledger: %w", err)
	}
	if err := l.writeSignature(); err != nil {
		return Event{}, err
	}
	log.Printf("appended %s run=%s actor=%s", payload.EventType, payload.RunID, payload.Actor)
	return payload, nil
}

// renderLine serializes an event as one compact JSON line with sorted keys.
func renderLine(event Event) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to render ledger event: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to normalize ledger event: %w", err)
	}
	return json.Marshal(generic)
}

func (l *Ledger) writeSignature() error {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.WriteFile(l.SigPath, nil, 0o644)
		}
		return fmt.Errorf("failed to read ledger for signing: %w", err)
	}
	digest := sha256.Sum256(data)
	line := fmt.Sprintf("%s  %s\n", hex.EncodeToString(digest[:]), filepath.Base(l.Path))
	return os.WriteFile(l.SigPath, []byte(line), 0o644)
}

// Read parses every ledger line. In strict mode a malformed or invalid line
// raises CorruptError; otherwise bad lines are skipped.
func (l *Ledger) Read(strict bool) ([]Event, error) {
	handle, err := os.Open(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer handle.Close()

	var events []Event
	scanner := bufio.NewScanner(handle)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			if strict {
				return nil, &CorruptError{Line: lineNo, Detail: err.Error()}
			}
			continue
		}
		event = Normalize(event)
		if err := validate(event); err != nil {
			if strict {
				return nil, &CorruptError{Line: lineNo, Detail: err.Error()}
			}
			continue
		}
		event.line = lineNo
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}
	return events, nil
}

// Query filters events and returns the most recent `limit` entries in the
// deterministic (ts_utc, event_type, run_id, actor, line) order.
type Query struct {
	RunID     string
	EventType string
	Actor     string
	RC        *int
	Since     string
	Status    string
	Kind      string
	Limit     int
}

// Events runs a query against the ledger.
func (l *Ledger) Events(q Query) ([]Event, error) {
	events, err := l.Read(true)
	if err != nil {
		return nil, err
	}
	var filtered []Event
	for _, event := range events {
		if q.RunID != "" && event.RunID != q.RunID {
			continue
		}
		if q.EventType != "" && event.EventType != q.EventType {
			continue
		}
		if q.Actor != "" && event.Actor != q.Actor {
			continue
		}
		if q.RC != nil && event.RC != *q.RC {
			continue
		}
		if q.Since != "" && event.TsUTC < q.Since {
			continue
		}
		if q.Status != "" && detailString(event, "status") != q.Status {
			continue
		}
		if q.Kind != "" && detailString(event, "kind") != q.Kind {
			continue
		}
		filtered = append(filtered, event)
	}
	sort.Slice(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if a.TsUTC != b.TsUTC {
			return a.TsUTC < b.TsUTC
		}
		if a.EventType != b.EventType {
			return a.EventType < b.EventType
		}
		if a.RunID != b.RunID {
			return a.RunID < b.RunID
		}
		if a.Actor != b.Actor {
			return a.Actor < b.Actor
		}
		return a.line < b.line
	})
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, nil
}

func detailString(event Event, key string) string {
	value, ok := event.Details[key]
	if !ok {
		return ""
	}
	text, _ := value.(string)
	return text
}

// RunIDs returns the sorted set of run ids present in the ledger.
func (l *Ledger) RunIDs() ([]string, error) {
	events, err := l.Read(true)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, event := range events {
		if event.RunID != "" {
			seen[event.RunID] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SignatureReport is the structured outcome of a signature verification.
type SignatureReport struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Expected  string `json:"expected,omitempty"`
	Actual    string `json:"actual,omitempty"`
	Ledger    string `json:"ledger"`
	Signature string `json:"signature"`
}

// VerifySignature recomputes the ledger hash and compares it against the
// signature file.
func (l *Ledger) VerifySignature() SignatureReport {
	report := SignatureReport{Ledger: l.Path, Signature: l.SigPath}
	data, err := os.ReadFile(l.Path)
	if err != nil {
		report.Status = "BLOCKED"
		report.Detail = "ledger missing"
		return report
	}
	sigRaw, err := os.ReadFile(l.SigPath)
	if err != nil {
		report.Status = "BLOCKED"
		report.Detail = "signature missing"
		return report
	}
	digest := sha256.Sum256(data)
	report.Expected = hex.EncodeToString(digest[:])
	line := strings.TrimSpace(string(sigRaw))
	report.Actual, _, _ = strings.Cut(line, "  ")
	if report.Expected == report.Actual {
		report.Status = "PASS"
	} else {
		report.Status = "BLOCKED"
	}
	return report
}

// RunState is the replayed view of one run.
type RunState struct {
	RunID         string   `json:"run_id"`
	Status        string   `json:"status"`
	EventCount    int      `json:"event_count"`
	LastEventType string   `json:"last_event_type"`
	LastEventID   string   `json:"last_event_id"`
	StartedAt     string   `json:"started_at"`
	EndedAt       string   `json:"ended_at"`
	Actors        []string `json:"actors"`
	RC            int      `json:"rc"`
}

// Replay reconstructs per-run state from the event stream. An empty runID
// replays every run.
func (l *Ledger) Replay(runID string) ([]RunState, error) {
	events, err := l.Events(Query{RunID: runID, Limit: 1_000_000})
	if err != nil {
		return nil, err
	}
	// Fold in time order with ties broken by file position, so the most
	// recent event decides the final state even when several events share
	// a second-resolution ts_utc.
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].TsUTC != events[j].TsUTC {
			return events[i].TsUTC < events[j].TsUTC
		}
		return events[i].line < events[j].line
	})
	states := map[string]*RunState{}
	actorSets := map[string]map[string]bool{}
	for _, event := range events {
		state, ok := states[event.RunID]
		if !ok {
			state = &RunState{RunID: event.RunID, Status: "UNKNOWN", StartedAt: event.TsUTC}
			states[event.RunID] = state
			actorSets[event.RunID] = map[string]bool{}
		}
		state.EventCount++
		state.LastEventType = event.EventType
		state.LastEventID = event.EventID
		state.EndedAt = event.TsUTC
		if status := detailString(event, "status"); status != "" {
			state.Status = status
		}
		if event.Actor != "" {
			actorSets[event.RunID][event.Actor] = true
		}
		state.RC = event.RC
	}
	keys := make([]string, 0, len(states))
	for key := range states {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var rows []RunState
	for _, key := range keys {
		state := states[key]
		for actor := range actorSets[key] {
			state.Actors = append(state.Actors, actor)
		}
		sort.Strings(state.Actors)
		rows = append(rows, *state)
	}
	return rows, nil
}
