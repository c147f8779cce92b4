// Package writeguard provides a scoped filesystem-write capability. A Guard
// is constructed with an allowed root; every write resolves its target and
// refuses anything outside that root. The integrator receives a Guard bound
// to the run directory, which makes the no-stray-writes policy a structural
// property rather than a convention.
package writeguard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PolicyError reports an attempted write outside the allowed root.
type PolicyError struct {
	Target string
	Root   string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("write policy violation: attempted write outside run root; target=%s allowed_root=%s", e.Target, e.Root)
}

// Guard is a write capability scoped to one directory tree.
type Guard struct {
	root string
}

// New creates a Guard for the given root. The root is resolved to an
// absolute path once, at construction.
func New(root string) (*Guard, error) {
	resolved, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve write guard root: %w", err)
	}
	return &Guard{root: resolved}, nil
}

// Root returns the allowed root directory.
func (g *Guard) Root() string {
	return g.root
}

// ValidatePath resolves target and confirms it is the root or a descendant.
func (g *Guard) ValidatePath(target string) (string, error) {
	resolved, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("failed to resolve write target: %w", err)
	}
	if resolved != g.root && !strings.HasPrefix(resolved, g.root+string(filepath.Separator)) {
		return "", &PolicyError{Target: resolved, Root: g.root}
	}
	return resolved, nil
}

func (g *Guard) ensureParent(target string) (string, error) {
	resolved, err := g.ValidatePath(target)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}
	return resolved, nil
}

// WriteText writes text with LF line endings under the allowed root.
func (g *Guard) WriteText(target, text string) error {
	resolved, err := g.ensureParent(target)
	if err != nil {
		return err
	}
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	return os.WriteFile(resolved, []byte(normalized), 0o644)
}

// WriteJSON writes a payload as indented JSON with sorted keys and a
// trailing newline.
func (g *Guard) WriteJSON(target string, payload any) error {
	rendered, err := MarshalCanonical(payload)
	if err != nil {
		return err
	}
	return g.WriteText(target, rendered)
}

// AppendLine appends one LF-terminated line.
func (g *Guard) AppendLine(target, line string) error {
	resolved, err := g.ensureParent(target)
	if err != nil {
		return err
	}
	handle, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s for append: %w", resolved, err)
	}
	defer handle.Close()
	_, err = handle.WriteString(line + "\n")
	return err
}

// MarshalCanonical renders a payload as indented JSON with sorted keys and
// a trailing newline. This is the wire format for every JSON artifact.
func MarshalCanonical(payload any) (string, error) {
	// Round-trip through a generic value so encoding/json's map-key
	// sorting applies regardless of the input type.
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("failed to normalize payload: %w", err)
	}
	out, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render payload: %w", err)
	}
	return string(out) + "\n", nil
}
