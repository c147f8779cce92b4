// Package locks implements exclusive file-based locks. A lock is an
// atomically created file carrying owner metadata; acquisition fails
// immediately when the file already exists. The ledger writer layers a
// bounded retry on top (see AcquireWithTimeout).
package locks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hitechos/factory/pkg/writeguard"
)

// AcquisitionError reports a lock that is already held.
type AcquisitionError struct {
	Path string
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("lock already held: %s", e.Path)
}

// TimeoutError reports a bounded wait that expired.
type TimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock timeout after %s: %s", e.Timeout, e.Path)
}

// Lock is a held file lock. Release it exactly once.
type Lock struct {
	Path     string
	Owner    string
	acquired bool
}

type payload struct {
	Owner    string            `json:"owner"`
	PID      int               `json:"pid"`
	TsUTC    string            `json:"ts_utc"`
	Metadata map[string]string `json:"metadata"`
}

// Acquire creates the lock file exclusively, writing owner metadata into
// it. It fails immediately with AcquisitionError when the file exists.
func Acquire(path, owner string, metadata map[string]string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	handle, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, &AcquisitionError{Path: path}
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer handle.Close()

	if metadata == nil {
		metadata = map[string]string{}
	}
	rendered, err := writeguard.MarshalCanonical(payload{
		Owner:    owner,
		PID:      os.Getpid(),
		TsUTC:    time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
		Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}
	if _, err := handle.WriteString(rendered); err != nil {
		return nil, fmt.Errorf("failed to write lock payload: %w", err)
	}
	return &Lock{Path: path, Owner: owner, acquired: true}, nil
}

// AcquireWithTimeout retries Acquire with a short backoff until the timeout
// elapses, then returns TimeoutError. Used for ledger appends, where
// contention is expected and brief.
func AcquireWithTimeout(path, owner string, metadata map[string]string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	for {
		lock, err := Acquire(path, owner, metadata)
		if err == nil {
			return lock, nil
		}
		var held *AcquisitionError
		if !errors.As(err, &held) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, &TimeoutError{Path: path, Timeout: timeout}
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Release deletes the lock file. Releasing an already-released lock is a
// no-op.
func (l *Lock) Release() error {
	if l == nil || !l.acquired {
		return nil
	}
	l.acquired = false
	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock %s: %w", l.Path, err)
	}
	return nil
}

// Info is the parsed content of an existing lock file.
type Info struct {
	Path  string
	Owner string
	PID   int
	TsUTC string
}

// Inspect reads an existing lock file. The second return is false when the
// lock does not exist or is unreadable.
func Inspect(path string) (Info, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Info{}, false
	}
	var parsed payload
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Info{Path: path}, true
	}
	return Info{Path: path, Owner: parsed.Owner, PID: parsed.PID, TsUTC: parsed.TsUTC}, true
}

// IsStale reports whether a lock's owning process no longer exists. A lock
// without a readable pid is not considered stale.
func IsStale(info Info) bool {
	if info.PID <= 0 {
		return false
	}
	process, err := os.FindProcess(info.PID)
	if err != nil {
		return true
	}
	// Signal 0 probes liveness without delivering a signal.
	return process.Signal(syscall.Signal(0)) != nil
}

// RunLockPath returns the per-run lock path under a run directory.
func RunLockPath(runDir string) string {
	return filepath.Join(runDir, "locks", "run.lock")
}

// WorkerLockPath returns the per-worker lock path under a run directory.
func WorkerLockPath(runDir, worker string) string {
	return filepath.Join(runDir, "locks", worker+".lock")
}
