package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sourcegraph/conc/pool"

	"github.com/hitechos/factory/pkg/config"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/contracts"
	"github.com/hitechos/factory/pkg/execx"
	"github.com/hitechos/factory/pkg/logger"
)

var log = logger.New("factory:dispatch")

// Hard-timeout bounds for a dispatch round.
const (
	HardTimeoutMin    = 180 * time.Second
	HardTimeoutMax    = 7200 * time.Second
	hardTimeoutBuffer = 30 * time.Second
)

// Options tunes one dispatch round.
type Options struct {
	// Launcher is the argv prefix of the external worker launcher. Each
	// worker is started as `launcher... <worktree_path> <prompt_path>`.
	Launcher []string

	Workers             []string
	DoneTimeout         time.Duration
	PollInterval        time.Duration
	BetweenWorkersDelay time.Duration
	PerWorkerBudget     time.Duration
}

func (o *Options) fill(cfg config.Config) {
	if len(o.Workers) == 0 {
		o.Workers = append([]string{}, constants.Workers...)
	}
	if o.DoneTimeout <= 0 {
		o.DoneTimeout = time.Duration(cfg.Dispatch.DoneTimeoutSeconds) * time.Second
	}
	if raw := os.Getenv("FACTORY_WORKER_DONE_TIMEOUT"); raw != "" {
		if seconds, err := time.ParseDuration(raw + "s"); err == nil {
			o.DoneTimeout = seconds
		}
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Duration(cfg.Dispatch.PollSeconds * float64(time.Second))
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.BetweenWorkersDelay < 0 {
		o.BetweenWorkersDelay = 0
	}
	if o.BetweenWorkersDelay == 0 {
		o.BetweenWorkersDelay = time.Duration(cfg.Dispatch.BetweenWorkersDelayMS) * time.Millisecond
	}
	if o.PerWorkerBudget <= 0 {
		o.PerWorkerBudget = time.Duration(cfg.Dispatch.PerWorkerBudgetSeconds) * time.Second
	}
}

// HardTimeout computes the round's wall-clock ceiling, proportional to the
// worker count and clamped to [180s, 7200s].
func HardTimeout(workerCount int, perWorkerBudget time.Duration) time.Duration {
	if workerCount < 1 {
		workerCount = 1
	}
	if perWorkerBudget < time.Minute {
		perWorkerBudget = time.Minute
	}
	computed := time.Duration(workerCount)*perWorkerBudget + hardTimeoutBuffer
	if computed < HardTimeoutMin {
		return HardTimeoutMin
	}
	if computed > HardTimeoutMax {
		return HardTimeoutMax
	}
	return computed
}

// Heartbeat writes the dispatch heartbeat file atomically (tmp + rename)
// with a monotonically increasing sequence number.
type Heartbeat struct {
	mu     sync.Mutex
	path   string
	runID  string
	seq    int
	agents []string
}

func NewHeartbeat(cfg config.Config, runID string, workers []string) *Heartbeat {
	return &Heartbeat{
		path:   filepath.Join(contracts.RunDir(cfg.Paths.RunsDir, runID), "_debug", constants.HeartbeatFileName),
		runID:  runID,
		agents: workers,
	}
}

func (h *Heartbeat) Write(state, lastStep string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	payload := map[string]any{
		"last_step": lastStep,
		"run_id":    h.runID,
		"seq":       h.seq,
		"stage":     "dispatch",
		"state":     state,
		"workers":   h.agents,
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return
	}
	tmp := h.path + ".tmp"
	if err := contracts.WriteJSONFile(tmp, payload); err != nil {
		return
	}
	_ = os.Rename(tmp, h.path)
}

// MarkerPath returns a worker's DONE marker location.
func MarkerPath(cfg config.Config, runID, worker string) string {
	return filepath.Join(contracts.BundleDir(cfg.Paths.RunsDir, runID, worker), constants.DoneMarkerFileName)
}

// MarkerToken returns the exact token a DONE marker must contain.
func MarkerToken(runID, worker string) string {
	return fmt.Sprintf("DONE %s %s", runID, worker)
}

// WorkerWait is the per-worker outcome of a DONE wait.
type WorkerWait struct {
	Worker    string `json:"worker"`
	Marker    string `json:"marker"`
	Status    string `json:"status"`
	ContentOK bool   `json:"content_ok"`
	Error     string `json:"error"`
}

// WaitResult is the outcome of WaitForDone.
type WaitResult struct {
	Status          string       `json:"status"`
	RunID           string       `json:"run_id"`
	DurationSeconds float64      `json:"duration_seconds"`
	TimeoutSeconds  int          `json:"timeout_seconds"`
	Workers         []WorkerWait `json:"workers"`
	Blocked         int          `json:"blocked,omitempty"`
	Error           string       `json:"error,omitempty"`
	PendingWorkers  []string     `json:"pending_workers,omitempty"`
}

func checkMarker(path, token string) (string, bool, string) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return constants.StatusPending, false, "marker missing"
	}
	if err != nil {
		return constants.StatusPending, false, fmt.Sprintf("marker unreadable: %v", err)
	}
	if !strings.Contains(string(raw), token) {
		return constants.StatusPending, false, fmt.Sprintf("marker content missing token: %s", token)
	}
	return constants.StatusPass, true, ""
}

// WaitForDone polls each worker's DONE marker until all carry the exact
// token or the timeout elapses. An fsnotify watcher on the bundle
// directories shortens the wait when events arrive; polling at the
// configured interval remains the correctness backstop, and a heartbeat
// is written at least once per second.
func WaitForDone(ctx context.Context, cfg config.Config, runID string, workers []string, timeout, pollInterval time.Duration, hb *Heartbeat) WaitResult {
	started := time.Now()
	deadline := started.Add(timeout)
	if pollInterval < 100*time.Millisecond {
		pollInterval = 100 * time.Millisecond
	}

	wake := make(chan struct{}, 1)
	watcher, watchErr := fsnotify.NewWatcher()
	if watchErr == nil {
		defer watcher.Close()
		for _, worker := range workers {
			dir := contracts.BundleDir(cfg.Paths.RunsDir, runID, worker)
			_ = os.MkdirAll(dir, 0o755)
			_ = watcher.Add(dir)
		}
		go func() {
			for {
				select {
				case <-watcher.Events:
					select {
					case wake <- struct{}{}:
					default:
					}
				case <-watcher.Errors:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	perWorker := map[string]*WorkerWait{}
	for _, worker := range workers {
		perWorker[worker] = &WorkerWait{
			Worker: worker,
			Marker: filepath.ToSlash(MarkerPath(cfg, runID, worker)),
			Status: constants.StatusPending,
			Error:  "marker missing",
		}
	}

	sleep := pollInterval
	if sleep > time.Second {
		sleep = time.Second // keep the heartbeat cadence
	}
	for {
		allDone := true
		for _, worker := range workers {
			entry := perWorker[worker]
			status, ok, detail := checkMarker(filepath.FromSlash(entry.Marker), MarkerToken(runID, worker))
			entry.Status = status
			entry.ContentOK = ok
			entry.Error = detail
			if !ok {
				allDone = false
			}
		}
		if hb != nil {
			hb.Write("WAITING", "poll_done_markers")
		}
		if allDone {
			return WaitResult{
				Status:          constants.StatusPass,
				RunID:           runID,
				DurationSeconds: time.Since(started).Seconds(),
				TimeoutSeconds:  int(timeout.Seconds()),
				Workers:         collectWaits(perWorker, workers),
			}
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			break
		}
		select {
		case <-wake:
		case <-time.After(sleep):
		case <-ctx.Done():
		}
	}

	waits := collectWaits(perWorker, workers)
	var pending []string
	for _, entry := range waits {
		if entry.Status != constants.StatusPass {
			pending = append(pending, entry.Worker)
		}
	}
	sort.Strings(pending)
	return WaitResult{
		Status:          constants.StatusBlocked,
		RunID:           runID,
		DurationSeconds: time.Since(started).Seconds(),
		TimeoutSeconds:  int(timeout.Seconds()),
		Workers:         waits,
		Blocked:         len(pending),
		Error:           fmt.Sprintf("DONE.marker timeout after %ds; pending_workers=%s", int(timeout.Seconds()), strings.Join(pending, ",")),
		PendingWorkers:  pending,
	}
}

func collectWaits(perWorker map[string]*WorkerWait, workers []string) []WorkerWait {
	out := make([]WorkerWait, 0, len(workers))
	for _, worker := range workers {
		out = append(out, *perWorker[worker])
	}
	return out
}

// recoverablePatterns classify transient failures eligible for one outer
// retry per worker.
var recoverablePatterns = []string{
	"index.lock",
	"connection reset",
	"could not lock",
	"resource temporarily unavailable",
	"worktree is dirty",
	"display not found",
}

// IsRecoverable reports whether a launch failure is worth one retry.
func IsRecoverable(detail string) bool {
	lowered := strings.ToLower(detail)
	for _, pattern := range recoverablePatterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

// WorkerLaunch records one worker's launch outcome.
type WorkerLaunch struct {
	Worker  string       `json:"worker"`
	Status  string       `json:"status"`
	Detail  string       `json:"detail"`
	Retried bool         `json:"retried"`
	Result  execx.Result `json:"result"`
}

// Report is the full dispatch outcome.
type Report struct {
	Status           string         `json:"status"`
	RunID            string         `json:"run_id"`
	Workers          []string       `json:"workers"`
	StartedAt        string         `json:"started_at"`
	EndedAt          string         `json:"ended_at"`
	Cause            string         `json:"cause,omitempty"`
	Error            string         `json:"error,omitempty"`
	Failures         []string       `json:"failures"`
	PromptValidation map[string]any `json:"prompt_validation,omitempty"`
	Launches         []WorkerLaunch `json:"launches"`
	Wait             *WaitResult    `json:"wait,omitempty"`
	HardTimeoutSecs  int            `json:"hard_timeout_seconds"`
	Heartbeat        string         `json:"heartbeat"`
}

// Run validates prompts, launches every worker in parallel, and waits for
// the DONE markers under a hard wall-clock timeout.
func Run(ctx context.Context, cfg config.Config, runID string, opts Options) Report {
	opts.fill(cfg)
	hb := NewHeartbeat(cfg, runID, opts.Workers)
	hardTimeout := HardTimeout(len(opts.Workers), opts.PerWorkerBudget)
	report := Report{
		RunID:           runID,
		Workers:         opts.Workers,
		StartedAt:       time.Now().UTC().Format(time.RFC3339),
		Failures:        []string{},
		Launches:        []WorkerLaunch{},
		HardTimeoutSecs: int(hardTimeout.Seconds()),
		Heartbeat:       filepath.ToSlash(hb.path),
	}

	hb.Write("STARTING", "validate_prompt_folder")
	validation := ValidatePromptFolder(cfg, runID, opts.Workers)
	report.PromptValidation = validation
	if validation["status"] != constants.StatusPass {
		hb.Write("BLOCKED", "prompt_validation_failed")
		report.Status = constants.StatusBlocked
		report.Error = "prompt validation failed before dispatch"
		report.EndedAt = time.Now().UTC().Format(time.RFC3339)
		return report
	}

	if len(opts.Launcher) == 0 {
		hb.Write("BLOCKED", "missing_launcher")
		report.Status = constants.StatusBlocked
		report.Error = "worker launcher command is not configured"
		report.EndedAt = time.Now().UTC().Format(time.RFC3339)
		return report
	}

	runCtx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	expected := ExpectedPromptFiles(runID, opts.Workers)
	hb.Write("RUNNING", "launch_workers")

	var mu sync.Mutex
	launchPool := pool.New().WithMaxGoroutines(len(opts.Workers))
	for index, worker := range opts.Workers {
		index, worker := index, worker
		launchPool.Go(func() {
			// Stagger launches so workers do not contend on startup.
			time.Sleep(time.Duration(index) * opts.BetweenWorkersDelay)
			worktreePath := filepath.Join(cfg.Paths.WorktreesDir, worker)
			promptPath := filepath.Join(PromptDir(cfg, runID), expected[worker])
			argv := append(append([]string{}, opts.Launcher...), worktreePath, promptPath)

			result := execx.Run(runCtx, argv, execx.Options{Cwd: cfg.Paths.RepoRoot, Timeout: opts.PerWorkerBudget})
			launch := WorkerLaunch{Worker: worker, Result: result}
			if result.RC != 0 && IsRecoverable(result.Combined()) {
				launch.Retried = true
				result = execx.Run(runCtx, argv, execx.Options{Cwd: cfg.Paths.RepoRoot, Timeout: opts.PerWorkerBudget})
				launch.Result = result
			}
			if result.RC == 0 {
				launch.Status = constants.StatusPass
				launch.Detail = "launched"
			} else {
				launch.Status = constants.StatusBlocked
				launch.Detail = strings.TrimSpace(result.StderrTail)
				if launch.Detail == "" {
					launch.Detail = fmt.Sprintf("launcher exited rc=%d", result.RC)
				}
			}
			mu.Lock()
			report.Launches = append(report.Launches, launch)
			if launch.Status != constants.StatusPass {
				report.Failures = append(report.Failures, fmt.Sprintf("%s: %s", worker, launch.Detail))
			}
			mu.Unlock()
			hb.Write("RUNNING", "launched_"+worker)
		})
	}
	launchPool.Wait()
	sort.Slice(report.Launches, func(i, j int) bool { return report.Launches[i].Worker < report.Launches[j].Worker })

	if runCtx.Err() != nil {
		report.Status = constants.StatusBlocked
		report.Cause = "TIMEOUT_HARD"
		report.Error = fmt.Sprintf("dispatch exceeded hard timeout (%ds)", int(hardTimeout.Seconds()))
		report.Failures = append(report.Failures, report.Error)
		writeTimeoutReport(cfg, runID, hardTimeout, opts.Workers)
		hb.Write("TIMEOUT_HARD", "timeout_report_written")
		report.EndedAt = time.Now().UTC().Format(time.RFC3339)
		return report
	}

	hb.Write("RUNNING", "wait_done_markers")
	wait := WaitForDone(runCtx, cfg, runID, opts.Workers, opts.DoneTimeout, opts.PollInterval, hb)
	report.Wait = &wait
	if wait.Status != constants.StatusPass {
		report.Failures = append(report.Failures, wait.Error)
		if runCtx.Err() != nil {
			report.Cause = "TIMEOUT_HARD"
			writeTimeoutReport(cfg, runID, hardTimeout, opts.Workers)
		}
	}

	sort.Strings(report.Failures)
	if len(report.Failures) == 0 {
		report.Status = constants.StatusPass
		hb.Write("PASS", "dispatch_complete")
	} else {
		report.Status = constants.StatusBlocked
		hb.Write("BLOCKED", "dispatch_complete")
	}
	report.EndedAt = time.Now().UTC().Format(time.RFC3339)
	log.Printf("dispatch run=%s status=%s failures=%d", runID, report.Status, len(report.Failures))
	return report
}

func writeTimeoutReport(cfg config.Config, runID string, hardTimeout time.Duration, workers []string) {
	target := filepath.Join(contracts.RunDir(cfg.Paths.RunsDir, runID), "_debug", constants.TimeoutReportFileName)
	_ = contracts.WriteJSONFile(target, map[string]any{
		"cause":                "TIMEOUT_HARD",
		"hard_timeout_seconds": int(hardTimeout.Seconds()),
		"last_step":            "waiting_for_workers",
		"run_id":               runID,
		"stage":                "dispatch",
		"workers":              workers,
	})
}
