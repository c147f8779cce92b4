package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitechos/factory/pkg/console"
	"github.com/hitechos/factory/pkg/constants"
	"github.com/hitechos/factory/pkg/contracts"
	"github.com/hitechos/factory/pkg/dispatch"
	"github.com/hitechos/factory/pkg/doctor"
	"github.com/hitechos/factory/pkg/integrator"
	"github.com/hitechos/factory/pkg/preflight"
	"github.com/hitechos/factory/pkg/schemas"
	"github.com/hitechos/factory/pkg/smoke"
	"github.com/hitechos/factory/pkg/worktrees"
)

// NewContractsCheckCommand validates the schema registry and the contracts
// registry file.
func NewContractsCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "contracts-check",
		Short:   "Validate factory contracts and schema registry",
		GroupID: "setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			schemaResult := schemas.ContractsCheck()
			payload := map[string]any{
				"status":  schemaResult["status"],
				"schemas": schemaResult,
			}
			registry, registryErr := contracts.LoadRegistry(rt.Config.Paths.RepoRoot)
			if registryErr != nil {
				payload["status"] = constants.StatusBlocked
				payload["registry_error"] = registryErr.Error()
			} else {
				payload["registry_version"] = registry["schema_version"]
				payload["workers"] = registry["workers"]
			}
			return emit(payload)
		},
	}
}

// NewDoctorCommand checks the local factory setup.
func NewDoctorCommand() *cobra.Command {
	var removeStaleLocks bool
	cmd := &cobra.Command{
		Use:     "doctor",
		Short:   "Check local factory setup and contracts",
		GroupID: "setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return emit(doctor.Run(doctor.Options{
				RepoRoot:         resolveRepoRoot(cmd.Context()),
				ConfigPath:       globals.ConfigPath,
				RemoveStaleLocks: removeStaleLocks,
			}))
		},
	}
	cmd.Flags().BoolVar(&removeStaleLocks, "remove-stale-locks", false, "Remove locks whose owning process is gone")
	return cmd
}

// NewInitRunCommand creates the run folder and manifest.
func NewInitRunCommand() *cobra.Command {
	var runID, kind, baseRef string
	cmd := &cobra.Command{
		Use:     "init-run",
		Short:   "Create deterministic run folder and manifest",
		GroupID: "execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			return emit(initRun(cmd.Context(), rt, kind, runID, baseRef))
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Optional explicit run id")
	cmd.Flags().StringVar(&kind, "kind", "factory", "Run type prefix")
	cmd.Flags().StringVar(&baseRef, "base-ref", "HEAD", "Base git ref for the run")
	return cmd
}

// NewPreflightCommand runs the environment checks.
func NewPreflightCommand() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:     "preflight",
		Short:   "Run factory preflight checks",
		GroupID: "setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			return emit(preflight.Run(rt.Config, runID))
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Optional run id for log emission")
	return cmd
}

// NewWorktreesCommand manages the fixed worker worktrees.
func NewWorktreesCommand() *cobra.Command {
	var runID, workersCSV, baseRef string
	var dryRun bool
	cmd := &cobra.Command{
		Use:       "worktrees <create|verify|sync|open>",
		Short:     "Manage worker worktrees",
		GroupID:   "execution",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"create", "verify", "sync", "open"},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			workers := parseWorkers(workersCSV)
			var report worktrees.OperationReport
			switch args[0] {
			case "create":
				report = worktrees.Create(cmd.Context(), rt.Config, runID, workers, baseRef, dryRun)
			case "verify":
				report = worktrees.Verify(cmd.Context(), rt.Config, runID, workers)
			case "sync":
				report = worktrees.Sync(cmd.Context(), rt.Config, runID, workers, dryRun)
			case "open":
				report = worktrees.Open(cmd.Context(), rt.Config, runID, workers, dryRun)
			default:
				return emitError(fmt.Errorf("unsupported worktree action: %s", args[0]))
			}
			payload := map[string]any{
				"status":    report.Status,
				"operation": report.Operation,
				"report":    report,
				"invariant": worktrees.CheckInvariant(rt.Config, constants.Workers),
			}
			return emit(payload)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id owning the operation")
	cmd.Flags().StringVar(&workersCSV, "workers", "", "Comma-separated worker IDs")
	cmd.Flags().StringVar(&baseRef, "base-ref", "HEAD", "Base git ref for new worktrees")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report without touching git")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

// NewBundleInitCommand scaffolds worker bundles.
func NewBundleInitCommand() *cobra.Command {
	var runID, workersCSV string
	cmd := &cobra.Command{
		Use:     "bundle-init",
		Short:   "Scaffold worker bundles for a run",
		GroupID: "execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			payload, scaffoldErr := contracts.ScaffoldAll(rt.Config, runID, parseWorkers(workersCSV))
			if scaffoldErr != nil {
				return emitError(scaffoldErr)
			}
			payload["status"] = constants.StatusPass
			return emit(payload)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to scaffold")
	cmd.Flags().StringVar(&workersCSV, "workers", "", "Comma-separated worker IDs")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

// NewBundleValidateCommand validates bundle shape and schemas.
func NewBundleValidateCommand() *cobra.Command {
	var runID, workersCSV string
	cmd := &cobra.Command{
		Use:     "bundle-validate",
		Short:   "Validate bundle structure and schemas",
		GroupID: "execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			return emit(contracts.ValidateRun(rt.Config, runID, parseWorkers(workersCSV)))
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to validate")
	cmd.Flags().StringVar(&workersCSV, "workers", "", "Comma-separated worker IDs")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

// NewIntegrateCommand runs the integrator pipeline.
func NewIntegrateCommand() *cobra.Command {
	var runID, workersCSV string
	var strictCollision, allowIdentical bool
	cmd := &cobra.Command{
		Use:     "integrate",
		Short:   "Run the integrator pipeline",
		GroupID: "execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			var strictPtr, allowPtr *bool
			if cmd.Flags().Changed("strict-collision-mode") {
				strictPtr = &strictCollision
			}
			if cmd.Flags().Changed("allow-identical-patch-overlap") {
				allowPtr = &allowIdentical
			}
			rt, err := loadRuntime(cmd.Context(), cliRunOverrides("", strictPtr, allowPtr))
			if err != nil {
				return emitError(err)
			}
			result := integrator.Run(cmd.Context(), rt.Config, rt.Ledger, runID, parseWorkers(workersCSV), nil)
			return emit(map[string]any{
				"status": result.Status,
				"result": result,
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to integrate")
	cmd.Flags().StringVar(&workersCSV, "workers", "", "Comma-separated worker IDs")
	cmd.Flags().BoolVar(&strictCollision, "strict-collision-mode", true, "Treat shared paths as blockers")
	cmd.Flags().BoolVar(&allowIdentical, "allow-identical-patch-overlap", false, "Downgrade byte-identical patch overlaps to WARN")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

// NewLaunchCommand chains preflight, init-run, worktree create, and bundle
// scaffold.
func NewLaunchCommand() *cobra.Command {
	var runID, workersCSV, baseRef string
	var dryRun bool
	cmd := &cobra.Command{
		Use:     "launch",
		Short:   "One-command preflight + run init + worktree + bundle scaffold",
		GroupID: "execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), cliRunOverrides(baseRef, nil, nil))
			if err != nil {
				return emitError(err)
			}
			return emit(launchRun(cmd.Context(), rt, runID, parseWorkers(workersCSV), baseRef, dryRun, true))
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Optional run id")
	cmd.Flags().StringVar(&workersCSV, "workers", "", "Comma-separated worker IDs")
	cmd.Flags().StringVar(&baseRef, "base-ref", "HEAD", "Base git ref for the run")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report without touching git")
	return cmd
}

// NewWaitDoneCommand waits for worker DONE markers.
func NewWaitDoneCommand() *cobra.Command {
	var runID, workersCSV string
	var timeoutSeconds int
	var pollSeconds float64
	cmd := &cobra.Command{
		Use:     "wait-done",
		Short:   "Wait for all worker DONE markers",
		GroupID: "execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			spin := console.NewSpinner(fmt.Sprintf("Waiting for DONE markers (%s)", runID))
			spin.Start()
			result := dispatch.WaitForDone(cmd.Context(), rt.Config, runID, parseWorkers(workersCSV),
				time.Duration(timeoutSeconds)*time.Second,
				time.Duration(pollSeconds*float64(time.Second)), nil)
			spin.Stop()
			return emit(map[string]any{
				"status": result.Status,
				"result": result,
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to wait for")
	cmd.Flags().StringVar(&workersCSV, "workers", "", "Comma-separated worker IDs subset")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout-seconds", 3600, "Wait budget")
	cmd.Flags().Float64Var(&pollSeconds, "poll-seconds", 2.0, "Poll interval")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

// NewOneshotCommand runs the full pipeline end to end.
func NewOneshotCommand() *cobra.Command {
	var runID, workersCSV, baseRef string
	var launcher []string
	var dryRun bool
	var strictCollision, allowIdentical bool
	cmd := &cobra.Command{
		Use:     "oneshot",
		Short:   "Run preflight -> launch -> dispatch -> bundle-validate -> integrate -> summary",
		GroupID: "execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			var strictPtr, allowPtr *bool
			if cmd.Flags().Changed("strict-collision-mode") {
				strictPtr = &strictCollision
			}
			if cmd.Flags().Changed("allow-identical-patch-overlap") {
				allowPtr = &allowIdentical
			}
			rt, err := loadRuntime(cmd.Context(), cliRunOverrides(baseRef, strictPtr, allowPtr))
			if err != nil {
				return emitError(err)
			}
			return emit(oneshot(cmd.Context(), rt, oneshotOptions{
				RunID:    runID,
				Workers:  parseWorkers(workersCSV),
				BaseRef:  baseRef,
				DryRun:   dryRun,
				Launcher: launcher,
			}))
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Optional explicit run id")
	cmd.Flags().StringVar(&workersCSV, "workers", "", "Comma-separated worker IDs")
	cmd.Flags().StringVar(&baseRef, "base-ref", "HEAD", "Base git ref for the run")
	cmd.Flags().StringSliceVar(&launcher, "launcher", nil, "Worker launcher argv prefix; dispatch is skipped when unset")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report without touching git")
	cmd.Flags().BoolVar(&strictCollision, "strict-collision-mode", true, "Treat shared paths as blockers")
	cmd.Flags().BoolVar(&allowIdentical, "allow-identical-patch-overlap", false, "Downgrade byte-identical patch overlaps to WARN")
	return cmd
}

// NewSelfTestCommand runs the deterministic smoke pipeline.
func NewSelfTestCommand() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:     "self-test",
		Short:   "Run deterministic factory smoke test",
		GroupID: "analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context(), nil)
			if err != nil {
				return emitError(err)
			}
			return emit(smoke.Run(cmd.Context(), rt.Config, rt.Ledger, runID))
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Optional run id")
	return cmd
}

