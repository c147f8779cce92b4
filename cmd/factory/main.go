package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitechos/factory/pkg/cli"
	"github.com/hitechos/factory/pkg/console"
	"github.com/hitechos/factory/pkg/constants"
)

// Build-time variable set by the release pipeline
var (
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:     constants.CLIBinaryName,
	Short:   "Multi-worker build/validation factory coordinator",
	Version: version,
	Long: `Multi-worker build/validation factory

Common Tasks:
  factory doctor                    # Check the local setup
  factory launch                    # Init a run, create worktrees, scaffold bundles
  factory bundle-validate --run-id <id>
  factory integrate --run-id <id>   # Merge worker bundles into the final report
  factory oneshot                   # Run the whole pipeline end to end
  factory ledger --run-id <id>      # Inspect the signed event ledger

Every command prints a single JSON payload and exits with the status code
(0 PASS, 1 FAIL, 2 BLOCKED, 3 PENDING).`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.AddGroup(&cobra.Group{ID: "setup", Title: "Setup Commands:"})
	rootCmd.AddGroup(&cobra.Group{ID: "execution", Title: "Execution Commands:"})
	rootCmd.AddGroup(&cobra.Group{ID: "analysis", Title: "Analysis Commands:"})

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output showing detailed information")
	rootCmd.SetOut(os.Stderr)
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s\n",
		console.FormatInfoMessage(fmt.Sprintf("%s version {{.Version}}", constants.CLIBinaryName))))

	cli.AddGlobalFlags(rootCmd)
	rootCmd.AddCommand(
		cli.NewContractsCheckCommand(),
		cli.NewDoctorCommand(),
		cli.NewInitRunCommand(),
		cli.NewPreflightCommand(),
		cli.NewWorktreesCommand(),
		cli.NewBundleInitCommand(),
		cli.NewBundleValidateCommand(),
		cli.NewIntegrateCommand(),
		cli.NewLaunchCommand(),
		cli.NewWaitDoneCommand(),
		cli.NewOneshotCommand(),
		cli.NewLedgerCommand(),
		cli.NewLedgerReplayCommand(),
		cli.NewSelfTestCommand(),
		cli.NewOpenReportCommand(),
		cli.NewOpenRunCommand(),
		cli.NewPrintReportCommand(),
		cli.NewWatchCommand(),
		cli.NewPromptsCommand(),
	)

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, console.FormatErrorMessage(err.Error()))
		os.Exit(1)
	}
}
