package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// cliVersion is the build version, surfaced in server HELLO frames
	// and health responses.
	cliVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	cliVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "TaskWarden - Governed Task Orchestration Engine",
		Long: `TaskWarden coordinates autonomous workers over a shared task backlog
while keeping every consequential change behind explicit governance.

Features:
  - Lease-based task claiming with heartbeat renewal
  - Authority registry resolving cited sources to governance strength
  - Gatekeeper evidence validation before any completion
  - Mandatory Gavel review for COMPLETED/CANCELLED transitions
  - Circuit breaker that escalates repeated failures
  - Append-only audit ledger of transitions, decisions, and refusals`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newTaskCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newReviewCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newLedgerCommand())
	rootCmd.AddCommand(newAuthorityCommand())

	return rootCmd
}
