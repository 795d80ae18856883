package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/taskwarden/taskwarden/pkg/engine"
)

func newSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run maintenance sweeps once",
		Long: `Run one pass of a maintenance sweep.

The daemon runs these periodically; the one-shot forms exist for
debugging and for deployments that schedule sweeps externally
(see also the warden-sweep binary).`,
	}

	cmd.AddCommand(newSweepLeasesCommand())
	cmd.AddCommand(newSweepBlockedCommand())
	cmd.AddCommand(newSweepWorkersCommand())

	return cmd
}

func newSweepLeasesCommand() *cobra.Command {
	var maxStale time.Duration

	cmd := &cobra.Command{
		Use:   "leases",
		Short: "Reclaim expired leases",
		Long: `Requeue IN_PROGRESS and REVIEWING tasks whose lease has expired.

Tasks at the retry threshold are escalated to FAILED instead. Orphaned
review packets are discarded in the same pass. --max-stale adds a grace
beyond expiry: only leases expired for at least that long are touched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			eng, _, cleanup, err := openEngine(ctx, cfg, log.Logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			grace := cfg.Sweeps.LeaseGrace()
			if cmd.Flags().Changed("max-stale") {
				grace = maxStale
			}
			res, err := eng.SweepStaleLeases(ctx, grace)
			if err != nil {
				return err
			}
			return printSweepResult(res)
		},
	}
	cmd.Flags().DurationVar(&maxStale, "max-stale", 0, "Extra staleness required before reclaim (default from config)")
	return cmd
}

func newSweepBlockedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocked",
		Short: "Requeue timed-out BLOCKED tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			eng, _, cleanup, err := openEngine(ctx, cfg, log.Logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := eng.SweepBlockedTasks(ctx)
			if err != nil {
				return err
			}
			return printSweepResult(res)
		},
	}
	return cmd
}

func newSweepWorkersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Mark silent workers offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			eng, _, cleanup, err := openEngine(ctx, cfg, log.Logger, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := eng.SweepOfflineWorkers(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]int64{"workers_offlined": n})
			}
			fmt.Printf("Workers marked offline: %d\n", n)
			return nil
		},
	}
	return cmd
}

func printSweepResult(res *engine.SweepResult) error {
	if jsonOutput {
		return printJSON(res)
	}
	fmt.Printf("Examined:  %d\n", res.Examined)
	fmt.Printf("Requeued:  %d\n", res.Requeued)
	fmt.Printf("Escalated: %d\n", res.Escalated)
	fmt.Printf("Skipped:   %d\n", res.Skipped)
	if res.PacketsDiscarded > 0 {
		fmt.Printf("Packets discarded: %d\n", res.PacketsDiscarded)
	}
	return nil
}
