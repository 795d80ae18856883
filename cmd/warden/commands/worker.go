package commands

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker-side operations",
		Long: `Operations a worker agent performs over its lifetime: heartbeat,
claim, lease renewal, submission for review, and blocking on external
dependencies.

Agents normally drive these over the daemon's Unix socket; the CLI forms
are for operators stepping in by hand and for scripting.`,
	}

	cmd.AddCommand(newWorkerListCommand())
	cmd.AddCommand(newWorkerHeartbeatCommand())
	cmd.AddCommand(newWorkerClaimCommand())
	cmd.AddCommand(newWorkerRenewCommand())
	cmd.AddCommand(newWorkerSubmitCommand())
	cmd.AddCommand(newWorkerBlockCommand())

	return cmd
}

func newWorkerListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered workers",
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

			workers, err := eng.ListWorkers(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(workers)
			}
			printWorkerTable(workers)
			return nil
		},
	}
	return cmd
}

func newWorkerHeartbeatCommand() *cobra.Command {
	var (
		workerID string
		lanes    []string
		tier     string
		capacity int
	)

	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Register or refresh a worker",
		Long: `Report a worker's presence, lanes, tier, and capacity.

A worker that misses heartbeats past the idle timeout is marked offline
by the worker sweep and stops receiving auto-routed work. Heartbeats are
presence, not auth: claiming does not require prior registration.`,
		Example: `  warden worker heartbeat --worker agent-1 --lane payments:core --lane payments:refunds --tier senior --capacity 3`,
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

			worker, err := eng.Heartbeat(ctx, &engine.HeartbeatRequest{
				WorkerID:      workerID,
				Lanes:         lanes,
				Tier:          stores.WorkerTier(tier),
				CapacityLimit: capacity,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(worker)
			}
			fmt.Printf("Worker %s is %s (tier %s, capacity %d)\n",
				worker.WorkerID, workerStatusColor(worker.Status).Sprint(worker.Status), worker.Tier, worker.CapacityLimit)
			return nil
		},
	}

	cmd.Flags().StringVarP(&workerID, "worker", "w", "", "worker id")
	cmd.Flags().StringSliceVarP(&lanes, "lane", "l", nil, "lanes the worker serves")
	cmd.Flags().StringVar(&tier, "tier", "", "worker tier: senior or standard")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "concurrent task capacity")
	cmd.MarkFlagRequired("worker")
	cmd.MarkFlagRequired("lane")

	return cmd
}

func newWorkerClaimCommand() *cobra.Command {
	var (
		workerID string
		lane     string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next ready task in a lane",
		Long: `Atomically claim the highest-ranked ready task in a lane.

Ranking is archetype order (SEC, DB, LOGIC, API, TEST, PLUMBING), then
urgent, then priority, then age. Tasks with unmet dependencies are
passed over. An empty lane is not an error; nothing is claimed.`,
		Example: `  warden worker claim --lane payments:core --worker agent-1 --ttl 10m`,
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

			task, err := eng.ClaimTask(ctx, lane, workerID, ttl)
			if err != nil {
				return err
			}
			if task == nil {
				fmt.Printf("No claimable tasks in lane %s\n", lane)
				return nil
			}

			if jsonOutput {
				return printJSON(task)
			}
			fmt.Printf("Claimed %s\n\n", task.ID)
			printTaskDetail(task)
			return nil
		},
	}

	cmd.Flags().StringVarP(&workerID, "worker", "w", "", "claiming worker id")
	cmd.Flags().StringVarP(&lane, "lane", "l", "", "lane to claim from")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lease duration (default from config)")
	cmd.MarkFlagRequired("worker")
	cmd.MarkFlagRequired("lane")

	return cmd
}

func newWorkerRenewCommand() *cobra.Command {
	var (
		workerID string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "renew <task-id>",
		Short: "Renew a task lease",
		Args:  cobra.ExactArgs(1),
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

			expiresAt, err := eng.RenewLease(ctx, args[0], workerID, ttl)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{"task_id": args[0], "expires_at": expiresAt})
			}
			fmt.Printf("Lease on %s renewed until %s\n", args[0], expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVarP(&workerID, "worker", "w", "", "lease-holding worker id")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lease duration (default from config)")
	cmd.MarkFlagRequired("worker")

	return cmd
}

func newWorkerSubmitCommand() *cobra.Command {
	var workerID string

	cmd := &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Submit a task for review",
		Long: `Run the Gatekeeper and, if it passes, move the task to REVIEWING with
a generated review packet.

A failing Gatekeeper leaves the task IN_PROGRESS and prints what is
missing. Only the lease holder may submit.`,
		Args: cobra.ExactArgs(1),
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

			packet, report, err := eng.GenerateReviewPacket(ctx, args[0], workerID)
			if err != nil {
				if report != nil && !jsonOutput {
					printGatekeeperReport(report)
				}
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{"packet": packet, "report": report})
			}
			printGatekeeperReport(report)
			fmt.Printf("\nTask %s is now REVIEWING (packet %s, generated %s)\n",
				args[0], packet.SnapshotHash, packet.GeneratedAt.Format(time.RFC3339))
			color.New(color.Faint).Println("Approve with: warden review approve " + args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&workerID, "worker", "w", "", "lease-holding worker id")
	cmd.MarkFlagRequired("worker")

	return cmd
}

func newWorkerBlockCommand() *cobra.Command {
	var (
		workerID string
		reason   string
	)

	cmd := &cobra.Command{
		Use:   "block <task-id>",
		Short: "Park a claimed task on an external dependency",
		Long: `Move an IN_PROGRESS task to BLOCKED and release the worker.

The blocked sweep requeues the task after the configured timeout; an
operator can do it earlier with warden task unblock.`,
		Args: cobra.ExactArgs(1),
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

			task, err := eng.BlockTask(ctx, args[0], workerID, reason)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(task)
			}
			fmt.Printf("Task %s is now %s\n", task.ID, statusColor(task.Status).Sprint(task.Status))
			return nil
		},
	}

	cmd.Flags().StringVarP(&workerID, "worker", "w", "", "lease-holding worker id")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "what the task is waiting on")
	cmd.MarkFlagRequired("worker")
	cmd.MarkFlagRequired("reason")

	return cmd
}
