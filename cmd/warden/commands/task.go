package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Task lifecycle operations",
		Long: `Create, inspect, and steer tasks.

A task moves PENDING -> IN_PROGRESS -> REVIEWING -> COMPLETED under
worker claims and Gavel review. Admin operations (requeue, unblock,
cancel) are recorded in the ledger with a reason.`,
	}

	cmd.AddCommand(newTaskCreateCommand())
	cmd.AddCommand(newTaskListCommand())
	cmd.AddCommand(newTaskShowCommand())
	cmd.AddCommand(newTaskStateCommand())
	cmd.AddCommand(newTaskRequeueCommand())
	cmd.AddCommand(newTaskUnblockCommand())
	cmd.AddCommand(newTaskCancelCommand())
	cmd.AddCommand(newTaskJustifyCommand())
	cmd.AddCommand(newTaskGateCommand())
	cmd.AddCommand(newTaskDepsCommand())
	cmd.AddCommand(newTaskDagCommand())
	cmd.AddCommand(newTaskDeadLetterCommand())
	cmd.AddCommand(newTaskImportCommand())

	return cmd
}

func newTaskCreateCommand() *cobra.Command {
	var (
		lane        string
		goal        string
		description string
		archetype   string
		priority    string
		effort      string
		urgent      bool
		sources     []string
		dependsOn   []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		Long: `Create a task in PENDING.

Cited sources are resolved against the authority registry at Gatekeeper
time; MANDATORY sources require workspace evidence before the task can
complete. Dependencies must name existing tasks and may not form a
cycle.`,
		Example: `  # Minimal task
  warden task create --lane payments:core --goal "Add retry to charge path" --archetype LOGIC

  # Urgent task citing a security standard
  warden task create --lane payments:core --goal "Rotate webhook secrets" \
    --archetype SEC --priority high --urgent --source SEC-004

  # Task gated on another task
  warden task create --lane payments:core --goal "Enable retries in prod" \
    --archetype PLUMBING --depends-on 7f3c2a10-...`,
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

			task, err := eng.CreateTask(ctx, &engine.CreateTaskRequest{
				Lane:         lane,
				Goal:         goal,
				Description:  description,
				Archetype:    engine.Archetype(strings.ToUpper(archetype)),
				Priority:     engine.Priority(strings.ToLower(priority)),
				Urgent:       urgent,
				Effort:       engine.Effort(strings.ToLower(effort)),
				SourceIDs:    sources,
				Dependencies: dependsOn,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(task)
			}
			fmt.Printf("Created task %s\n\n", task.ID)
			printTaskDetail(task)
			return nil
		},
	}

	cmd.Flags().StringVarP(&lane, "lane", "l", "", "lane (work queue) for the task")
	cmd.Flags().StringVarP(&goal, "goal", "g", "", "one-line statement of the work")
	cmd.Flags().StringVarP(&description, "description", "d", "", "longer brief")
	cmd.Flags().StringVarP(&archetype, "archetype", "a", "", "archetype: LOGIC, API, SEC, DB, TEST, PLUMBING")
	cmd.Flags().StringVar(&priority, "priority", "", "priority: critical, high, normal, low")
	cmd.Flags().StringVar(&effort, "effort", "", "effort hint: small, medium, large")
	cmd.Flags().BoolVar(&urgent, "urgent", false, "jump the queue within the archetype rank")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "cited authority source ids")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "prerequisite task ids")
	cmd.MarkFlagRequired("lane")
	cmd.MarkFlagRequired("goal")
	cmd.MarkFlagRequired("archetype")

	return cmd
}

func newTaskListCommand() *cobra.Command {
	var (
		lane   string
		status string
		worker string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Example: `  # All tasks in a lane
  warden task list --lane payments:core

  # Everything a worker holds
  warden task list --worker agent-1 --status IN_PROGRESS

  # Dead-lettered work
  warden task list --status FAILED`,
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

			filter := stores.TaskFilter{Limit: limit, Offset: offset}
			if lane != "" {
				filter.Lane = &lane
			}
			if status != "" {
				st := stores.TaskStatus(strings.ToUpper(status))
				filter.Status = &st
			}
			if worker != "" {
				filter.WorkerID = &worker
			}

			tasks, err := eng.ListTasks(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(tasks)
			}
			printTaskTable(tasks)
			return nil
		},
	}

	cmd.Flags().StringVarP(&lane, "lane", "l", "", "filter by lane")
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status")
	cmd.Flags().StringVarP(&worker, "worker", "w", "", "filter by worker id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")

	return cmd
}

func newTaskShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task in detail",
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

			task, err := eng.GetTask(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(task)
			}
			printTaskDetail(task)

			if len(task.Dependencies) > 0 {
				deps, ready, err := eng.DependencyStatus(ctx, task.ID)
				if err != nil {
					return err
				}
				fmt.Println()
				if ready {
					fmt.Println("Dependencies satisfied.")
				} else {
					fmt.Println("Waiting on dependencies:")
				}
				for _, dep := range deps {
					fmt.Printf("  %s  %s\n", dep.TaskID, statusColor(dep.Status).Sprint(dep.Status))
				}
			}
			return nil
		},
	}
	return cmd
}

func newTaskStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state <task-id> <to-status>",
		Short: "Request a state transition",
		Long: `Request a direct state transition as a human operator.

Transitions into COMPLETED or CANCELLED are refused here: completion must
go through review (warden review approve) and cancellation through
warden task cancel, so the ledger records a decision for both.`,
		Example: `  # Put a PENDING task straight into a worker-less IN_PROGRESS
  warden task state 7f3c2a10-... IN_PROGRESS`,
		Args: cobra.ExactArgs(2),
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

			task, err := eng.UpdateTaskState(ctx, args[0], engine.Status(strings.ToUpper(args[1])), engine.ActorHuman)
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
	return cmd
}

func newTaskRequeueCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Send a stuck task back to PENDING",
		Long: `Requeue an IN_PROGRESS, REVIEWING, or BLOCKED task.

The holder's lease is voided and the attempt counter advances, so chronic
requeuing still trips the circuit breaker.`,
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

			task, err := eng.RequeueTask(ctx, args[0], reason)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(task)
			}
			fmt.Printf("Task %s requeued (attempt %d)\n", task.ID, task.AttemptCount)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded in the ledger")
	cmd.MarkFlagRequired("reason")

	return cmd
}

func newTaskUnblockCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "unblock <task-id>",
		Short: "Force a BLOCKED task back to PENDING",
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

			task, err := eng.ForceUnblock(ctx, args[0], reason)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(task)
			}
			fmt.Printf("Task %s unblocked\n", task.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded in the ledger")
	cmd.MarkFlagRequired("reason")

	return cmd
}

func newTaskCancelCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Long: `Cancel a task from any non-terminal state.

Cancellation is a Gavel-path operation: the decision and reason are
recorded in the ledger, and any downstream tasks depending on this one
will never become ready.`,
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

			task, err := eng.CancelTask(ctx, args[0], reason)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(task)
			}
			fmt.Printf("Task %s cancelled\n", task.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded in the ledger")
	cmd.MarkFlagRequired("reason")

	return cmd
}

func newTaskJustifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "justify <task-id> <text>",
		Short: "Record an override justification",
		Long: `Record a justification for overriding a STRONG authority source.

STRONG sources accept a recorded justification in place of workspace
evidence; MANDATORY sources do not.`,
		Example: `  warden task justify 7f3c2a10-... "ADR-12 pattern does not apply to batch jobs"`,
		Args:    cobra.ExactArgs(2),
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

			if err := eng.AddJustification(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Justification recorded for %s\n", args[0])
			return nil
		},
	}
	return cmd
}

func newTaskGateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate <task-id>",
		Short: "Dry-run the Gatekeeper",
		Long: `Run the Gatekeeper checks without submitting for review.

Shows which cited sources have workspace evidence, which are missing, and
whether the Test Gate is satisfied. Nothing is written.`,
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

			report, err := eng.CheckGatekeeper(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(report)
			}
			printGatekeeperReport(report)
			return nil
		},
	}
	return cmd
}

func newTaskDepsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deps <task-id>",
		Short: "Show dependency readiness",
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

			deps, ready, err := eng.DependencyStatus(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{"dependencies": deps, "ready": ready})
			}
			if len(deps) == 0 {
				fmt.Println("No dependencies.")
				return nil
			}
			for _, dep := range deps {
				fmt.Printf("%s  %s\n", dep.TaskID, statusColor(dep.Status).Sprint(dep.Status))
			}
			if ready {
				fmt.Println("\nReady to claim.")
			} else {
				fmt.Println("\nNot ready.")
			}
			return nil
		},
	}
	return cmd
}

func newTaskDagCommand() *cobra.Command {
	var lane string

	cmd := &cobra.Command{
		Use:   "dag",
		Short: "Export the dependency graph as DOT",
		Example: `  # Render the payments lane with graphviz
  warden task dag --lane payments:core | dot -Tsvg -o dag.svg`,
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

			dot, err := eng.DependencyGraphDOT(ctx, lane)
			if err != nil {
				return err
			}
			fmt.Print(dot)
			return nil
		},
	}

	cmd.Flags().StringVarP(&lane, "lane", "l", "", "restrict to one lane")

	return cmd
}

func newTaskDeadLetterCommand() *cobra.Command {
	var lane string

	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "List FAILED tasks awaiting triage",
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

			tasks, err := eng.ListDeadLetter(ctx, lane)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(tasks)
			}
			printTaskTable(tasks)
			return nil
		},
	}

	cmd.Flags().StringVarP(&lane, "lane", "l", "", "restrict to one lane")

	return cmd
}
